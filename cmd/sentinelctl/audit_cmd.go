package main

import (
	"flag"
	"fmt"
	"io"
)

func runAuditCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentinelctl audit verify")
		return 1
	}
	switch args[0] {
	case "verify":
		return runAuditVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown audit subcommand: %s\n", args[0])
		return 1
	}
}

func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var shard string
	var fromSeq, toSeq int64
	fs.StringVar(&shard, "shard", "default", "audit chain shard to verify")
	fs.Int64Var(&fromSeq, "from-seq", 1, "first sequence number to verify (inclusive)")
	fs.Int64Var(&toSeq, "to-seq", 0, "last sequence number to verify (inclusive)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if toSeq < fromSeq {
		fmt.Fprintln(stderr, "--to-seq must be >= --from-seq")
		return 1
	}

	resp, err := doRequest(g, "POST", "/audit/verify", map[string]any{
		"shard": shard, "from_seq": fromSeq, "to_seq": toSeq,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}
