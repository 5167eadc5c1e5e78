package main

import (
	"flag"
	"fmt"
	"io"
)

func runProofsCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentinelctl proofs <generate|get>")
		return 1
	}
	switch args[0] {
	case "generate":
		return runProofsGenerate(args[1:], stdout, stderr)
	case "get":
		return runProofsGet(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown proofs subcommand: %s\n", args[0])
		return 1
	}
}

func runProofsGenerate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("proofs generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var from, to string
	fs.StringVar(&from, "from", "", "range start, RFC3339 (inclusive)")
	fs.StringVar(&to, "to", "", "range end, RFC3339 (exclusive)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if from == "" || to == "" {
		fmt.Fprintln(stderr, "--from and --to are required")
		return 1
	}

	resp, err := doRequest(g, "POST", "/proofs/generate", map[string]any{
		"range": map[string]any{"from_ts": from, "to_ts": to},
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}

func runProofsGet(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("proofs get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: sentinelctl proofs get ID")
		return 1
	}
	resp, err := doRequest(g, "GET", "/proofs/"+rest[0], nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}
