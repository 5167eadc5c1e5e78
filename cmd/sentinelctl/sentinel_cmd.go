package main

import (
	"flag"
	"fmt"
	"io"
)

func runSentinelCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentinelctl sentinel check")
		return 1
	}
	switch args[0] {
	case "check":
		return runSentinelCheck(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown sentinel subcommand: %s\n", args[0])
		return 1
	}
}

func runSentinelCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sentinel check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var action, actorID, resourceID, requestID string
	fs.StringVar(&action, "action", "", "action being evaluated")
	fs.StringVar(&actorID, "actor-id", "", "acting principal id")
	fs.StringVar(&resourceID, "resource-id", "", "target resource id")
	fs.StringVar(&requestID, "request-id", "", "request id (drives deterministic canary sampling)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if action == "" {
		fmt.Fprintln(stderr, "--action is required")
		return 1
	}

	body := map[string]any{
		"action":     action,
		"actor":      map[string]any{"id": actorID},
		"request_id": requestID,
	}
	if resourceID != "" {
		body["resource"] = map[string]any{"id": resourceID}
	}

	resp, err := doRequest(g, "POST", "/sentinel/check", body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}
