package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

func runLedgerCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentinelctl ledger post")
		return 1
	}
	switch args[0] {
	case "post":
		return runLedgerPost(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown ledger subcommand: %s\n", args[0])
		return 1
	}
}

// ledgerEntryFile is the shape of --entries-file: a JSON array of
// {account_id, side, amount_cents, currency, meta?}.
type ledgerEntryFile []map[string]any

func runLedgerPost(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger post", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var journalID, entriesFile, contextJSON string
	fs.StringVar(&journalID, "journal-id", "", "journal identifier")
	fs.StringVar(&entriesFile, "entries-file", "", "path to a JSON array of journal lines")
	fs.StringVar(&contextJSON, "context", "", "optional JSON context object")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if journalID == "" || entriesFile == "" {
		fmt.Fprintln(stderr, "--journal-id and --entries-file are required")
		return 1
	}
	if g.idempotencyKey == "" {
		fmt.Fprintln(stderr, "warning: no --idempotency-key set; a retried post risks a conflicting duplicate")
	}

	raw, err := os.ReadFile(entriesFile)
	if err != nil {
		fmt.Fprintf(stderr, "read entries file: %v\n", err)
		return 1
	}
	var entries ledgerEntryFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		fmt.Fprintf(stderr, "parse entries file: %v\n", err)
		return 1
	}

	body := map[string]any{"journal_id": journalID, "entries": entries}
	if contextJSON != "" {
		var ctxObj map[string]any
		if err := json.Unmarshal([]byte(contextJSON), &ctxObj); err != nil {
			fmt.Fprintf(stderr, "parse --context: %v\n", err)
			return 1
		}
		body["context"] = ctxObj
	}

	resp, err := doRequest(g, "POST", "/ledger/post", body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}
