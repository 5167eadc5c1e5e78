package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
)

func runPolicyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentinelctl policy <create|list|get|patch-state>")
		return 1
	}
	switch args[0] {
	case "create":
		return runPolicyCreate(args[1:], stdout, stderr)
	case "list":
		return runPolicyList(args[1:], stdout, stderr)
	case "get":
		return runPolicyGet(args[1:], stdout, stderr)
	case "patch-state":
		return runPolicyPatchState(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown policy subcommand: %s\n", args[0])
		return 1
	}
}

func runPolicyCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var (
		name          string
		severity      string
		effect        string
		canaryPercent int
		createdBy     string
		ruleFile      string
	)
	fs.StringVar(&name, "name", "", "policy name")
	fs.StringVar(&severity, "severity", "LOW", "LOW|MEDIUM|HIGH|CRITICAL")
	fs.StringVar(&effect, "effect", "deny", "allow|deny|quarantine|remediate")
	fs.IntVar(&canaryPercent, "canary-percent", 0, "canary sampling percent (0-100)")
	fs.StringVar(&createdBy, "created-by", "", "creator identity")
	fs.StringVar(&ruleFile, "rule-file", "", "path to a JSON rule-tree document")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" || ruleFile == "" {
		fmt.Fprintln(stderr, "--name and --rule-file are required")
		return 1
	}

	ruleBytes, err := os.ReadFile(ruleFile)
	if err != nil {
		fmt.Fprintf(stderr, "read rule file: %v\n", err)
		return 1
	}
	var rule json.RawMessage
	if err := json.Unmarshal(ruleBytes, &rule); err != nil {
		fmt.Fprintf(stderr, "parse rule file: %v\n", err)
		return 1
	}

	resp, err := doRequest(g, "POST", "/policy", map[string]any{
		"name":           name,
		"severity":       severity,
		"effect":         effect,
		"canary_percent": canaryPercent,
		"created_by":     createdBy,
		"rule":           rule,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}

func runPolicyList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var state, severity string
	fs.StringVar(&state, "state", "", "filter by state")
	fs.StringVar(&severity, "severity", "", "filter by severity")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := "/policy"
	if state != "" || severity != "" {
		path += "?"
		if state != "" {
			path += "state=" + state
		}
		if severity != "" {
			if state != "" {
				path += "&"
			}
			path += "severity=" + severity
		}
	}

	resp, err := doRequest(g, "GET", path, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}

func runPolicyGet(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: sentinelctl policy get ID")
		return 1
	}
	resp, err := doRequest(g, "GET", "/policy/"+rest[0], nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}

func runPolicyPatchState(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy patch-state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var state, actor, upgradeID string
	fs.StringVar(&state, "state", "", "target state")
	fs.StringVar(&actor, "actor", "", "acting operator identity")
	fs.StringVar(&upgradeID, "upgrade-id", "", "applied Upgrade id (required for HIGH/CRITICAL -> active)")
	id, rest := splitLeadingID(args)
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" || state == "" {
		fmt.Fprintln(stderr, "usage: sentinelctl policy patch-state ID --state STATE [--upgrade-id ID]")
		return 1
	}

	body := map[string]any{"state": state, "actor": actor}
	if upgradeID != "" {
		body["upgradeId"] = upgradeID
	}
	resp, err := doRequest(g, "PATCH", "/policy/"+id+"/state", body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}
