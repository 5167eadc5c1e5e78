package main

import (
	"flag"
	"fmt"
	"io"
)

func runUpgradeCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentinelctl upgrade <create|approve|apply>")
		return 1
	}
	switch args[0] {
	case "create":
		return runUpgradeCreate(args[1:], stdout, stderr)
	case "approve":
		return runUpgradeApprove(args[1:], stdout, stderr)
	case "apply":
		return runUpgradeApply(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown upgrade subcommand: %s\n", args[0])
		return 1
	}
}

func runUpgradeCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upgrade create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var (
		upgradeType    string
		targetPolicyID string
		targetVersion  int
		rationale      string
		impact         string
		proposedBy     string
	)
	fs.StringVar(&upgradeType, "type", "policy_activation", "policy_activation|code|rollback")
	fs.StringVar(&targetPolicyID, "target-policy-id", "", "policy id this upgrade targets")
	fs.IntVar(&targetVersion, "target-version", 0, "policy version this upgrade targets (0 = any)")
	fs.StringVar(&rationale, "rationale", "", "why this upgrade is needed")
	fs.StringVar(&impact, "impact", "", "expected impact")
	fs.StringVar(&proposedBy, "proposed-by", "", "proposer identity")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if rationale == "" {
		fmt.Fprintln(stderr, "--rationale is required")
		return 1
	}

	body := map[string]any{
		"type":        upgradeType,
		"rationale":   rationale,
		"impact":      impact,
		"proposed_by": proposedBy,
	}
	if targetPolicyID != "" {
		body["target_policy_id"] = targetPolicyID
	}
	if targetVersion > 0 {
		body["target_version"] = targetVersion
	}

	resp, err := doRequest(g, "POST", "/upgrade", body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}

func runUpgradeApprove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upgrade approve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var approverID, signature, notes string
	fs.StringVar(&approverID, "approver-id", "", "approver identity (must be in the configured pool)")
	fs.StringVar(&signature, "signature", "", "base64 signature over the manifest hash")
	fs.StringVar(&notes, "notes", "", "optional approval notes")
	id, rest := splitLeadingID(args)
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" || approverID == "" || signature == "" {
		fmt.Fprintln(stderr, "usage: sentinelctl upgrade approve ID --approver-id ID --signature BASE64")
		return 1
	}

	resp, err := doRequest(g, "POST", "/upgrade/"+id+"/approve", map[string]any{
		"approverId": approverID,
		"signature":  signature,
		"notes":      notes,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}

func runUpgradeApply(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("upgrade apply", flag.ContinueOnError)
	fs.SetOutput(stderr)
	g := bindGlobalFlags(fs)
	var (
		emergency     bool
		windowSeconds int
	)
	fs.BoolVar(&emergency, "emergency", false, "break-glass apply without waiting for quorum (requires security-engineer or super-admin role)")
	fs.IntVar(&windowSeconds, "window-seconds", 0, "ratification window for --emergency, in seconds (0 = server default)")
	id, rest := splitLeadingID(args)
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(stderr, "usage: sentinelctl upgrade apply ID [--emergency] [--window-seconds N]")
		return 1
	}

	var body any
	if emergency {
		body = map[string]any{"emergency": true, "window_seconds": windowSeconds}
	}

	resp, err := doRequest(g, "POST", "/upgrade/"+id+"/apply", body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	printJSON(stdout, resp)
	return 0
}
