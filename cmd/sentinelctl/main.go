// Command sentinelctl is the operator/approver CLI for sentineld: it
// drives the HTTP surface (policy CRUD, the N-of-M upgrade workflow,
// ledger posting, and proof generation) the way an operator or a
// designated approver would from a terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "policy":
		return runPolicyCommand(args[1:], stdout, stderr)
	case "upgrade":
		return runUpgradeCommand(args[1:], stdout, stderr)
	case "ledger":
		return runLedgerCommand(args[1:], stdout, stderr)
	case "proofs":
		return runProofsCommand(args[1:], stdout, stderr)
	case "sentinel":
		return runSentinelCommand(args[1:], stdout, stderr)
	case "approver":
		return runApproverCommand(args[1:], stdout, stderr)
	case "audit":
		return runAuditCommand(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return `sentinelctl - operate the sentinelcore governance service

Usage:
  sentinelctl policy create --name NAME --severity SEV --effect EFFECT --rule-file FILE
  sentinelctl policy list [--state STATE] [--severity SEV]
  sentinelctl policy get ID
  sentinelctl policy patch-state ID --state STATE [--upgrade-id ID]
  sentinelctl upgrade create --type TYPE --target-policy-id ID --rationale TEXT --impact TEXT
  sentinelctl upgrade approve ID --approver-id ID --signature BASE64
  sentinelctl upgrade apply ID
  sentinelctl ledger post --journal-id ID --entries-file FILE
  sentinelctl proofs generate --from TIME --to TIME
  sentinelctl proofs get ID
  sentinelctl sentinel check --action ACTION --actor-id ID --request-id ID
  sentinelctl approver pubkey --approver-id ID
  sentinelctl approver sign --approver-id ID --manifest-hash HEX
  sentinelctl audit verify --shard SHARD --from-seq N --to-seq M

Global flags: --endpoint (default http://localhost:8080), --token (bearer JWT),
--idempotency-key (sets Idempotency-Key on mutating requests).
`
}
