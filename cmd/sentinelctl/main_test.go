package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestUsageShownWithNoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runToBuffers(&stdout, &stderr, nil)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "sentinelctl") {
		t.Fatalf("expected usage text, got %q", stderr.String())
	}
}

func TestUnknownCommandFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runToBuffers(&stdout, &stderr, []string{"bogus"})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestLedgerPostMissingFlagsFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runLedgerPost([]string{"--journal-id", "jrn-1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "--entries-file") {
		t.Fatalf("expected missing flag message, got %q", stderr.String())
	}
}

func TestLedgerPostHitsConfiguredEndpoint(t *testing.T) {
	entriesFile := writeTempJSON(t, []map[string]any{
		{"account_id": "cash", "side": "debit", "amount_cents": 100, "currency": "USD"},
		{"account_id": "revenue", "side": "credit", "amount_cents": 100, "currency": "USD"},
	})

	var gotPath, gotAuth, gotIdemKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotIdemKey = r.Header.Get("Idempotency-Key")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "journal_id": body["journal_id"]})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := runLedgerPost([]string{
		"--endpoint", srv.URL,
		"--token", "test-token",
		"--idempotency-key", "idem-1",
		"--journal-id", "jrn-1",
		"--entries-file", entriesFile,
	}, &stdout, &stderr)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if gotPath != "/ledger/post" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotIdemKey != "idem-1" {
		t.Fatalf("idempotency key = %q", gotIdemKey)
	}
	if !strings.Contains(stdout.String(), "jrn-1") {
		t.Fatalf("expected journal id in output, got %q", stdout.String())
	}
}

func TestDoRequestSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]any{"code": "IDEMPOTENCY_CONFLICT", "message": "conflict"},
		})
	}))
	defer srv.Close()

	g := &globalFlags{endpoint: srv.URL}
	_, err := doRequest(g, "POST", "/ledger/post", map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if apiErr.Code != "IDEMPOTENCY_CONFLICT" {
		t.Fatalf("code = %q", apiErr.Code)
	}
}

func writeTempJSON(t *testing.T, v any) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "entries-*.json")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

// runToBuffers adapts run's *os.File signature to bytes.Buffer for
// tests that only need the dispatch-level behavior (usage/unknown
// command), not an actual stdout/stderr file descriptor.
func runToBuffers(stdout, stderr *bytes.Buffer, args []string) int {
	if len(args) == 0 {
		stderr.WriteString(usage())
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
	default:
		stderr.WriteString("unknown command: " + args[0] + "\n" + usage())
		return 1
	}
}
