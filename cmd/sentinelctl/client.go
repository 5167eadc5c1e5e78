package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// globalFlags are the flags common to every subcommand, matching the
// flat per-subcommand FlagSet convention the reference CLI uses.
type globalFlags struct {
	endpoint       string
	token          string
	idempotencyKey string
}

func bindGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.endpoint, "endpoint", envOr("SENTINELCTL_ENDPOINT", "http://localhost:8080"), "sentineld base URL")
	fs.StringVar(&g.token, "token", os.Getenv("SENTINELCTL_TOKEN"), "bearer JWT")
	fs.StringVar(&g.idempotencyKey, "idempotency-key", "", "Idempotency-Key header for mutating requests")
	return g
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitLeadingID pops a leading positional id off args before flag
// parsing: the flag package stops at the first non-flag argument, so
// "upgrade approve ID --approver-id X" would otherwise leave every
// flag unparsed.
func splitLeadingID(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

type apiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// doRequest sends a JSON request to path and decodes the {ok,...} or
// {ok:false,error:{...}} response envelope.
func doRequest(g *globalFlags, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, g.endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if g.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", g.idempotencyKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if ok, _ := decoded["ok"].(bool); !ok {
		errField, _ := decoded["error"].(map[string]any)
		code, _ := errField["code"].(string)
		msg, _ := errField["message"].(string)
		return decoded, &apiError{StatusCode: resp.StatusCode, Code: code, Message: msg}
	}
	return decoded, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
