// Package config loads sentinelcore's runtime configuration from
// environment variables, following the service's documented
// environment contract.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the fully-resolved runtime configuration for cmd/sentineld.
type Config struct {
	Port        string
	DatabaseURL string

	KMSEndpoint string
	SignerKID   string
	RequireKMS  bool
	DevSeed     string

	SignerCachePath string
	AuditMirrorPath string

	UpgradeApproverIDs       []string
	UpgradeApproverPubKeys   map[string]string
	UpgradeRequiredApprovals int

	IdempotencyResponseBodyLimit int

	PolicySeedFile string

	LogFile string

	OTelExporterEndpoint string
	OTelExporterInsecure bool
}

// FromEnv loads and validates configuration, applying the documented
// defaults for every optional variable.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:        normalizePort(getEnvDefault("PORT", "8080")),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		KMSEndpoint: os.Getenv("KMS_ENDPOINT"),
		SignerKID:   os.Getenv("SIGNER_KID"),
		RequireKMS:  parseBoolEnv("REQUIRE_KMS", false),
		DevSeed:     os.Getenv("SIGNER_DEV_SEED"),

		SignerCachePath: getEnvDefault("SIGNER_CACHE_PATH", "./data/signer-cache"),
		AuditMirrorPath: os.Getenv("AUDIT_MIRROR_PATH"),

		UpgradeApproverIDs:       parseCSVEnv("UPGRADE_APPROVER_IDS"),
		UpgradeApproverPubKeys:   parseKVEnv("UPGRADE_APPROVER_PUBKEYS"),
		UpgradeRequiredApprovals: parseIntEnv("UPGRADE_REQUIRED_APPROVALS", 3),

		IdempotencyResponseBodyLimit: parseIntEnv("IDEMPOTENCY_RESPONSE_BODY_LIMIT", 1<<20),

		PolicySeedFile: os.Getenv("POLICY_SEED_FILE"),

		LogFile: os.Getenv("LOG_FILE"),

		OTelExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelExporterInsecure: parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", false),
	}

	if cfg.RequireKMS && cfg.KMSEndpoint == "" {
		return nil, fmt.Errorf("config: REQUIRE_KMS is set but KMS_ENDPOINT is empty")
	}
	if len(cfg.UpgradeApproverIDs) > 0 && cfg.UpgradeRequiredApprovals > len(cfg.UpgradeApproverIDs) {
		return nil, fmt.Errorf("config: UPGRADE_REQUIRED_APPROVALS (%d) exceeds the configured approver pool size (%d)",
			cfg.UpgradeRequiredApprovals, len(cfg.UpgradeApproverIDs))
	}
	pool := make(map[string]struct{}, len(cfg.UpgradeApproverIDs))
	for _, id := range cfg.UpgradeApproverIDs {
		pool[id] = struct{}{}
	}
	for id := range cfg.UpgradeApproverPubKeys {
		if _, ok := pool[id]; !ok {
			return nil, fmt.Errorf("config: UPGRADE_APPROVER_PUBKEYS names %q, which is not in UPGRADE_APPROVER_IDS", id)
		}
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseCSVEnv(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	trimmed := make([]string, 0, len(fields))
	for _, f := range fields {
		if f := strings.TrimSpace(f); f != "" {
			trimmed = append(trimmed, f)
		}
	}
	return trimmed
}

// parseKVEnv parses a comma-separated list of key=value pairs
// (e.g. "approver-1=BASE64,approver-2=BASE64"). Pairs without an "="
// are skipped.
func parseKVEnv(key string) map[string]string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
