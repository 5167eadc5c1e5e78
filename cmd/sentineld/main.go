// Command sentineld is the trust-and-governance core service: it wires
// the signing, audit, idempotency, policy, upgrade, and ledger
// components behind the service's HTTP surface.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/config"
	"sentinelcore/httpapi"
	"sentinelcore/idempotency"
	"sentinelcore/ledger"
	"sentinelcore/observability/logging"
	telemetry "sentinelcore/observability/otel"
	"sentinelcore/policy"
	"sentinelcore/signing"
	"sentinelcore/store"
	"sentinelcore/upgrade"
)

func main() {
	env := strings.TrimSpace(os.Getenv("SENTINEL_ENV"))
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("sentinelcore", env, cfg.LogFile)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "sentinelcore",
		Environment: env,
		Endpoint:    cfg.OTelExporterEndpoint,
		Insecure:    cfg.OTelExporterInsecure,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		logger.Error("init telemetry failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database failed", "error", err)
		os.Exit(1)
	}
	if err := store.AutoMigrate(db); err != nil {
		logger.Error("auto migrate failed", "error", err)
		os.Exit(1)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	signer, err := signing.New(startupCtx, db, signing.Config{
		KMS:             signing.KMSConfig{Endpoint: cfg.KMSEndpoint},
		RequireKMS:      cfg.RequireKMS,
		DevSeed:         cfg.DevSeed,
		SignerKID:       cfg.SignerKID,
		SignerCachePath: cfg.SignerCachePath,
	}, logger)
	if err != nil {
		// REQUIRE_KMS=true with an unreachable KMS must fail startup.
		logger.Error("signing service init failed", "error", err)
		os.Exit(1)
	}
	defer signer.Close()

	if err := registerApproverKeys(signer, cfg.UpgradeApproverPubKeys); err != nil {
		logger.Error("register approver keys failed", "error", err)
		os.Exit(1)
	}

	mirrorOpt, err := audit.WithMirror(cfg.AuditMirrorPath)
	if err != nil {
		logger.Error("open audit mirror failed", "error", err)
		os.Exit(1)
	}
	chain := audit.New(db, signer, mirrorOpt)
	defer chain.Close()

	registry := prometheus.NewRegistry()
	metrics := policy.NewMetrics(registry)
	engine := policy.NewEngine(db, chain, metrics, 5*time.Second)
	lifecycle := policy.NewLifecycle(db, chain, engine)

	if cfg.PolicySeedFile != "" {
		if err := seedPolicies(context.Background(), db, lifecycle, cfg.PolicySeedFile); err != nil {
			logger.Error("policy seed failed", "error", err)
			os.Exit(1)
		}
	}

	pool := upgrade.NewApproverPool(cfg.UpgradeApproverIDs)
	workflow := upgrade.New(db, chain, signer, pool, nil, nil).
		WithDefaultRequiredApprovals(cfg.UpgradeRequiredApprovals)

	poster := ledger.NewPoster(db, chain)
	proofs := ledger.NewProofGenerator(db, signer)
	idem := idempotency.New(db, idempotency.WithBodyLimit(cfg.IdempotencyResponseBodyLimit))

	handler := httpapi.New(httpapi.Deps{
		DB:        db,
		Signer:    signer,
		Chain:     chain,
		Idem:      idem,
		Engine:    engine,
		Lifecycle: lifecycle,
		Workflow:  workflow,
		Poster:    poster,
		Proofs:    proofs,
		Auth:      httpapi.NewAuthenticator(os.Getenv("JWT_SIGNING_SECRET")),
		Log:       logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopEmergencySweep := runEmergencySweep(context.Background(), workflow, logger)
	defer stopEmergencySweep()

	go func() {
		logger.Info("sentineld listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(srv, logger)
}

func waitForShutdown(srv *http.Server, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// runEmergencySweep polls for break-glass upgrades past their
// ratification window and schedules their automated rollback. It
// returns a stop function.
func runEmergencySweep(ctx context.Context, workflow *upgrade.Workflow, logger *slog.Logger) func() {
	ticker := time.NewTicker(5 * time.Minute)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				scheduled, err := workflow.CheckEmergencyRatification(ctx)
				if err != nil {
					logger.Error("emergency ratification sweep failed", "error", err)
					continue
				}
				for _, id := range scheduled {
					logger.Warn("emergency upgrade unratified, rollback scheduled", "upgrade_id", id)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// registerApproverKeys puts each configured approver's Ed25519 public
// key (UPGRADE_APPROVER_PUBKEYS, id=base64 pairs) into the signer
// registry under KID == approver id, so approval signatures verify
// against the approver's registered key.
func registerApproverKeys(signer *signing.Service, pubKeys map[string]string) error {
	for id, pubB64 := range pubKeys {
		pub, err := base64.StdEncoding.DecodeString(pubB64)
		if err != nil {
			return fmt.Errorf("decode public key for approver %s: %w", id, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("public key for approver %s is %d bytes, want %d", id, len(pub), ed25519.PublicKeySize)
		}
		if err := signer.Register(store.SignerRecord{
			KID:         id,
			Algorithm:   store.AlgorithmEd25519,
			PublicKey:   pub,
			DeployedAt:  time.Now().UTC(),
			Description: "upgrade approver key",
		}); err != nil {
			return fmt.Errorf("register approver %s: %w", id, err)
		}
	}
	return nil
}

// seedPolicies loads POLICY_SEED_FILE and creates any policy by that
// name that doesn't already exist, so redeploying onto an
// already-seeded database is a no-op.
func seedPolicies(ctx context.Context, db *gorm.DB, lifecycle *policy.Lifecycle, path string) error {
	doc, err := policy.LoadSeedFile(path)
	if err != nil {
		return err
	}
	existing := func(name string) (bool, error) {
		var count int64
		if err := db.WithContext(ctx).Model(&store.Policy{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return false, err
		}
		return count > 0, nil
	}
	return policy.ApplySeed(ctx, lifecycle, existing, doc)
}
