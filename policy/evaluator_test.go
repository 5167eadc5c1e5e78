package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/signing"
	"sentinelcore/store"
)

func newTestEngine(t *testing.T) (*Engine, *gorm.DB, *audit.Chain, *signing.Service) {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	signer, err := signing.New(context.Background(), db, signing.Config{DevSeed: "policy-test"}, nil)
	require.NoError(t, err)
	chain := audit.New(db, signer)
	metrics := NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(db, chain, metrics, 0)
	return engine, db, chain, signer
}

func ruleJSON(t *testing.T, rule Rule) []byte {
	t.Helper()
	buf, err := json.Marshal(rule)
	require.NoError(t, err)
	return buf
}

func TestEvaluateActionAllowsWithNoMatchingPolicy(t *testing.T) {
	engine, _, _, signer := newTestEngine(t)
	defer signer.Close()

	decision, err := engine.EvaluateAction(context.Background(), Input{Action: "ledger.post"})
	require.NoError(t, err)
	require.Equal(t, store.EffectAllow, decision.Decision)
	require.True(t, decision.Allowed)
}

func TestEvaluateActionDenyBeatsQuarantine(t *testing.T) {
	engine, db, _, signer := newTestEngine(t)
	defer signer.Close()

	denyRule := Rule{Comparator: ComparatorEq, Path: "action", Value: "ledger.post"}
	quarantineRule := Rule{Comparator: ComparatorEq, Path: "action", Value: "ledger.post"}

	require.NoError(t, db.Create(&store.Policy{
		ID: uuid.New(), Name: "deny-policy", Version: 1, Severity: store.SeverityLow,
		Rule: ruleJSON(t, denyRule), Effect: store.EffectDeny, State: store.PolicyStateActive,
		CreatedBy: "test",
	}).Error)
	require.NoError(t, db.Create(&store.Policy{
		ID: uuid.New(), Name: "quarantine-policy", Version: 1, Severity: store.SeverityLow,
		Rule: ruleJSON(t, quarantineRule), Effect: store.EffectQuarantine, State: store.PolicyStateActive,
		CreatedBy: "test",
	}).Error)

	decision, err := engine.EvaluateAction(context.Background(), Input{Action: "ledger.post"})
	require.NoError(t, err)
	require.Equal(t, store.EffectDeny, decision.Decision)
	require.False(t, decision.Allowed)
}

func TestEvaluateActionCanaryZeroPercentStaysAllow(t *testing.T) {
	engine, db, _, signer := newTestEngine(t)
	defer signer.Close()

	rule := Rule{Comparator: ComparatorEq, Path: "action", Value: "delete"}
	require.NoError(t, db.Create(&store.Policy{
		ID: uuid.New(), Name: "canary-policy", Version: 1, Severity: store.SeverityMedium,
		Rule: ruleJSON(t, rule), Effect: store.EffectDeny, State: store.PolicyStateCanary,
		CanaryPercent: 0, CreatedBy: "test",
	}).Error)

	decision, err := engine.EvaluateAction(context.Background(), Input{Action: "delete", RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, store.EffectAllow, decision.Decision)
}

func TestActiveCacheRespectsTTLAndInvalidate(t *testing.T) {
	_, db, _, signer := newTestEngine(t)
	defer signer.Close()

	cache := newActiveCache(db, time.Hour)
	first, err := cache.activePolicies(context.Background())
	require.NoError(t, err)
	require.Empty(t, first)

	require.NoError(t, db.Create(&store.Policy{
		ID: uuid.New(), Name: "late-policy", Version: 1, Severity: store.SeverityLow,
		Rule: ruleJSON(t, Rule{Comparator: ComparatorExists, Path: "action"}),
		Effect: store.EffectAllow, State: store.PolicyStateActive, CreatedBy: "test",
	}).Error)

	stale, err := cache.activePolicies(context.Background())
	require.NoError(t, err)
	require.Empty(t, stale, "cache should still be serving the pre-TTL snapshot")

	cache.invalidate()
	fresh, err := cache.activePolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, fresh, 1)
}
