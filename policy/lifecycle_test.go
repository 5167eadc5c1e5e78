package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"sentinelcore/store"
)

func TestLifecycleCreateDraftThenPromoteToCanary(t *testing.T) {
	engine, db, chain, signer := newTestEngine(t)
	defer signer.Close()
	defer chain.Close()
	lifecycle := NewLifecycle(db, chain, engine)

	p := &store.Policy{
		Name: "promo-policy", Version: 1, Severity: store.SeverityLow,
		Rule: ruleJSON(t, Rule{Comparator: ComparatorExists, Path: "action"}),
		Effect: store.EffectAllow, CreatedBy: "alice",
	}
	require.NoError(t, lifecycle.CreateDraft(context.Background(), p))
	require.Equal(t, store.PolicyStateDraft, p.State)

	require.NoError(t, lifecycle.Transition(context.Background(), p.ID, store.PolicyStateSimulating, "alice", nil))
	require.NoError(t, lifecycle.Transition(context.Background(), p.ID, store.PolicyStateCanary, "alice", nil))

	var reloaded store.Policy
	require.NoError(t, db.Where("id = ?", p.ID).First(&reloaded).Error)
	require.Equal(t, store.PolicyStateCanary, reloaded.State)

	var history []store.PolicyHistory
	require.NoError(t, db.Where("policy_id = ?", p.ID).Find(&history).Error)
	require.Len(t, history, 3) // create, ->simulating, ->canary
}

func TestLifecycleRejectsInvalidTransition(t *testing.T) {
	engine, db, chain, signer := newTestEngine(t)
	defer signer.Close()
	defer chain.Close()
	lifecycle := NewLifecycle(db, chain, engine)

	p := &store.Policy{
		Name: "skip-policy", Version: 1, Severity: store.SeverityLow,
		Rule: ruleJSON(t, Rule{Comparator: ComparatorExists, Path: "action"}),
		Effect: store.EffectAllow, CreatedBy: "alice",
	}
	require.NoError(t, lifecycle.CreateDraft(context.Background(), p))

	err := lifecycle.Transition(context.Background(), p.ID, store.PolicyStateActive, "alice", nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLifecycleRequiresUpgradeForCriticalActivation(t *testing.T) {
	engine, db, chain, signer := newTestEngine(t)
	defer signer.Close()
	defer chain.Close()
	lifecycle := NewLifecycle(db, chain, engine)

	p := &store.Policy{
		Name: "crit-policy", Version: 1, Severity: store.SeverityCritical,
		Rule: ruleJSON(t, Rule{Comparator: ComparatorExists, Path: "action"}),
		Effect: store.EffectDeny, CreatedBy: "alice",
	}
	require.NoError(t, lifecycle.CreateDraft(context.Background(), p))
	require.NoError(t, lifecycle.Transition(context.Background(), p.ID, store.PolicyStateSimulating, "alice", nil))
	require.NoError(t, lifecycle.Transition(context.Background(), p.ID, store.PolicyStateCanary, "alice", nil))

	err := lifecycle.Transition(context.Background(), p.ID, store.PolicyStateActive, "alice", nil)
	require.ErrorIs(t, err, ErrUpgradeRequired)

	upgradeID := uuid.New()
	require.NoError(t, db.Create(&store.Upgrade{
		ID: upgradeID, Type: store.UpgradeTypePolicyActivation, TargetPolicyID: &p.ID,
		ManifestHash: "deadbeef", ProposedBy: "alice", State: store.UpgradeStateApplied,
		RequiredApprovals: 3,
	}).Error)

	require.NoError(t, lifecycle.Transition(context.Background(), p.ID, store.PolicyStateActive, "alice", &upgradeID))

	var reloaded store.Policy
	require.NoError(t, db.Where("id = ?", p.ID).First(&reloaded).Error)
	require.Equal(t, store.PolicyStateActive, reloaded.State)
}
