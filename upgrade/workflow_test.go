package upgrade

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/signing"
	"sentinelcore/store"
)

type testApprover struct {
	id   string
	priv ed25519.PrivateKey
}

func newTestApprover(t *testing.T, signer *signing.Service, id string) testApprover {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, signer.Register(store.SignerRecord{
		KID: id, Algorithm: store.AlgorithmEd25519, PublicKey: []byte(pub),
	}))
	return testApprover{id: id, priv: priv}
}

func (a testApprover) sign(manifestHash string) string {
	sig := ed25519.Sign(a.priv, []byte(manifestHash))
	return base64.StdEncoding.EncodeToString(sig)
}

func newTestWorkflow(t *testing.T, pool []string, applySideEffect ApplySideEffect) (*Workflow, *gorm.DB, *signing.Service) {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate(db))

	signer, err := signing.New(context.Background(), db, signing.Config{DevSeed: "upgrade-test"}, nil)
	require.NoError(t, err)
	chain := audit.New(db, signer)

	wf := New(db, chain, signer, NewApproverPool(pool), nil, applySideEffect)
	return wf, db, signer
}

func TestThreeOfFiveUpgradeApplySequence(t *testing.T) {
	approverIDs := []string{"approver-1", "approver-2", "approver-3", "approver-4", "approver-5"}
	applied := false
	wf, db, signer := newTestWorkflow(t, approverIDs, func(ctx context.Context, tx *gorm.DB, u store.Upgrade) error {
		applied = true
		return nil
	})
	defer signer.Close()

	approvers := make([]testApprover, len(approverIDs))
	for i, id := range approverIDs {
		approvers[i] = newTestApprover(t, signer, id)
	}

	targetPolicy := uuid.New()
	u := &store.Upgrade{
		Type: store.UpgradeTypePolicyActivation, TargetPolicyID: &targetPolicy,
		Rationale: "activate high risk policy", ProposedBy: "alice", RequiredApprovals: 3,
	}
	require.NoError(t, wf.Create(context.Background(), u))
	require.Equal(t, store.UpgradeStatePendingApproval, u.State)
	require.NotEmpty(t, u.ManifestHash)

	require.NoError(t, wf.Approve(context.Background(), u.ID, approvers[0].id, approvers[0].sign(u.ManifestHash), ""))
	require.NoError(t, wf.Approve(context.Background(), u.ID, approvers[1].id, approvers[1].sign(u.ManifestHash), ""))

	var reloaded store.Upgrade
	require.NoError(t, db.Where("id = ?", u.ID).First(&reloaded).Error)
	require.Equal(t, store.UpgradeStatePendingApproval, reloaded.State)

	require.ErrorIs(t, wf.Apply(context.Background(), u.ID, "alice"), ErrQuorumNotReached)
	require.False(t, applied)

	require.NoError(t, wf.Approve(context.Background(), u.ID, approvers[2].id, approvers[2].sign(u.ManifestHash), ""))
	require.NoError(t, db.Where("id = ?", u.ID).First(&reloaded).Error)
	require.Equal(t, store.UpgradeStateQuorumReached, reloaded.State)

	require.NoError(t, wf.Apply(context.Background(), u.ID, "alice"))
	require.True(t, applied)

	require.NoError(t, db.Where("id = ?", u.ID).First(&reloaded).Error)
	require.Equal(t, store.UpgradeStateApplied, reloaded.State)
	require.NotNil(t, reloaded.AppliedBy)
	require.Equal(t, "alice", *reloaded.AppliedBy)
}

func TestApproveRejectsApproverOutsidePool(t *testing.T) {
	wf, _, signer := newTestWorkflow(t, []string{"approver-1"}, nil)
	defer signer.Close()

	u := &store.Upgrade{Type: store.UpgradeTypeCode, Rationale: "r", ProposedBy: "alice", RequiredApprovals: 1}
	require.NoError(t, wf.Create(context.Background(), u))

	err := wf.Approve(context.Background(), u.ID, "intruder", "bogus-signature", "")
	require.ErrorIs(t, err, ErrApproverNotInPool)
}

func TestApproveRejectsDuplicateApprovalFromSameApprover(t *testing.T) {
	wf, _, signer := newTestWorkflow(t, []string{"approver-1"}, nil)
	defer signer.Close()
	approver := newTestApprover(t, signer, "approver-1")

	u := &store.Upgrade{Type: store.UpgradeTypeCode, Rationale: "r", ProposedBy: "alice", RequiredApprovals: 5}
	require.NoError(t, wf.Create(context.Background(), u))

	sig := approver.sign(u.ManifestHash)
	require.NoError(t, wf.Approve(context.Background(), u.ID, approver.id, sig, ""))
	err := wf.Approve(context.Background(), u.ID, approver.id, sig, "")
	require.ErrorIs(t, err, ErrDuplicateApproval)
}

func TestApproveRejectsTamperedSignature(t *testing.T) {
	wf, _, signer := newTestWorkflow(t, []string{"approver-1"}, nil)
	defer signer.Close()
	approver := newTestApprover(t, signer, "approver-1")

	u := &store.Upgrade{Type: store.UpgradeTypeCode, Rationale: "r", ProposedBy: "alice", RequiredApprovals: 1}
	require.NoError(t, wf.Create(context.Background(), u))

	badSig := approver.sign("not-the-manifest-hash")
	err := wf.Approve(context.Background(), u.ID, approver.id, badSig, "")
	require.Error(t, err)
}

func TestRejectPreventsFurtherApprovalFlow(t *testing.T) {
	wf, db, signer := newTestWorkflow(t, []string{"approver-1"}, nil)
	defer signer.Close()

	u := &store.Upgrade{Type: store.UpgradeTypeCode, Rationale: "r", ProposedBy: "alice", RequiredApprovals: 1}
	require.NoError(t, wf.Create(context.Background(), u))
	require.NoError(t, wf.Reject(context.Background(), u.ID, "no longer needed"))

	var reloaded store.Upgrade
	require.NoError(t, db.Where("id = ?", u.ID).First(&reloaded).Error)
	require.Equal(t, store.UpgradeStateRejected, reloaded.State)

	err := wf.Apply(context.Background(), u.ID, "alice")
	require.ErrorIs(t, err, ErrQuorumNotReached)
}

func TestEmergencyApplyThenRatificationWindowSchedulesRollbackWhenUnratified(t *testing.T) {
	applied := 0
	wf, db, signer := newTestWorkflow(t, []string{"approver-1"}, func(ctx context.Context, tx *gorm.DB, u store.Upgrade) error {
		applied++
		return nil
	})
	defer signer.Close()

	targetPolicy := uuid.New()
	u := &store.Upgrade{
		Type: store.UpgradeTypePolicyActivation, TargetPolicyID: &targetPolicy,
		Rationale: "break glass", ProposedBy: "oncall", RequiredApprovals: 3,
	}
	require.NoError(t, wf.Create(context.Background(), u))

	require.NoError(t, wf.EmergencyApply(context.Background(), u.ID, "oncall", -time.Second))
	require.Equal(t, 1, applied)

	var reloaded store.Upgrade
	require.NoError(t, db.Where("id = ?", u.ID).First(&reloaded).Error)
	require.Equal(t, store.UpgradeStateEmergencyApplied, reloaded.State)

	scheduled, err := wf.CheckEmergencyRatification(context.Background())
	require.NoError(t, err)
	require.Len(t, scheduled, 1)

	var rollback store.Upgrade
	require.NoError(t, db.Where("id = ?", scheduled[0]).First(&rollback).Error)
	require.Equal(t, store.UpgradeTypeRollback, rollback.Type)
	require.Equal(t, &targetPolicy, rollback.TargetPolicyID)
}

func TestCheckEmergencyRatificationDoesNotScheduleDuplicateRollback(t *testing.T) {
	wf, db, signer := newTestWorkflow(t, []string{"approver-1"}, func(ctx context.Context, tx *gorm.DB, u store.Upgrade) error {
		return nil
	})
	defer signer.Close()

	targetPolicy := uuid.New()
	u := &store.Upgrade{
		Type: store.UpgradeTypePolicyActivation, TargetPolicyID: &targetPolicy,
		Rationale: "break glass", ProposedBy: "oncall", RequiredApprovals: 3,
	}
	require.NoError(t, wf.Create(context.Background(), u))
	require.NoError(t, wf.EmergencyApply(context.Background(), u.ID, "oncall", -time.Second))

	first, err := wf.CheckEmergencyRatification(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	var reloaded store.Upgrade
	require.NoError(t, db.Where("id = ?", u.ID).First(&reloaded).Error)
	require.NotNil(t, reloaded.RollbackScheduledAt)

	second, err := wf.CheckEmergencyRatification(context.Background())
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestEmergencyApplyRatifiedInTimeSchedulesNoRollback(t *testing.T) {
	wf, _, signer := newTestWorkflow(t, []string{"approver-1", "approver-2", "approver-3"}, nil)
	defer signer.Close()

	u := &store.Upgrade{Type: store.UpgradeTypeCode, Rationale: "r", ProposedBy: "oncall", RequiredApprovals: 2}
	require.NoError(t, wf.Create(context.Background(), u))
	require.NoError(t, wf.EmergencyApply(context.Background(), u.ID, "oncall", -time.Second))

	a1 := newTestApprover(t, signer, "approver-1")
	a2 := newTestApprover(t, signer, "approver-2")
	require.NoError(t, wf.Approve(context.Background(), u.ID, a1.id, a1.sign(u.ManifestHash), ""))
	require.NoError(t, wf.Approve(context.Background(), u.ID, a2.id, a2.sign(u.ManifestHash), ""))

	scheduled, err := wf.CheckEmergencyRatification(context.Background())
	require.NoError(t, err)
	require.Empty(t, scheduled)
}
