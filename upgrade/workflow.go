package upgrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/signing"
	"sentinelcore/store"
)

var (
	ErrQuorumNotReached  = errors.New("upgrade: QuorumNotReached")
	ErrApproverNotInPool = errors.New("upgrade: approver not in configured pool")
	ErrDuplicateApproval = errors.New("upgrade: approver already submitted an approval")
	ErrAlreadyDecided    = errors.New("upgrade: upgrade already applied or rejected")
)

// Preconditions is a pluggable hook the caller supplies to gate quorum
// detection (e.g. tests passing, a canary run completing cleanly); a
// nil func is treated as always-pass.
type Preconditions func(ctx context.Context, u store.Upgrade) (bool, error)

// ApplySideEffect performs the domain action an upgrade unlocks (e.g.
// promoting a policy to active); invoked once quorum+preconditions are
// satisfied, inside the same transaction as the state transition.
type ApplySideEffect func(ctx context.Context, tx *gorm.DB, u store.Upgrade) error

// Workflow drives the Upgrade manifest/approval/quorum/apply lifecycle.
type Workflow struct {
	db                       *gorm.DB
	chain                    *audit.Chain
	signer                   *signing.Service
	pool                     *ApproverPool
	preconditions            Preconditions
	applySideEffect          ApplySideEffect
	defaultRequiredApprovals int
}

// New constructs a Workflow. preconditions and applySideEffect may be
// nil (always-pass / no-op respectively). The configured N (default
// 3-of-M) is applied to any Upgrade created without an explicit
// RequiredApprovals.
func New(db *gorm.DB, chain *audit.Chain, signer *signing.Service, pool *ApproverPool, preconditions Preconditions, applySideEffect ApplySideEffect) *Workflow {
	return &Workflow{db: db, chain: chain, signer: signer, pool: pool, preconditions: preconditions, applySideEffect: applySideEffect, defaultRequiredApprovals: DefaultRequiredApprovals}
}

// WithDefaultRequiredApprovals overrides N for upgrades created without
// an explicit RequiredApprovals.
func (w *Workflow) WithDefaultRequiredApprovals(n int) *Workflow {
	if n > 0 {
		w.defaultRequiredApprovals = n
	}
	return w
}

// Create builds the manifest, persists it in state `pending_approval`,
// and emits `upgrade.created`.
func (w *Workflow) Create(ctx context.Context, u *store.Upgrade) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.RequiredApprovals == 0 {
		u.RequiredApprovals = w.defaultRequiredApprovals
	}
	u.State = store.UpgradeStatePendingApproval
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hash, err := ManifestHash(manifestFromUpgrade(*u))
		if err != nil {
			return err
		}
		u.ManifestHash = hash
		if err := tx.Create(u).Error; err != nil {
			return fmt.Errorf("upgrade: create manifest: %w", err)
		}
		if w.chain != nil {
			payload := map[string]any{
				"upgrade_id": u.ID, "type": u.Type, "manifest_hash": u.ManifestHash,
				"proposed_by": u.ProposedBy, "target_policy_id": u.TargetPolicyID,
			}
			if _, err := w.chain.AppendTx(ctx, tx, "upgrade", "upgrade.created", payload); err != nil {
				return fmt.Errorf("upgrade: audit created: %w", err)
			}
		}
		return nil
	})
}

// Approve validates and records one approver's signature over the
// manifest hash, then advances the upgrade to `quorum_reached` once N
// distinct valid approvals exist and preconditions pass.
func (w *Workflow) Approve(ctx context.Context, upgradeID uuid.UUID, approverID, signatureB64, notes string) error {
	if !w.pool.Contains(approverID) {
		return ErrApproverNotInPool
	}

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u store.Upgrade
		if err := tx.Where("id = ?", upgradeID).First(&u).Error; err != nil {
			return fmt.Errorf("upgrade: load upgrade: %w", err)
		}
		if u.State == store.UpgradeStateApplied || u.State == store.UpgradeStateRejected {
			return ErrAlreadyDecided
		}

		var existing store.UpgradeApproval
		err := tx.Where("upgrade_id = ? AND approver_id = ?", upgradeID, approverID).First(&existing).Error
		if err == nil {
			return ErrDuplicateApproval
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("upgrade: check duplicate approval: %w", err)
		}

		if err := w.signer.Verify(ctx, []byte(u.ManifestHash), signatureB64, approverID); err != nil {
			return fmt.Errorf("upgrade: approval signature invalid: %w", err)
		}

		approval := store.UpgradeApproval{
			ID: uuid.New(), UpgradeID: upgradeID, ApproverID: approverID,
			Signature: signatureB64, Notes: notes, CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&approval).Error; err != nil {
			return fmt.Errorf("upgrade: insert approval: %w", err)
		}
		if w.chain != nil {
			if _, err := w.chain.AppendTx(ctx, tx, "upgrade", "approval.submitted", map[string]any{
				"upgrade_id": upgradeID, "approver_id": approverID,
			}); err != nil {
				return fmt.Errorf("upgrade: audit approval: %w", err)
			}
		}

		validCount, err := w.countValidApprovals(tx, upgradeID)
		if err != nil {
			return err
		}
		if validCount < u.RequiredApprovals || u.State != store.UpgradeStatePendingApproval {
			return nil
		}

		ok := true
		if w.preconditions != nil {
			ok, err = w.preconditions(ctx, u)
			if err != nil {
				return fmt.Errorf("upgrade: evaluate preconditions: %w", err)
			}
		}
		if !ok {
			return nil
		}

		u.State = store.UpgradeStateQuorumReached
		u.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&u).Error; err != nil {
			return fmt.Errorf("upgrade: advance to quorum_reached: %w", err)
		}
		if w.chain != nil {
			if _, err := w.chain.AppendTx(ctx, tx, "upgrade", "upgrade.quorum_reached", map[string]any{
				"upgrade_id": upgradeID, "valid_approvals": validCount,
			}); err != nil {
				return fmt.Errorf("upgrade: audit quorum: %w", err)
			}
		}
		return nil
	})
}

func (w *Workflow) countValidApprovals(tx *gorm.DB, upgradeID uuid.UUID) (int, error) {
	var approvals []store.UpgradeApproval
	if err := tx.Where("upgrade_id = ?", upgradeID).Find(&approvals).Error; err != nil {
		return 0, fmt.Errorf("upgrade: load approvals: %w", err)
	}
	count := 0
	now := time.Now().UTC()
	for _, a := range approvals {
		if now.Sub(a.CreatedAt) > DefaultApprovalTTL {
			continue
		}
		count++
	}
	return count, nil
}

// Apply re-verifies all signatures, invokes the side effect, and
// transitions the upgrade to `applied`.
func (w *Workflow) Apply(ctx context.Context, upgradeID uuid.UUID, appliedBy string) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u store.Upgrade
		if err := tx.Where("id = ?", upgradeID).First(&u).Error; err != nil {
			return fmt.Errorf("upgrade: load upgrade: %w", err)
		}
		if u.State != store.UpgradeStateQuorumReached {
			return ErrQuorumNotReached
		}

		validCount, err := w.countValidApprovals(tx, upgradeID)
		if err != nil {
			return err
		}
		if validCount < u.RequiredApprovals {
			return ErrQuorumNotReached
		}
		if err := w.verifyAllApprovals(tx, u); err != nil {
			return err
		}

		if w.applySideEffect != nil {
			if err := w.applySideEffect(ctx, tx, u); err != nil {
				return fmt.Errorf("upgrade: apply side effect: %w", err)
			}
		}

		now := time.Now().UTC()
		u.State = store.UpgradeStateApplied
		u.AppliedBy = &appliedBy
		u.AppliedAt = &now
		u.UpdatedAt = now
		if err := tx.Save(&u).Error; err != nil {
			return fmt.Errorf("upgrade: save applied state: %w", err)
		}
		if w.chain != nil {
			if _, err := w.chain.AppendTx(ctx, tx, "upgrade", "upgrade.applied", map[string]any{
				"upgrade_id": upgradeID, "applied_by": appliedBy,
			}); err != nil {
				return fmt.Errorf("upgrade: audit applied: %w", err)
			}
		}
		return nil
	})
}

func (w *Workflow) verifyAllApprovals(tx *gorm.DB, u store.Upgrade) error {
	var approvals []store.UpgradeApproval
	if err := tx.Where("upgrade_id = ?", u.ID).Find(&approvals).Error; err != nil {
		return fmt.Errorf("upgrade: load approvals for verification: %w", err)
	}
	for _, a := range approvals {
		if err := w.signer.Verify(context.Background(), []byte(u.ManifestHash), a.Signature, a.ApproverID); err != nil {
			return fmt.Errorf("upgrade: re-verify approval from %s: %w", a.ApproverID, err)
		}
	}
	return nil
}

// Reject marks an upgrade rejected, used when a signature mismatch,
// expired approval, or pool violation makes it undecidable, and emits
// `upgrade.rejected`.
func (w *Workflow) Reject(ctx context.Context, upgradeID uuid.UUID, reason string) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u store.Upgrade
		if err := tx.Where("id = ?", upgradeID).First(&u).Error; err != nil {
			return fmt.Errorf("upgrade: load upgrade: %w", err)
		}
		if u.State == store.UpgradeStateApplied {
			return ErrAlreadyDecided
		}
		u.State = store.UpgradeStateRejected
		u.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&u).Error; err != nil {
			return fmt.Errorf("upgrade: save rejected state: %w", err)
		}
		if w.chain != nil {
			if _, err := w.chain.AppendTx(ctx, tx, "upgrade", "upgrade.rejected", map[string]any{
				"upgrade_id": upgradeID, "reason": reason,
			}); err != nil {
				return fmt.Errorf("upgrade: audit rejected: %w", err)
			}
		}
		return nil
	})
}

// EmergencyApply is the break-glass path: a privileged actor applies an
// upgrade immediately without waiting for quorum. The upgrade enters
// `emergency_applied` and must be ratified by N approvals within
// window; CheckEmergencyRatification finds it afterward and schedules
// an automated rollback if ratification never completed.
func (w *Workflow) EmergencyApply(ctx context.Context, upgradeID uuid.UUID, actor string, window time.Duration) error {
	if window <= 0 {
		window = DefaultEmergencyRatificationWindow
	}
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u store.Upgrade
		if err := tx.Where("id = ?", upgradeID).First(&u).Error; err != nil {
			return fmt.Errorf("upgrade: load upgrade: %w", err)
		}
		if u.State == store.UpgradeStateApplied || u.State == store.UpgradeStateRejected {
			return ErrAlreadyDecided
		}

		if w.applySideEffect != nil {
			if err := w.applySideEffect(ctx, tx, u); err != nil {
				return fmt.Errorf("upgrade: apply emergency side effect: %w", err)
			}
		}

		now := time.Now().UTC()
		deadline := now.Add(window)
		u.Emergency = true
		u.EmergencyByTS = &deadline
		u.State = store.UpgradeStateEmergencyApplied
		u.AppliedBy = &actor
		u.AppliedAt = &now
		u.UpdatedAt = now
		if err := tx.Save(&u).Error; err != nil {
			return fmt.Errorf("upgrade: save emergency_applied: %w", err)
		}
		if w.chain != nil {
			if _, err := w.chain.AppendTx(ctx, tx, "upgrade", "upgrade.emergency_applied", map[string]any{
				"upgrade_id": upgradeID, "actor": actor, "ratify_by": deadline,
			}); err != nil {
				return fmt.Errorf("upgrade: audit emergency applied: %w", err)
			}
		}
		return nil
	})
}

// CheckEmergencyRatification scans emergency_applied upgrades whose
// ratification window has elapsed without reaching quorum and schedules
// an automated rollback Upgrade for each. Intended to run on a periodic
// timer from cmd/sentineld. An upgrade for which a rollback has already
// been scheduled is stamped with RollbackScheduledAt so subsequent
// sweeps skip it instead of scheduling a duplicate rollback every tick.
func (w *Workflow) CheckEmergencyRatification(ctx context.Context) ([]uuid.UUID, error) {
	var pending []store.Upgrade
	if err := w.db.WithContext(ctx).
		Where("state = ? AND emergency_by_ts < ? AND rollback_scheduled_at IS NULL",
			store.UpgradeStateEmergencyApplied, time.Now().UTC()).
		Find(&pending).Error; err != nil {
		return nil, fmt.Errorf("upgrade: scan emergency upgrades: %w", err)
	}

	var scheduled []uuid.UUID
	for _, u := range pending {
		validCount, err := w.countValidApprovals(w.db.WithContext(ctx), u.ID)
		if err != nil {
			return scheduled, err
		}
		if validCount >= u.RequiredApprovals {
			continue // ratified in time, no rollback needed
		}
		rollback := &store.Upgrade{
			Type: store.UpgradeTypeRollback, TargetPolicyID: u.TargetPolicyID,
			TargetVersion: u.TargetVersion, Rationale: "automated rollback: emergency upgrade not ratified in time",
			ProposedBy: "sentinelcore-automation", RequiredApprovals: 0,
		}
		if err := w.Create(ctx, rollback); err != nil {
			return scheduled, fmt.Errorf("upgrade: create automated rollback for %s: %w", u.ID, err)
		}
		now := time.Now().UTC()
		if err := w.db.WithContext(ctx).Model(&store.Upgrade{}).
			Where("id = ?", u.ID).
			Update("rollback_scheduled_at", now).Error; err != nil {
			return scheduled, fmt.Errorf("upgrade: stamp rollback scheduled for %s: %w", u.ID, err)
		}
		scheduled = append(scheduled, rollback.ID)
	}
	return scheduled, nil
}
