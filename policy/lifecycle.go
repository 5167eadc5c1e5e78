package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sentinelcore/audit"
	"sentinelcore/store"
)

// ErrUpgradeRequired is returned when a HIGH/CRITICAL policy attempts to
// enter `active` without a matching applied Upgrade.
var ErrUpgradeRequired = errors.New("policy: UpgradeRequired")

// ErrInvalidTransition is returned for any edge not in the state diagram.
var ErrInvalidTransition = errors.New("policy: invalid state transition")

var allowedTransitions = map[store.PolicyState][]store.PolicyState{
	store.PolicyStateDraft:      {store.PolicyStateSimulating},
	store.PolicyStateSimulating: {store.PolicyStateCanary, store.PolicyStateDraft},
	store.PolicyStateCanary:     {store.PolicyStateActive, store.PolicyStateDraft},
	store.PolicyStateActive:     {store.PolicyStateDeprecated},
	store.PolicyStateDeprecated: {},
}

// Lifecycle manages Policy creation and state transitions, writing a
// PolicyHistory row and invalidating the active-policy cache on every
// change.
type Lifecycle struct {
	db    *gorm.DB
	chain *audit.Chain
	cache *activeCache
}

// NewLifecycle constructs a Lifecycle bound to the same cache instance
// an Engine uses, so a write immediately invalidates evaluation reads.
func NewLifecycle(db *gorm.DB, chain *audit.Chain, engine *Engine) *Lifecycle {
	return &Lifecycle{db: db, chain: chain, cache: engine.cache}
}

// CreateDraft inserts a new policy revision (name, version unique) in
// state `draft`.
func (l *Lifecycle) CreateDraft(ctx context.Context, p *store.Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.State = store.PolicyStateDraft
	if p.Effect == "" {
		p.Effect = store.EffectDeny
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("policy: create draft: %w", err)
		}
		return l.recordHistory(ctx, tx, *p, "", store.PolicyStateDraft, p.CreatedBy, nil)
	})
}

// Transition moves policy id from its current state to target. When
// target is `active` and the policy's severity is HIGH/CRITICAL, an
// applied upgradeID targeting this policy (and, if set, this version)
// is required.
func (l *Lifecycle) Transition(ctx context.Context, id uuid.UUID, target store.PolicyState, actor string, upgradeID *uuid.UUID) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p store.Policy
		if err := tx.Where("id = ?", id).First(&p).Error; err != nil {
			return fmt.Errorf("policy: load policy: %w", err)
		}

		if !isAllowed(p.State, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, target)
		}

		if target == store.PolicyStateActive && p.Severity.HighRisk() {
			ok, err := l.upgradeSatisfies(tx, upgradeID, p)
			if err != nil {
				return err
			}
			if !ok {
				return ErrUpgradeRequired
			}
		}

		from := p.State
		p.State = target
		p.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&p).Error; err != nil {
			return fmt.Errorf("policy: save transition: %w", err)
		}

		if err := l.recordHistory(ctx, tx, p, from, target, actor, upgradeID); err != nil {
			return err
		}

		if l.chain != nil {
			payload := map[string]any{
				"policy_id": p.ID, "name": p.Name, "version": p.Version,
				"from_state": from, "to_state": target, "actor": actor,
			}
			if _, err := l.chain.AppendTx(ctx, tx, "policy", "policy.state_changed", payload); err != nil {
				return fmt.Errorf("policy: audit state change: %w", err)
			}
		}

		return nil
	})
}

func (l *Lifecycle) upgradeSatisfies(tx *gorm.DB, upgradeID *uuid.UUID, p store.Policy) (bool, error) {
	if upgradeID == nil {
		return false, nil
	}
	var u store.Upgrade
	if err := tx.Where("id = ? AND state = ?", *upgradeID, store.UpgradeStateApplied).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("policy: load upgrade: %w", err)
	}
	if u.TargetPolicyID == nil || *u.TargetPolicyID != p.ID {
		return false, nil
	}
	if u.TargetVersion != nil && *u.TargetVersion != p.Version {
		return false, nil
	}
	return true, nil
}

func (l *Lifecycle) recordHistory(ctx context.Context, tx *gorm.DB, p store.Policy, from, to store.PolicyState, actor string, upgradeID *uuid.UUID) error {
	l.invalidateCache()
	history := store.PolicyHistory{
		ID: uuid.New(), PolicyID: p.ID, FromState: from, ToState: to,
		Actor: actor, UpgradeID: upgradeID, OccurredAt: time.Now().UTC(),
	}
	return tx.Create(&history).Error
}

func (l *Lifecycle) invalidateCache() {
	if l.cache != nil {
		l.cache.invalidate()
	}
}

func isAllowed(from, to store.PolicyState) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
