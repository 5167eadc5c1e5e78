// Package upgrade implements the N-of-M multi-sig Upgrade workflow:
// manifest creation, approval collection, quorum detection, apply,
// break-glass emergency apply, and automated rollback scheduling.
package upgrade

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sentinelcore/canonical"
	"sentinelcore/store"
)

// ManifestPayload is the content-addressed manifest: everything the
// manifest hash covers.
type ManifestPayload struct {
	UpgradeID     uuid.UUID  `json:"upgrade_id"`
	Type          string     `json:"type"`
	TargetPolicy  *uuid.UUID `json:"target_policy_id,omitempty"`
	TargetVersion *int       `json:"target_version,omitempty"`
	Rationale     string     `json:"rationale"`
	Impact        string     `json:"impact"`
	Preconditions any        `json:"preconditions,omitempty"`
	ProposedBy    string     `json:"proposed_by"`
	Timestamp     string     `json:"timestamp"`
}

// ManifestHash computes the SHA-256 hash of the canonicalized manifest,
// hex-encoded, making the manifest content-addressed.
func ManifestHash(payload ManifestPayload) (string, error) {
	canonicalBytes, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("upgrade: canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(sum[:]), nil
}

// ApproverPool validates that a given approver belongs to the
// configured pool of size M, where M >= N (the required quorum).
type ApproverPool struct {
	ids map[string]struct{}
}

// NewApproverPool builds a pool from the configured UPGRADE_APPROVER_IDS
// list.
func NewApproverPool(ids []string) *ApproverPool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &ApproverPool{ids: set}
}

func (p *ApproverPool) Contains(id string) bool {
	_, ok := p.ids[id]
	return ok
}

func (p *ApproverPool) Size() int { return len(p.ids) }

// DefaultApprovalTTL is the approval expiry window (default 14 days).
const DefaultApprovalTTL = 14 * 24 * time.Hour

// DefaultEmergencyRatificationWindow is the break-glass ratification
// deadline (default 48 hours).
const DefaultEmergencyRatificationWindow = 48 * time.Hour

// DefaultRequiredApprovals is N in the default 3-of-5 scheme.
const DefaultRequiredApprovals = 3

func manifestFromUpgrade(u store.Upgrade) ManifestPayload {
	return ManifestPayload{
		UpgradeID: u.ID, Type: string(u.Type), TargetPolicy: u.TargetPolicyID,
		TargetVersion: u.TargetVersion, Rationale: u.Rationale, Impact: u.Impact,
		Preconditions: rawPreconditions(u.Preconditions), ProposedBy: u.ProposedBy,
		Timestamp: u.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func rawPreconditions(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
