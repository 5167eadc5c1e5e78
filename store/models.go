// Package store holds the gorm models for every table the core persists
// and the AutoMigrate entrypoint. Mirrors the single shared models package
// convention used by the service this module is grounded on.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Severity enumerates policy severities.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// HighRisk reports whether the severity requires an applied Upgrade before
// a policy may become active.
func (s Severity) HighRisk() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// PolicyState enumerates the policy lifecycle states.
type PolicyState string

const (
	PolicyStateDraft      PolicyState = "draft"
	PolicyStateSimulating PolicyState = "simulating"
	PolicyStateCanary     PolicyState = "canary"
	PolicyStateActive     PolicyState = "active"
	PolicyStateDeprecated PolicyState = "deprecated"
)

// Effect enumerates the decision effects a matched policy can carry.
type Effect string

const (
	EffectAllow      Effect = "allow"
	EffectDeny       Effect = "deny"
	EffectQuarantine Effect = "quarantine"
	EffectRemediate  Effect = "remediate"
)

// SignerAlgorithm enumerates the signature schemes a Signer may use.
type SignerAlgorithm string

const (
	AlgorithmEd25519 SignerAlgorithm = "ed25519"
	AlgorithmRSA     SignerAlgorithm = "rsa-pkcs1v15-sha256"
)

// SignerRecord is a registry entry for a signing key.
type SignerRecord struct {
	KID         string          `gorm:"primaryKey;size:255"`
	Algorithm   SignerAlgorithm `gorm:"size:32;not null"`
	PublicKey   []byte          `gorm:"type:bytea;not null"`
	DeployedAt  time.Time
	Description string `gorm:"size:512"`
	Revoked     bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

// AuditEvent is the append-only hash-chained audit row.
type AuditEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Shard       string    `gorm:"size:64;index:idx_audit_shard_seq,priority:1;not null"`
	Seq         int64     `gorm:"index:idx_audit_shard_seq,priority:2;not null"`
	Type        string    `gorm:"size:128;index;not null"`
	Payload     []byte    `gorm:"type:jsonb;not null"`
	Timestamp   time.Time `gorm:"not null"`
	PrevHash    *string   `gorm:"size:64"`
	Hash        string    `gorm:"size:64;uniqueIndex;not null"`
	Signature   string    `gorm:"type:text;not null"`
	SignerKID   string    `gorm:"size:255;not null"`
	CreatedAt   time.Time
}

// AuditTail tracks the head of each independent chain shard; a row here
// is the tail lock, acquired with SELECT ... FOR UPDATE so only one
// writer appends to a given shard at a time.
type AuditTail struct {
	Shard    string `gorm:"primaryKey;size:64"`
	Seq      int64  `gorm:"not null"`
	HeadHash *string `gorm:"size:64"`
}

// IdempotencyRecord is the keyed row backing the idempotency protocol.
type IdempotencyRecord struct {
	Method       string `gorm:"primaryKey;size:8"`
	Path         string `gorm:"primaryKey;size:512"`
	Key          string `gorm:"primaryKey;size:255"`
	RequestHash  string `gorm:"size:64;not null"`
	Status       int
	ResponseBody []byte `gorm:"type:bytea"`
	Completed    bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
	ExpiresAt    time.Time `gorm:"index"`
}

// Policy is a single versioned policy revision.
type Policy struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Name          string      `gorm:"size:255;uniqueIndex:idx_policy_name_version,priority:1;not null"`
	Version       int         `gorm:"uniqueIndex:idx_policy_name_version,priority:2;not null"`
	Severity      Severity    `gorm:"size:16;not null"`
	Rule          []byte      `gorm:"type:jsonb;not null"`
	Effect        Effect      `gorm:"size:16;not null"`
	CanaryPercent int         `gorm:"not null;default:0"`
	State         PolicyState `gorm:"size:16;index;not null"`
	CreatedBy     string      `gorm:"size:255;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PolicyHistory records every state transition a Policy undergoes.
type PolicyHistory struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey"`
	PolicyID   uuid.UUID   `gorm:"type:uuid;index;not null"`
	FromState  PolicyState `gorm:"size:16;not null"`
	ToState    PolicyState `gorm:"size:16;not null"`
	Actor      string      `gorm:"size:255;not null"`
	UpgradeID  *uuid.UUID  `gorm:"type:uuid"`
	OccurredAt time.Time   `gorm:"not null"`
}

// UpgradeType enumerates the kinds of Upgrade artifacts.
type UpgradeType string

const (
	UpgradeTypePolicyActivation UpgradeType = "policy_activation"
	UpgradeTypeCode             UpgradeType = "code"
	UpgradeTypeRollback         UpgradeType = "rollback"
)

// UpgradeState enumerates the multi-sig workflow states.
type UpgradeState string

const (
	UpgradeStateCreated          UpgradeState = "created"
	UpgradeStatePendingApproval  UpgradeState = "pending_approval"
	UpgradeStateQuorumReached    UpgradeState = "quorum_reached"
	UpgradeStateApplied          UpgradeState = "applied"
	UpgradeStateRejected         UpgradeState = "rejected"
	UpgradeStateEmergencyApplied UpgradeState = "emergency_applied"
)

// Upgrade is the persisted manifest for the N-of-M approval workflow.
type Upgrade struct {
	ID                  uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Type                UpgradeType  `gorm:"size:32;not null"`
	TargetPolicyID      *uuid.UUID   `gorm:"type:uuid;index"`
	TargetVersion       *int
	Rationale           string       `gorm:"type:text"`
	Impact              string       `gorm:"type:text"`
	Preconditions       []byte       `gorm:"type:jsonb"`
	ManifestHash        string       `gorm:"size:64;not null"`
	ProposedBy          string       `gorm:"size:255;not null"`
	State               UpgradeState `gorm:"size:32;index;not null"`
	RequiredApprovals   int          `gorm:"not null"`
	Emergency           bool         `gorm:"not null;default:false"`
	EmergencyByTS       *time.Time
	RollbackScheduledAt *time.Time
	AppliedBy           *string `gorm:"size:255"`
	AppliedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UpgradeApproval is a single approver's signature over the manifest hash.
type UpgradeApproval struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UpgradeID  uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_upgrade_approver,priority:1;not null"`
	ApproverID string    `gorm:"size:255;uniqueIndex:idx_upgrade_approver,priority:2;not null"`
	Signature  string    `gorm:"type:text;not null"`
	Notes      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

// LedgerJournal is a balanced group of journal lines posted atomically.
type LedgerJournal struct {
	ID          string    `gorm:"primaryKey;size:255"`
	Context     []byte    `gorm:"type:jsonb"`
	CorrectsID  *string   `gorm:"size:255;index"`
	PostedAt    time.Time `gorm:"not null;index"`
	CreatedAt   time.Time
	Lines       []LedgerLine `gorm:"foreignKey:JournalID;references:ID"`
}

// LedgerLine is one entry (debit or credit) within a LedgerJournal.
type LedgerLine struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	JournalID   string    `gorm:"size:255;index;not null"`
	AccountID   string    `gorm:"size:255;index;not null"`
	Side        string    `gorm:"size:8;not null"` // "debit" | "credit"
	AmountCents int64     `gorm:"not null"`
	Currency    string    `gorm:"size:16;not null"`
	Metadata    []byte    `gorm:"type:jsonb"`
}

// LedgerProof is persisted metadata for a generated range proof.
type LedgerProof struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	FromTS    time.Time `gorm:"not null"`
	ToTS      time.Time `gorm:"not null"`
	Hash      string    `gorm:"size:64;not null"`
	SignerKID string    `gorm:"size:255;not null"`
	Signature string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// AutoMigrate runs schema migration for every table this service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SignerRecord{},
		&AuditEvent{},
		&AuditTail{},
		&IdempotencyRecord{},
		&Policy{},
		&PolicyHistory{},
		&Upgrade{},
		&UpgradeApproval{},
		&LedgerJournal{},
		&LedgerLine{},
		&LedgerProof{},
	)
}
