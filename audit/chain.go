// Package audit implements a signed, hash-chained append-only event
// log: every state-changing action in the system becomes an AuditEvent
// linked to its predecessor by hash and signed by the configured Signer.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sentinelcore/canonical"
	"sentinelcore/signing"
	"sentinelcore/store"
)

// ErrChainBroken is returned by VerifyRange when a link, hash, or
// signature fails to verify. The system is expected to enter a
// read-only mode pending investigation when this surfaces.
var ErrChainBroken = errors.New("audit: chain broken")

// BrokenChainError carries the offending event so callers can report it.
type BrokenChainError struct {
	EventID uuid.UUID
	Reason  string
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("audit: chain broken at event %s: %s", e.EventID, e.Reason)
}

func (e *BrokenChainError) Unwrap() error { return ErrChainBroken }

// DefaultShard is used by callers that have no independent shard
// concept; the ledger and policy components use their own named shards
// so a break in one chain does not implicate the other.
const DefaultShard = "default"

// hashableEvent is the structure canonicalized and hashed to produce an
// event's hash: {type, payload, prev_hash, ts}.
type hashableEvent struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash *string         `json:"prev_hash"`
	TS       string          `json:"ts"`
}

// Chain appends and verifies events against the relational store, with
// signatures produced and checked through a signing.Service.
type Chain struct {
	db     *gorm.DB
	signer *signing.Service
	mirror *bolt.DB
}

// Option configures an optional local mirror.
type Option func(*Chain)

// WithMirror attaches a best-effort local bbolt mirror of every
// committed event, written after the database transaction commits, for
// long-term durability outside the relational store. Mirror failures
// never fail the append.
func WithMirror(path string) (Option, error) {
	if path == "" {
		return func(*Chain) {}, nil
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open mirror: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("audit_events"))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init mirror bucket: %w", err)
	}
	return func(c *Chain) { c.mirror = db }, nil
}

// New constructs a Chain.
func New(db *gorm.DB, signer *signing.Service, opts ...Option) *Chain {
	c := &Chain{db: db, signer: signer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the local mirror, if any.
func (c *Chain) Close() error {
	if c.mirror != nil {
		return c.mirror.Close()
	}
	return nil
}

// Append runs the append protocol inside a single database transaction:
// lock the shard tail, canonicalize the payload, compute the hash,
// request a signature, and commit the new row and advanced tail
// together. Callers that already hold an outer transaction (e.g. a
// ledger post) should use AppendTx instead, so the domain mutation and
// its audit event share one commit.
func (c *Chain) Append(ctx context.Context, shard, eventType string, payload any) (*store.AuditEvent, error) {
	var event *store.AuditEvent
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		event, err = c.AppendTx(ctx, tx, shard, eventType, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.mirrorBestEffort(event)
	return event, nil
}

// AppendTx performs the append protocol using the caller's transaction,
// so a domain mutation (e.g. a ledger post) and its audit event commit
// or roll back together, with no suspension point between computing the
// hash and inserting the event row.
func (c *Chain) AppendTx(ctx context.Context, tx *gorm.DB, shard, eventType string, payload any) (*store.AuditEvent, error) {
	if shard == "" {
		shard = DefaultShard
	}

	var tail store.AuditTail
	err := store.ForUpdate(tx).
		Where("shard = ?", shard).
		First(&tail).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First event on this shard: seed the tail row, then re-acquire the
		// lock so a concurrent writer racing to create the same shard
		// blocks on the row rather than both observing "absent".
		tail = store.AuditTail{Shard: shard, Seq: 0, HeadHash: nil}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tail).Error; err != nil {
			return nil, fmt.Errorf("audit: seed tail: %w", err)
		}
		if err := store.ForUpdate(tx).
			Where("shard = ?", shard).First(&tail).Error; err != nil {
			return nil, fmt.Errorf("audit: lock seeded tail: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("audit: lock tail: %w", err)
	}

	payloadCanonical, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	// Truncated to microseconds so the stored timestamp survives a
	// round trip through Postgres timestamptz and VerifyRange recomputes
	// the identical hash from the reloaded row.
	ts := time.Now().UTC().Truncate(time.Microsecond)
	hash, err := computeHash(eventType, payloadCanonical, tail.HeadHash, ts)
	if err != nil {
		return nil, err
	}

	sigB64, kid, err := c.signer.Sign(ctx, []byte(hash))
	if err != nil {
		return nil, fmt.Errorf("audit: sign event: %w", err)
	}

	event := &store.AuditEvent{
		ID:        uuid.New(),
		Shard:     shard,
		Seq:       tail.Seq + 1,
		Type:      eventType,
		Payload:   payloadCanonical,
		Timestamp: ts,
		PrevHash:  tail.HeadHash,
		Hash:      hash,
		Signature: sigB64,
		SignerKID: kid,
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	headHash := hash
	newTail := store.AuditTail{Shard: shard, Seq: event.Seq, HeadHash: &headHash}
	if err := tx.Save(&newTail).Error; err != nil {
		return nil, fmt.Errorf("audit: advance tail: %w", err)
	}

	return event, nil
}

func computeHash(eventType string, payloadCanonical []byte, prevHash *string, ts time.Time) (string, error) {
	he := hashableEvent{
		Type:     eventType,
		Payload:  payloadCanonical,
		PrevHash: prevHash,
		TS:       ts.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	canonicalBytes, err := canonical.Marshal(he)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize hashable event: %w", err)
	}
	sum := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Chain) mirrorBestEffort(event *store.AuditEvent) {
	if c.mirror == nil || event == nil {
		return
	}
	buf, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = c.mirror.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("audit_events"))
		if bucket == nil {
			return nil
		}
		key := fmt.Sprintf("%s/%020d", event.Shard, event.Seq)
		return bucket.Put([]byte(key), buf)
	})
}

// VerifyRange replays events in [fromSeq, toSeq] (inclusive) for shard in
// sequence order and re-verifies each hash, link, and signature,
// returning the first offending event. When fromSeq is not the shard's
// genesis sequence, the event immediately preceding the range is loaded
// first so the range's leading prev_hash can be checked against a real
// predecessor rather than against an assumed nil.
func (c *Chain) VerifyRange(ctx context.Context, shard string, fromSeq, toSeq int64) error {
	if shard == "" {
		shard = DefaultShard
	}
	var events []store.AuditEvent
	if err := c.db.WithContext(ctx).
		Where("shard = ? AND seq BETWEEN ? AND ?", shard, fromSeq, toSeq).
		Order("seq ASC").
		Find(&events).Error; err != nil {
		return fmt.Errorf("audit: load range: %w", err)
	}

	var prevHash *string
	if fromSeq > 1 {
		var predecessor store.AuditEvent
		err := c.db.WithContext(ctx).
			Where("shard = ? AND seq = ?", shard, fromSeq-1).
			First(&predecessor).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("audit: load predecessor of seq %d: no event at seq %d", fromSeq, fromSeq-1)
		case err != nil:
			return fmt.Errorf("audit: load predecessor of seq %d: %w", fromSeq, err)
		}
		headHash := predecessor.Hash
		prevHash = &headHash
	}
	for _, event := range events {
		if !hashPtrEqual(prevHash, event.PrevHash) {
			return &BrokenChainError{EventID: event.ID, Reason: "prev_hash does not match predecessor"}
		}
		recomputed, err := computeHash(event.Type, event.Payload, event.PrevHash, event.Timestamp)
		if err != nil {
			return fmt.Errorf("audit: recompute hash for %s: %w", event.ID, err)
		}
		if recomputed != event.Hash {
			return &BrokenChainError{EventID: event.ID, Reason: "hash mismatch"}
		}
		if err := c.signer.Verify(ctx, []byte(event.Hash), event.Signature, event.SignerKID); err != nil {
			return &BrokenChainError{EventID: event.ID, Reason: "signature invalid: " + err.Error()}
		}
		headHash := event.Hash
		prevHash = &headHash
	}
	return nil
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
