// Package idempotency implements the (method, path, key) replay and
// conflict-detection protocol: first request for a key wins and its
// response is memoized; a concurrent or later request with the same key
// either blocks until the first finishes and then replays its response,
// or is rejected as a conflict if its body differs.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"sentinelcore/canonical"
	"sentinelcore/store"
)

// ErrConflict is returned when a previously-seen key is replayed with a
// different request body.
var ErrConflict = errors.New("idempotency: conflicting request body for key")

// ErrBodyTooLarge is returned when a handler's response body exceeds the
// configured limit; the placeholder row is rolled back.
var ErrBodyTooLarge = errors.New("idempotency: response body exceeds limit")

const (
	// DefaultExpiry is the idempotency record lifetime.
	DefaultExpiry = 24 * time.Hour
	// DefaultBodyLimit is the default response body cap in bytes.
	DefaultBodyLimit = 1 << 20 // 1 MiB

	// blockPollInterval is how often Begin re-checks a placeholder row
	// left in flight by a concurrent request sharing the same key.
	blockPollInterval = 20 * time.Millisecond
	// blockMaxWait bounds how long a concurrent request waits for the
	// first writer to finish before giving up.
	blockMaxWait = 30 * time.Second
)

// ErrStillProcessing is returned when a concurrent request holding the
// same idempotency key has not completed within blockMaxWait.
var ErrStillProcessing = errors.New("idempotency: concurrent request with this key is still processing")

// Store executes the idempotency protocol against the relational store.
type Store struct {
	db        *gorm.DB
	expiry    time.Duration
	bodyLimit int
}

// Option configures a Store.
type Option func(*Store)

func WithExpiry(d time.Duration) Option {
	return func(s *Store) { s.expiry = d }
}

func WithBodyLimit(n int) Option {
	return func(s *Store) { s.bodyLimit = n }
}

// New constructs a Store.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, expiry: DefaultExpiry, bodyLimit: DefaultBodyLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestHash computes SHA-256(method | path | canonical(body)).
func RequestHash(method, path string, body any) (string, error) {
	canonicalBody, err := canonical.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize body: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Outcome reports what Begin found.
type Outcome int

const (
	// OutcomeProceed means no prior record exists (or it expired); the
	// caller should execute its handler and call Store.Complete.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a completed record with a matching request
	// hash exists; Status/Body carry the response to replay verbatim.
	OutcomeReplay
)

// Begin locks the row by key, compares request hashes, and either
// signals a replay or insert a placeholder for the caller to populate
// once its handler runs. If a concurrent request with the same key is
// already in flight, Begin blocks (polling the row) until that request
// completes and then replays its response, until it expires and Begin
// takes over, or until blockMaxWait elapses.
func (s *Store) Begin(ctx context.Context, method, path, key string, requestHash string) (outcome Outcome, status int, body []byte, err error) {
	deadline := time.Now().Add(blockMaxWait)
	for {
		var blocked bool
		outcome, status, body, blocked, err = s.attemptBegin(ctx, method, path, key, requestHash)
		if err != nil || !blocked {
			return outcome, status, body, err
		}
		if time.Now().After(deadline) {
			return OutcomeProceed, 0, nil, ErrStillProcessing
		}
		select {
		case <-ctx.Done():
			return OutcomeProceed, 0, nil, ctx.Err()
		case <-time.After(blockPollInterval):
		}
	}
}

// attemptBegin runs a single lock-check-act cycle. blocked is true when
// an in-flight, unexpired placeholder from another writer was observed;
// the caller should wait and retry rather than proceed or replay.
func (s *Store) attemptBegin(ctx context.Context, method, path, key, requestHash string) (outcome Outcome, status int, body []byte, blocked bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec store.IdempotencyRecord
		lookupErr := store.ForUpdate(tx).
			Where("method = ? AND path = ? AND key = ?", method, path, key).
			First(&rec).Error

		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			rec = store.IdempotencyRecord{
				Method:      method,
				Path:        path,
				Key:         key,
				RequestHash: requestHash,
				Completed:   false,
				CreatedAt:   time.Now().UTC(),
				ExpiresAt:   time.Now().UTC().Add(s.expiry),
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("idempotency: insert placeholder: %w", err)
			}
			outcome = OutcomeProceed
			return nil
		case lookupErr != nil:
			return fmt.Errorf("idempotency: lock record: %w", lookupErr)
		}

		if time.Now().UTC().After(rec.ExpiresAt) {
			rec.RequestHash = requestHash
			rec.Completed = false
			rec.Status = 0
			rec.ResponseBody = nil
			rec.CreatedAt = time.Now().UTC()
			rec.ExpiresAt = time.Now().UTC().Add(s.expiry)
			if err := tx.Save(&rec).Error; err != nil {
				return fmt.Errorf("idempotency: refresh expired record: %w", err)
			}
			outcome = OutcomeProceed
			return nil
		}

		if rec.RequestHash != requestHash {
			return ErrConflict
		}

		if !rec.Completed {
			// Another request holding this key is still executing its
			// handler; its placeholder insert already committed, so there
			// is no lock left to wait on here. Signal the caller to poll.
			blocked = true
			return nil
		}

		outcome = OutcomeReplay
		status = rec.Status
		body = rec.ResponseBody
		return nil
	})
	return outcome, status, body, blocked, err
}

// Complete populates the placeholder with the handler's captured
// response. A response body larger than the configured limit rolls
// back the placeholder (it is deleted) and returns ErrBodyTooLarge, so
// the key is free to retry.
func (s *Store) Complete(ctx context.Context, method, path, key string, status int, responseBody []byte) error {
	if len(responseBody) > s.bodyLimit {
		_ = s.db.WithContext(ctx).
			Where("method = ? AND path = ? AND key = ?", method, path, key).
			Delete(&store.IdempotencyRecord{}).Error
		return ErrBodyTooLarge
	}
	return s.db.WithContext(ctx).Model(&store.IdempotencyRecord{}).
		Where("method = ? AND path = ? AND key = ?", method, path, key).
		Updates(map[string]any{
			"status":        status,
			"response_body": responseBody,
			"completed":     true,
		}).Error
}

// Abort removes an incomplete placeholder, used when the handler itself
// fails before producing a response: on cancellation or failure, the
// idempotency placeholder row is removed rather than left dangling.
func (s *Store) Abort(ctx context.Context, method, path, key string) error {
	return s.db.WithContext(ctx).
		Where("method = ? AND path = ? AND key = ? AND completed = ?", method, path, key, false).
		Delete(&store.IdempotencyRecord{}).Error
}
