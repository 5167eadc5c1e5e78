package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"sentinelcore/store"
)

// activeCache is the TTL-bounded in-memory cache of active+canary
// policies the evaluator reads on every decision. It is invalidated on
// any policy write, so staleness is bounded by whichever comes first:
// the TTL (5s by default) or the next write.
type activeCache struct {
	db  *gorm.DB
	ttl time.Duration

	mu        sync.Mutex
	policies  []store.Policy
	loadedAt  time.Time
	valid     bool
}

func newActiveCache(db *gorm.DB, ttl time.Duration) *activeCache {
	return &activeCache{db: db, ttl: ttl}
}

func (c *activeCache) activePolicies(ctx context.Context) ([]store.Policy, error) {
	c.mu.Lock()
	if c.valid && time.Since(c.loadedAt) < c.ttl {
		policies := c.policies
		c.mu.Unlock()
		return policies, nil
	}
	c.mu.Unlock()

	var policies []store.Policy
	if err := c.db.WithContext(ctx).
		Where("state IN ?", []store.PolicyState{store.PolicyStateActive, store.PolicyStateCanary}).
		Find(&policies).Error; err != nil {
		return nil, fmt.Errorf("policy: query active/canary policies: %w", err)
	}

	c.mu.Lock()
	c.policies = policies
	c.loadedAt = time.Now()
	c.valid = true
	c.mu.Unlock()

	return policies, nil
}

// invalidate forces the next activePolicies call to reload from the
// database, used after any policy write (state change or creation).
func (c *activeCache) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
