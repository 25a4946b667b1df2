package estimate

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DefaultCurrentTTL bounds how long a materialized current-estimate row
// serves reads before the worker is expected to have recomputed it. Slightly
// over the monthly cadence so a late run does not leave the dashboard empty.
const DefaultCurrentTTL = 35 * 24 * time.Hour

// CacheEntry is one content-addressed estimate payload.
type CacheEntry struct {
	HomeID       string
	RatePlanID   string
	InputsSha256 string
	MonthsCount  int
	Estimate     *Estimate
	ComputedAt   time.Time
}

// CacheStore is the slice of the storage layer the cache needs. Both tiers
// upsert on their natural keys: (home, plan, hash, monthsCount) for the
// content tier, (home, plan) for the current tier.
type CacheStore interface {
	GetEstimateCache(ctx context.Context, homeID, ratePlanID, inputsSha256 string, monthsCount int) (*CacheEntry, error)
	PutEstimateCache(ctx context.Context, entry *CacheEntry) error
	PutCurrentEstimate(ctx context.Context, entry *CacheEntry, expiresAt time.Time) error
}

// Cache fronts the two estimate tiers: a content-addressed tier keyed by
// inputs hash, and the materialized current estimate per (home, template).
type Cache struct {
	store CacheStore
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(store CacheStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCurrentTTL
	}
	return &Cache{store: store, ttl: ttl, now: time.Now}
}

// Get returns the cached estimate for the exact inputs hash. Misses and read
// failures both come back (nil, false): recomputation is always safe, and a
// broken cache read must not fail the run.
func (c *Cache) Get(ctx context.Context, homeID, ratePlanID, inputsSha256 string, monthsCount int) (*Estimate, bool) {
	entry, err := c.store.GetEstimateCache(ctx, homeID, ratePlanID, inputsSha256, monthsCount)
	if err != nil {
		log.Printf("estimate: cache read for home %s plan %s: %v", homeID, ratePlanID, err)
		return nil, false
	}
	if entry == nil || entry.Estimate == nil {
		return nil, false
	}
	return entry.Estimate, true
}

// Put writes both tiers. The current tier expires ttl after computation.
func (c *Cache) Put(ctx context.Context, entry *CacheEntry) error {
	e := *entry
	if e.ComputedAt.IsZero() {
		e.ComputedAt = c.now().UTC()
	}
	if err := c.store.PutEstimateCache(ctx, &e); err != nil {
		return fmt.Errorf("write estimate cache: %w", err)
	}
	if err := c.store.PutCurrentEstimate(ctx, &e, e.ComputedAt.Add(c.ttl)); err != nil {
		return fmt.Errorf("write current estimate: %w", err)
	}
	return nil
}
