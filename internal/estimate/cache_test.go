package estimate

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

type fakeCacheStore struct {
	entries map[string]*CacheEntry
	current map[string]time.Time
	readErr error
	putErr  error
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{
		entries: make(map[string]*CacheEntry),
		current: make(map[string]time.Time),
	}
}

func cacheKey(homeID, ratePlanID, sha string, monthsCount int) string {
	return strings.Join([]string{homeID, ratePlanID, sha, strconv.Itoa(monthsCount)}, "|")
}

func (f *fakeCacheStore) GetEstimateCache(_ context.Context, homeID, ratePlanID, sha string, monthsCount int) (*CacheEntry, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.entries[cacheKey(homeID, ratePlanID, sha, monthsCount)], nil
}

func (f *fakeCacheStore) PutEstimateCache(_ context.Context, entry *CacheEntry) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.entries[cacheKey(entry.HomeID, entry.RatePlanID, entry.InputsSha256, entry.MonthsCount)] = entry
	return nil
}

func (f *fakeCacheStore) PutCurrentEstimate(_ context.Context, entry *CacheEntry, expiresAt time.Time) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.current[entry.HomeID+"|"+entry.RatePlanID] = expiresAt
	return nil
}

func TestCachePutThenGet(t *testing.T) {
	store := newFakeCacheStore()
	c := NewCache(store, 24*time.Hour)
	computedAt := time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

	entry := &CacheEntry{
		HomeID:       "home-1",
		RatePlanID:   "plan-1",
		InputsSha256: "deadbeef",
		MonthsCount:  12,
		Estimate:     &Estimate{Status: StatusOK, AnnualCostDollars: 2136.48},
		ComputedAt:   computedAt,
	}
	if err := c.Put(context.Background(), entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(context.Background(), "home-1", "plan-1", "deadbeef", 12)
	if !ok {
		t.Fatal("Get missed a just-written entry")
	}
	if got.AnnualCostDollars != 2136.48 {
		t.Errorf("annual = %v, want 2136.48", got.AnnualCostDollars)
	}

	expires, ok := store.current["home-1|plan-1"]
	if !ok {
		t.Fatal("current tier not written")
	}
	if want := computedAt.Add(24 * time.Hour); !expires.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", expires, want)
	}
}

func TestCacheGetMissAndReadFailure(t *testing.T) {
	store := newFakeCacheStore()
	c := NewCache(store, 0)

	if _, ok := c.Get(context.Background(), "home-1", "plan-1", "nope", 12); ok {
		t.Error("Get hit on an empty store")
	}

	store.readErr = errors.New("connection refused")
	if _, ok := c.Get(context.Background(), "home-1", "plan-1", "nope", 12); ok {
		t.Error("Get hit despite a read failure")
	}
}

func TestCachePutPropagatesWriteFailure(t *testing.T) {
	store := newFakeCacheStore()
	store.putErr = errors.New("disk full")
	c := NewCache(store, 0)

	err := c.Put(context.Background(), &CacheEntry{
		HomeID:       "home-1",
		RatePlanID:   "plan-1",
		InputsSha256: "deadbeef",
		MonthsCount:  12,
		Estimate:     &Estimate{Status: StatusOK},
	})
	if err == nil {
		t.Fatal("Put swallowed a write failure")
	}
	if !errors.Is(err, store.putErr) {
		t.Errorf("error chain lost cause: %v", err)
	}
}

func TestCacheDefaultsComputedAt(t *testing.T) {
	store := newFakeCacheStore()
	c := NewCache(store, time.Hour)
	entry := &CacheEntry{HomeID: "h", RatePlanID: "p", InputsSha256: "s", MonthsCount: 12, Estimate: &Estimate{Status: StatusOK}}
	if err := c.Put(context.Background(), entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stored := store.entries[cacheKey("h", "p", "s", 12)]
	if stored.ComputedAt.IsZero() {
		t.Error("stored entry kept a zero ComputedAt")
	}
	if !entry.ComputedAt.IsZero() {
		t.Error("Put mutated the caller's entry")
	}
}
