package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pickwatt/pickwatt/internal/estimate"
	"github.com/pickwatt/pickwatt/internal/usage"
)

// MemoryStorage is an in-memory Storage implementation, useful for tests and
// simple single-process deployments.
type MemoryStorage struct {
	mu          sync.RWMutex
	houses      map[string]HouseAddress
	offerSnaps  map[string]OfferSnapshot
	ratePlans   map[string]RatePlan
	offerMaps   map[string]OfferRatePlanMap
	estCache    map[string]EstimateCacheRecord
	current     map[string]CurrentEstimate
	jobs        map[string]PipelineJob
	reviews     map[string]ReviewQueueItem
	usageRows   map[string]MonthlyUsage
	savings     map[string]HomeSavingsSnapshot
	settings    map[string]string
	schedJobs   map[string]ScheduledJob
	emailConfig *EmailConfig
	locks       map[int64]struct{}
}

// NewMemory returns an empty MemoryStorage.
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		houses:     make(map[string]HouseAddress),
		offerSnaps: make(map[string]OfferSnapshot),
		ratePlans:  make(map[string]RatePlan),
		offerMaps:  make(map[string]OfferRatePlanMap),
		estCache:   make(map[string]EstimateCacheRecord),
		current:    make(map[string]CurrentEstimate),
		jobs:       make(map[string]PipelineJob),
		reviews:    make(map[string]ReviewQueueItem),
		usageRows:  make(map[string]MonthlyUsage),
		savings:    make(map[string]HomeSavingsSnapshot),
		settings:   make(map[string]string),
		schedJobs:  make(map[string]ScheduledJob),
		locks:      make(map[int64]struct{}),
	}
}

// NewMemoryWithHomes returns a MemoryStorage seeded with the given homes.
func NewMemoryWithHomes(list []HouseAddress) *MemoryStorage {
	m := NewMemory()
	for _, h := range list {
		m.houses[h.ID] = h
	}
	return m
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Ping(ctx context.Context) error { return nil }

// House addresses

func (m *MemoryStorage) ListHouseAddresses(ctx context.Context) ([]HouseAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HouseAddress, 0, len(m.houses))
	for _, h := range m.houses {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStorage) GetHouseAddress(ctx context.Context, id string) (*HouseAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.houses[id]
	if !ok {
		return nil, nil
	}
	cp := h
	return &cp, nil
}

func (m *MemoryStorage) UpsertHouseAddress(ctx context.Context, h HouseAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if ex, ok := m.houses[h.ID]; ok {
		h.CreatedAt = ex.CreatedAt
	} else if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	m.houses[h.ID] = h
	return nil
}

// Offer snapshots

func (m *MemoryStorage) GetOfferSnapshot(ctx context.Context, homeID string) (*OfferSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.offerSnaps[homeID]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStorage) SaveOfferSnapshot(ctx context.Context, snap OfferSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	m.offerSnaps[snap.HomeID] = snap
	return nil
}

// Rate plan templates

func (m *MemoryStorage) GetRatePlan(ctx context.Context, id string) (*RatePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rp, ok := m.ratePlans[id]
	if !ok {
		return nil, nil
	}
	cp := rp
	return &cp, nil
}

func (m *MemoryStorage) GetRatePlanByEflSha(ctx context.Context, eflPdfSha256 string) (*RatePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rp := range m.ratePlans {
		if rp.EflPdfSha256 == eflPdfSha256 {
			cp := rp
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ListRatePlans(ctx context.Context, ids []string) ([]RatePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ids == nil {
		out := make([]RatePlan, 0, len(m.ratePlans))
		for _, rp := range m.ratePlans {
			out = append(out, rp)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
	var out []RatePlan
	for _, id := range ids {
		if rp, ok := m.ratePlans[id]; ok {
			out = append(out, rp)
		}
	}
	return out, nil
}

// UpsertRatePlan conflicts on the EFL content address: a row already holding
// this sha is refreshed in place and keeps its ID, so links to it stay valid.
func (m *MemoryStorage) UpsertRatePlan(ctx context.Context, rp RatePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, ex := range m.ratePlans {
		if ex.EflPdfSha256 == rp.EflPdfSha256 {
			rp.ID = id
			rp.CreatedAt = ex.CreatedAt
			rp.UpdatedAt = now
			m.ratePlans[id] = rp
			return nil
		}
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = now
	}
	rp.UpdatedAt = now
	m.ratePlans[rp.ID] = rp
	return nil
}

// Offer to template links

func (m *MemoryStorage) GetOfferMap(ctx context.Context, offerID string) (*OfferRatePlanMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	om, ok := m.offerMaps[offerID]
	if !ok {
		return nil, nil
	}
	cp := om
	return &cp, nil
}

func (m *MemoryStorage) UpsertOfferMap(ctx context.Context, om OfferRatePlanMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if om.LastLinkedAt.IsZero() {
		om.LastLinkedAt = time.Now().UTC()
	}
	m.offerMaps[om.OfferID] = om
	return nil
}

// Estimates

func estCacheKey(homeID, ratePlanID, inputsSha256 string, monthsCount int) string {
	return homeID + ":" + ratePlanID + ":" + inputsSha256 + ":" + strconv.Itoa(monthsCount)
}

func (m *MemoryStorage) GetEstimateCache(ctx context.Context, homeID, ratePlanID, inputsSha256 string, monthsCount int) (*estimate.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.estCache[estCacheKey(homeID, ratePlanID, inputsSha256, monthsCount)]
	if !ok {
		return nil, nil
	}
	est, err := decodeEstimate(rec.Payload)
	if err != nil {
		return nil, err
	}
	return &estimate.CacheEntry{
		HomeID:       rec.HouseAddressID,
		RatePlanID:   rec.RatePlanID,
		InputsSha256: rec.InputsSha256,
		MonthsCount:  rec.MonthsCount,
		Estimate:     est,
		ComputedAt:   rec.ComputedAt,
	}, nil
}

func (m *MemoryStorage) PutEstimateCache(ctx context.Context, entry *estimate.CacheEntry) error {
	payload, err := encodeEstimate(entry.Estimate)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estCache[estCacheKey(entry.HomeID, entry.RatePlanID, entry.InputsSha256, entry.MonthsCount)] = EstimateCacheRecord{
		HouseAddressID: entry.HomeID,
		RatePlanID:     entry.RatePlanID,
		InputsSha256:   entry.InputsSha256,
		MonthsCount:    entry.MonthsCount,
		Payload:        payload,
		ComputedAt:     entry.ComputedAt,
	}
	return nil
}

func (m *MemoryStorage) PutCurrentEstimate(ctx context.Context, entry *estimate.CacheEntry, expiresAt time.Time) error {
	payload, err := encodeEstimate(entry.Estimate)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[entry.HomeID+":"+entry.RatePlanID] = CurrentEstimate{
		HouseAddressID: entry.HomeID,
		RatePlanID:     entry.RatePlanID,
		InputsSha256:   entry.InputsSha256,
		MonthsCount:    entry.MonthsCount,
		Payload:        payload,
		ComputedAt:     entry.ComputedAt,
		ExpiresAt:      expiresAt,
	}
	return nil
}

func (m *MemoryStorage) ListCurrentEstimates(ctx context.Context, homeID string) ([]CurrentEstimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CurrentEstimate
	for _, ce := range m.current {
		if ce.HouseAddressID == homeID {
			out = append(out, ce)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RatePlanID < out[j].RatePlanID })
	return out, nil
}

// Pipeline jobs

func (m *MemoryStorage) GetLatestPipelineJob(ctx context.Context, homeID string) (*PipelineJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *PipelineJob
	for _, job := range m.jobs {
		if job.HomeID != homeID {
			continue
		}
		if best == nil || job.StartedAt.After(best.StartedAt) ||
			(job.StartedAt.Equal(best.StartedAt) && job.RunID > best.RunID) {
			cp := job
			best = &cp
		}
	}
	return best, nil
}

func (m *MemoryStorage) ListPipelineJobs(ctx context.Context, homeID string, limit int) ([]PipelineJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PipelineJob
	for _, job := range m.jobs {
		if homeID == "" || job.HomeID == homeID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) SavePipelineJob(ctx context.Context, job PipelineJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	m.jobs[job.RunID] = job
	return nil
}

// Review queue

func (m *MemoryStorage) UpsertReviewItem(ctx context.Context, item ReviewQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, ex := range m.reviews {
		if ex.Kind == item.Kind && ex.DedupeKey == item.DedupeKey {
			ex.FinalStatus = item.FinalStatus
			ex.OfferID = item.OfferID
			ex.RatePlanID = item.RatePlanID
			ex.HomeID = item.HomeID
			ex.Reason = item.Reason
			ex.ResolvedAt = nil
			ex.ResolvedBy = ""
			ex.UpdatedAt = now
			m.reviews[id] = ex
			return nil
		}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.reviews[item.ID] = item
	return nil
}

func (m *MemoryStorage) GetReviewItem(ctx context.Context, id string) (*ReviewQueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.reviews[id]
	if !ok {
		return nil, nil
	}
	cp := item
	return &cp, nil
}

func (m *MemoryStorage) ListReviewItems(ctx context.Context, kind string, openOnly bool, limit int) ([]ReviewQueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ReviewQueueItem
	for _, item := range m.reviews {
		if kind != "" && item.Kind != kind {
			continue
		}
		if openOnly && item.ResolvedAt != nil {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) ResolveReviewItems(ctx context.Context, kind, dedupeKey, resolvedBy string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, item := range m.reviews {
		if item.Kind != kind || item.DedupeKey != dedupeKey || item.ResolvedAt != nil {
			continue
		}
		at := now
		item.ResolvedAt = &at
		item.ResolvedBy = resolvedBy
		item.UpdatedAt = now
		m.reviews[id] = item
		n++
	}
	return n, nil
}

func (m *MemoryStorage) CountOpenReviewItems(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, item := range m.reviews {
		if item.ResolvedAt == nil {
			out[item.Kind]++
		}
	}
	return out, nil
}

// Monthly usage

func usageKey(homeID, source, yearMonth string) string {
	return homeID + ":" + source + ":" + yearMonth
}

func (m *MemoryStorage) MonthlyReadings(ctx context.Context, homeID, source string, yearMonths []string) ([]usage.MonthlyReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []usage.MonthlyReading
	for _, ym := range yearMonths {
		if row, ok := m.usageRows[usageKey(homeID, source, ym)]; ok {
			out = append(out, usage.MonthlyReading{YearMonth: row.YearMonth, Kwh: row.Kwh})
		}
	}
	return out, nil
}

func (m *MemoryStorage) UpsertMonthlyUsage(ctx context.Context, rows []MonthlyUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, row := range rows {
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = now
		}
		m.usageRows[usageKey(row.HomeID, row.Source, row.YearMonth)] = row
	}
	return nil
}

// Savings snapshots

func (m *MemoryStorage) GetHomeSavings(ctx context.Context, homeID string) (*HomeSavingsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.savings[homeID]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStorage) SaveHomeSavings(ctx context.Context, snap HomeSavingsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now().UTC()
	}
	m.savings[snap.HomeID] = snap
	return nil
}

// Settings

func (m *MemoryStorage) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[key], nil
}

func (m *MemoryStorage) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// Scheduled jobs

func (m *MemoryStorage) GetScheduledJob(ctx context.Context, name string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.schedJobs[name]
	if !ok {
		return nil, nil
	}
	cp := j
	return &cp, nil
}

func (m *MemoryStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := 0
	if success {
		ok = 1
	}
	m.schedJobs[name] = ScheduledJob{
		Name:           name,
		LastRunAt:      started,
		LastDurationMs: dur.Milliseconds(),
		LastSuccess:    ok,
		LastError:      errMsg,
	}
	return nil
}

// Email config

func (m *MemoryStorage) GetEmailConfig(ctx context.Context) (*EmailConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.emailConfig == nil {
		return nil, nil
	}
	cfg := *m.emailConfig
	return &cfg, nil
}

func (m *MemoryStorage) SaveEmailConfig(ctx context.Context, config EmailConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emailConfig = &config
	return nil
}

// Advisory locks

type memoryLock struct {
	m   *MemoryStorage
	key int64
}

func (l *memoryLock) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	delete(l.m.locks, l.key)
	return nil
}

func (m *MemoryStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (AdvisoryLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return nil, nil
	}
	m.locks[key] = struct{}{}
	return &memoryLock{m: m, key: key}, nil
}
