package storage

import (
	"context"
	"time"

	"github.com/pickwatt/pickwatt/internal/estimate"
	"github.com/pickwatt/pickwatt/internal/usage"
)

// AdvisoryLock is a held per-key lock. Release must be called exactly once;
// postgres backends unlock on the same session that acquired the lock and
// only then return the connection to the pool.
type AdvisoryLock interface {
	Release(ctx context.Context) error
}

// Storage abstracts persistence for homes, offers, plan templates, estimates,
// pipeline state, and the review queue. Implementations satisfy
// estimate.CacheStore and usage.ReadingSource so engine packages can take a
// Storage directly.
type Storage interface {
	// House addresses
	ListHouseAddresses(ctx context.Context) ([]HouseAddress, error)
	GetHouseAddress(ctx context.Context, id string) (*HouseAddress, error)
	UpsertHouseAddress(ctx context.Context, h HouseAddress) error

	// Offer snapshots
	GetOfferSnapshot(ctx context.Context, homeID string) (*OfferSnapshot, error)
	SaveOfferSnapshot(ctx context.Context, snap OfferSnapshot) error

	// Rate plan templates
	GetRatePlan(ctx context.Context, id string) (*RatePlan, error)
	GetRatePlanByEflSha(ctx context.Context, eflPdfSha256 string) (*RatePlan, error)
	ListRatePlans(ctx context.Context, ids []string) ([]RatePlan, error)
	UpsertRatePlan(ctx context.Context, rp RatePlan) error

	// Offer to template links
	GetOfferMap(ctx context.Context, offerID string) (*OfferRatePlanMap, error)
	UpsertOfferMap(ctx context.Context, m OfferRatePlanMap) error

	// Estimates, both tiers (see estimate.CacheStore)
	GetEstimateCache(ctx context.Context, homeID, ratePlanID, inputsSha256 string, monthsCount int) (*estimate.CacheEntry, error)
	PutEstimateCache(ctx context.Context, entry *estimate.CacheEntry) error
	PutCurrentEstimate(ctx context.Context, entry *estimate.CacheEntry, expiresAt time.Time) error
	ListCurrentEstimates(ctx context.Context, homeID string) ([]CurrentEstimate, error)

	// Pipeline jobs
	GetLatestPipelineJob(ctx context.Context, homeID string) (*PipelineJob, error)
	ListPipelineJobs(ctx context.Context, homeID string, limit int) ([]PipelineJob, error)
	SavePipelineJob(ctx context.Context, job PipelineJob) error

	// Review queue
	UpsertReviewItem(ctx context.Context, item ReviewQueueItem) error
	GetReviewItem(ctx context.Context, id string) (*ReviewQueueItem, error)
	ListReviewItems(ctx context.Context, kind string, openOnly bool, limit int) ([]ReviewQueueItem, error)
	ResolveReviewItems(ctx context.Context, kind, dedupeKey, resolvedBy string) (int64, error)
	CountOpenReviewItems(ctx context.Context) (map[string]int, error)

	// Monthly usage (see usage.ReadingSource)
	MonthlyReadings(ctx context.Context, homeID, source string, yearMonths []string) ([]usage.MonthlyReading, error)
	UpsertMonthlyUsage(ctx context.Context, rows []MonthlyUsage) error

	// Savings snapshots
	GetHomeSavings(ctx context.Context, homeID string) (*HomeSavingsSnapshot, error)
	SaveHomeSavings(ctx context.Context, snap HomeSavingsSnapshot) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Scheduled jobs
	GetScheduledJob(ctx context.Context, name string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error

	// Email config
	GetEmailConfig(ctx context.Context) (*EmailConfig, error)
	SaveEmailConfig(ctx context.Context, config EmailConfig) error

	// AcquireAdvisoryLock takes the per-key lock, returning (nil, nil) when
	// another session holds it. Memory and sqlite backends lock in-process.
	AcquireAdvisoryLock(ctx context.Context, key int64) (AdvisoryLock, error)

	Ping(ctx context.Context) error

	// Close releases any resources (no-op for in-memory).
	Close() error
}
