package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pickwatt/pickwatt/internal/estimate"
	"github.com/pickwatt/pickwatt/internal/plan"
)

// HouseAddress is a subscribed home: the unit of pipeline work. TdspSlug
// selects the delivery utility, UsageSource the meter-data provider key used
// when loading monthly readings.
type HouseAddress struct {
	ID                string     `json:"id" gorm:"primaryKey;column:id"`
	Label             string     `json:"label,omitempty" gorm:"column:label"`
	TdspSlug          string     `json:"tdspSlug" gorm:"column:tdsp_slug"`
	UsageSource       string     `json:"usageSource" gorm:"column:usage_source"`
	MoveInAt          *time.Time `json:"moveInAt,omitempty" gorm:"column:move_in_at"`
	CurrentRatePlanID string     `json:"currentRatePlanId,omitempty" gorm:"column:current_rate_plan_id"`
	IsRenter          bool       `json:"isRenter" gorm:"column:is_renter"`
	CreatedAt         time.Time  `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt         time.Time  `json:"updatedAt" gorm:"column:updated_at"`
}

// Offer snapshot statuses.
const (
	OfferSnapshotOK    = "OK"
	OfferSnapshotError = "ERROR"
)

// OfferSnapshot stores the most recent offer listing fetched for a home.
// Payload is the offers JSON exactly as the pipeline consumed it, so a run
// can be replayed against the listing it actually saw.
type OfferSnapshot struct {
	HomeID    string    `json:"homeId" gorm:"primaryKey;column:home_id"`
	Status    string    `json:"status" gorm:"column:status"`
	Payload   []byte    `json:"payload" gorm:"column:payload"`
	LastError string    `json:"lastError,omitempty" gorm:"column:last_error"`
	FetchedAt time.Time `json:"fetchedAt" gorm:"column:fetched_at"`
}

// RatePlan is a parsed plan template keyed by the EFL document that produced
// it. EflPdfSha256 is the content address: offers pointing at byte-identical
// EFLs share one row. RateStructure carries the canonical structure plus the
// validation evidence that justified persisting it.
type RatePlan struct {
	ID                 string                         `json:"id" gorm:"primaryKey;column:id"`
	EflPdfSha256       string                         `json:"eflPdfSha256" gorm:"uniqueIndex;column:efl_pdf_sha256"`
	EflURL             string                         `json:"eflUrl" gorm:"column:efl_url"`
	Supplier           string                         `json:"supplier,omitempty" gorm:"column:supplier"`
	PlanName           string                         `json:"planName,omitempty" gorm:"column:plan_name"`
	TdspSlug           string                         `json:"tdspSlug,omitempty" gorm:"column:tdsp_slug"`
	RateStructure      plan.RateStructureWithEvidence `json:"rateStructure" gorm:"serializer:json;column:rate_structure"`
	PlanCalcVersion    string                         `json:"planCalcVersion" gorm:"column:plan_calc_version"`
	PlanCalcStatus     string                         `json:"planCalcStatus" gorm:"column:plan_calc_status"`
	PlanCalcReasonCode string                         `json:"planCalcReasonCode,omitempty" gorm:"column:plan_calc_reason_code"`
	RequiredBucketKeys []string                       `json:"requiredBucketKeys" gorm:"serializer:json;column:required_bucket_keys"`
	SupportedFeatures  map[string]bool                `json:"supportedFeatures,omitempty" gorm:"serializer:json;column:supported_features"`
	PlanCalcDerivedAt  time.Time                      `json:"planCalcDerivedAt" gorm:"column:plan_calc_derived_at"`
	CreatedAt          time.Time                      `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt          time.Time                      `json:"updatedAt" gorm:"column:updated_at"`
}

// Linkers recorded on OfferRatePlanMap rows.
const (
	LinkedByPipeline = "pipeline"
	LinkedByAdmin    = "admin"
)

// OfferRatePlanMap links a marketplace offer ID to the template parsed from
// its EFL. An empty RatePlanID means the offer is known but its parse has not
// produced a persistable template yet, so the pipeline retries it.
type OfferRatePlanMap struct {
	OfferID      string    `json:"offerId" gorm:"primaryKey;column:offer_id"`
	RatePlanID   string    `json:"ratePlanId" gorm:"column:rate_plan_id"`
	LastLinkedAt time.Time `json:"lastLinkedAt" gorm:"column:last_linked_at"`
	LinkedBy     string    `json:"linkedBy" gorm:"column:linked_by"`
}

// Pipeline job statuses.
const (
	JobStatusRunning = "RUNNING"
	JobStatusDone    = "DONE"
	JobStatusError   = "ERROR"
)

// JobCounts summarizes what one pipeline run did. AlreadyCached counts
// candidates whose inputs hash hit the estimate cache, which is how a
// no-change re-run shows up.
type JobCounts struct {
	OffersSeen        int `json:"offersSeen"`
	TemplatesMapped   int `json:"templatesMapped"`
	TemplatesFailed   int `json:"templatesFailed"`
	EstimatesComputed int `json:"estimatesComputed"`
	AlreadyCached     int `json:"estimatesAlreadyCached"`
	EstimatesSkipped  int `json:"estimatesSkipped"`
	Quarantined       int `json:"quarantined"`
}

// PipelineJob records one orchestrator run for a home. The latest row per
// home carries the gating state: cooldown, cadence anchor, and whether a run
// is still marked RUNNING.
type PipelineJob struct {
	RunID             string     `json:"runId" gorm:"primaryKey;column:run_id"`
	HomeID            string     `json:"homeId" gorm:"index;column:home_id"`
	Status            string     `json:"status" gorm:"column:status"`
	Reason            string     `json:"reason" gorm:"column:reason"`
	CalcVersion       string     `json:"calcVersion" gorm:"column:calc_version"`
	StartedAt         time.Time  `json:"startedAt" gorm:"column:started_at"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty" gorm:"column:finished_at"`
	CooldownUntil     *time.Time `json:"cooldownUntil,omitempty" gorm:"column:cooldown_until"`
	LastCalcWindowEnd *time.Time `json:"lastCalcWindowEnd,omitempty" gorm:"column:last_calc_window_end"`
	Counts            JobCounts  `json:"counts" gorm:"serializer:json;column:counts"`
	LastError         string     `json:"lastError,omitempty" gorm:"column:last_error"`
}

// Review queue kinds and statuses.
const (
	ReviewKindEflParse   = "EFL_PARSE"
	ReviewKindQuarantine = "PLAN_CALC_QUARANTINE"

	ReviewStatusNeedsReview = "NEEDS_REVIEW"
	ReviewStatusOpen        = "OPEN"
	ReviewStatusFail        = "FAIL"
)

// ReviewReason is the structured explanation attached to a queue item.
type ReviewReason struct {
	Stage      string `json:"stage"`
	ReasonCode string `json:"reasonCode,omitempty"`
	Details    string `json:"details,omitempty"`
}

// ReviewQueueItem is a human-review work item. (Kind, DedupeKey) is unique:
// re-enqueueing the same failure refreshes the open row instead of stacking
// duplicates. Resolution is recorded in place, never deleted, so the queue
// doubles as an audit trail.
type ReviewQueueItem struct {
	ID          string       `json:"id" gorm:"primaryKey;column:id"`
	Kind        string       `json:"kind" gorm:"uniqueIndex:idx_review_kind_dedupe;column:kind"`
	DedupeKey   string       `json:"dedupeKey" gorm:"uniqueIndex:idx_review_kind_dedupe;column:dedupe_key"`
	FinalStatus string       `json:"finalStatus" gorm:"column:final_status"`
	OfferID     string       `json:"offerId,omitempty" gorm:"column:offer_id"`
	RatePlanID  string       `json:"ratePlanId,omitempty" gorm:"column:rate_plan_id"`
	HomeID      string       `json:"homeId,omitempty" gorm:"column:home_id"`
	Reason      ReviewReason `json:"reason" gorm:"serializer:json;column:reason"`
	CreatedAt   time.Time    `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt   time.Time    `json:"updatedAt" gorm:"column:updated_at"`
	ResolvedAt  *time.Time   `json:"resolvedAt,omitempty" gorm:"column:resolved_at"`
	ResolvedBy  string       `json:"resolvedBy,omitempty" gorm:"column:resolved_by"`
}

// MonthlyUsage is one calendar month of metered consumption for a home from
// one source. Absent rows are coverage gaps, never zeros.
type MonthlyUsage struct {
	HomeID    string    `json:"homeId" gorm:"primaryKey;column:home_id"`
	Source    string    `json:"source" gorm:"primaryKey;column:source"`
	YearMonth string    `json:"yearMonth" gorm:"primaryKey;column:year_month"`
	Kwh       float64   `json:"kwh" gorm:"column:kwh"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

// TableName keeps the table singular; usage is a ledger, not a collection.
func (MonthlyUsage) TableName() string { return "monthly_usage" }

// EstimateCacheRecord is the content-addressed estimate tier. The key embeds
// the canonical inputs hash, so a row never goes stale: if any pricing input
// changes the hash changes and the lookup simply misses.
type EstimateCacheRecord struct {
	HouseAddressID string    `json:"houseAddressId" gorm:"primaryKey;column:house_address_id"`
	RatePlanID     string    `json:"ratePlanId" gorm:"primaryKey;column:rate_plan_id"`
	InputsSha256   string    `json:"inputsSha256" gorm:"primaryKey;column:inputs_sha256"`
	MonthsCount    int       `json:"monthsCount" gorm:"primaryKey;column:months_count"`
	Payload        []byte    `json:"payload" gorm:"column:payload"`
	ComputedAt     time.Time `json:"computedAt" gorm:"column:computed_at"`
}

// CurrentEstimate is the materialized serving tier: at most one row per
// (home, plan), overwritten whenever the pipeline computes or re-validates an
// estimate, expiring on wall clock so stale prices fall out of reads.
type CurrentEstimate struct {
	HouseAddressID string    `json:"houseAddressId" gorm:"primaryKey;column:house_address_id"`
	RatePlanID     string    `json:"ratePlanId" gorm:"primaryKey;column:rate_plan_id"`
	InputsSha256   string    `json:"inputsSha256" gorm:"column:inputs_sha256"`
	MonthsCount    int       `json:"monthsCount" gorm:"column:months_count"`
	Payload        []byte    `json:"payload" gorm:"column:payload"`
	ComputedAt     time.Time `json:"computedAt" gorm:"column:computed_at"`
	ExpiresAt      time.Time `json:"expiresAt" gorm:"index;column:expires_at"`
}

// HomeSavingsSnapshot compares a home's best available estimate against its
// current plan after a pipeline run.
type HomeSavingsSnapshot struct {
	HomeID                   string    `json:"homeId" gorm:"primaryKey;column:home_id"`
	BestRatePlanID           string    `json:"bestRatePlanId" gorm:"column:best_rate_plan_id"`
	BestAnnualCostDollars    float64   `json:"bestAnnualCostDollars" gorm:"column:best_annual_cost_dollars"`
	CurrentRatePlanID        string    `json:"currentRatePlanId,omitempty" gorm:"column:current_rate_plan_id"`
	CurrentAnnualCostDollars float64   `json:"currentAnnualCostDollars,omitempty" gorm:"column:current_annual_cost_dollars"`
	SavingsDollars           float64   `json:"savingsDollars" gorm:"column:savings_dollars"`
	ComputedAt               time.Time `json:"computedAt" gorm:"column:computed_at"`
}

// Setting is a key/value row for operator-tunable knobs (worker interval,
// feature toggles).
type Setting struct {
	Key       string    `json:"key" gorm:"primaryKey;column:key"`
	Value     string    `json:"value" gorm:"column:value"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

// ScheduledJob is worker bookkeeping: one row per named job carrying its last
// outcome.
type ScheduledJob struct {
	Name           string    `json:"name" gorm:"primaryKey;column:name"`
	LastRunAt      time.Time `json:"lastRunAt" gorm:"column:last_run_at"`
	LastDurationMs int64     `json:"lastDurationMs" gorm:"column:last_duration_ms"`
	LastSuccess    int       `json:"lastSuccess" gorm:"column:last_success"`
	LastError      string    `json:"lastError,omitempty" gorm:"column:last_error"`
}

// encodeEstimate serializes the payload stored on both estimate tiers.
func encodeEstimate(est *estimate.Estimate) ([]byte, error) {
	b, err := json.Marshal(est)
	if err != nil {
		return nil, fmt.Errorf("encode estimate payload: %w", err)
	}
	return b, nil
}

func decodeEstimate(payload []byte) (*estimate.Estimate, error) {
	var est estimate.Estimate
	if err := json.Unmarshal(payload, &est); err != nil {
		return nil, fmt.Errorf("decode estimate payload: %w", err)
	}
	return &est, nil
}

// EmailConfig holds configuration for review-digest email delivery.
type EmailConfig struct {
	ID          string    `json:"id" gorm:"primaryKey;column:id"`
	Provider    string    `json:"provider" gorm:"column:provider"` // "smtp", "sendgrid", "resend"
	Host        string    `json:"host,omitempty" gorm:"column:host"`
	Port        int       `json:"port,omitempty" gorm:"column:port"`
	Username    string    `json:"username,omitempty" gorm:"column:username"`
	Password    string    `json:"password,omitempty" gorm:"column:password"`
	FromAddress string    `json:"from_address" gorm:"column:from_address"`
	FromName    string    `json:"from_name" gorm:"column:from_name"`
	APIKey      string    `json:"api_key,omitempty" gorm:"column:api_key"`       // For Sendgrid
	Encryption  string    `json:"encryption,omitempty" gorm:"column:encryption"` // "none", "ssl", "tls"
	Enabled     bool      `json:"enabled" gorm:"column:enabled"`
	ToAddresses string    `json:"to_addresses,omitempty" gorm:"column:to_addresses"` // comma-separated digest recipients
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at"`
}
