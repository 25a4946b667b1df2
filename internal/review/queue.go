// Package review manages the admin review queue: work items for templates the
// pipeline could not produce or refuses to price automatically. Items are
// upserted on (kind, dedupeKey), so repeating failures refresh one row instead
// of stacking duplicates, and resolution is recorded in place so the queue
// doubles as an audit trail.
package review

import (
	"context"
	"log"

	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/internal/storage"
)

// AutoResolver is recorded as resolvedBy when the pipeline clears an item
// itself after a later run succeeds.
const AutoResolver = "pipeline"

// Stages recorded on queue reasons, in pipeline order.
const (
	StageFetch         = "fetch"
	StageParse         = "parse"
	StageValidate      = "validate"
	StageStrength      = "strength"
	StageComputability = "computability"
	StageEstimate      = "estimate"
)

// Queue wraps the review-queue portion of storage with the enqueue and
// auto-resolve conventions the pipeline relies on.
type Queue struct {
	store storage.Storage
}

// NewQueue returns a Queue backed by the given storage.
func NewQueue(store storage.Storage) *Queue {
	return &Queue{store: store}
}

// ParseFailure describes one offer whose EFL did not yield a persistable
// template this run.
type ParseFailure struct {
	Offer  plan.Offer
	HomeID string
	// EflPdfSha256 is empty when the document never arrived.
	EflPdfSha256 string
	Stage        string
	ReasonCode   string
	Details      string
	// FinalStatus defaults to NEEDS_REVIEW; the orchestrator passes FAIL for
	// per-offer errors no re-run can fix without human help.
	FinalStatus string
}

// EnqueueParseFailure upserts an EFL_PARSE item for the offer. Items dedupe on
// the EFL content hash when the document was fetched, so every offer pointing
// at the same broken EFL shares one row; a failure before any bytes arrived
// dedupes on the offer ID instead.
func (q *Queue) EnqueueParseFailure(ctx context.Context, f ParseFailure) error {
	dedupeKey := f.EflPdfSha256
	if dedupeKey == "" {
		dedupeKey = f.Offer.ID
	}
	status := f.FinalStatus
	if status == "" {
		status = storage.ReviewStatusNeedsReview
	}
	item := storage.ReviewQueueItem{
		Kind:        storage.ReviewKindEflParse,
		DedupeKey:   dedupeKey,
		FinalStatus: status,
		OfferID:     f.Offer.ID,
		HomeID:      f.HomeID,
		Reason: storage.ReviewReason{
			Stage:      f.Stage,
			ReasonCode: f.ReasonCode,
			Details:    f.Details,
		},
	}
	if err := q.store.UpsertReviewItem(ctx, item); err != nil {
		return err
	}
	log.Printf("review: enqueued EFL_PARSE %s offer=%s stage=%s", status, f.Offer.ID, f.Stage)
	return nil
}

// EnqueueQuarantine upserts a PLAN_CALC_QUARANTINE item for the offer, keyed
// by offer ID so the quarantine follows the offer even if a re-parse rebinds
// it to a different template row.
func (q *Queue) EnqueueQuarantine(ctx context.Context, offerID, ratePlanID, homeID string, code plan.ReasonCode, details string) error {
	item := storage.ReviewQueueItem{
		Kind:        storage.ReviewKindQuarantine,
		DedupeKey:   offerID,
		FinalStatus: storage.ReviewStatusOpen,
		OfferID:     offerID,
		RatePlanID:  ratePlanID,
		HomeID:      homeID,
		Reason: storage.ReviewReason{
			Stage:      StageComputability,
			ReasonCode: string(code),
			Details:    details,
		},
	}
	if err := q.store.UpsertReviewItem(ctx, item); err != nil {
		return err
	}
	log.Printf("review: quarantined offer=%s plan=%s reason=%s", offerID, ratePlanID, code)
	return nil
}

// ResolveParse clears open EFL_PARSE items for an offer after a run produced a
// persistable template. Both dedupe spellings are cleared: earlier failures
// may have been keyed by content hash or, when fetching failed, by offer ID.
func (q *Queue) ResolveParse(ctx context.Context, offerID, eflPdfSha256 string) error {
	keys := []string{offerID}
	if eflPdfSha256 != "" && eflPdfSha256 != offerID {
		keys = append(keys, eflPdfSha256)
	}
	var resolved int64
	for _, key := range keys {
		n, err := q.store.ResolveReviewItems(ctx, storage.ReviewKindEflParse, key, AutoResolver)
		if err != nil {
			return err
		}
		resolved += n
	}
	if resolved > 0 {
		log.Printf("review: auto-resolved %d EFL_PARSE item(s) for offer=%s", resolved, offerID)
	}
	return nil
}

// ResolveQuarantine clears the offer's quarantine once an estimate computes
// cleanly again.
func (q *Queue) ResolveQuarantine(ctx context.Context, offerID string) error {
	n, err := q.store.ResolveReviewItems(ctx, storage.ReviewKindQuarantine, offerID, AutoResolver)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("review: auto-resolved quarantine for offer=%s", offerID)
	}
	return nil
}

// Resolve closes open items matching (kind, dedupeKey) on behalf of an
// operator and returns how many rows changed.
func (q *Queue) Resolve(ctx context.Context, kind, dedupeKey, resolvedBy string) (int64, error) {
	if resolvedBy == "" {
		resolvedBy = "admin"
	}
	return q.store.ResolveReviewItems(ctx, kind, dedupeKey, resolvedBy)
}

// Get returns one item by row ID, or nil when absent.
func (q *Queue) Get(ctx context.Context, id string) (*storage.ReviewQueueItem, error) {
	return q.store.GetReviewItem(ctx, id)
}

// List returns queue items, newest first. Empty kind means all kinds;
// openOnly restricts to unresolved rows; limit <= 0 means no limit.
func (q *Queue) List(ctx context.Context, kind string, openOnly bool, limit int) ([]storage.ReviewQueueItem, error) {
	return q.store.ListReviewItems(ctx, kind, openOnly, limit)
}

// OpenCounts returns the number of unresolved items per kind.
func (q *Queue) OpenCounts(ctx context.Context) (map[string]int, error) {
	return q.store.CountOpenReviewItems(ctx)
}
