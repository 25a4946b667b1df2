package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pickwatt/pickwatt/internal/estimate"
	"github.com/pickwatt/pickwatt/internal/metrics"
	"github.com/pickwatt/pickwatt/internal/usage"
)

// PostgresPoolStorage implements Storage directly on pgx, for deployments
// that want pool tuning and batch ingest without the ORM in the hot path.
// Schema comes from the goose migrations; nothing here creates tables.
type PostgresPoolStorage struct {
	pool *pgxpool.Pool
	done chan struct{}
}

func OpenPostgresPool(ctx context.Context, dsn string) (*PostgresPoolStorage, error) {
	if dsn == "" {
		dsn = "postgres://localhost:5432/pickwatt?sslmode=disable"
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st := &PostgresPoolStorage{pool: pool, done: make(chan struct{})}
	go st.collectPoolMetrics()
	return st, nil
}

// collectPoolMetrics samples pool stats until Close. AcquireCount is
// cumulative, so the counter gets fed deltas between samples.
func (s *PostgresPoolStorage) collectPoolMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	var lastAcquires int64
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			stat := s.pool.Stat()
			delta := stat.AcquireCount() - lastAcquires
			lastAcquires = stat.AcquireCount()
			metrics.UpdateDBPoolMetrics("postgrespool",
				float64(stat.TotalConns()), float64(stat.IdleConns()),
				float64(stat.AcquiredConns()), uint64(delta))
		}
	}
}

func (s *PostgresPoolStorage) Close() error {
	if s.done != nil {
		close(s.done)
	}
	s.pool.Close()
	return nil
}

func (s *PostgresPoolStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// JSON-in-text columns mirror what the gorm serializer writes, so the two
// postgres backends stay interchangeable on one schema.

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func fromJSONText(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// House addresses

const houseCols = `id, label, tdsp_slug, usage_source, move_in_at, current_rate_plan_id, is_renter, created_at, updated_at`

func scanHouse(row pgx.Row) (*HouseAddress, error) {
	var h HouseAddress
	err := row.Scan(&h.ID, &h.Label, &h.TdspSlug, &h.UsageSource, &h.MoveInAt,
		&h.CurrentRatePlanID, &h.IsRenter, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func (s *PostgresPoolStorage) ListHouseAddresses(ctx context.Context) ([]HouseAddress, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+houseCols+` FROM house_addresses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HouseAddress
	for rows.Next() {
		var h HouseAddress
		if err := rows.Scan(&h.ID, &h.Label, &h.TdspSlug, &h.UsageSource, &h.MoveInAt,
			&h.CurrentRatePlanID, &h.IsRenter, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresPoolStorage) GetHouseAddress(ctx context.Context, id string) (*HouseAddress, error) {
	return scanHouse(s.pool.QueryRow(ctx, `SELECT `+houseCols+` FROM house_addresses WHERE id=$1`, id))
}

func (s *PostgresPoolStorage) UpsertHouseAddress(ctx context.Context, h HouseAddress) error {
	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO house_addresses (`+houseCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			label=EXCLUDED.label,
			tdsp_slug=EXCLUDED.tdsp_slug,
			usage_source=EXCLUDED.usage_source,
			move_in_at=EXCLUDED.move_in_at,
			current_rate_plan_id=EXCLUDED.current_rate_plan_id,
			is_renter=EXCLUDED.is_renter,
			updated_at=EXCLUDED.updated_at
	`, h.ID, h.Label, h.TdspSlug, h.UsageSource, h.MoveInAt, h.CurrentRatePlanID, h.IsRenter, h.CreatedAt, now)
	return err
}

// Offer snapshots

func (s *PostgresPoolStorage) GetOfferSnapshot(ctx context.Context, homeID string) (*OfferSnapshot, error) {
	var snap OfferSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT home_id, status, payload, last_error, fetched_at
		FROM offer_snapshots WHERE home_id=$1
	`, homeID).Scan(&snap.HomeID, &snap.Status, &snap.Payload, &snap.LastError, &snap.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresPoolStorage) SaveOfferSnapshot(ctx context.Context, snap OfferSnapshot) error {
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offer_snapshots (home_id, status, payload, last_error, fetched_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (home_id) DO UPDATE SET
			status=EXCLUDED.status,
			payload=EXCLUDED.payload,
			last_error=EXCLUDED.last_error,
			fetched_at=EXCLUDED.fetched_at
	`, snap.HomeID, snap.Status, snap.Payload, snap.LastError, snap.FetchedAt)
	return err
}

// Rate plan templates

const ratePlanCols = `id, efl_pdf_sha256, efl_url, supplier, plan_name, tdsp_slug, rate_structure,
	plan_calc_version, plan_calc_status, plan_calc_reason_code, required_bucket_keys,
	supported_features, plan_calc_derived_at, created_at, updated_at`

func scanRatePlanRow(scan func(dest ...any) error) (*RatePlan, error) {
	var rp RatePlan
	var structure, keys, features string
	err := scan(&rp.ID, &rp.EflPdfSha256, &rp.EflURL, &rp.Supplier, &rp.PlanName, &rp.TdspSlug,
		&structure, &rp.PlanCalcVersion, &rp.PlanCalcStatus, &rp.PlanCalcReasonCode,
		&keys, &features, &rp.PlanCalcDerivedAt, &rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSONText(structure, &rp.RateStructure); err != nil {
		return nil, fmt.Errorf("decode rate structure for template %s: %w", rp.ID, err)
	}
	if err := fromJSONText(keys, &rp.RequiredBucketKeys); err != nil {
		return nil, fmt.Errorf("decode bucket keys for template %s: %w", rp.ID, err)
	}
	if err := fromJSONText(features, &rp.SupportedFeatures); err != nil {
		return nil, fmt.Errorf("decode features for template %s: %w", rp.ID, err)
	}
	return &rp, nil
}

func (s *PostgresPoolStorage) getRatePlanWhere(ctx context.Context, where string, arg any) (*RatePlan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ratePlanCols+` FROM rate_plans WHERE `+where, arg)
	rp, err := scanRatePlanRow(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rp, nil
}

func (s *PostgresPoolStorage) GetRatePlan(ctx context.Context, id string) (*RatePlan, error) {
	return s.getRatePlanWhere(ctx, `id=$1`, id)
}

func (s *PostgresPoolStorage) GetRatePlanByEflSha(ctx context.Context, eflPdfSha256 string) (*RatePlan, error) {
	return s.getRatePlanWhere(ctx, `efl_pdf_sha256=$1`, eflPdfSha256)
}

func (s *PostgresPoolStorage) ListRatePlans(ctx context.Context, ids []string) ([]RatePlan, error) {
	query := `SELECT ` + ratePlanCols + ` FROM rate_plans ORDER BY id`
	args := []any{}
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		query = `SELECT ` + ratePlanCols + ` FROM rate_plans WHERE id = ANY($1) ORDER BY id`
		args = append(args, ids)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RatePlan
	for rows.Next() {
		rp, err := scanRatePlanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rp)
	}
	return out, rows.Err()
}

func (s *PostgresPoolStorage) UpsertRatePlan(ctx context.Context, rp RatePlan) error {
	structure, err := jsonText(rp.RateStructure)
	if err != nil {
		return err
	}
	keys, err := jsonText(rp.RequiredBucketKeys)
	if err != nil {
		return err
	}
	features, err := jsonText(rp.SupportedFeatures)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = now
	}
	// Conflict on the EFL content address: concurrent parses of byte-identical
	// EFLs converge on one row and the winner's ID stays linked.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rate_plans (`+ratePlanCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (efl_pdf_sha256) DO UPDATE SET
			efl_url=EXCLUDED.efl_url,
			supplier=EXCLUDED.supplier,
			plan_name=EXCLUDED.plan_name,
			tdsp_slug=EXCLUDED.tdsp_slug,
			rate_structure=EXCLUDED.rate_structure,
			plan_calc_version=EXCLUDED.plan_calc_version,
			plan_calc_status=EXCLUDED.plan_calc_status,
			plan_calc_reason_code=EXCLUDED.plan_calc_reason_code,
			required_bucket_keys=EXCLUDED.required_bucket_keys,
			supported_features=EXCLUDED.supported_features,
			plan_calc_derived_at=EXCLUDED.plan_calc_derived_at,
			updated_at=EXCLUDED.updated_at
	`, rp.ID, rp.EflPdfSha256, rp.EflURL, rp.Supplier, rp.PlanName, rp.TdspSlug, structure,
		rp.PlanCalcVersion, rp.PlanCalcStatus, rp.PlanCalcReasonCode, keys, features,
		rp.PlanCalcDerivedAt, rp.CreatedAt, now)
	return err
}

// Offer to template links

func (s *PostgresPoolStorage) GetOfferMap(ctx context.Context, offerID string) (*OfferRatePlanMap, error) {
	var om OfferRatePlanMap
	err := s.pool.QueryRow(ctx, `
		SELECT offer_id, rate_plan_id, last_linked_at, linked_by
		FROM offer_rate_plan_maps WHERE offer_id=$1
	`, offerID).Scan(&om.OfferID, &om.RatePlanID, &om.LastLinkedAt, &om.LinkedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &om, nil
}

func (s *PostgresPoolStorage) UpsertOfferMap(ctx context.Context, om OfferRatePlanMap) error {
	if om.LastLinkedAt.IsZero() {
		om.LastLinkedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offer_rate_plan_maps (offer_id, rate_plan_id, last_linked_at, linked_by)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (offer_id) DO UPDATE SET
			rate_plan_id=EXCLUDED.rate_plan_id,
			last_linked_at=EXCLUDED.last_linked_at,
			linked_by=EXCLUDED.linked_by
	`, om.OfferID, om.RatePlanID, om.LastLinkedAt, om.LinkedBy)
	return err
}

// Estimates

func (s *PostgresPoolStorage) GetEstimateCache(ctx context.Context, homeID, ratePlanID, inputsSha256 string, monthsCount int) (*estimate.CacheEntry, error) {
	var payload []byte
	var computedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT payload, computed_at FROM estimate_cache_records
		WHERE house_address_id=$1 AND rate_plan_id=$2 AND inputs_sha256=$3 AND months_count=$4
	`, homeID, ratePlanID, inputsSha256, monthsCount).Scan(&payload, &computedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	est, err := decodeEstimate(payload)
	if err != nil {
		return nil, err
	}
	return &estimate.CacheEntry{
		HomeID:       homeID,
		RatePlanID:   ratePlanID,
		InputsSha256: inputsSha256,
		MonthsCount:  monthsCount,
		Estimate:     est,
		ComputedAt:   computedAt,
	}, nil
}

func (s *PostgresPoolStorage) PutEstimateCache(ctx context.Context, entry *estimate.CacheEntry) error {
	payload, err := encodeEstimate(entry.Estimate)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO estimate_cache_records (house_address_id, rate_plan_id, inputs_sha256, months_count, payload, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (house_address_id, rate_plan_id, inputs_sha256, months_count) DO UPDATE SET
			payload=EXCLUDED.payload,
			computed_at=EXCLUDED.computed_at
	`, entry.HomeID, entry.RatePlanID, entry.InputsSha256, entry.MonthsCount, payload, entry.ComputedAt)
	return err
}

func (s *PostgresPoolStorage) PutCurrentEstimate(ctx context.Context, entry *estimate.CacheEntry, expiresAt time.Time) error {
	payload, err := encodeEstimate(entry.Estimate)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO current_estimates (house_address_id, rate_plan_id, inputs_sha256, months_count, payload, computed_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (house_address_id, rate_plan_id) DO UPDATE SET
			inputs_sha256=EXCLUDED.inputs_sha256,
			months_count=EXCLUDED.months_count,
			payload=EXCLUDED.payload,
			computed_at=EXCLUDED.computed_at,
			expires_at=EXCLUDED.expires_at
	`, entry.HomeID, entry.RatePlanID, entry.InputsSha256, entry.MonthsCount, payload, entry.ComputedAt, expiresAt)
	return err
}

func (s *PostgresPoolStorage) ListCurrentEstimates(ctx context.Context, homeID string) ([]CurrentEstimate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT house_address_id, rate_plan_id, inputs_sha256, months_count, payload, computed_at, expires_at
		FROM current_estimates WHERE house_address_id=$1 ORDER BY rate_plan_id
	`, homeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CurrentEstimate
	for rows.Next() {
		var ce CurrentEstimate
		if err := rows.Scan(&ce.HouseAddressID, &ce.RatePlanID, &ce.InputsSha256,
			&ce.MonthsCount, &ce.Payload, &ce.ComputedAt, &ce.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// Pipeline jobs

const jobCols = `run_id, home_id, status, reason, calc_version, started_at, finished_at,
	cooldown_until, last_calc_window_end, counts, last_error`

func scanJobRow(scan func(dest ...any) error) (*PipelineJob, error) {
	var job PipelineJob
	var counts string
	err := scan(&job.RunID, &job.HomeID, &job.Status, &job.Reason, &job.CalcVersion,
		&job.StartedAt, &job.FinishedAt, &job.CooldownUntil, &job.LastCalcWindowEnd,
		&counts, &job.LastError)
	if err != nil {
		return nil, err
	}
	if err := fromJSONText(counts, &job.Counts); err != nil {
		return nil, fmt.Errorf("decode counts for run %s: %w", job.RunID, err)
	}
	return &job, nil
}

func (s *PostgresPoolStorage) GetLatestPipelineJob(ctx context.Context, homeID string) (*PipelineJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobCols+` FROM pipeline_jobs
		WHERE home_id=$1 ORDER BY started_at DESC, run_id DESC LIMIT 1
	`, homeID)
	job, err := scanJobRow(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (s *PostgresPoolStorage) ListPipelineJobs(ctx context.Context, homeID string, limit int) ([]PipelineJob, error) {
	query := `SELECT ` + jobCols + ` FROM pipeline_jobs`
	args := []any{}
	if homeID != "" {
		query += ` WHERE home_id=$1`
		args = append(args, homeID)
	}
	query += ` ORDER BY started_at DESC, run_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PipelineJob
	for rows.Next() {
		job, err := scanJobRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *PostgresPoolStorage) SavePipelineJob(ctx context.Context, job PipelineJob) error {
	counts, err := jsonText(job.Counts)
	if err != nil {
		return err
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_jobs (`+jobCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (run_id) DO UPDATE SET
			status=EXCLUDED.status,
			reason=EXCLUDED.reason,
			calc_version=EXCLUDED.calc_version,
			started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at,
			cooldown_until=EXCLUDED.cooldown_until,
			last_calc_window_end=EXCLUDED.last_calc_window_end,
			counts=EXCLUDED.counts,
			last_error=EXCLUDED.last_error
	`, job.RunID, job.HomeID, job.Status, job.Reason, job.CalcVersion, job.StartedAt,
		job.FinishedAt, job.CooldownUntil, job.LastCalcWindowEnd, counts, job.LastError)
	return err
}

// Review queue

const reviewCols = `id, kind, dedupe_key, final_status, offer_id, rate_plan_id, home_id, reason,
	created_at, updated_at, resolved_at, resolved_by`

func scanReviewRow(scan func(dest ...any) error) (*ReviewQueueItem, error) {
	var item ReviewQueueItem
	var reason string
	err := scan(&item.ID, &item.Kind, &item.DedupeKey, &item.FinalStatus, &item.OfferID,
		&item.RatePlanID, &item.HomeID, &reason, &item.CreatedAt, &item.UpdatedAt,
		&item.ResolvedAt, &item.ResolvedBy)
	if err != nil {
		return nil, err
	}
	if err := fromJSONText(reason, &item.Reason); err != nil {
		return nil, fmt.Errorf("decode reason for review item %s: %w", item.ID, err)
	}
	return &item, nil
}

func (s *PostgresPoolStorage) UpsertReviewItem(ctx context.Context, item ReviewQueueItem) error {
	reason, err := jsonText(item.Reason)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO review_queue_items (`+reviewCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL,'')
		ON CONFLICT (kind, dedupe_key) DO UPDATE SET
			final_status=EXCLUDED.final_status,
			offer_id=EXCLUDED.offer_id,
			rate_plan_id=EXCLUDED.rate_plan_id,
			home_id=EXCLUDED.home_id,
			reason=EXCLUDED.reason,
			updated_at=EXCLUDED.updated_at,
			resolved_at=NULL,
			resolved_by=''
	`, item.ID, item.Kind, item.DedupeKey, item.FinalStatus, item.OfferID, item.RatePlanID,
		item.HomeID, reason, item.CreatedAt, now)
	return err
}

func (s *PostgresPoolStorage) GetReviewItem(ctx context.Context, id string) (*ReviewQueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reviewCols+` FROM review_queue_items WHERE id=$1`, id)
	item, err := scanReviewRow(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func (s *PostgresPoolStorage) ListReviewItems(ctx context.Context, kind string, openOnly bool, limit int) ([]ReviewQueueItem, error) {
	query := `SELECT ` + reviewCols + ` FROM review_queue_items WHERE 1=1`
	args := []any{}
	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(` AND kind=$%d`, len(args))
	}
	if openOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewQueueItem
	for rows.Next() {
		item, err := scanReviewRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (s *PostgresPoolStorage) ResolveReviewItems(ctx context.Context, kind, dedupeKey, resolvedBy string) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE review_queue_items
		SET resolved_at=$1, resolved_by=$2, updated_at=$1
		WHERE kind=$3 AND dedupe_key=$4 AND resolved_at IS NULL
	`, now, resolvedBy, kind, dedupeKey)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresPoolStorage) CountOpenReviewItems(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, count(*) FROM review_queue_items
		WHERE resolved_at IS NULL GROUP BY kind
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Monthly usage

func (s *PostgresPoolStorage) MonthlyReadings(ctx context.Context, homeID, source string, yearMonths []string) ([]usage.MonthlyReading, error) {
	if len(yearMonths) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT year_month, kwh FROM monthly_usage
		WHERE home_id=$1 AND source=$2 AND year_month = ANY($3)
		ORDER BY year_month
	`, homeID, source, yearMonths)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []usage.MonthlyReading
	for rows.Next() {
		var r usage.MonthlyReading
		if err := rows.Scan(&r.YearMonth, &r.Kwh); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresPoolStorage) UpsertMonthlyUsage(ctx context.Context, rows []MonthlyUsage) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, row := range rows {
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = now
		}
		batch.Queue(`
			INSERT INTO monthly_usage (home_id, source, year_month, kwh, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (home_id, source, year_month) DO UPDATE SET
				kwh=EXCLUDED.kwh,
				updated_at=EXCLUDED.updated_at
		`, row.HomeID, row.Source, row.YearMonth, row.Kwh, row.UpdatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Savings snapshots

func (s *PostgresPoolStorage) GetHomeSavings(ctx context.Context, homeID string) (*HomeSavingsSnapshot, error) {
	var snap HomeSavingsSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT home_id, best_rate_plan_id, best_annual_cost_dollars, current_rate_plan_id,
			current_annual_cost_dollars, savings_dollars, computed_at
		FROM home_savings_snapshots WHERE home_id=$1
	`, homeID).Scan(&snap.HomeID, &snap.BestRatePlanID, &snap.BestAnnualCostDollars,
		&snap.CurrentRatePlanID, &snap.CurrentAnnualCostDollars, &snap.SavingsDollars, &snap.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresPoolStorage) SaveHomeSavings(ctx context.Context, snap HomeSavingsSnapshot) error {
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO home_savings_snapshots (home_id, best_rate_plan_id, best_annual_cost_dollars,
			current_rate_plan_id, current_annual_cost_dollars, savings_dollars, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (home_id) DO UPDATE SET
			best_rate_plan_id=EXCLUDED.best_rate_plan_id,
			best_annual_cost_dollars=EXCLUDED.best_annual_cost_dollars,
			current_rate_plan_id=EXCLUDED.current_rate_plan_id,
			current_annual_cost_dollars=EXCLUDED.current_annual_cost_dollars,
			savings_dollars=EXCLUDED.savings_dollars,
			computed_at=EXCLUDED.computed_at
	`, snap.HomeID, snap.BestRatePlanID, snap.BestAnnualCostDollars, snap.CurrentRatePlanID,
		snap.CurrentAnnualCostDollars, snap.SavingsDollars, snap.ComputedAt)
	return err
}

// Settings

func (s *PostgresPoolStorage) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *PostgresPoolStorage) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// Scheduled jobs

func (s *PostgresPoolStorage) GetScheduledJob(ctx context.Context, name string) (*ScheduledJob, error) {
	var job ScheduledJob
	err := s.pool.QueryRow(ctx, `
		SELECT name, last_run_at, last_duration_ms, last_success, last_error
		FROM scheduled_jobs WHERE name=$1
	`, name).Scan(&job.Name, &job.LastRunAt, &job.LastDurationMs, &job.LastSuccess, &job.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (s *PostgresPoolStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	status := 0
	if success {
		status = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (name, last_run_at, last_duration_ms, last_success, last_error)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET
			last_run_at=EXCLUDED.last_run_at,
			last_duration_ms=EXCLUDED.last_duration_ms,
			last_success=EXCLUDED.last_success,
			last_error=EXCLUDED.last_error
	`, name, started, dur.Milliseconds(), status, errMsg)
	return err
}

// Email config

func (s *PostgresPoolStorage) GetEmailConfig(ctx context.Context) (*EmailConfig, error) {
	var config EmailConfig
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, host, port, username, password, from_address, from_name,
			api_key, encryption, enabled, to_addresses, created_at, updated_at
		FROM email_configs LIMIT 1
	`).Scan(&config.ID, &config.Provider, &config.Host, &config.Port, &config.Username,
		&config.Password, &config.FromAddress, &config.FromName, &config.APIKey,
		&config.Encryption, &config.Enabled, &config.ToAddresses, &config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &config, nil
}

func (s *PostgresPoolStorage) SaveEmailConfig(ctx context.Context, config EmailConfig) error {
	if config.ID == "" {
		config.ID = "default"
	}
	now := time.Now().UTC()
	if config.CreatedAt.IsZero() {
		config.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_configs (id, provider, host, port, username, password, from_address,
			from_name, api_key, encryption, enabled, to_addresses, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			provider=EXCLUDED.provider,
			host=EXCLUDED.host,
			port=EXCLUDED.port,
			username=EXCLUDED.username,
			password=EXCLUDED.password,
			from_address=EXCLUDED.from_address,
			from_name=EXCLUDED.from_name,
			api_key=EXCLUDED.api_key,
			encryption=EXCLUDED.encryption,
			enabled=EXCLUDED.enabled,
			to_addresses=EXCLUDED.to_addresses,
			updated_at=EXCLUDED.updated_at
	`, config.ID, config.Provider, config.Host, config.Port, config.Username, config.Password,
		config.FromAddress, config.FromName, config.APIKey, config.Encryption, config.Enabled,
		config.ToAddresses, config.CreatedAt, now)
	return err
}

// Advisory locks

// pgxSessionLock holds the pooled connection that took the lock;
// pg_advisory_unlock must run on the same session.
type pgxSessionLock struct {
	conn *pgxpool.Conn
	key  int64
}

func (l *pgxSessionLock) Release(ctx context.Context) error {
	defer l.conn.Release()
	var ok bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&ok); err != nil {
		return err
	}
	return nil
}

func (s *PostgresPoolStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (AdvisoryLock, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, err
	}
	if !ok {
		conn.Release()
		return nil, nil
	}
	return &pgxSessionLock{conn: conn, key: key}, nil
}
