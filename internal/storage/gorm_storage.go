package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/pickwatt/pickwatt/internal/estimate"
	"github.com/pickwatt/pickwatt/internal/usage"
)

type GormStorage struct {
	db *gorm.DB

	// localLocks backs advisory locking on sqlite, which has no server-side
	// equivalent. Single-process deployments only.
	mu         sync.Mutex
	localLocks map[int64]struct{}
}

func NewGormStorage(driver, dsn string) (*GormStorage, error) {
	var gormDialector gorm.Dialector
	if driver == "postgres" || driver == "postgrespool" {
		gormDialector = postgres.Open(dsn)
	} else if driver == "sqlite" {
		gormDialector = sqlite.Open(dsn)
	} else {
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := gorm.Open(gormDialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	return &GormStorage{db: db, localLocks: make(map[int64]struct{})}, nil
}

func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&HouseAddress{},
		&OfferSnapshot{},
		&RatePlan{},
		&OfferRatePlanMap{},
		&EstimateCacheRecord{},
		&CurrentEstimate{},
		&PipelineJob{},
		&ReviewQueueItem{},
		&MonthlyUsage{},
		&HomeSavingsSnapshot{},
		&Setting{},
		&ScheduledJob{},
		&EmailConfig{},
	)
}

// House addresses

func (s *GormStorage) ListHouseAddresses(ctx context.Context) ([]HouseAddress, error) {
	var houses []HouseAddress
	result := s.db.WithContext(ctx).Order("id").Find(&houses)
	return houses, result.Error
}

func (s *GormStorage) GetHouseAddress(ctx context.Context, id string) (*HouseAddress, error) {
	var h HouseAddress
	result := s.db.WithContext(ctx).First(&h, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &h, nil
}

func (s *GormStorage) UpsertHouseAddress(ctx context.Context, h HouseAddress) error {
	h.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"label", "tdsp_slug", "usage_source", "move_in_at",
			"current_rate_plan_id", "is_renter", "updated_at",
		}),
	}).Create(&h).Error
}

// Offer snapshots

func (s *GormStorage) GetOfferSnapshot(ctx context.Context, homeID string) (*OfferSnapshot, error) {
	var snap OfferSnapshot
	result := s.db.WithContext(ctx).First(&snap, "home_id = ?", homeID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &snap, nil
}

func (s *GormStorage) SaveOfferSnapshot(ctx context.Context, snap OfferSnapshot) error {
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "home_id"}},
		UpdateAll: true,
	}).Create(&snap).Error
}

// Rate plan templates

func (s *GormStorage) GetRatePlan(ctx context.Context, id string) (*RatePlan, error) {
	var rp RatePlan
	result := s.db.WithContext(ctx).First(&rp, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &rp, nil
}

func (s *GormStorage) GetRatePlanByEflSha(ctx context.Context, eflPdfSha256 string) (*RatePlan, error) {
	var rp RatePlan
	result := s.db.WithContext(ctx).First(&rp, "efl_pdf_sha256 = ?", eflPdfSha256)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &rp, nil
}

func (s *GormStorage) ListRatePlans(ctx context.Context, ids []string) ([]RatePlan, error) {
	var plans []RatePlan
	q := s.db.WithContext(ctx).Order("id")
	if ids != nil {
		if len(ids) == 0 {
			return nil, nil
		}
		q = q.Where("id IN ?", ids)
	}
	result := q.Find(&plans)
	return plans, result.Error
}

// UpsertRatePlan conflicts on the EFL content address, not the row ID, so
// concurrent runs parsing byte-identical EFLs converge on one row and links
// to the winner's ID stay valid.
func (s *GormStorage) UpsertRatePlan(ctx context.Context, rp RatePlan) error {
	rp.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "efl_pdf_sha256"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"efl_url", "supplier", "plan_name", "tdsp_slug", "rate_structure",
			"plan_calc_version", "plan_calc_status", "plan_calc_reason_code",
			"required_bucket_keys", "supported_features", "plan_calc_derived_at",
			"updated_at",
		}),
	}).Create(&rp).Error
}

// Offer to template links

func (s *GormStorage) GetOfferMap(ctx context.Context, offerID string) (*OfferRatePlanMap, error) {
	var om OfferRatePlanMap
	result := s.db.WithContext(ctx).First(&om, "offer_id = ?", offerID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &om, nil
}

func (s *GormStorage) UpsertOfferMap(ctx context.Context, om OfferRatePlanMap) error {
	if om.LastLinkedAt.IsZero() {
		om.LastLinkedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "offer_id"}},
		UpdateAll: true,
	}).Create(&om).Error
}

// Estimates

func (s *GormStorage) GetEstimateCache(ctx context.Context, homeID, ratePlanID, inputsSha256 string, monthsCount int) (*estimate.CacheEntry, error) {
	var rec EstimateCacheRecord
	result := s.db.WithContext(ctx).First(&rec,
		"house_address_id = ? AND rate_plan_id = ? AND inputs_sha256 = ? AND months_count = ?",
		homeID, ratePlanID, inputsSha256, monthsCount)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
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

func (s *GormStorage) PutEstimateCache(ctx context.Context, entry *estimate.CacheEntry) error {
	payload, err := encodeEstimate(entry.Estimate)
	if err != nil {
		return err
	}
	rec := EstimateCacheRecord{
		HouseAddressID: entry.HomeID,
		RatePlanID:     entry.RatePlanID,
		InputsSha256:   entry.InputsSha256,
		MonthsCount:    entry.MonthsCount,
		Payload:        payload,
		ComputedAt:     entry.ComputedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "house_address_id"}, {Name: "rate_plan_id"},
			{Name: "inputs_sha256"}, {Name: "months_count"},
		},
		UpdateAll: true,
	}).Create(&rec).Error
}

func (s *GormStorage) PutCurrentEstimate(ctx context.Context, entry *estimate.CacheEntry, expiresAt time.Time) error {
	payload, err := encodeEstimate(entry.Estimate)
	if err != nil {
		return err
	}
	ce := CurrentEstimate{
		HouseAddressID: entry.HomeID,
		RatePlanID:     entry.RatePlanID,
		InputsSha256:   entry.InputsSha256,
		MonthsCount:    entry.MonthsCount,
		Payload:        payload,
		ComputedAt:     entry.ComputedAt,
		ExpiresAt:      expiresAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "house_address_id"}, {Name: "rate_plan_id"}},
		UpdateAll: true,
	}).Create(&ce).Error
}

func (s *GormStorage) ListCurrentEstimates(ctx context.Context, homeID string) ([]CurrentEstimate, error) {
	var out []CurrentEstimate
	result := s.db.WithContext(ctx).
		Where("house_address_id = ?", homeID).
		Order("rate_plan_id").
		Find(&out)
	return out, result.Error
}

// Pipeline jobs

func (s *GormStorage) GetLatestPipelineJob(ctx context.Context, homeID string) (*PipelineJob, error) {
	var job PipelineJob
	result := s.db.WithContext(ctx).
		Order("started_at desc, run_id desc").
		First(&job, "home_id = ?", homeID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *GormStorage) ListPipelineJobs(ctx context.Context, homeID string, limit int) ([]PipelineJob, error) {
	var jobs []PipelineJob
	q := s.db.WithContext(ctx).Order("started_at desc, run_id desc")
	if homeID != "" {
		q = q.Where("home_id = ?", homeID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	result := q.Find(&jobs)
	return jobs, result.Error
}

func (s *GormStorage) SavePipelineJob(ctx context.Context, job PipelineJob) error {
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(&job).Error
}

// Review queue

// UpsertReviewItem refreshes the row matching (kind, dedupe_key) in place,
// reopening it if it had been resolved; the original ID and created_at
// survive the conflict.
func (s *GormStorage) UpsertReviewItem(ctx context.Context, item ReviewQueueItem) error {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.ResolvedAt = nil
	item.ResolvedBy = ""
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kind"}, {Name: "dedupe_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"final_status", "offer_id", "rate_plan_id", "home_id", "reason",
			"updated_at", "resolved_at", "resolved_by",
		}),
	}).Create(&item).Error
}

func (s *GormStorage) GetReviewItem(ctx context.Context, id string) (*ReviewQueueItem, error) {
	var item ReviewQueueItem
	result := s.db.WithContext(ctx).First(&item, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &item, nil
}

func (s *GormStorage) ListReviewItems(ctx context.Context, kind string, openOnly bool, limit int) ([]ReviewQueueItem, error) {
	var items []ReviewQueueItem
	q := s.db.WithContext(ctx).Order("created_at desc, id")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if openOnly {
		q = q.Where("resolved_at IS NULL")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	result := q.Find(&items)
	return items, result.Error
}

func (s *GormStorage) ResolveReviewItems(ctx context.Context, kind, dedupeKey, resolvedBy string) (int64, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&ReviewQueueItem{}).
		Where("kind = ? AND dedupe_key = ? AND resolved_at IS NULL", kind, dedupeKey).
		Updates(map[string]interface{}{
			"resolved_at": now,
			"resolved_by": resolvedBy,
			"updated_at":  now,
		})
	return result.RowsAffected, result.Error
}

func (s *GormStorage) CountOpenReviewItems(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Kind string
		N    int
	}
	err := s.db.WithContext(ctx).Model(&ReviewQueueItem{}).
		Select("kind, count(*) as n").
		Where("resolved_at IS NULL").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Kind] = r.N
	}
	return out, nil
}

// Monthly usage

func (s *GormStorage) MonthlyReadings(ctx context.Context, homeID, source string, yearMonths []string) ([]usage.MonthlyReading, error) {
	if len(yearMonths) == 0 {
		return nil, nil
	}
	var rows []MonthlyUsage
	result := s.db.WithContext(ctx).
		Where("home_id = ? AND source = ? AND year_month IN ?", homeID, source, yearMonths).
		Order("year_month").
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	out := make([]usage.MonthlyReading, 0, len(rows))
	for _, row := range rows {
		out = append(out, usage.MonthlyReading{YearMonth: row.YearMonth, Kwh: row.Kwh})
	}
	return out, nil
}

func (s *GormStorage) UpsertMonthlyUsage(ctx context.Context, rows []MonthlyUsage) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range rows {
		if rows[i].UpdatedAt.IsZero() {
			rows[i].UpdatedAt = now
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "home_id"}, {Name: "source"}, {Name: "year_month"}},
		UpdateAll: true,
	}).Create(&rows).Error
}

// Savings snapshots

func (s *GormStorage) GetHomeSavings(ctx context.Context, homeID string) (*HomeSavingsSnapshot, error) {
	var snap HomeSavingsSnapshot
	result := s.db.WithContext(ctx).First(&snap, "home_id = ?", homeID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &snap, nil
}

func (s *GormStorage) SaveHomeSavings(ctx context.Context, snap HomeSavingsSnapshot) error {
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "home_id"}},
		UpdateAll: true,
	}).Create(&snap).Error
}

// Settings

func (s *GormStorage) GetSetting(ctx context.Context, key string) (string, error) {
	var setting Setting
	result := s.db.WithContext(ctx).First(&setting, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", result.Error
	}
	return setting.Value, nil
}

func (s *GormStorage) SetSetting(ctx context.Context, key, value string) error {
	setting := Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&setting).Error
}

// Scheduled jobs

func (s *GormStorage) GetScheduledJob(ctx context.Context, name string) (*ScheduledJob, error) {
	var job ScheduledJob
	result := s.db.WithContext(ctx).First(&job, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *GormStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	status := 0
	if success {
		status = 1
	}
	job := ScheduledJob{
		Name:           name,
		LastRunAt:      started,
		LastDurationMs: dur.Milliseconds(),
		LastSuccess:    status,
		LastError:      errMsg,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&job).Error
}

// Email config

func (s *GormStorage) GetEmailConfig(ctx context.Context) (*EmailConfig, error) {
	var config EmailConfig
	result := s.db.WithContext(ctx).First(&config)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &config, nil
}

func (s *GormStorage) SaveEmailConfig(ctx context.Context, config EmailConfig) error {
	// There should only be one config row.
	if config.ID == "" {
		config.ID = "default"
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&config).Error
}

// Close & Ping

func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Advisory locks

// gormSessionLock pins the database/sql connection that took the postgres
// lock; pg_advisory_unlock must run on the same session.
type gormSessionLock struct {
	conn *sql.Conn
	key  int64
}

func (l *gormSessionLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	var ok bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&ok); err != nil {
		return err
	}
	return nil
}

type gormLocalLock struct {
	s   *GormStorage
	key int64
}

func (l *gormLocalLock) Release(ctx context.Context) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	delete(l.s.localLocks, l.key)
	return nil
}

func (s *GormStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (AdvisoryLock, error) {
	if s.db.Dialector.Name() == "postgres" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return nil, err
		}
		conn, err := sqlDB.Conn(ctx)
		if err != nil {
			return nil, err
		}
		var ok bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
			conn.Close()
			return nil, err
		}
		if !ok {
			conn.Close()
			return nil, nil
		}
		return &gormSessionLock{conn: conn, key: key}, nil
	}
	// SQLite has no advisory locks; serialize in-process (single instance).
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.localLocks[key]; held {
		return nil, nil
	}
	s.localLocks[key] = struct{}{}
	return &gormLocalLock{s: s, key: key}, nil
}
