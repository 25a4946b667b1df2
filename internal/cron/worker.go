// Package cron runs the periodic pipeline scan: every interval it walks the
// subscribed homes and requests a monthly_refresh run for each. Per-home
// cadence and cooldown gating live in the pipeline itself, so an aggressive
// scan interval only costs gate checks, never duplicate work.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pickwatt/pickwatt/internal/alerting"
	"github.com/pickwatt/pickwatt/internal/metrics"
	"github.com/pickwatt/pickwatt/internal/notification"
	"github.com/pickwatt/pickwatt/internal/pipeline"
	"github.com/pickwatt/pickwatt/internal/storage"
)

const (
	// scanJobName keys the scheduled_jobs bookkeeping row for the scan.
	scanJobName = "pipeline_scan"
	// digestJobName keys the bookkeeping row for the review digest email.
	digestJobName = "review_digest"

	// intervalSettingKey is the DB setting that overrides the scan interval
	// at runtime, either integer seconds or a cron expression.
	intervalSettingKey = "pipeline_scan_interval_seconds"

	// scanLockKey serializes whole-table scans across worker replicas. Homes
	// lock individually inside the pipeline; this only prevents two replicas
	// from walking the home list at once.
	scanLockKey int64 = 4201
)

// Config wires one worker. Store and Runner are required; Alerter and
// Digests are optional and simply skip their step when nil.
type Config struct {
	Store   storage.Storage
	Runner  *pipeline.Runner
	Alerter *alerting.Alerter
	Digests *notification.Service

	// IntervalSetting is the initial scan interval: integer seconds or a
	// cron expression. The DB setting pipeline_scan_interval_seconds
	// overrides it while running. Empty defaults to hourly.
	IntervalSetting string

	// MaxHomesPerScan caps how many homes one scan touches; zero means all.
	MaxHomesPerScan int

	// DigestEvery is the minimum spacing between review digest emails.
	// Zero defaults to 24h.
	DigestEvery time.Duration
}

// Run starts the scan worker and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Store == nil || cfg.Runner == nil {
		return errors.New("cron: store and runner are required")
	}

	intervalSetting := cfg.IntervalSetting
	if intervalSetting == "" {
		intervalSetting = "3600"
	}
	if cfg.DigestEvery <= 0 {
		cfg.DigestEvery = 24 * time.Hour
	}

	// Check DB for override before the first run.
	if val, err := cfg.Store.GetSetting(ctx, intervalSettingKey); err == nil && val != "" {
		intervalSetting = val
	}

	// Control loop ticker (check config and run time)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	// Helper to calculate next run time
	getNextRun := func(setting string, lastRun time.Time) time.Time {
		// Try integer seconds
		if v, err := strconv.Atoi(setting); err == nil && v > 0 {
			return lastRun.Add(time.Duration(v) * time.Second)
		}
		// Try cron expression
		if sched, err := cron.ParseStandard(setting); err == nil {
			return sched.Next(lastRun)
		}
		// Fallback to hourly
		return lastRun.Add(time.Hour)
	}

	// If starting fresh, run immediately, then schedule next
	nextRun := time.Now()

	log.Printf("cron: scan worker starting, interval=%q maxHomes=%d", intervalSetting, cfg.MaxHomesPerScan)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// 1. Check for config update
			if val, err := cfg.Store.GetSetting(ctx, intervalSettingKey); err == nil && val != "" {
				if val != intervalSetting {
					log.Printf("cron: scan interval updated from %q to %q", intervalSetting, val)
					intervalSetting = val
					nextRun = getNextRun(intervalSetting, time.Now())
				}
			}

			// 2. Check if it's time to run
			if time.Now().Before(nextRun) {
				continue
			}

			started := time.Now()

			lock, err := cfg.Store.AcquireAdvisoryLock(ctx, scanLockKey)
			if err != nil {
				log.Printf("cron: acquire scan lock failed: %v", err)
				metrics.UpdateJobMetrics(scanJobName, started, err)
				nextRun = getNextRun(intervalSetting, time.Now())
				continue
			}
			if lock == nil {
				// Another worker replica is scanning.
				log.Printf("cron: scan lock held by another worker, skipping run")
				nextRun = getNextRun(intervalSetting, time.Now())
				continue
			}

			stats, runErr := func() (scanStats, error) {
				defer func() {
					if err := lock.Release(context.Background()); err != nil {
						log.Printf("cron: release scan lock failed: %v", err)
					}
				}()
				return scanHomes(ctx, cfg)
			}()

			// Record metrics & job row.
			metrics.UpdateJobMetrics(scanJobName, started, runErr)
			dur := time.Since(started)
			errMsg := ""
			success := runErr == nil
			if runErr != nil {
				errMsg = runErr.Error()
			}
			if err := cfg.Store.UpdateScheduledJob(ctx, scanJobName, started, dur, success, errMsg); err != nil {
				log.Printf("cron: update scheduled_jobs failed: %v", err)
			}

			log.Printf("cron: scan done homes=%d skipped=%d ok=%d failed=%d quarantined=%d duration=%s",
				stats.scanned, stats.skipped, stats.succeeded, stats.failed, stats.quarantined, dur)

			refreshReviewGauge(ctx, cfg.Store)
			notifyScan(ctx, cfg, stats, started, dur)
			maybeSendDigest(ctx, cfg)

			// Schedule next run
			nextRun = getNextRun(intervalSetting, time.Now())
		}
	}
}

// scanStats tallies one scan over the home list.
type scanStats struct {
	scanned     int
	skipped     int
	succeeded   int
	failed      int
	quarantined int
	failures    []alerting.HomeFailure
}

// scanHomes requests a monthly refresh for every home. Per-home errors are
// tallied, not propagated: one broken home must not starve the rest. The
// returned error covers infrastructure failures only.
func scanHomes(ctx context.Context, cfg Config) (scanStats, error) {
	var stats scanStats

	homes, err := cfg.Store.ListHouseAddresses(ctx)
	if err != nil {
		return stats, fmt.Errorf("list homes: %w", err)
	}
	if cfg.MaxHomesPerScan > 0 && len(homes) > cfg.MaxHomesPerScan {
		log.Printf("cron: capping scan to %d of %d homes", cfg.MaxHomesPerScan, len(homes))
		homes = homes[:cfg.MaxHomesPerScan]
	}

	for _, home := range homes {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.scanned++

		res, err := cfg.Runner.Run(ctx, pipeline.Inputs{
			HomeID: home.ID,
			Reason: pipeline.ReasonMonthlyRefresh,
		})
		if err != nil {
			stats.failed++
			stats.failures = append(stats.failures, alerting.HomeFailure{HomeID: home.ID, Error: err.Error()})
			log.Printf("cron: scan home=%s failed: %v", home.ID, err)
			continue
		}
		if res.Skipped {
			stats.skipped++
			continue
		}
		stats.succeeded++
		if res.Job != nil {
			stats.quarantined += res.Job.Counts.Quarantined
		}
	}
	return stats, nil
}

func notifyScan(ctx context.Context, cfg Config, stats scanStats, started time.Time, dur time.Duration) {
	if cfg.Alerter == nil {
		return
	}
	err := cfg.Alerter.SendScanAlert(ctx, alerting.ScanAlert{
		JobName:        scanJobName,
		HomesScanned:   stats.scanned,
		HomesSkipped:   stats.skipped,
		HomesSucceeded: stats.succeeded,
		HomesFailed:    stats.failed,
		Quarantined:    stats.quarantined,
		Duration:       dur,
		FailedDetails:  stats.failures,
		Timestamp:      started,
	})
	if err != nil {
		log.Printf("cron: scan alert failed: %v", err)
	}
}

// maybeSendDigest sends the review digest when the last one is older than
// DigestEvery. Spacing state lives in scheduled_jobs so restarts do not
// re-send.
func maybeSendDigest(ctx context.Context, cfg Config) {
	if cfg.Digests == nil {
		return
	}
	last, err := cfg.Store.GetScheduledJob(ctx, digestJobName)
	if err != nil {
		log.Printf("cron: load digest job row failed: %v", err)
		return
	}
	if last != nil && time.Since(last.LastRunAt) < cfg.DigestEvery {
		return
	}

	started := time.Now()
	sendErr := cfg.Digests.SendReviewDigest(ctx)
	if errors.Is(sendErr, notification.ErrNotConfigured) {
		return
	}
	metrics.UpdateJobMetrics(digestJobName, started, sendErr)
	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
		log.Printf("cron: review digest failed: %v", sendErr)
	}
	if err := cfg.Store.UpdateScheduledJob(ctx, digestJobName, started, time.Since(started), sendErr == nil, errMsg); err != nil {
		log.Printf("cron: update scheduled_jobs failed: %v", err)
	}
}

func refreshReviewGauge(ctx context.Context, store storage.Storage) {
	counts, err := store.CountOpenReviewItems(ctx)
	if err != nil {
		log.Printf("cron: count open review items failed: %v", err)
		return
	}
	for _, kind := range []string{storage.ReviewKindEflParse, storage.ReviewKindQuarantine} {
		metrics.ReviewQueueOpenItems.WithLabelValues(kind).Set(float64(counts[kind]))
	}
}
