// Package usage stitches stored monthly meter totals into the bucket rows
// the pricing estimator consumes. A bucket row maps symbolic keys
// (kwh.m.all.total, kwh.m.06.total, ...) to kWh for one calendar month.
package usage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
)

// BuildRequest describes one bucket-stitching call for a home.
type BuildRequest struct {
	HomeID string
	// Source restricts which ingestion source the rows may come from
	// ("smt", "manual", ...). Empty accepts any.
	Source    string
	WindowEnd time.Time
	// Cutoff drops months that start before it. Move-in months hold partial
	// usage and would understate the annual total.
	Cutoff             time.Time
	RequiredBucketKeys []string
	MonthsCount        int
}

// BucketSet is a stitched usage window. YearMonths always spans the full
// requested window, oldest first; ByMonth only holds months with a usable
// row, so a missing entry is a gap, not zero usage.
type BucketSet struct {
	YearMonths []string
	ByMonth    map[string]map[string]float64
	AnnualKwh  float64
}

// Missing reports, oldest first, each window month that lacks a usable row
// or lacks one of the required keys.
func (s *BucketSet) Missing(keys []string) []string {
	var gaps []string
	for _, ym := range s.YearMonths {
		row, ok := s.ByMonth[ym]
		if !ok {
			gaps = append(gaps, ym)
			continue
		}
		for _, key := range keys {
			if _, ok := row[key]; !ok {
				gaps = append(gaps, ym)
				break
			}
		}
	}
	return gaps
}

// Covers reports whether every required key is present for every window month.
func (s *BucketSet) Covers(keys []string) bool {
	return len(s.Missing(keys)) == 0
}

// MonthTotal is the all-usage total for the labeled month, zero when the
// month has no usable row.
func (s *BucketSet) MonthTotal(ym string) float64 {
	return s.ByMonth[ym][plan.BucketKeyMonthAll]
}

// BucketBuilder yields the usage window an estimate is priced against.
// RepoBuilder is the storage-backed default; tests substitute fixtures.
type BucketBuilder interface {
	Build(ctx context.Context, req BuildRequest) (*BucketSet, error)
}

// MonthlyReading is one stored month of whole-home usage.
type MonthlyReading struct {
	YearMonth string
	Kwh       float64
}

// ReadingSource is the slice of the storage layer the builder needs.
type ReadingSource interface {
	MonthlyReadings(ctx context.Context, homeID, source string, yearMonths []string) ([]MonthlyReading, error)
}

// RepoBuilder builds bucket rows from per-month repository totals. Monthly
// totals can satisfy the all-usage key and the calendar-month scoped keys;
// hour-of-day keys stay absent and surface as gaps.
type RepoBuilder struct {
	src  ReadingSource
	zone *time.Location
}

func NewRepoBuilder(src ReadingSource, zone *time.Location) *RepoBuilder {
	if zone == nil {
		zone = time.UTC
	}
	return &RepoBuilder{src: src, zone: zone}
}

func (b *RepoBuilder) Build(ctx context.Context, req BuildRequest) (*BucketSet, error) {
	yms := MonthWindow(req.WindowEnd, req.MonthsCount, b.zone)
	readings, err := b.src.MonthlyReadings(ctx, req.HomeID, req.Source, yms)
	if err != nil {
		return nil, fmt.Errorf("load monthly readings for %s: %w", req.HomeID, err)
	}
	totals := make(map[string]float64, len(readings))
	for _, r := range readings {
		totals[r.YearMonth] = r.Kwh
	}

	set := &BucketSet{
		YearMonths: yms,
		ByMonth:    make(map[string]map[string]float64, len(yms)),
	}
	for _, ym := range yms {
		total, ok := totals[ym]
		if !ok {
			continue
		}
		if !req.Cutoff.IsZero() {
			start, err := ParseYearMonth(ym, b.zone)
			if err != nil {
				return nil, err
			}
			if start.Before(req.Cutoff) {
				continue
			}
		}
		row := map[string]float64{plan.BucketKeyMonthAll: total}
		for _, key := range req.RequiredBucketKeys {
			if km, ok := bucketKeyMonth(key); ok {
				if km == monthOfLabel(ym) {
					row[key] = total
				} else {
					row[key] = 0
				}
			}
		}
		set.ByMonth[ym] = row
		set.AnnualKwh += total
	}
	return set, nil
}

var monthKeyRe = regexp.MustCompile(`^kwh\.m\.(0[1-9]|1[0-2])\.total$`)

// bucketKeyMonth extracts the calendar month from a month-scoped key;
// kwh.m.all.total and hour keys report false.
func bucketKeyMonth(key string) (int, bool) {
	m := monthKeyRe.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	return n, true
}

func monthOfLabel(label string) int {
	if len(label) != 7 {
		return 0
	}
	n, _ := strconv.Atoi(label[5:])
	return n
}
