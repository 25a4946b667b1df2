package usage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
)

type fakeSource struct {
	rows []MonthlyReading
	err  error

	gotHome string
	gotSrc  string
	gotYms  []string
}

func (f *fakeSource) MonthlyReadings(_ context.Context, homeID, source string, yearMonths []string) ([]MonthlyReading, error) {
	f.gotHome, f.gotSrc, f.gotYms = homeID, source, yearMonths
	return f.rows, f.err
}

// windowRows fabricates one reading per window month.
func windowRows(end time.Time, n int, kwh float64) []MonthlyReading {
	var rows []MonthlyReading
	for _, ym := range MonthWindow(end, n, time.UTC) {
		rows = append(rows, MonthlyReading{YearMonth: ym, Kwh: kwh})
	}
	return rows
}

func TestBuildFullWindow(t *testing.T) {
	end := time.Date(2026, time.March, 5, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{rows: windowRows(end, 12, 1000)}
	b := NewRepoBuilder(src, time.UTC)

	set, err := b.Build(context.Background(), BuildRequest{
		HomeID:             "home-1",
		Source:             "smt",
		WindowEnd:          end,
		RequiredBucketKeys: []string{plan.BucketKeyMonthAll},
		MonthsCount:        12,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if src.gotHome != "home-1" || src.gotSrc != "smt" {
		t.Errorf("source called with (%q, %q), want (home-1, smt)", src.gotHome, src.gotSrc)
	}
	want := MonthWindow(end, 12, time.UTC)
	if !reflect.DeepEqual(src.gotYms, want) {
		t.Errorf("source asked for %v, want %v", src.gotYms, want)
	}
	if !reflect.DeepEqual(set.YearMonths, want) {
		t.Errorf("YearMonths = %v, want %v", set.YearMonths, want)
	}
	if set.AnnualKwh != 12000 {
		t.Errorf("AnnualKwh = %v, want 12000", set.AnnualKwh)
	}
	if !set.Covers([]string{plan.BucketKeyMonthAll}) {
		t.Errorf("Covers = false, missing %v", set.Missing([]string{plan.BucketKeyMonthAll}))
	}
	if got := set.MonthTotal("2025-06"); got != 1000 {
		t.Errorf("MonthTotal(2025-06) = %v, want 1000", got)
	}
}

func TestBuildScopedMonthKeys(t *testing.T) {
	end := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{rows: windowRows(end, 12, 1200)}
	b := NewRepoBuilder(src, time.UTC)

	keys := []string{plan.BucketKeyMonthAll, plan.MonthBucketKey(6), plan.MonthBucketKey(7)}
	set, err := b.Build(context.Background(), BuildRequest{
		HomeID:             "home-2",
		WindowEnd:          end,
		RequiredBucketKeys: keys,
		MonthsCount:        12,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	june := set.ByMonth["2025-06"]
	if june[plan.MonthBucketKey(6)] != 1200 || june[plan.MonthBucketKey(7)] != 0 {
		t.Errorf("june row = %v, want own-month key 1200 and other 0", june)
	}
	march := set.ByMonth["2025-03"]
	if v, ok := march[plan.MonthBucketKey(6)]; !ok || v != 0 {
		t.Errorf("march row = %v, want scoped keys present as 0", march)
	}
	if !set.Covers(keys) {
		t.Errorf("Covers = false, missing %v", set.Missing(keys))
	}
}

func TestBuildReportsGapMonths(t *testing.T) {
	end := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	rows := windowRows(end, 12, 900)
	var trimmed []MonthlyReading
	for _, r := range rows {
		if r.YearMonth == "2025-07" {
			continue
		}
		trimmed = append(trimmed, r)
	}
	src := &fakeSource{rows: trimmed}
	b := NewRepoBuilder(src, time.UTC)

	set, err := b.Build(context.Background(), BuildRequest{
		HomeID:             "home-3",
		WindowEnd:          end,
		RequiredBucketKeys: []string{plan.BucketKeyMonthAll},
		MonthsCount:        12,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := set.Missing([]string{plan.BucketKeyMonthAll}); !reflect.DeepEqual(got, []string{"2025-07"}) {
		t.Errorf("Missing = %v, want [2025-07]", got)
	}
	if set.Covers([]string{plan.BucketKeyMonthAll}) {
		t.Error("Covers = true with a gap month")
	}
	if set.AnnualKwh != 11*900 {
		t.Errorf("AnnualKwh = %v, want %v", set.AnnualKwh, 11*900)
	}
	if _, ok := set.ByMonth["2025-07"]; ok {
		t.Error("gap month has a row")
	}
}

func TestBuildCannotSatisfyHourKeys(t *testing.T) {
	end := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{rows: windowRows(end, 12, 800)}
	b := NewRepoBuilder(src, time.UTC)

	keys := []string{plan.BucketKeyMonthAll, plan.HourBucketKey(21)}
	set, err := b.Build(context.Background(), BuildRequest{
		HomeID:             "home-4",
		WindowEnd:          end,
		RequiredBucketKeys: keys,
		MonthsCount:        12,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := set.Missing(keys); len(got) != 12 {
		t.Errorf("Missing = %v, want every window month", got)
	}
	// The all-usage total is still stitched for templates that can use it.
	if got := set.MonthTotal("2025-08"); got != 800 {
		t.Errorf("MonthTotal = %v, want 800", got)
	}
}

func TestBuildHonorsCutoff(t *testing.T) {
	end := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{rows: windowRows(end, 12, 1000)}
	b := NewRepoBuilder(src, time.UTC)

	// Moved in mid-June: June itself is partial, July is the first full month.
	set, err := b.Build(context.Background(), BuildRequest{
		HomeID:             "home-5",
		WindowEnd:          end,
		Cutoff:             time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC),
		RequiredBucketKeys: []string{plan.BucketKeyMonthAll},
		MonthsCount:        12,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	missing := set.Missing([]string{plan.BucketKeyMonthAll})
	want := []string{"2025-01", "2025-02", "2025-03", "2025-04", "2025-05", "2025-06"}
	if !reflect.DeepEqual(missing, want) {
		t.Errorf("Missing = %v, want %v", missing, want)
	}
	if set.AnnualKwh != 6000 {
		t.Errorf("AnnualKwh = %v, want 6000", set.AnnualKwh)
	}

	// A month starting exactly at the cutoff instant is kept.
	set, err = b.Build(context.Background(), BuildRequest{
		HomeID:             "home-5",
		WindowEnd:          end,
		Cutoff:             time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC),
		RequiredBucketKeys: []string{plan.BucketKeyMonthAll},
		MonthsCount:        12,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := set.ByMonth["2025-07"]; !ok {
		t.Error("month starting at cutoff was dropped")
	}
}

func TestBuildDefaultsMonthsCount(t *testing.T) {
	end := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	b := NewRepoBuilder(&fakeSource{}, time.UTC)
	set, err := b.Build(context.Background(), BuildRequest{HomeID: "home-6", WindowEnd: end})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(set.YearMonths) != DefaultMonthsCount {
		t.Errorf("len(YearMonths) = %d, want %d", len(set.YearMonths), DefaultMonthsCount)
	}
}

func TestBuildWrapsSourceError(t *testing.T) {
	boom := errors.New("connection reset")
	b := NewRepoBuilder(&fakeSource{err: boom}, time.UTC)
	_, err := b.Build(context.Background(), BuildRequest{
		HomeID:    "home-9",
		WindowEnd: time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC),
	})
	if err == nil {
		t.Fatal("Build returned nil error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("error chain lost cause: %v", err)
	}
}
