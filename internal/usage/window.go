package usage

import (
	"fmt"
	"time"
)

// DefaultZoneName is the bucketing time zone when the deployment does not
// configure one. Texas retail billing runs on Central time.
const DefaultZoneName = "America/Chicago"

// DefaultMonthsCount is the window length the estimator expects.
const DefaultMonthsCount = 12

// FormatYearMonth renders t's calendar month in zone as YYYY-MM.
func FormatYearMonth(t time.Time, zone *time.Location) string {
	if zone == nil {
		zone = time.UTC
	}
	return t.In(zone).Format("2006-01")
}

// ParseYearMonth returns the first instant of the labeled month in zone.
func ParseYearMonth(label string, zone *time.Location) (time.Time, error) {
	if zone == nil {
		zone = time.UTC
	}
	t, err := time.ParseInLocation("2006-01", label, zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad year-month %q: %w", label, err)
	}
	return t, nil
}

// MonthWindow lists the n complete calendar months preceding the month that
// contains end, oldest first, as YYYY-MM labels in zone. The month containing
// end is never included: its row would hold partial usage and skew the
// annualized total.
func MonthWindow(end time.Time, n int, zone *time.Location) []string {
	if zone == nil {
		zone = time.UTC
	}
	if n <= 0 {
		n = DefaultMonthsCount
	}
	local := end.In(zone)
	first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, zone)
	labels := make([]string, 0, n)
	for i := n; i >= 1; i-- {
		labels = append(labels, first.AddDate(0, -i, 0).Format("2006-01"))
	}
	return labels
}
