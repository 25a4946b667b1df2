// Package utilities carries the static registry of Texas TDSP delivery
// tariffs. Concrete utilities live in subpackages and register themselves
// at init, so importing a utility package is what enables it.
package utilities

import (
	"errors"
	"fmt"
	"time"
)

// Utility is one Texas transmission/distribution service provider (TDSP).
type Utility interface {
	// Slug returns the unique identifier for the utility (e.g., "oncor").
	Slug() string
	// Name returns the utility's legal name.
	Name() string
	// TariffURL returns the page the delivery tariff figures come from.
	TariffURL() string
	// Tariffs returns the known residential delivery tariffs, oldest first.
	Tariffs() []Tariff
}

// Tariff is one effective-dated residential delivery tariff.
type Tariff struct {
	EffectiveDate                time.Time
	PerKwhDeliveryChargeCents    float64
	MonthlyCustomerChargeDollars float64
}

// Common errors shared across utilities.
var (
	ErrUtilityNotFound   = errors.New("utility not found")
	ErrNoEffectiveTariff = errors.New("no tariff effective at date")
)

// Effective builds a tariff effective date at midnight UTC.
func Effective(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// TariffAsOf picks the latest tariff effective at or before asOf.
func TariffAsOf(u Utility, asOf time.Time) (*Tariff, error) {
	var best *Tariff
	for _, t := range u.Tariffs() {
		t := t
		if t.EffectiveDate.After(asOf) {
			continue
		}
		if best == nil || t.EffectiveDate.After(best.EffectiveDate) {
			best = &t
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s as of %s", ErrNoEffectiveTariff, u.Slug(), asOf.Format("2006-01-02"))
	}
	return best, nil
}
