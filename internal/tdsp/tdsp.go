// Package tdsp resolves regulated delivery tariffs for the pricing engine.
package tdsp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/pkg/utilities"
)

// RatesFunc resolves the delivery tariff for a TDSP as of a date. The
// pipeline takes its lookup as a function so deployments can swap the static
// registry for a live source.
type RatesFunc func(ctx context.Context, tdspSlug string, asOf time.Time) (*plan.TdspRates, error)

// FromRegistry resolves against the static tariff registry in pkg/utilities.
// Callers still need to import the utility subpackages they want enabled.
func FromRegistry() RatesFunc {
	return func(_ context.Context, tdspSlug string, asOf time.Time) (*plan.TdspRates, error) {
		u, ok := utilities.Get(Normalize(tdspSlug))
		if !ok {
			return nil, fmt.Errorf("resolve tdsp %q: %w", tdspSlug, utilities.ErrUtilityNotFound)
		}
		tariff, err := utilities.TariffAsOf(u, asOf)
		if err != nil {
			return nil, err
		}
		return &plan.TdspRates{
			PerKwhDeliveryChargeCents:    tariff.PerKwhDeliveryChargeCents,
			MonthlyCustomerChargeDollars: tariff.MonthlyCustomerChargeDollars,
			EffectiveDate:                tariff.EffectiveDate,
		}, nil
	}
}

// Normalize maps the TDSP spellings seen on offers and EFLs to registry
// slugs. Unrecognized names pass through lowercased and squeezed so a
// matching custom registration still resolves.
func Normalize(name string) string {
	k := strings.ToLower(strings.TrimSpace(name))
	k = strings.NewReplacer(" ", "", "-", "", "_", "", ".", "", ",", "").Replace(k)
	switch {
	case strings.Contains(k, "oncor"):
		return "oncor"
	case strings.Contains(k, "centerpoint") || strings.Contains(k, "cnp"):
		return "centerpoint"
	case strings.Contains(k, "aep") && strings.Contains(k, "central"):
		return "aepcentral"
	case strings.Contains(k, "aep") && strings.Contains(k, "north"):
		return "aepnorth"
	case strings.Contains(k, "tnmp") || strings.Contains(k, "texasnewmexico"):
		return "tnmp"
	}
	return k
}

// Memoized caches fn per (slug, as-of month) for the life of the wrapper.
// Pipeline runs hold one wrapper each so entries never outlive a job.
func Memoized(fn RatesFunc) RatesFunc {
	type key struct {
		slug string
		ym   string
	}
	type entry struct {
		rates *plan.TdspRates
		err   error
	}
	var mu sync.Mutex
	cache := make(map[key]entry)
	return func(ctx context.Context, tdspSlug string, asOf time.Time) (*plan.TdspRates, error) {
		k := key{slug: Normalize(tdspSlug), ym: asOf.UTC().Format("2006-01")}
		mu.Lock()
		e, ok := cache[k]
		mu.Unlock()
		if ok {
			return e.rates, e.err
		}
		rates, err := fn(ctx, tdspSlug, asOf)
		mu.Lock()
		cache[k] = entry{rates: rates, err: err}
		mu.Unlock()
		return rates, err
	}
}
