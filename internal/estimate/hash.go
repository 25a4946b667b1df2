package estimate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/internal/usage"
)

// HashInputs identifies everything an estimate depends on. Two runs with the
// same hash would produce byte-identical payloads, which is what lets the
// pipeline short-circuit on a cache hit.
type HashInputs struct {
	EngineVersion    string
	MonthsCount      int
	AnnualKwh        float64
	Tdsp             plan.TdspRates
	RateStructureSha string
	Buckets          *usage.BucketSet
	BucketKeys       []string
}

// InputsSha256 fingerprints the inputs as canonical JSON: object keys come
// out sorted (encoding/json orders map keys), annual kWh is fixed at 6
// decimals, bucket values at 3 decimals or null when the month lacks the
// key, and negative zero folds to zero.
func InputsSha256(in HashInputs) string {
	keys := append([]string(nil), in.BucketKeys...)
	sort.Strings(keys)

	byMonth := make(map[string]any, len(in.Buckets.YearMonths))
	for _, ym := range in.Buckets.YearMonths {
		row := in.Buckets.ByMonth[ym]
		vals := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := row[k]; ok {
				vals[k] = fixed(v, 3)
			} else {
				vals[k] = nil
			}
		}
		byMonth[ym] = vals
	}

	doc := map[string]any{
		"engineVersion": in.EngineVersion,
		"monthsCount":   in.MonthsCount,
		"annualKwh":     fixed(in.AnnualKwh, 6),
		"tdsp": map[string]any{
			"perKwhDeliveryChargeCents":    fixed(in.Tdsp.PerKwhDeliveryChargeCents, 6),
			"monthlyCustomerChargeDollars": fixed(in.Tdsp.MonthlyCustomerChargeDollars, 6),
			"effectiveDate":                in.Tdsp.EffectiveDate.UTC().Format("2006-01-02"),
		},
		"rateStructureSha":    in.RateStructureSha,
		"yearMonths":          in.Buckets.YearMonths,
		"bucketKeys":          keys,
		"usageBucketsByMonth": byMonth,
	}
	b, _ := json.Marshal(doc)
	return sha256Hex(b)
}

// RateStructureSha fingerprints the persisted canonical structure. Struct
// fields marshal in declared order, so equal structures hash equal.
func RateStructureSha(rs plan.RateStructure) string {
	b, _ := json.Marshal(rs)
	return sha256Hex(b)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// fixed renders v with prec decimals, folding negative zero.
func fixed(v float64, prec int) string {
	if v == 0 {
		v = 0
	}
	s := strconv.FormatFloat(v, 'f', prec, 64)
	if s == "-0."+strings.Repeat("0", prec) {
		s = s[1:]
	}
	return s
}
