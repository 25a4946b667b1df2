package estimate

import (
	"math"
	"testing"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
)

func hashFixture() HashInputs {
	return HashInputs{
		EngineVersion: plan.CalcVersion,
		MonthsCount:   12,
		AnnualKwh:     12000,
		Tdsp: plan.TdspRates{
			PerKwhDeliveryChargeCents:    4.5188,
			MonthlyCustomerChargeDollars: 4.23,
			EffectiveDate:                time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC),
		},
		RateStructureSha: "abc123",
		Buckets:          uniform(1000),
		BucketKeys:       []string{plan.BucketKeyMonthAll},
	}
}

func TestInputsSha256Deterministic(t *testing.T) {
	a, b := InputsSha256(hashFixture()), InputsSha256(hashFixture())
	if a != b {
		t.Errorf("hashes differ across identical inputs: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash %q is not 64 hex chars", a)
	}
}

func TestInputsSha256RowInsertionOrder(t *testing.T) {
	in := hashFixture()
	base := InputsSha256(in)

	reversed := hashFixture()
	reversed.Buckets.ByMonth = make(map[string]map[string]float64)
	yms := reversed.Buckets.YearMonths
	for i := len(yms) - 1; i >= 0; i-- {
		reversed.Buckets.ByMonth[yms[i]] = map[string]float64{plan.BucketKeyMonthAll: 1000}
	}
	if got := InputsSha256(reversed); got != base {
		t.Errorf("hash depends on row insertion order: %s vs %s", got, base)
	}
}

func TestInputsSha256BucketKeyOrder(t *testing.T) {
	in := hashFixture()
	in.BucketKeys = []string{plan.MonthBucketKey(6), plan.BucketKeyMonthAll}
	a := InputsSha256(in)

	in2 := hashFixture()
	in2.BucketKeys = []string{plan.BucketKeyMonthAll, plan.MonthBucketKey(6)}
	if b := InputsSha256(in2); a != b {
		t.Errorf("hash depends on bucket key order: %s vs %s", a, b)
	}
}

func TestInputsSha256NegativeZero(t *testing.T) {
	a := hashFixture()
	a.Buckets.ByMonth["2025-03"][plan.BucketKeyMonthAll] = 0

	b := hashFixture()
	b.Buckets.ByMonth["2025-03"][plan.BucketKeyMonthAll] = math.Copysign(0, -1)

	if ha, hb := InputsSha256(a), InputsSha256(b); ha != hb {
		t.Errorf("-0.0 hashes differently from 0.0: %s vs %s", ha, hb)
	}
}

func TestInputsSha256SensitiveToValues(t *testing.T) {
	base := InputsSha256(hashFixture())

	bumped := hashFixture()
	bumped.Buckets.ByMonth["2025-03"][plan.BucketKeyMonthAll] = 1000.001
	if InputsSha256(bumped) == base {
		t.Error("hash ignored a bucket value change")
	}

	version := hashFixture()
	version.EngineVersion = "pc-2"
	if InputsSha256(version) == base {
		t.Error("hash ignored the engine version")
	}

	sha := hashFixture()
	sha.RateStructureSha = "different"
	if InputsSha256(sha) == base {
		t.Error("hash ignored the rate structure fingerprint")
	}
}

func TestInputsSha256MissingKeyIsNotZero(t *testing.T) {
	withZero := hashFixture()
	withZero.BucketKeys = []string{plan.BucketKeyMonthAll, plan.MonthBucketKey(6)}
	for _, row := range withZero.Buckets.ByMonth {
		row[plan.MonthBucketKey(6)] = 0
	}
	a := InputsSha256(withZero)

	withGap := hashFixture()
	withGap.BucketKeys = []string{plan.BucketKeyMonthAll, plan.MonthBucketKey(6)}
	if b := InputsSha256(withGap); a == b {
		t.Error("absent key hashed the same as explicit zero")
	}
}

func TestRateStructureSha(t *testing.T) {
	a := plan.RateStructure{Type: plan.RateTypeFixed, EnergyRateCents: plan.Float64Ptr(12.5)}
	b := plan.RateStructure{Type: plan.RateTypeFixed, EnergyRateCents: plan.Float64Ptr(12.5)}
	if RateStructureSha(a) != RateStructureSha(b) {
		t.Error("equal structures hash differently")
	}
	c := plan.RateStructure{Type: plan.RateTypeFixed, EnergyRateCents: plan.Float64Ptr(12.6)}
	if RateStructureSha(a) == RateStructureSha(c) {
		t.Error("different rates hash the same")
	}
}
