package plan

import (
	"fmt"
	"sort"
)

// Bucket key conventions. Monthly rows carry the month total under
// BucketKeyMonthAll; seasonal plans additionally require the calendar-month
// scoped alias so the builder proves usage is attributed to the right months.
const BucketKeyMonthAll = "kwh.m.all.total"

// MonthBucketKey is the calendar-month scoped total, e.g. kwh.m.06.total.
func MonthBucketKey(month int) string {
	return fmt.Sprintf("kwh.m.%02d.total", month)
}

// HourBucketKey is the hour-of-day total within a monthly row, e.g.
// kwh.h.21.total. Only intra-day time-of-use plans ask for these.
func HourBucketKey(hour int) string {
	return fmt.Sprintf("kwh.h.%02d.total", hour)
}

// ComputabilityStatus says whether monthly buckets suffice to price the plan.
type ComputabilityStatus string

const (
	Computable    ComputabilityStatus = "COMPUTABLE"
	NotComputable ComputabilityStatus = "NOT_COMPUTABLE"
)

// ReasonCode qualifies a computability verdict. Codes appear on both
// NOT_COMPUTABLE templates and on computable-but-approximate ones.
type ReasonCode string

const (
	ReasonUnsupportedStructure  ReasonCode = "UNSUPPORTED_RATE_STRUCTURE"
	ReasonIndexedApproximateOK  ReasonCode = "INDEXED_APPROXIMATE_OK"
	ReasonNeedsHourlyIntervals  ReasonCode = "NEEDS_HOURLY_INTERVALS"
	ReasonSuspectTouEvidence    ReasonCode = "SUSPECT_TOU_EVIDENCE_IN_VALIDATION"
	ReasonCombinedStructures    ReasonCode = "UNSUPPORTED_COMBINED_STRUCTURES"
	ReasonCreditsInTiered       ReasonCode = "UNSUPPORTED_CREDITS_IN_TIERED"
	ReasonNonDeterministic      ReasonCode = "NON_DETERMINISTIC_PRICING"
	ReasonUnsupportedTierLayout ReasonCode = "UNSUPPORTED_TIER_VARIATION"
)

// QuarantineWorthy reports whether the code marks a structurally defective
// template. Bucket availability gaps (hourly intervals) are operational, not
// structural, so the pipeline skips rather than quarantines them.
func (rc ReasonCode) QuarantineWorthy() bool {
	switch rc {
	case ReasonUnsupportedStructure, ReasonSuspectTouEvidence,
		ReasonCombinedStructures, ReasonCreditsInTiered,
		ReasonNonDeterministic, ReasonUnsupportedTierLayout:
		return true
	}
	return false
}

// Computability is the analyzer's verdict for one template.
type Computability struct {
	Status             ComputabilityStatus `json:"status"`
	ReasonCode         ReasonCode          `json:"reasonCode,omitempty"`
	RequiredBucketKeys []string            `json:"requiredBucketKeys"`
	SupportedFeatures  map[string]bool     `json:"supportedFeatures"`
	// Approximate marks templates whose estimates carry APPROXIMATE status.
	Approximate bool `json:"approximate,omitempty"`
}

// AnalyzeOptions tune the analyzer. AllowIntraDayTou is an operator override
// for homes with interval meters whose buckets include hourly totals.
type AnalyzeOptions struct {
	AllowIntraDayTou bool
}

// Analyze derives whether the structure can be priced from bucketed usage,
// which bucket keys that needs, and a reason code otherwise. Evidence, when
// present, lets the analyzer spot validations that only passed by assuming a
// time-of-use split the final structure does not carry.
func Analyze(rs RateStructure, ev *Evidence, opts AnalyzeOptions) Computability {
	features := map[string]bool{
		"flatRate":    rs.EnergyRateCents != nil,
		"tiers":       len(rs.UsageTiers) > 0,
		"timeOfUse":   len(rs.TimeOfUsePeriods) > 0,
		"billCredits": rs.BillCredits.HasBillCredit,
	}

	if !rs.Type.Valid() {
		return notComputable(ReasonUnsupportedStructure, features)
	}
	if len(rs.UsageTiers) > 0 && len(rs.TimeOfUsePeriods) > 0 {
		return notComputable(ReasonCombinedStructures, features)
	}
	if suspectTouEvidence(rs, ev) {
		return notComputable(ReasonSuspectTouEvidence, features)
	}

	switch rs.Type {
	case RateTypeFixed:
		return analyzeFixed(rs, features)
	case RateTypeTimeOfUse:
		return analyzeTou(rs, features, opts)
	case RateTypeVariable, RateTypeIndexed:
		if rs.EnergyRateCents != nil {
			c := computable(features, BucketKeyMonthAll)
			c.ReasonCode = ReasonIndexedApproximateOK
			c.Approximate = true
			return c
		}
		return notComputable(ReasonNonDeterministic, features)
	}
	return notComputable(ReasonUnsupportedStructure, features)
}

func analyzeFixed(rs RateStructure, features map[string]bool) Computability {
	if len(rs.UsageTiers) > 0 {
		if err := ValidateTiers(rs.UsageTiers); err != nil {
			return notComputable(ReasonUnsupportedTierLayout, features)
		}
		if rs.BillCredits.HasBillCredit && !creditsDeterministic(rs.BillCredits) {
			return notComputable(ReasonCreditsInTiered, features)
		}
		return computable(features, BucketKeyMonthAll)
	}
	if rs.EnergyRateCents == nil {
		return notComputable(ReasonUnsupportedStructure, features)
	}
	if rs.BillCredits.HasBillCredit && !creditsDeterministic(rs.BillCredits) {
		return notComputable(ReasonUnsupportedStructure, features)
	}
	return computable(features, BucketKeyMonthAll)
}

func analyzeTou(rs RateStructure, features map[string]bool, opts AnalyzeOptions) Computability {
	if len(rs.TimeOfUsePeriods) == 0 {
		return notComputable(ReasonUnsupportedStructure, features)
	}
	if !HasIntraDayPeriods(rs.TimeOfUsePeriods) {
		if !PartitionsMonths(rs.TimeOfUsePeriods) {
			return notComputable(ReasonUnsupportedStructure, features)
		}
		features["seasonal"] = true
		keys := []string{BucketKeyMonthAll}
		for m := 1; m <= 12; m++ {
			keys = append(keys, MonthBucketKey(m))
		}
		return computable(features, keys...)
	}
	// Intra-day windows. A malformed partition is rejected outright; a clean
	// one still needs hourly buckets, which monthly rows do not carry unless
	// the operator override is on.
	if !PartitionsDay(rs.TimeOfUsePeriods) {
		return notComputable(ReasonNeedsHourlyIntervals, features)
	}
	features["intraDay"] = true
	if !opts.AllowIntraDayTou {
		return notComputable(ReasonNeedsHourlyIntervals, features)
	}
	keys := []string{BucketKeyMonthAll}
	for h := 0; h < 24; h++ {
		keys = append(keys, HourBucketKey(h))
	}
	return computable(features, keys...)
}

// suspectTouEvidence flags structures whose validation only balanced by
// blending peak and off-peak usage, yet whose final form carries no
// time-of-use periods. Pricing those from monthly totals would silently drop
// the split the validator relied on.
func suspectTouEvidence(rs RateStructure, ev *Evidence) bool {
	if ev == nil || ev.Validation == nil || len(rs.TimeOfUsePeriods) > 0 {
		return false
	}
	a := ev.Validation.AssumptionsUsed
	return a.NightUsagePercent != nil || a.TouHours != ""
}

// creditsDeterministic checks the persisted segments form non-overlapping
// half-open intervals, so each monthly usage matches an unambiguous subset.
func creditsDeterministic(bc BillCredits) bool {
	rules := make([]BillCreditRule, len(bc.Rules))
	copy(rules, bc.Rules)
	sort.Slice(rules, func(i, j int) bool {
		return boundOrMin(rules[i].MinUsageKwh) < boundOrMin(rules[j].MinUsageKwh)
	})
	for i := 1; i < len(rules); i++ {
		prev, cur := rules[i-1], rules[i]
		if prev.MaxUsageKwh == nil {
			return false
		}
		if boundOrMin(cur.MinUsageKwh) < *prev.MaxUsageKwh {
			return false
		}
	}
	return true
}

func boundOrMin(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func computable(features map[string]bool, keys ...string) Computability {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return Computability{
		Status:             Computable,
		RequiredBucketKeys: sorted,
		SupportedFeatures:  features,
	}
}

func notComputable(code ReasonCode, features map[string]bool) Computability {
	return Computability{
		Status:            NotComputable,
		ReasonCode:        code,
		SupportedFeatures: features,
	}
}
