package efl

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pickwatt/pickwatt/internal/plan"
)

func fixedDraft(cents float64) (*plan.PlanRules, *plan.RateStructure) {
	return &plan.PlanRules{
			RateType:               plan.RateTypeFixed,
			DefaultRateCentsPerKwh: plan.Float64Ptr(cents),
		}, &plan.RateStructure{
			Type:            plan.RateTypeFixed,
			EnergyRateCents: plan.Float64Ptr(cents),
		}
}

func TestSolveServiceFeeCutoff(t *testing.T) {
	raw := strings.Join([]string{
		"Energy Charge: 12.0¢ per kWh",
		"Monthly Service Fee: $8.00 applies up to 1,999 kWh",
		maskedTduText,
	}, "\n")
	rules, structure := fixedDraft(12)
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 13.6},
		{UsageKwh: 1000, CentsPerKwh: 12.8},
		{UsageKwh: 2000, CentsPerKwh: 12.0},
	}

	res := Solve(SolveInput{RawText: raw, Rules: rules, Structure: structure, Points: points})

	wantApplied := []string{"service_fee_cutoff", "credit_normalization"}
	if !reflect.DeepEqual(res.SolverApplied, wantApplied) {
		t.Fatalf("applied = %v, want %v", res.SolverApplied, wantApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	if got := res.PlanRules.BaseChargePerMonthCents; got == nil || *got != 800 {
		t.Errorf("base charge = %v, want 800", got)
	}
	if len(res.PlanRules.BillCredits) != 1 {
		t.Fatalf("credits = %+v, want one compensating credit", res.PlanRules.BillCredits)
	}
	c := res.PlanRules.BillCredits[0]
	if c.CreditCents != 800 || c.ThresholdKwh != 2000 || c.Type != plan.CreditThresholdMin {
		t.Errorf("credit = %+v, want $8.00 MIN at 2000", c)
	}
	segs := res.RateStructure.BillCredits.Rules
	if !res.RateStructure.BillCredits.HasBillCredit || len(segs) != 1 {
		t.Fatalf("structure credits = %+v", res.RateStructure.BillCredits)
	}
	if segs[0].MinUsageKwh == nil || *segs[0].MinUsageKwh != 2000 || segs[0].MaxUsageKwh != nil || segs[0].CreditAmountCents != 800 {
		t.Errorf("segment = %+v, want [2000, ∞) for 800", segs[0])
	}

	// The repaired contract survives a second pass untouched.
	again := Solve(SolveInput{RawText: raw, Rules: res.PlanRules, Structure: res.RateStructure, Points: points})
	if len(again.SolverApplied) != 0 {
		t.Errorf("second pass applied %v, want none", again.SolverApplied)
	}
	if again.SolveMode != SolveModeNone {
		t.Errorf("second pass mode = %s, want NONE", again.SolveMode)
	}
}

func TestSolveStackedCreditsNormalize(t *testing.T) {
	raw := strings.Join([]string{
		"Energy Charge: 12.0¢ per kWh",
		"Residential Usage Credit: $35.00 when monthly usage reaches 1,000 kWh",
		"Additional Usage Credit: $15.00 when usage exceeds 2,000 kWh",
		maskedTduText,
	}, "\n")
	rules, structure := fixedDraft(12)
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 12.0},
		{UsageKwh: 1000, CentsPerKwh: 8.5},
		{UsageKwh: 2000, CentsPerKwh: 9.5},
	}

	res := Solve(SolveInput{RawText: raw, Rules: rules, Structure: structure, Points: points})

	if !reflect.DeepEqual(res.SolverApplied, []string{"credit_normalization"}) {
		t.Fatalf("applied = %v", res.SolverApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	if len(res.PlanRules.BillCredits) != 2 {
		t.Fatalf("rules carry %d credit events, want 2", len(res.PlanRules.BillCredits))
	}
	segs := res.RateStructure.BillCredits.Rules
	if len(segs) != 2 {
		t.Fatalf("segments = %+v, want 2", segs)
	}
	// Additive events become non-overlapping segments with cumulative amounts.
	if *segs[0].MinUsageKwh != 1000 || *segs[0].MaxUsageKwh != 2000 || segs[0].CreditAmountCents != 3500 {
		t.Errorf("segment 0 = %+v, want [1000, 2000) for 3500", segs[0])
	}
	if *segs[1].MinUsageKwh != 2000 || segs[1].MaxUsageKwh != nil || segs[1].CreditAmountCents != 5000 {
		t.Errorf("segment 1 = %+v, want [2000, ∞) for 5000", segs[1])
	}
}

func TestSolveSeasonalDiscount(t *testing.T) {
	raw := strings.Join([]string{
		"Energy Charge: 20.0¢ per kWh",
		"You will receive a 50% discount off the Energy Charge from June 1 through September 30.",
		maskedTduText,
	}, "\n")
	rules, structure := fixedDraft(20)
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 16.67},
		{UsageKwh: 1000, CentsPerKwh: 16.67},
		{UsageKwh: 2000, CentsPerKwh: 16.67},
	}

	res := Solve(SolveInput{RawText: raw, Rules: rules, Structure: structure, Points: points})

	if !reflect.DeepEqual(res.SolverApplied, []string{"seasonal_discount_tou"}) {
		t.Fatalf("applied = %v", res.SolverApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	if res.PlanRules.RateType != plan.RateTypeTimeOfUse {
		t.Errorf("rate type = %s", res.PlanRules.RateType)
	}
	if res.PlanRules.DefaultRateCentsPerKwh != nil {
		t.Error("flat rate should clear when periods take over")
	}
	periods := res.PlanRules.TimeOfUsePeriods
	if len(periods) != 2 {
		t.Fatalf("periods = %+v", periods)
	}
	if !reflect.DeepEqual(periods[0].Months, []int{6, 7, 8, 9}) || periods[0].RateCentsPerKwh != 10 {
		t.Errorf("discount period = %+v", periods[0])
	}
	if len(periods[1].Months) != 8 || periods[1].RateCentsPerKwh != 20 {
		t.Errorf("base period = %+v", periods[1])
	}

	again := Solve(SolveInput{RawText: raw, Rules: res.PlanRules, Structure: res.RateStructure, Points: points})
	if len(again.SolverApplied) != 0 || again.SolveMode != SolveModeNone {
		t.Errorf("second pass = %v / %s, want none / NONE", again.SolverApplied, again.SolveMode)
	}
}

func TestSolveTouPromotion(t *testing.T) {
	raw := strings.Join([]string{
		"Energy Charge (Peak): 11.84¢ per kWh",
		"Energy Charge (Off-Peak): 5.92¢ per kWh",
		"Off-Peak hours are 9:00 PM to 5:00 AM every day.",
		"Approximately 32% of your consumption falls in Off-Peak hours.",
		maskedTduText,
	}, "\n")
	// A draft that read the peak rate as the only rate.
	rules, structure := fixedDraft(11.84)
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 9.95},
		{UsageKwh: 1000, CentsPerKwh: 9.95},
		{UsageKwh: 2000, CentsPerKwh: 9.95},
	}

	res := Solve(SolveInput{RawText: raw, Rules: rules, Structure: structure, Points: points})

	if !reflect.DeepEqual(res.SolverApplied, []string{"tou_promotion"}) {
		t.Fatalf("applied = %v", res.SolverApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	periods := res.PlanRules.TimeOfUsePeriods
	if len(periods) != 2 {
		t.Fatalf("periods = %+v", periods)
	}
	if periods[0].StartHour != 21 || periods[0].EndHour != 5 || periods[0].RateCentsPerKwh != 5.92 {
		t.Errorf("off-peak period = %+v", periods[0])
	}
	if periods[1].StartHour != 5 || periods[1].EndHour != 21 || periods[1].RateCentsPerKwh != 11.84 {
		t.Errorf("peak period = %+v", periods[1])
	}
	if res.RateStructure.EnergyRateCents != nil {
		t.Error("flat structure rate should clear on promotion")
	}
	after := res.ValidationAfter
	if got := after.AssumptionsUsed.NightUsagePercent; got == nil || *got != 32 {
		t.Errorf("night usage assumption = %v, want 32", got)
	}
	if after.AssumptionsUsed.TouHours != "21:00-05:00" {
		t.Errorf("tou hours = %q", after.AssumptionsUsed.TouHours)
	}
}

func TestSolveTouPromotionNeedsDisclosedShare(t *testing.T) {
	// Free nights without a disclosed off-peak percentage stays unpromoted.
	raw := strings.Join([]string{
		"Energy Charge (Peak): 15.0¢ per kWh",
		"Free Nights: your energy charge is free during night hours.",
		"Night hours are 9:00 PM to 5:00 AM.",
		maskedTduText,
	}, "\n")
	rules, structure := fixedDraft(15)

	res := Solve(SolveInput{
		RawText:   raw,
		Rules:     rules,
		Structure: structure,
		Points:    []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 10.5}},
	})

	if len(res.SolverApplied) != 0 {
		t.Errorf("applied = %v, want none", res.SolverApplied)
	}
	if res.SolveMode != SolveModeFail {
		t.Errorf("mode = %s, want FAIL", res.SolveMode)
	}
	if !strings.Contains(res.QueueReason, "avg-price mismatch") {
		t.Errorf("queue reason = %q", res.QueueReason)
	}
}

func TestSolvePrepaidFromEmptyDraft(t *testing.T) {
	raw := strings.Join([]string{
		"Daily Charge: $0.33 per day",
		"Monthly Credit: -$25.00 Applies: 1,000 kWh usage or less",
		"Energy Charge: 11.2¢ per kWh",
		maskedTduText,
	}, "\n")
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 8.18},
		{UsageKwh: 1000, CentsPerKwh: 9.69},
		{UsageKwh: 2000, CentsPerKwh: 11.695},
	}

	res := Solve(SolveInput{RawText: raw, Points: points})

	wantApplied := []string{"fixed_rate_fallback", "prepaid_daily_base", "credit_normalization"}
	if !reflect.DeepEqual(res.SolverApplied, wantApplied) {
		t.Fatalf("applied = %v, want %v", res.SolverApplied, wantApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	if got := res.PlanRules.DefaultRateCentsPerKwh; got == nil || *got != 11.2 {
		t.Errorf("rate = %v, want 11.2 from text", got)
	}
	if res.PlanRules.RateType != plan.RateTypeFixed {
		t.Errorf("rate type = %s", res.PlanRules.RateType)
	}
	if got := res.PlanRules.BaseChargePerMonthCents; got == nil || *got != 990 {
		t.Errorf("base = %v, want 33¢/day × 30", got)
	}
	if len(res.PlanRules.BillCredits) != 1 || res.PlanRules.BillCredits[0].Type != plan.CreditThresholdMax {
		t.Fatalf("credits = %+v, want one MAX event", res.PlanRules.BillCredits)
	}
	segs := res.RateStructure.BillCredits.Rules
	if len(segs) != 1 || segs[0].MinUsageKwh != nil || segs[0].MaxUsageKwh == nil || *segs[0].MaxUsageKwh != 1001 {
		t.Fatalf("segments = %+v, want [0, 1001)", segs)
	}
	if segs[0].CreditAmountCents != 2500 {
		t.Errorf("segment amount = %d, want 2500", segs[0].CreditAmountCents)
	}
}

func TestSolveRederivesTiersFromText(t *testing.T) {
	raw := strings.Join([]string{
		"Energy Charge:",
		"0 – 1,000 kWh 10.0¢ per kWh",
		"> 1,000 kWh 12.0¢ per kWh",
		maskedTduText,
	}, "\n")
	// The draft only saw the first tier.
	rules := &plan.PlanRules{
		RateType:   plan.RateTypeFixed,
		UsageTiers: []plan.UsageTier{{MinKwh: 0, MaxKwh: plan.Float64Ptr(1000), RateCentsPerKwh: 10}},
	}
	structure := &plan.RateStructure{
		Type:       plan.RateTypeFixed,
		UsageTiers: []plan.UsageTier{{MinKwh: 0, MaxKwh: plan.Float64Ptr(1000), RateCentsPerKwh: 10}},
	}
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 10},
		{UsageKwh: 1000, CentsPerKwh: 10},
		{UsageKwh: 2000, CentsPerKwh: 11},
	}

	res := Solve(SolveInput{RawText: raw, Rules: rules, Structure: structure, Points: points})

	if !reflect.DeepEqual(res.SolverApplied, []string{"tier_rederive"}) {
		t.Fatalf("applied = %v", res.SolverApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	tiers := res.PlanRules.UsageTiers
	if len(tiers) != 2 {
		t.Fatalf("tiers = %+v", tiers)
	}
	if tiers[1].MinKwh != 1001 || tiers[1].MaxKwh != nil || tiers[1].RateCentsPerKwh != 12 {
		t.Errorf("open tier = %+v, want min 1001 at 12¢", tiers[1])
	}
	if len(res.RateStructure.UsageTiers) != 2 {
		t.Errorf("structure tiers = %+v", res.RateStructure.UsageTiers)
	}
}

func TestSolveSyncsTierUnits(t *testing.T) {
	// Draft tiers in $/kWh; rules empty.
	structure := &plan.RateStructure{
		Type: plan.RateTypeFixed,
		UsageTiers: []plan.UsageTier{
			{MinKwh: 0, MaxKwh: plan.Float64Ptr(1000), RateCentsPerKwh: 0.10},
			{MinKwh: 1001, RateCentsPerKwh: 0.12},
		},
	}
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 10},
		{UsageKwh: 1000, CentsPerKwh: 10},
		{UsageKwh: 2000, CentsPerKwh: 11},
	}

	res := Solve(SolveInput{
		RawText:   maskedTduText,
		Rules:     &plan.PlanRules{RateType: plan.RateTypeFixed},
		Structure: structure,
		Points:    points,
	})

	if !reflect.DeepEqual(res.SolverApplied, []string{"tier_sync"}) {
		t.Fatalf("applied = %v", res.SolverApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	if got := res.RateStructure.UsageTiers[0].RateCentsPerKwh; got != 10 {
		t.Errorf("tier 0 rate = %v, want 10 after unit fix", got)
	}
	if len(res.PlanRules.UsageTiers) != 2 {
		t.Errorf("rules tiers = %+v, want copy of structure tiers", res.PlanRules.UsageTiers)
	}
}

func TestSolveBackfillsBaseCharge(t *testing.T) {
	raw := strings.Join([]string{
		"Energy Charge: 12.5¢ per kWh",
		"Base Charge: $9.95 per month",
		maskedTduText,
	}, "\n")
	rules, structure := fixedDraft(12.5)
	points := []DisclosedPoint{
		{UsageKwh: 500, CentsPerKwh: 14.49},
		{UsageKwh: 1000, CentsPerKwh: 13.495},
		{UsageKwh: 2000, CentsPerKwh: 12.9975},
	}

	res := Solve(SolveInput{RawText: raw, Rules: rules, Structure: structure, Points: points})

	if !reflect.DeepEqual(res.SolverApplied, []string{"base_charge_backfill"}) {
		t.Fatalf("applied = %v", res.SolverApplied)
	}
	if res.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", res.SolveMode, res.QueueReason)
	}
	if got := res.PlanRules.BaseChargePerMonthCents; got == nil || *got != 995 {
		t.Errorf("base = %v, want 995", got)
	}
	if res.RateStructure.BaseMonthlyFeeCents != 995 {
		t.Errorf("structure base = %d, want 995", res.RateStructure.BaseMonthlyFeeCents)
	}
}

func TestSolveNoRepairNeeded(t *testing.T) {
	rules, structure := fixedDraft(12)

	res := Solve(SolveInput{
		RawText:   maskedTduText,
		Rules:     rules,
		Structure: structure,
		Points:    []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 12.0}},
	})

	if len(res.SolverApplied) != 0 {
		t.Errorf("applied = %v, want none", res.SolverApplied)
	}
	if res.SolveMode != SolveModeNone {
		t.Errorf("mode = %s, want NONE", res.SolveMode)
	}
	if res.ValidationAfter == nil || !res.ValidationAfter.Passed() {
		t.Error("passing before-validation should carry through")
	}
}

func TestSolveStillFailing(t *testing.T) {
	rules, structure := fixedDraft(10)

	res := Solve(SolveInput{
		RawText:   "No pricing details disclosed on this label.",
		Rules:     rules,
		Structure: structure,
		Points:    []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 15.0}},
	})

	if len(res.SolverApplied) != 0 {
		t.Errorf("applied = %v, want none", res.SolverApplied)
	}
	if res.SolveMode != SolveModeFail {
		t.Errorf("mode = %s, want FAIL", res.SolveMode)
	}
	if !strings.Contains(res.QueueReason, "avg-price mismatch at 1000 kWh") {
		t.Errorf("queue reason = %q", res.QueueReason)
	}
}

func TestSolveNeverMutatesInput(t *testing.T) {
	rules, structure := fixedDraft(12.5)
	raw := strings.Join([]string{
		"Base Charge: $9.95 per month",
		maskedTduText,
	}, "\n")

	Solve(SolveInput{
		RawText:   raw,
		Rules:     rules,
		Structure: structure,
		Points:    []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 13.495}},
	})

	if rules.BaseChargePerMonthCents != nil {
		t.Error("input rules were mutated")
	}
	if structure.BaseMonthlyFeeCents != 0 {
		t.Error("input structure was mutated")
	}
}
