package efl

import (
	"math"
	"strings"
	"testing"

	"github.com/pickwatt/pickwatt/internal/plan"
)

const maskedTduText = "TDU Delivery Charges are included in the price shown above."

func flatRules(cents float64) *plan.PlanRules {
	return &plan.PlanRules{
		RateType:               plan.RateTypeFixed,
		DefaultRateCentsPerKwh: plan.Float64Ptr(cents),
	}
}

func TestValidateFixedPlanWithTerritoryTdsp(t *testing.T) {
	// 12.5¢ energy + $4.95 base + 3.87¢/kWh and $4.39/month delivery:
	// avg(u) = 16.37 + 934/u → 18.238 / 17.304 / 16.837.
	rules := flatRules(12.5)
	rules.BaseChargePerMonthCents = plan.Int64Ptr(495)

	v := Validate(ValidateInput{
		RawText:        "Energy Charge: 12.5¢ per kWh",
		Rules:          rules,
		TerritoryRates: &plan.TdspRates{PerKwhDeliveryChargeCents: 3.87, MonthlyCustomerChargeDollars: 4.39},
		Points: []DisclosedPoint{
			{UsageKwh: 500, CentsPerKwh: 18.2},
			{UsageKwh: 1000, CentsPerKwh: 17.3},
			{UsageKwh: 2000, CentsPerKwh: 16.8},
		},
	})

	if !v.Passed() {
		t.Fatalf("status = %s, reason = %q", v.Status, v.QueueReason)
	}
	if v.AssumptionsUsed.TdspAppliedMode != plan.TdspAppliedFlat {
		t.Errorf("tdsp mode = %s, want FLAT", v.AssumptionsUsed.TdspAppliedMode)
	}
	if len(v.Points) != 3 {
		t.Fatalf("recorded %d points, want 3", len(v.Points))
	}
	if got := v.Points[0].ModeledCentsPerKwh; math.Abs(got-18.238) > 1e-6 {
		t.Errorf("modeled at 500 = %v, want 18.238", got)
	}
	for _, p := range v.Points {
		if math.Abs(p.DiffCentsPerKwh) > 0.25 {
			t.Errorf("diff at %v kWh = %v, exceeds tolerance", p.UsageKwh, p.DiffCentsPerKwh)
		}
	}
}

func TestValidateToleranceBoundary(t *testing.T) {
	tests := []struct {
		name      string
		disclosed float64
		wantPass  bool
	}{
		{name: "diff of exactly the tolerance passes", disclosed: 9.75, wantPass: true},
		{name: "one thousandth beyond fails", disclosed: 9.749, wantPass: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(ValidateInput{
				RawText: maskedTduText,
				Rules:   flatRules(10),
				Points:  []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: tt.disclosed}},
			})
			if v.Passed() != tt.wantPass {
				t.Fatalf("passed = %v, want %v (reason %q)", v.Passed(), tt.wantPass, v.QueueReason)
			}
			if v.AssumptionsUsed.TdspAppliedMode != plan.TdspAppliedNone {
				t.Errorf("tdsp mode = %s, want NONE for masked delivery", v.AssumptionsUsed.TdspAppliedMode)
			}
			if !tt.wantPass && !strings.Contains(v.QueueReason, "avg-price mismatch at 1000 kWh") {
				t.Errorf("queue reason = %q", v.QueueReason)
			}
		})
	}
}

func TestValidateMissingTable(t *testing.T) {
	v := Validate(ValidateInput{
		RawText: "Energy Charge: 12.5¢ per kWh",
		Rules:   flatRules(12.5),
	})
	if v.Passed() {
		t.Fatal("expected FAIL without a disclosed table")
	}
	if v.QueueReason != "missing disclosed average-price table" {
		t.Errorf("queue reason = %q", v.QueueReason)
	}
}

func TestValidateUnmodelableStructure(t *testing.T) {
	v := Validate(ValidateInput{
		RawText: maskedTduText,
		Rules:   &plan.PlanRules{RateType: plan.RateTypeVariable},
		Points:  []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 12.0}},
	})
	if v.Passed() {
		t.Fatal("expected FAIL for a structure with no deterministic rate")
	}
	if v.QueueReason != "structure cannot model disclosed usage points" {
		t.Errorf("queue reason = %q", v.QueueReason)
	}
}

func TestValidateSeasonalBlend(t *testing.T) {
	// 10¢ June–September, 20¢ otherwise: (4·10 + 8·20)/12 = 16.667¢ blended.
	rules := &plan.PlanRules{
		RateType: plan.RateTypeTimeOfUse,
		TimeOfUsePeriods: []plan.TimeOfUsePeriod{
			{Label: "seasonal discount", StartHour: 0, EndHour: 24, Months: []int{6, 7, 8, 9}, RateCentsPerKwh: 10},
			{Label: "base season", StartHour: 0, EndHour: 24, Months: []int{1, 2, 3, 4, 5, 10, 11, 12}, RateCentsPerKwh: 20},
		},
	}
	v := Validate(ValidateInput{
		RawText: maskedTduText,
		Rules:   rules,
		Points: []DisclosedPoint{
			{UsageKwh: 500, CentsPerKwh: 16.67},
			{UsageKwh: 1000, CentsPerKwh: 16.67},
			{UsageKwh: 2000, CentsPerKwh: 16.67},
		},
	})
	if !v.Passed() {
		t.Fatalf("status = %s, reason = %q", v.Status, v.QueueReason)
	}
	if v.AssumptionsUsed.NightUsagePercent != nil {
		t.Error("seasonal blending should not record a night-usage assumption")
	}
}

func TestValidateIntraDayBlend(t *testing.T) {
	// Peak 11.84¢ / off-peak 5.92¢ with 32% disclosed off-peak share:
	// 11.84·0.68 + 5.92·0.32 = 9.9456¢.
	raw := strings.Join([]string{
		"Energy Charge (Peak): 11.84¢ per kWh",
		"Energy Charge (Off-Peak): 5.92¢ per kWh",
		"Off-Peak hours are 9:00 PM to 5:00 AM every day.",
		"Approximately 32% of your consumption falls in Off-Peak hours.",
		maskedTduText,
	}, "\n")
	rules := &plan.PlanRules{
		RateType: plan.RateTypeTimeOfUse,
		TimeOfUsePeriods: []plan.TimeOfUsePeriod{
			{Label: "off-peak", StartHour: 21, EndHour: 5, RateCentsPerKwh: 5.92},
			{Label: "peak", StartHour: 5, EndHour: 21, RateCentsPerKwh: 11.84},
		},
	}

	v := Validate(ValidateInput{
		RawText: raw,
		Rules:   rules,
		Points:  []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 9.95}},
	})

	if !v.Passed() {
		t.Fatalf("status = %s, reason = %q", v.Status, v.QueueReason)
	}
	if got := v.AssumptionsUsed.NightUsagePercent; got == nil || *got != 32 {
		t.Errorf("night usage assumption = %v, want 32 from the label's own disclosure", got)
	}
	if v.AssumptionsUsed.TouHours != "21:00-05:00" {
		t.Errorf("tou hours = %q, want 21:00-05:00", v.AssumptionsUsed.TouHours)
	}
	if got := v.Points[0].ModeledCentsPerKwh; math.Abs(got-9.9456) > 1e-9 {
		t.Errorf("modeled = %v, want 9.9456", got)
	}
}

func TestValidateCreditEventsWeightByMonthScope(t *testing.T) {
	// $35 year-round plus $120 in June–August (3/12 weight → $30 typical month).
	rules := flatRules(10)
	rules.BillCredits = []plan.ThresholdCredit{
		{CreditCents: 3500, ThresholdKwh: 1000, Type: plan.CreditThresholdMin},
		{CreditCents: 12000, ThresholdKwh: 1000, Type: plan.CreditThresholdMin, MonthsOfYear: []int{6, 7, 8}},
	}
	v := Validate(ValidateInput{
		RawText: maskedTduText,
		Rules:   rules,
		Points: []DisclosedPoint{
			{UsageKwh: 500, CentsPerKwh: 10.0},
			{UsageKwh: 1000, CentsPerKwh: 3.5},
		},
	})
	if !v.Passed() {
		t.Fatalf("status = %s, reason = %q", v.Status, v.QueueReason)
	}
}

func TestValidateMaxThresholdCredit(t *testing.T) {
	rules := flatRules(10)
	rules.BaseChargePerMonthCents = plan.Int64Ptr(990)
	rules.BillCredits = []plan.ThresholdCredit{
		{CreditCents: 2500, ThresholdKwh: 1000, Type: plan.CreditThresholdMax},
	}
	// Credit applies at 1000 exactly, gone at 2000: 8.49 vs 10.495.
	v := Validate(ValidateInput{
		RawText: maskedTduText,
		Rules:   rules,
		Points: []DisclosedPoint{
			{UsageKwh: 1000, CentsPerKwh: 8.49},
			{UsageKwh: 2000, CentsPerKwh: 10.495},
		},
	})
	if !v.Passed() {
		t.Fatalf("status = %s, reason = %q", v.Status, v.QueueReason)
	}
}

func TestValidateTieredDelivery(t *testing.T) {
	rules := flatRules(10)
	v := Validate(ValidateInput{
		RawText: "Energy Charge: 10¢ per kWh",
		Rules:   rules,
		TerritoryRates: &plan.TdspRates{
			PerKwhDeliveryChargeCents:    3.0,
			MonthlyCustomerChargeDollars: 4.39,
		},
		DeliveryTiers: []plan.UsageTier{
			{MinKwh: 0, MaxKwh: plan.Float64Ptr(1000), RateCentsPerKwh: 3.0},
			{MinKwh: 1001, RateCentsPerKwh: 5.0},
		},
		Points: []DisclosedPoint{{UsageKwh: 500, CentsPerKwh: 13.878}},
	})
	if !v.Passed() {
		t.Fatalf("status = %s, reason = %q", v.Status, v.QueueReason)
	}
	if v.AssumptionsUsed.TdspAppliedMode != plan.TdspAppliedTiered {
		t.Errorf("tdsp mode = %s, want TIERED_BY_UTILITY_TABLE", v.AssumptionsUsed.TdspAppliedMode)
	}
}

func TestValidateLabelPrintedTduBeatsTerritory(t *testing.T) {
	// The label's own numbers win over the territory tariff.
	raw := "Energy Charge: 10¢ per kWh\nTDU Delivery Charges: $4.39 per month and 3.87¢ per kWh"
	v := Validate(ValidateInput{
		RawText:        raw,
		Rules:          flatRules(10),
		TerritoryRates: &plan.TdspRates{PerKwhDeliveryChargeCents: 9.99, MonthlyCustomerChargeDollars: 99},
		// avg(1000) = 10 + 3.87 + 439/1000 = 14.309.
		Points: []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 14.309}},
	})
	if !v.Passed() {
		t.Fatalf("status = %s, reason = %q", v.Status, v.QueueReason)
	}
	if v.AssumptionsUsed.TdspAppliedMode != plan.TdspAppliedFlat {
		t.Errorf("tdsp mode = %s, want FLAT from label text", v.AssumptionsUsed.TdspAppliedMode)
	}
}
