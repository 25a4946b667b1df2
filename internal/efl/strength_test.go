package efl

import (
	"strings"
	"testing"

	"github.com/pickwatt/pickwatt/internal/plan"
)

func TestGradeStrengthFailedValidation(t *testing.T) {
	res := GradeStrength(ValidateInput{}, &plan.Validation{Status: plan.ValidationFail})
	if res.Strength != plan.PassInvalid {
		t.Errorf("strength = %s, want INVALID", res.Strength)
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != "validation not passing" {
		t.Errorf("reasons = %v", res.Reasons)
	}
}

func TestGradeStrengthSinglePoint(t *testing.T) {
	in := ValidateInput{
		RawText: maskedTduText,
		Rules:   flatRules(10),
		Points:  []DisclosedPoint{{UsageKwh: 1000, CentsPerKwh: 10}},
	}
	v := Validate(in)
	if !v.Passed() {
		t.Fatalf("fixture should pass: %q", v.QueueReason)
	}

	res := GradeStrength(in, v)
	if res.Strength != plan.PassWeak {
		t.Errorf("strength = %s, want WEAK", res.Strength)
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "fewer than two disclosed points") {
		t.Errorf("reasons = %v", res.Reasons)
	}
}

func TestGradeStrengthStrongPass(t *testing.T) {
	rules := flatRules(12.5)
	rules.BaseChargePerMonthCents = plan.Int64Ptr(495)
	in := ValidateInput{
		RawText:        "Energy Charge: 12.5¢ per kWh",
		Rules:          rules,
		TerritoryRates: &plan.TdspRates{PerKwhDeliveryChargeCents: 3.87, MonthlyCustomerChargeDollars: 4.39},
		Points: []DisclosedPoint{
			{UsageKwh: 500, CentsPerKwh: 18.2},
			{UsageKwh: 1000, CentsPerKwh: 17.3},
			{UsageKwh: 2000, CentsPerKwh: 16.8},
		},
	}
	v := Validate(in)
	if !v.Passed() {
		t.Fatalf("fixture should pass: %q", v.QueueReason)
	}

	res := GradeStrength(in, v)
	if res.Strength != plan.PassStrong {
		t.Fatalf("strength = %s (%v), want STRONG", res.Strength, res.Reasons)
	}
	if len(res.Reasons) != 0 {
		t.Errorf("reasons = %v, want none", res.Reasons)
	}
	if len(res.OffPointDiffs) != 2 {
		t.Errorf("probed %d midpoints, want 2", len(res.OffPointDiffs))
	}
}

func TestGradeStrengthInteriorMismatchIsWeak(t *testing.T) {
	// Base fee and a same-size credit cancel at and above 1000 kWh; the
	// disclosed points all match, but the midpoint at 750 kWh carries the
	// full $20 fee the interpolation doesn't expect.
	rules := flatRules(10)
	rules.BaseChargePerMonthCents = plan.Int64Ptr(2000)
	rules.BillCredits = []plan.ThresholdCredit{
		{CreditCents: 2000, ThresholdKwh: 1000, Type: plan.CreditThresholdMin},
	}
	in := ValidateInput{
		RawText: maskedTduText,
		Rules:   rules,
		Points: []DisclosedPoint{
			{UsageKwh: 500, CentsPerKwh: 14},
			{UsageKwh: 1000, CentsPerKwh: 10},
			{UsageKwh: 2000, CentsPerKwh: 10},
		},
	}
	v := Validate(in)
	if !v.Passed() {
		t.Fatalf("fixture should pass on-point: %q", v.QueueReason)
	}

	res := GradeStrength(in, v)
	if res.Strength != plan.PassWeak {
		t.Fatalf("strength = %s (%v), want WEAK", res.Strength, res.Reasons)
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "above tolerance") {
		t.Errorf("reasons = %v", res.Reasons)
	}
}

func TestGradeStrengthLargeInteriorMismatchIsInvalid(t *testing.T) {
	rules := flatRules(10)
	rules.BaseChargePerMonthCents = plan.Int64Ptr(4000)
	rules.BillCredits = []plan.ThresholdCredit{
		{CreditCents: 4000, ThresholdKwh: 1000, Type: plan.CreditThresholdMin},
	}
	in := ValidateInput{
		RawText: maskedTduText,
		Rules:   rules,
		Points: []DisclosedPoint{
			{UsageKwh: 500, CentsPerKwh: 18},
			{UsageKwh: 1000, CentsPerKwh: 10},
			{UsageKwh: 2000, CentsPerKwh: 10},
		},
	}
	v := Validate(in)
	if !v.Passed() {
		t.Fatalf("fixture should pass on-point: %q", v.QueueReason)
	}

	res := GradeStrength(in, v)
	if res.Strength != plan.PassInvalid {
		t.Fatalf("strength = %s (%v), want INVALID", res.Strength, res.Reasons)
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "exceeds relaxed bound") {
		t.Errorf("reasons = %v", res.Reasons)
	}
}

func TestGradeStrengthCancellationIsWeak(t *testing.T) {
	// On-point residuals of +0.21 and -0.21 are individually within tolerance
	// but their opposing signs betray two wrong numbers offsetting.
	in := ValidateInput{
		RawText: maskedTduText,
		Rules:   flatRules(10),
		Points: []DisclosedPoint{
			{UsageKwh: 500, CentsPerKwh: 9.79},
			{UsageKwh: 1000, CentsPerKwh: 10.21},
			{UsageKwh: 2000, CentsPerKwh: 10},
		},
	}
	v := Validate(in)
	if !v.Passed() {
		t.Fatalf("fixture should pass on-point: %q", v.QueueReason)
	}

	res := GradeStrength(in, v)
	if res.Strength != plan.PassWeak {
		t.Fatalf("strength = %s (%v), want WEAK", res.Strength, res.Reasons)
	}
	if len(res.Reasons) != 1 || !strings.Contains(res.Reasons[0], "cancel") {
		t.Errorf("reasons = %v", res.Reasons)
	}
}
