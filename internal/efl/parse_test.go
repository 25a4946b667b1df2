package efl

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/pickwatt/pickwatt/internal/plan"
)

type stubParser struct{ draft Draft }

func (s stubParser) ParseDraft(context.Context, string, string) Draft { return s.draft }

func TestProcessFreeNightsPlan(t *testing.T) {
	raw := strings.Join([]string{
		"Electricity Facts Label",
		"Example Energy - Night Saver 12",
		"PUCT Certificate # 10098",
		"Energy Charge (Peak): 11.84¢ per kWh",
		"Energy Charge (Off-Peak): 5.92¢ per kWh",
		"Off-Peak hours are 9:00 PM to 5:00 AM every day.",
		"Approximately 32% of your consumption falls in Off-Peak hours.",
		maskedTduText,
		"Average Monthly Use: 500 kWh: 9.95¢ 1,000 kWh: 9.95¢ 2,000 kWh: 9.95¢",
		"Version #: M1F20240611TX02",
	}, "\n")
	doc := DocumentFromText(raw, Sha256Hex([]byte(raw)))

	if doc.RepPuctCertificate != "10098" {
		t.Errorf("puct = %q", doc.RepPuctCertificate)
	}
	if doc.EflVersionCode != "M1F20240611TX02" {
		t.Errorf("version = %q", doc.EflVersionCode)
	}

	out := Process(context.Background(), ParseRequest{Document: doc})

	if out.Solve.SolveMode != SolveModePassWithAssumptions {
		t.Fatalf("mode = %s, reason = %q", out.Solve.SolveMode, out.Solve.QueueReason)
	}
	if !reflect.DeepEqual(out.Solve.SolverApplied, []string{"tou_promotion"}) {
		t.Errorf("applied = %v", out.Solve.SolverApplied)
	}
	if out.Strength.Strength != plan.PassStrong {
		t.Errorf("strength = %s (%v)", out.Strength.Strength, out.Strength.Reasons)
	}
	if out.Computability.Status != plan.NotComputable {
		t.Errorf("computability = %s", out.Computability.Status)
	}
	if out.Computability.ReasonCode != plan.ReasonNeedsHourlyIntervals {
		t.Errorf("reason code = %s", out.Computability.ReasonCode)
	}
	if out.Computability.ReasonCode.QuarantineWorthy() {
		t.Error("hourly-interval gaps are a data need, not a quarantine case")
	}
	if !out.Persistable() {
		t.Error("validated STRONG pass should be persistable even when not computable")
	}
	if out.Evidence.CalcVersion != plan.CalcVersion {
		t.Errorf("calc version = %q", out.Evidence.CalcVersion)
	}
	if out.Evidence.EflPdfSha256 != doc.Sha256 {
		t.Error("evidence must carry the document identity")
	}
	if !reflect.DeepEqual(out.Draft.ParseWarnings, []string{"draft parser disabled"}) {
		t.Errorf("warnings = %v", out.Draft.ParseWarnings)
	}
}

func TestProcessFixedPlanCleanDraft(t *testing.T) {
	raw := strings.Join([]string{
		"Electricity Facts Label",
		"PUCT Certificate # 10260",
		"Energy Charge: 12.5¢ per kWh",
		"Base Charge: $4.95 per month",
		"Average Monthly Use: 500 kWh: 18.2¢ 1,000 kWh: 17.3¢ 2,000 kWh: 16.8¢",
	}, "\n")
	doc := DocumentFromText(raw, Sha256Hex([]byte(raw)))

	rules := flatRules(12.5)
	rules.BaseChargePerMonthCents = plan.Int64Ptr(495)
	structure := &plan.RateStructure{
		Type:                plan.RateTypeFixed,
		EnergyRateCents:     plan.Float64Ptr(12.5),
		BaseMonthlyFeeCents: 495,
	}
	parser := stubParser{draft: Draft{
		PlanRules:       rules,
		RateStructure:   structure,
		ParseConfidence: 0.92,
		ParseWarnings:   []string{"TDU charges vary by territory", "verify term length"},
	}}

	out := Process(context.Background(), ParseRequest{
		Document:       doc,
		Parser:         parser,
		TerritoryRates: &plan.TdspRates{PerKwhDeliveryChargeCents: 3.87, MonthlyCustomerChargeDollars: 4.39},
	})

	if out.Solve.SolveMode != SolveModeNone {
		t.Fatalf("mode = %s (applied %v), want NONE for a clean draft", out.Solve.SolveMode, out.Solve.SolverApplied)
	}
	if out.Strength.Strength != plan.PassStrong {
		t.Errorf("strength = %s (%v)", out.Strength.Strength, out.Strength.Reasons)
	}
	if out.Computability.Status != plan.Computable {
		t.Errorf("computability = %s (%s)", out.Computability.Status, out.Computability.ReasonCode)
	}
	if !reflect.DeepEqual(out.Computability.RequiredBucketKeys, []string{plan.BucketKeyMonthAll}) {
		t.Errorf("bucket keys = %v", out.Computability.RequiredBucketKeys)
	}
	if !out.Persistable() {
		t.Error("clean STRONG pass should be persistable")
	}
	if out.Draft.ParseConfidence != 0.92 {
		t.Errorf("confidence = %v", out.Draft.ParseConfidence)
	}
	// The TDU warning is normalizer territory, not reviewer signal.
	if !reflect.DeepEqual(out.Draft.ParseWarnings, []string{"verify term length"}) {
		t.Errorf("warnings = %v", out.Draft.ParseWarnings)
	}
}

func TestProcessUnresolvableMismatch(t *testing.T) {
	raw := strings.Join([]string{
		"Electricity Facts Label",
		"Energy Charge: 10.0¢ per kWh",
		maskedTduText,
		"Average Monthly Use: 500 kWh: 15.0¢ 1,000 kWh: 15.0¢ 2,000 kWh: 15.0¢",
	}, "\n")
	doc := DocumentFromText(raw, Sha256Hex([]byte(raw)))
	rules, structure := fixedDraft(10)
	parser := stubParser{draft: Draft{PlanRules: rules, RateStructure: structure, ParseConfidence: 0.8}}

	out := Process(context.Background(), ParseRequest{Document: doc, Parser: parser})

	if out.Solve.SolveMode != SolveModeFail {
		t.Fatalf("mode = %s, want FAIL", out.Solve.SolveMode)
	}
	if !strings.Contains(out.Solve.QueueReason, "avg-price mismatch") {
		t.Errorf("queue reason = %q", out.Solve.QueueReason)
	}
	if out.Strength.Strength != plan.PassInvalid {
		t.Errorf("strength = %s", out.Strength.Strength)
	}
	if out.Persistable() {
		t.Error("failed validation must never persist")
	}
	// Shape analysis still runs; the persistence gate is separate.
	if out.Computability.Status != plan.Computable {
		t.Errorf("computability = %s", out.Computability.Status)
	}
}

func TestPersistableGates(t *testing.T) {
	pass := &plan.Validation{Status: plan.ValidationPass}
	strong := &plan.StrengthResult{Strength: plan.PassStrong}
	weak := &plan.StrengthResult{Strength: plan.PassWeak}

	tests := []struct {
		name string
		out  ParseOutcome
		want bool
	}{
		{
			name: "all gates clear",
			out: ParseOutcome{
				Document: &Document{Sha256: "abc"},
				Solve:    SolveResult{ValidationAfter: pass},
				Strength: strong,
			},
			want: true,
		},
		{
			name: "missing document identity",
			out: ParseOutcome{
				Document: &Document{},
				Solve:    SolveResult{ValidationAfter: pass},
				Strength: strong,
			},
		},
		{
			name: "weak pass",
			out: ParseOutcome{
				Document: &Document{Sha256: "abc"},
				Solve:    SolveResult{ValidationAfter: pass},
				Strength: weak,
			},
		},
		{
			name: "failed validation",
			out: ParseOutcome{
				Document: &Document{Sha256: "abc"},
				Solve:    SolveResult{ValidationAfter: &plan.Validation{Status: plan.ValidationFail}},
				Strength: strong,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.out.Persistable(); got != tt.want {
				t.Errorf("persistable = %v, want %v", got, tt.want)
			}
		})
	}
}
