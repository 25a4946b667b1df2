package efl

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/pickwatt/pickwatt/internal/plan"
)

// SolveMode summarizes what the solver did to reach its final verdict.
type SolveMode string

const (
	// SolveModeNone means no repair was needed; the draft stood on its own.
	SolveModeNone SolveMode = "NONE"
	// SolveModePassWithAssumptions means repairs were applied and the
	// re-validation passed.
	SolveModePassWithAssumptions SolveMode = "PASS_WITH_ASSUMPTIONS"
	// SolveModeFail means validation still disagrees with the disclosed table.
	SolveModeFail SolveMode = "FAIL"
)

// serviceFeeResidualSlackCents is how far the under-modeled dollars at points
// below a service-fee cutoff may stray from the printed fee before the repair
// refuses to apply.
const serviceFeeResidualSlackCents = 75

// SolveInput is the raw material for a repair pass: the text, the draft, and
// the validation that motivated solving.
type SolveInput struct {
	RawText          string
	Rules            *plan.PlanRules
	Structure        *plan.RateStructure
	ValidationBefore *plan.Validation
	TerritoryRates   *plan.TdspRates
	DeliveryTiers    []plan.UsageTier
	ToleranceCents   float64
	Points           []DisclosedPoint
}

// SolveResult carries the repaired contract and the verdict after one
// re-validation.
type SolveResult struct {
	PlanRules       *plan.PlanRules     `json:"planRules"`
	RateStructure   *plan.RateStructure `json:"rateStructure"`
	SolverApplied   []string            `json:"solverApplied,omitempty"`
	ValidationAfter *plan.Validation    `json:"validationAfter"`
	SolveMode       SolveMode           `json:"solveMode"`
	QueueReason     string              `json:"queueReason,omitempty"`
}

type solveState struct {
	in        SolveInput
	rules     *plan.PlanRules
	structure *plan.RateStructure
	before    *plan.Validation

	// extracted evidence, computed once
	textTiers   []plan.UsageTier
	baseCharge  *BaseCharge
	seasonal    *SeasonalDiscount
	tou         *TouEvidence
	serviceFee  *ServiceFeeCutoff
	prepaid     *PrepaidTerms
	textCredits []plan.ThresholdCredit

	// energyRateFromText runs the REP-rate extraction lazily; it needs the
	// TDSP rate for disambiguation and only matters when a fallback fires.
	energyRateFromText func() *float64
}

// Solve applies the ordered deterministic repairs to the draft, re-validates
// once if anything changed, and reports the mode. Every repair is idempotent:
// running Solve on its own output applies nothing.
func Solve(in SolveInput) SolveResult {
	st := &solveState{
		in:        in,
		rules:     copyRules(in.Rules),
		structure: copyStructure(in.Structure),
		before:    in.ValidationBefore,
	}
	if st.before == nil {
		st.before = Validate(st.validateInput())
	}

	var tdspPerKwh *float64
	if tc := ExtractTduCharges(in.RawText); tc != nil && tc.PerKwhCents > 0 {
		tdspPerKwh = &tc.PerKwhCents
	} else if in.TerritoryRates != nil {
		tdspPerKwh = &in.TerritoryRates.PerKwhDeliveryChargeCents
	}

	st.textTiers = ExtractUsageTiers(in.RawText)
	st.baseCharge = ExtractBaseCharge(in.RawText)
	st.seasonal = ExtractSeasonalDiscount(in.RawText)
	st.tou = ExtractTimeOfUse(in.RawText)
	st.serviceFee = ExtractServiceFeeCutoff(in.RawText)
	st.prepaid = ExtractPrepaid(in.RawText)
	st.textCredits = ExtractThresholdCredits(in.RawText)
	st.energyRateFromText = func() *float64 { return ExtractEnergyRate(in.RawText, tdspPerKwh) }

	repairs := []struct {
		name  string
		apply func(*solveState) bool
	}{
		{"tier_sync", (*solveState).syncTiers},
		{"tier_rederive", (*solveState).rederiveTiers},
		{"base_charge_backfill", (*solveState).backfillBaseCharge},
		{"fixed_rate_fallback", (*solveState).fixedRateFallback},
		{"seasonal_discount_tou", (*solveState).seasonalDiscountTou},
		{"service_fee_cutoff", (*solveState).serviceFeeCutoff},
		{"prepaid_daily_base", (*solveState).prepaidDailyBase},
		{"credit_normalization", (*solveState).normalizeCredits},
		{"tou_promotion", (*solveState).promoteTou},
	}

	var applied []string
	for _, r := range repairs {
		if r.apply(st) {
			applied = append(applied, r.name)
		}
	}

	res := SolveResult{
		PlanRules:     st.rules,
		RateStructure: st.structure,
		SolverApplied: applied,
	}
	if len(applied) == 0 {
		res.ValidationAfter = st.before
		if st.before.Passed() {
			res.SolveMode = SolveModeNone
		} else {
			res.SolveMode = SolveModeFail
			res.QueueReason = st.before.QueueReason
		}
		return res
	}

	after := Validate(st.validateInput())
	res.ValidationAfter = after
	if after.Passed() {
		res.SolveMode = SolveModePassWithAssumptions
	} else {
		res.SolveMode = SolveModeFail
		res.QueueReason = after.QueueReason
	}
	return res
}

func (st *solveState) validateInput() ValidateInput {
	var pct *float64
	if st.tou != nil {
		pct = st.tou.OffPeakUsagePct
	}
	return ValidateInput{
		RawText:           st.in.RawText,
		Rules:             st.rules,
		Structure:         st.structure,
		TerritoryRates:    st.in.TerritoryRates,
		DeliveryTiers:     st.in.DeliveryTiers,
		ToleranceCents:    st.in.ToleranceCents,
		Points:            st.in.Points,
		NightUsagePercent: pct,
	}
}

// --- repair 1: sync tiers from structure into rules ---

// Draft structures sometimes carry tiers the rules missed, with rates in
// whichever unit the label printed. Values at or under 2 read as $/kWh.
func (st *solveState) syncTiers() bool {
	if st.structure == nil || len(st.structure.UsageTiers) == 0 {
		return false
	}
	changed := false
	for i := range st.structure.UsageTiers {
		if r := st.structure.UsageTiers[i].RateCentsPerKwh; r > 0 && r <= 2 {
			st.structure.UsageTiers[i].RateCentsPerKwh = r * 100
			changed = true
		}
	}
	if len(st.rules.UsageTiers) == 0 {
		st.rules.UsageTiers = append([]plan.UsageTier(nil), st.structure.UsageTiers...)
		changed = true
	}
	return changed
}

// --- repair 2: re-derive tiers from text ---

// When the text discloses more tiers than the draft carried, the text wins.
func (st *solveState) rederiveTiers() bool {
	if len(st.textTiers) == 0 {
		return false
	}
	if len(st.rules.UsageTiers) >= len(st.textTiers) {
		return false
	}
	tiers := append([]plan.UsageTier(nil), st.textTiers...)
	st.rules.UsageTiers = tiers
	if st.structure != nil {
		st.structure.UsageTiers = append([]plan.UsageTier(nil), tiers...)
	}
	return true
}

// --- repair 3: base charge backfill ---

func (st *solveState) backfillBaseCharge() bool {
	if st.baseCharge == nil || st.baseCharge.PerDay {
		return false
	}
	if st.currentBaseCents() != 0 {
		return false
	}
	st.setBaseCents(st.baseCharge.Cents)
	return true
}

// --- repair 4: fixed single-rate fallback ---

func (st *solveState) fixedRateFallback() bool {
	if st.rules.DefaultRateCentsPerKwh != nil {
		return false
	}
	if len(st.rules.UsageTiers) > 0 || len(st.rules.TimeOfUsePeriods) > 0 {
		return false
	}
	if st.structure != nil && (len(st.structure.UsageTiers) > 0 || len(st.structure.TimeOfUsePeriods) > 0 || st.structure.EnergyRateCents != nil) {
		if st.structure.EnergyRateCents != nil {
			st.rules.DefaultRateCentsPerKwh = plan.Float64Ptr(*st.structure.EnergyRateCents)
			return true
		}
		return false
	}
	rate := st.energyRateFromText()
	if rate == nil {
		return false
	}
	st.rules.DefaultRateCentsPerKwh = rate
	if st.rules.RateType == "" {
		st.rules.RateType = plan.RateTypeFixed
	}
	if st.structure != nil {
		st.structure.EnergyRateCents = plan.Float64Ptr(*rate)
		if st.structure.Type == "" {
			st.structure.Type = plan.RateTypeFixed
		}
	}
	return true
}

// --- repair 5: seasonal energy discount to all-day TOU periods ---

func (st *solveState) seasonalDiscountTou() bool {
	if st.seasonal == nil {
		return false
	}
	if len(st.rules.TimeOfUsePeriods) > 0 {
		return false
	}
	base := st.currentFlatRate()
	if base == nil || *base <= 0 {
		return false
	}

	discounted := *base * (1 - st.seasonal.DiscountFraction)
	var rest []int
	inSeason := map[int]bool{}
	for _, m := range st.seasonal.Months {
		inSeason[m] = true
	}
	for m := 1; m <= 12; m++ {
		if !inSeason[m] {
			rest = append(rest, m)
		}
	}
	periods := []plan.TimeOfUsePeriod{
		{Label: "seasonal discount", StartHour: 0, EndHour: 24, Months: append([]int(nil), st.seasonal.Months...), RateCentsPerKwh: discounted},
		{Label: "base season", StartHour: 0, EndHour: 24, Months: rest, RateCentsPerKwh: *base},
	}
	st.rules.RateType = plan.RateTypeTimeOfUse
	st.rules.TimeOfUsePeriods = periods
	st.rules.DefaultRateCentsPerKwh = nil
	if st.structure != nil {
		st.structure.Type = plan.RateTypeTimeOfUse
		st.structure.TimeOfUsePeriods = append([]plan.TimeOfUsePeriod(nil), periods...)
		st.structure.EnergyRateCents = nil
	}
	return true
}

// --- repair 6: service-fee cutoff to base plus compensating credit ---

// A fee charged only at or below N kWh models as an unconditional base fee
// plus a THRESHOLD_MIN credit of the same amount at N+1. Applied only when
// the under-modeled dollars at disclosed points within the fee range actually
// look like the missing fee.
func (st *solveState) serviceFeeCutoff() bool {
	if st.serviceFee == nil || st.serviceFee.FeeCents <= 0 || st.serviceFee.CutoffKwh <= 0 {
		return false
	}
	threshold := st.serviceFee.CutoffKwh + 1
	if st.currentBaseCents() == st.serviceFee.FeeCents && st.hasMinCreditAt(threshold, st.serviceFee.FeeCents) {
		return false
	}
	if !st.residualsMatchFee() {
		return false
	}

	st.setBaseCents(st.serviceFee.FeeCents)
	st.rules.BillCredits = append(st.rules.BillCredits, plan.ThresholdCredit{
		CreditCents:  st.serviceFee.FeeCents,
		ThresholdKwh: threshold,
		Type:         plan.CreditThresholdMin,
	})
	return true
}

func (st *solveState) residualsMatchFee() bool {
	if st.before == nil || len(st.before.Points) == 0 {
		return false
	}
	checked := false
	for _, p := range st.before.Points {
		if p.UsageKwh > st.serviceFee.CutoffKwh {
			continue
		}
		checked = true
		missingCents := -p.DiffCentsPerKwh * p.UsageKwh
		if math.Abs(missingCents-float64(st.serviceFee.FeeCents)) > serviceFeeResidualSlackCents {
			return false
		}
	}
	return checked
}

func (st *solveState) hasMinCreditAt(threshold float64, cents int64) bool {
	for _, c := range st.rules.BillCredits {
		if c.Type == plan.CreditThresholdMin && c.ThresholdKwh == threshold && c.CreditCents == cents {
			return true
		}
	}
	return false
}

// --- repair 7: prepaid daily charge and max-usage credit ---

func (st *solveState) prepaidDailyBase() bool {
	applied := false
	if st.prepaid != nil {
		if st.prepaid.DailyChargeCents > 0 && st.currentBaseCents() == 0 {
			st.setBaseCents(st.prepaid.DailyChargeCents * 30)
			applied = true
		}
		if st.prepaid.CreditCents > 0 && !st.hasMaxCredit() {
			st.rules.BillCredits = append(st.rules.BillCredits, plan.ThresholdCredit{
				CreditCents:  st.prepaid.CreditCents,
				ThresholdKwh: st.prepaid.CreditThresholdKwh,
				Type:         plan.CreditThresholdMax,
			})
			applied = true
		}
		return applied
	}
	// A bare daily charge without prepaid credit still converts to monthly.
	if st.baseCharge != nil && st.baseCharge.PerDay && st.currentBaseCents() == 0 {
		st.setBaseCents(st.baseCharge.Cents * 30)
		return true
	}
	return false
}

func (st *solveState) hasMaxCredit() bool {
	for _, c := range st.rules.BillCredits {
		if c.Type == plan.CreditThresholdMax {
			return true
		}
	}
	return false
}

// --- repair 8: normalize additive credits into persisted segments ---

// Validator math keeps the raw additive events; persistence wants
// non-overlapping half-open segments with the cumulative amounts.
func (st *solveState) normalizeCredits() bool {
	events := st.rules.BillCredits
	if len(events) == 0 && len(st.textCredits) > 0 {
		events = append([]plan.ThresholdCredit(nil), st.textCredits...)
		st.rules.BillCredits = events
	}
	if len(events) == 0 || st.structure == nil {
		return false
	}
	segments := normalizeCreditEvents(events)
	next := plan.BillCredits{HasBillCredit: len(segments) > 0, Rules: segments}
	if reflect.DeepEqual(st.structure.BillCredits, next) {
		return false
	}
	st.structure.BillCredits = next
	return true
}

// --- repair 9: TOU promotion from extracted evidence ---

// Promotion needs all three legs: both rates, the clock window, and the
// disclosed off-peak usage share. Anything less stays as-is for review.
func (st *solveState) promoteTou() bool {
	if st.tou == nil || len(st.rules.TimeOfUsePeriods) > 0 {
		return false
	}
	ev := st.tou
	if ev.PeakRateCents <= 0 || !ev.HasWindow || ev.OffPeakUsagePct == nil {
		return false
	}
	if ev.OffPeakRateCents <= 0 && !ev.OffPeakFree {
		return false
	}

	periods := []plan.TimeOfUsePeriod{
		{
			Label:           "off-peak",
			StartHour:       ev.OffPeakStartHour,
			EndHour:         ev.OffPeakEndHour,
			RateCentsPerKwh: ev.OffPeakRateCents,
			IsFree:          ev.OffPeakFree,
		},
		{
			Label:           "peak",
			StartHour:       ev.OffPeakEndHour,
			EndHour:         ev.OffPeakStartHour,
			RateCentsPerKwh: ev.PeakRateCents,
		},
	}
	st.rules.RateType = plan.RateTypeTimeOfUse
	st.rules.TimeOfUsePeriods = periods
	if st.structure != nil {
		st.structure.Type = plan.RateTypeTimeOfUse
		st.structure.TimeOfUsePeriods = append([]plan.TimeOfUsePeriod(nil), periods...)
		st.structure.EnergyRateCents = nil
	}
	return true
}

// --- shared state helpers ---

func (st *solveState) currentBaseCents() int64 {
	if st.structure != nil && st.structure.BaseMonthlyFeeCents != 0 {
		return st.structure.BaseMonthlyFeeCents
	}
	if st.rules.BaseChargePerMonthCents != nil {
		return *st.rules.BaseChargePerMonthCents
	}
	return 0
}

func (st *solveState) setBaseCents(cents int64) {
	st.rules.BaseChargePerMonthCents = plan.Int64Ptr(cents)
	if st.structure != nil {
		st.structure.BaseMonthlyFeeCents = cents
	}
}

func (st *solveState) currentFlatRate() *float64 {
	if st.structure != nil && st.structure.EnergyRateCents != nil {
		return st.structure.EnergyRateCents
	}
	if st.rules.DefaultRateCentsPerKwh != nil {
		return st.rules.DefaultRateCentsPerKwh
	}
	return st.energyRateFromText()
}

// normalizeCreditEvents folds additive threshold events into non-overlapping
// half-open segments carrying cumulative amounts. THRESHOLD_MAX events close
// at threshold+1, matching the integer-usage convention labels are written
// in ("1000 kWh or less" still earns the credit at exactly 1000).
func normalizeCreditEvents(events []plan.ThresholdCredit) []plan.BillCreditRule {
	type edge struct {
		at    float64
		delta int64
	}
	var edges []edge
	for _, e := range events {
		if e.CreditCents <= 0 {
			continue
		}
		switch e.Type {
		case plan.CreditThresholdMax:
			edges = append(edges, edge{0, e.CreditCents}, edge{e.ThresholdKwh + 1, -e.CreditCents})
		default:
			edges = append(edges, edge{e.ThresholdKwh, e.CreditCents})
		}
	}
	if len(edges) == 0 {
		return nil
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].at < edges[j].at })

	var segments []plan.BillCreditRule
	var bounds []float64
	for _, e := range edges {
		if len(bounds) == 0 || bounds[len(bounds)-1] != e.at {
			bounds = append(bounds, e.at)
		}
	}
	for i, b := range bounds {
		total := int64(0)
		for _, e := range edges {
			if e.at <= b {
				total += e.delta
			}
		}
		if total <= 0 {
			continue
		}
		rule := plan.BillCreditRule{CreditAmountCents: total}
		if b > 0 {
			rule.MinUsageKwh = plan.Float64Ptr(b)
		}
		if i+1 < len(bounds) {
			rule.MaxUsageKwh = plan.Float64Ptr(bounds[i+1])
		}
		rule.Label = creditSegmentLabel(rule)
		segments = append(segments, rule)
	}
	return segments
}

func creditSegmentLabel(r plan.BillCreditRule) string {
	dollars := float64(r.CreditAmountCents) / 100
	switch {
	case r.MinUsageKwh != nil && r.MaxUsageKwh != nil:
		return fmt.Sprintf("$%.2f credit from %.0f to %.0f kWh", dollars, *r.MinUsageKwh, *r.MaxUsageKwh)
	case r.MinUsageKwh != nil:
		return fmt.Sprintf("$%.2f credit at %.0f kWh and above", dollars, *r.MinUsageKwh)
	case r.MaxUsageKwh != nil:
		return fmt.Sprintf("$%.2f credit below %.0f kWh", dollars, *r.MaxUsageKwh)
	default:
		return fmt.Sprintf("$%.2f credit", dollars)
	}
}

// copyRules deep-copies the draft rules so the solver never mutates its input.
// A nil draft becomes an empty FIXED-leaning contract.
func copyRules(r *plan.PlanRules) *plan.PlanRules {
	if r == nil {
		return &plan.PlanRules{}
	}
	out := *r
	out.UsageTiers = append([]plan.UsageTier(nil), r.UsageTiers...)
	out.TimeOfUsePeriods = copyPeriods(r.TimeOfUsePeriods)
	out.BillCredits = make([]plan.ThresholdCredit, len(r.BillCredits))
	for i, c := range r.BillCredits {
		cc := c
		cc.MonthsOfYear = append([]int(nil), c.MonthsOfYear...)
		out.BillCredits[i] = cc
	}
	if r.DefaultRateCentsPerKwh != nil {
		out.DefaultRateCentsPerKwh = plan.Float64Ptr(*r.DefaultRateCentsPerKwh)
	}
	if r.BaseChargePerMonthCents != nil {
		out.BaseChargePerMonthCents = plan.Int64Ptr(*r.BaseChargePerMonthCents)
	}
	return &out
}

func copyStructure(s *plan.RateStructure) *plan.RateStructure {
	if s == nil {
		return &plan.RateStructure{}
	}
	out := *s
	out.UsageTiers = copyTiers(s.UsageTiers)
	out.TimeOfUsePeriods = copyPeriods(s.TimeOfUsePeriods)
	out.BillCredits.Rules = make([]plan.BillCreditRule, len(s.BillCredits.Rules))
	for i, r := range s.BillCredits.Rules {
		rr := r
		if r.MinUsageKwh != nil {
			rr.MinUsageKwh = plan.Float64Ptr(*r.MinUsageKwh)
		}
		if r.MaxUsageKwh != nil {
			rr.MaxUsageKwh = plan.Float64Ptr(*r.MaxUsageKwh)
		}
		out.BillCredits.Rules[i] = rr
	}
	if s.EnergyRateCents != nil {
		out.EnergyRateCents = plan.Float64Ptr(*s.EnergyRateCents)
	}
	return &out
}

func copyTiers(tiers []plan.UsageTier) []plan.UsageTier {
	out := make([]plan.UsageTier, len(tiers))
	for i, t := range tiers {
		tt := t
		if t.MaxKwh != nil {
			tt.MaxKwh = plan.Float64Ptr(*t.MaxKwh)
		}
		out[i] = tt
	}
	return out
}

func copyPeriods(periods []plan.TimeOfUsePeriod) []plan.TimeOfUsePeriod {
	out := make([]plan.TimeOfUsePeriod, len(periods))
	for i, p := range periods {
		pp := p
		pp.DaysOfWeek = append([]int(nil), p.DaysOfWeek...)
		pp.Months = append([]int(nil), p.Months...)
		out[i] = pp
	}
	return out
}
