package efl

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
)

// Tolerances are contracts, not tunables: the strict band gates PASS/FAIL,
// the relaxed band separates WEAK passes from INVALID ones.
const (
	DefaultToleranceCents = 0.25
	WeakToleranceCents    = 1.0
)

// floatSlack absorbs binary float dust so a diff of exactly the tolerance
// still passes.
const floatSlack = 1e-9

// ValidateInput carries everything the validator may consult. Points override
// the table extracted from RawText when the caller already has disclosed
// averages (offer feeds disclose the same three numbers).
type ValidateInput struct {
	RawText        string
	Rules          *plan.PlanRules
	Structure      *plan.RateStructure
	TerritoryRates *plan.TdspRates
	// DeliveryTiers switch TDSP modeling to the tiered utility table.
	DeliveryTiers     []plan.UsageTier
	ToleranceCents    float64
	Points            []DisclosedPoint
	NightUsagePercent *float64
}

// Validate models the average price at each disclosed usage point from the
// candidate structure plus TDSP pass-through, and compares against the EFL's
// own table. Every point must sit within tolerance for a PASS.
func Validate(in ValidateInput) *plan.Validation {
	tol := in.ToleranceCents
	if tol <= 0 {
		tol = DefaultToleranceCents
	}

	points := in.Points
	if len(points) == 0 {
		points = ExtractDisclosedAverages(in.RawText)
	}
	v := &plan.Validation{
		Status:               plan.ValidationFail,
		ToleranceCentsPerKwh: tol,
	}
	if len(points) == 0 {
		v.QueueReason = "missing disclosed average-price table"
		return v
	}
	sort.Slice(points, func(i, j int) bool { return points[i].UsageKwh < points[j].UsageKwh })

	m := newBillModel(in)
	v.AssumptionsUsed = m.assumptions

	pass := true
	worstDiff := 0.0
	worstUsage := 0.0
	for _, p := range points {
		modeled, ok := m.avgPriceCents(p.UsageKwh)
		if !ok {
			v.QueueReason = "structure cannot model disclosed usage points"
			return v
		}
		diff := modeled - p.CentsPerKwh
		v.Points = append(v.Points, plan.ValidationPoint{
			UsageKwh:            p.UsageKwh,
			ExpectedCentsPerKwh: p.CentsPerKwh,
			ModeledCentsPerKwh:  modeled,
			DiffCentsPerKwh:     diff,
		})
		if math.Abs(diff) > tol+floatSlack {
			pass = false
			if math.Abs(diff) > math.Abs(worstDiff) {
				worstDiff = diff
				worstUsage = p.UsageKwh
			}
		}
	}

	if pass {
		v.Status = plan.ValidationPass
	} else {
		v.QueueReason = fmt.Sprintf("avg-price mismatch at %.0f kWh: off by %+.3f¢/kWh", worstUsage, worstDiff)
	}
	return v
}

// billModel prices a typical month at an arbitrary usage, with the TDSP
// pass-through and blending assumptions resolved once up front.
type billModel struct {
	in          ValidateInput
	assumptions plan.ValidationAssumptions

	tdspPerKwhCents   float64
	tdspMonthlyCents  float64
	offPeakPct        *float64
	monthlyRateBlend  float64
	hasSeasonalBlend  bool
	intraDayPeakCents float64
	intraDayOffCents  float64
	hasIntraDayBlend  bool
}

func newBillModel(in ValidateInput) *billModel {
	m := &billModel{in: in}
	m.resolveTdsp()
	m.resolveTouBlend()
	return m
}

// resolveTdsp prefers delivery figures printed on the label itself, falls
// back to the territory's tariff, and applies nothing when the label bundles
// delivery into its rates.
func (m *billModel) resolveTdsp() {
	if len(m.in.DeliveryTiers) > 0 {
		m.assumptions.TdspAppliedMode = plan.TdspAppliedTiered
		if m.in.TerritoryRates != nil {
			m.tdspMonthlyCents = m.in.TerritoryRates.MonthlyCustomerChargeDollars * 100
		}
		return
	}
	if tc := ExtractTduCharges(m.in.RawText); tc != nil {
		if tc.Masked {
			m.assumptions.TdspAppliedMode = plan.TdspAppliedNone
			return
		}
		m.assumptions.TdspAppliedMode = plan.TdspAppliedFlat
		m.tdspPerKwhCents = tc.PerKwhCents
		m.tdspMonthlyCents = float64(tc.MonthlyCents)
		return
	}
	if m.in.TerritoryRates != nil {
		m.assumptions.TdspAppliedMode = plan.TdspAppliedFlat
		m.tdspPerKwhCents = m.in.TerritoryRates.PerKwhDeliveryChargeCents
		m.tdspMonthlyCents = m.in.TerritoryRates.MonthlyCustomerChargeDollars * 100
		return
	}
	m.assumptions.TdspAppliedMode = plan.TdspAppliedNone
}

// resolveTouBlend collapses time-of-use periods into a single typical-month
// rate: seasonal all-day periods weight by months covered, intra-day windows
// blend by the disclosed off-peak consumption share.
func (m *billModel) resolveTouBlend() {
	periods := m.periods()
	if len(periods) == 0 {
		return
	}
	if !plan.HasIntraDayPeriods(periods) {
		total := 0.0
		for month := 1; month <= 12; month++ {
			total += m.seasonalRateFor(periods, month)
		}
		m.monthlyRateBlend = total / 12
		m.hasSeasonalBlend = true
		return
	}

	peak, off, window := splitPeakOffPeak(periods)
	m.intraDayPeakCents = peak
	m.intraDayOffCents = off
	m.hasIntraDayBlend = true
	if window != "" {
		m.assumptions.TouHours = window
	}

	pct := m.in.NightUsagePercent
	if pct == nil {
		if ev := ExtractTimeOfUse(m.in.RawText); ev != nil && ev.OffPeakUsagePct != nil {
			pct = ev.OffPeakUsagePct
		}
	}
	m.offPeakPct = pct
	m.assumptions.NightUsagePercent = pct
}

func (m *billModel) periods() []plan.TimeOfUsePeriod {
	if m.in.Structure != nil && len(m.in.Structure.TimeOfUsePeriods) > 0 {
		return m.in.Structure.TimeOfUsePeriods
	}
	if m.in.Rules != nil {
		return m.in.Rules.TimeOfUsePeriods
	}
	return nil
}

func (m *billModel) seasonalRateFor(periods []plan.TimeOfUsePeriod, month int) float64 {
	for _, p := range periods {
		if p.ContainsMonth(time.Month(month)) {
			if p.IsFree {
				return 0
			}
			return p.RateCentsPerKwh
		}
	}
	// Uncovered month: fall back to the flat rate so partial parses still
	// model something deterministic for the solver to judge.
	if r := m.flatRate(); r != nil {
		return *r
	}
	return 0
}

func (m *billModel) flatRate() *float64 {
	if m.in.Structure != nil && m.in.Structure.EnergyRateCents != nil {
		return m.in.Structure.EnergyRateCents
	}
	if m.in.Rules != nil && m.in.Rules.DefaultRateCentsPerKwh != nil {
		return m.in.Rules.DefaultRateCentsPerKwh
	}
	return nil
}

func (m *billModel) tiers() []plan.UsageTier {
	if m.in.Structure != nil && len(m.in.Structure.UsageTiers) > 0 {
		return m.in.Structure.UsageTiers
	}
	if m.in.Rules != nil {
		return m.in.Rules.UsageTiers
	}
	return nil
}

func (m *billModel) baseCents() int64 {
	if m.in.Structure != nil && m.in.Structure.BaseMonthlyFeeCents != 0 {
		return m.in.Structure.BaseMonthlyFeeCents
	}
	if m.in.Rules != nil && m.in.Rules.BaseChargePerMonthCents != nil {
		return *m.in.Rules.BaseChargePerMonthCents
	}
	return 0
}

// energyCents models one typical month's energy charge at the given usage.
func (m *billModel) energyCents(usage float64) (float64, bool) {
	if tiers := m.tiers(); len(tiers) > 0 {
		d, err := plan.TierEnergyCents(tiers, usage)
		if err != nil {
			return 0, false
		}
		f, _ := d.Float64()
		return f, true
	}
	if m.hasSeasonalBlend {
		return usage * m.monthlyRateBlend, true
	}
	if m.hasIntraDayBlend {
		p := 0.0
		if m.offPeakPct != nil {
			p = *m.offPeakPct / 100
		}
		blend := m.intraDayPeakCents*(1-p) + m.intraDayOffCents*p
		return usage * blend, true
	}
	if r := m.flatRate(); r != nil {
		return usage * *r, true
	}
	return 0, false
}

// creditCents models the typical-month credit at the given usage. Raw
// additive threshold events take precedence over persisted segments because
// they carry month scoping; season-scoped credits weight by months covered.
func (m *billModel) creditCents(usage float64) float64 {
	if m.in.Rules != nil && len(m.in.Rules.BillCredits) > 0 {
		total := 0.0
		for _, c := range m.in.Rules.BillCredits {
			applies := false
			switch c.Type {
			case plan.CreditThresholdMax:
				applies = usage <= c.ThresholdKwh
			default:
				applies = usage >= c.ThresholdKwh
			}
			if !applies {
				continue
			}
			weight := 1.0
			if n := len(c.MonthsOfYear); n > 0 {
				weight = float64(n) / 12
			}
			total += float64(c.CreditCents) * weight
		}
		return total
	}
	if m.in.Structure != nil {
		return float64(plan.CreditCentsForUsage(m.in.Structure.BillCredits, usage))
	}
	return 0
}

func (m *billModel) tdspCents(usage float64) float64 {
	if m.assumptions.TdspAppliedMode == plan.TdspAppliedTiered {
		d, err := plan.TierEnergyCents(m.in.DeliveryTiers, usage)
		if err != nil {
			return m.tdspMonthlyCents
		}
		f, _ := d.Float64()
		return f + m.tdspMonthlyCents
	}
	return usage*m.tdspPerKwhCents + m.tdspMonthlyCents
}

// avgPriceCents is the modeled all-in average price at the given usage.
func (m *billModel) avgPriceCents(usage float64) (float64, bool) {
	if usage <= 0 {
		return 0, false
	}
	energy, ok := m.energyCents(usage)
	if !ok {
		return 0, false
	}
	total := energy + float64(m.baseCents()) + m.tdspCents(usage) - m.creditCents(usage)
	return total / usage, true
}

// splitPeakOffPeak identifies which intra-day period is off-peak: by label,
// else by wrapping past midnight, else by the lower rate. Returns the two
// rates and the off-peak window formatted for the assumptions record.
func splitPeakOffPeak(periods []plan.TimeOfUsePeriod) (peakCents, offCents float64, window string) {
	var off *plan.TimeOfUsePeriod
	for i := range periods {
		p := &periods[i]
		label := strings.ToLower(p.Label)
		if strings.Contains(label, "off") || strings.Contains(label, "night") || strings.Contains(label, "free") {
			off = p
			break
		}
	}
	if off == nil {
		for i := range periods {
			if periods[i].StartHour > periods[i].EndHour && periods[i].EndHour != 0 {
				off = &periods[i]
				break
			}
		}
	}
	if off == nil {
		low := &periods[0]
		for i := range periods {
			if periods[i].RateCentsPerKwh < low.RateCentsPerKwh {
				low = &periods[i]
			}
		}
		off = low
	}

	offCents = off.RateCentsPerKwh
	if off.IsFree {
		offCents = 0
	}
	for i := range periods {
		if &periods[i] == off {
			continue
		}
		peakCents = periods[i].RateCentsPerKwh
		break
	}
	window = fmt.Sprintf("%02d:00-%02d:00", off.StartHour, off.EndHour)
	return peakCents, offCents, window
}
