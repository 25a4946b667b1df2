package plan

import (
	"fmt"
	"time"
)

// CalcVersion identifies the pricing engine revision. It is persisted on
// templates, participates in the estimate inputs hash, and gates recomputes
// after engine changes.
const CalcVersion = "pc-3"

// RateType classifies how a plan prices energy.
type RateType string

const (
	RateTypeFixed     RateType = "FIXED"
	RateTypeVariable  RateType = "VARIABLE"
	RateTypeIndexed   RateType = "INDEXED"
	RateTypeTimeOfUse RateType = "TIME_OF_USE"
)

// Valid reports whether rt is one of the known rate types.
func (rt RateType) Valid() bool {
	switch rt {
	case RateTypeFixed, RateTypeVariable, RateTypeIndexed, RateTypeTimeOfUse:
		return true
	}
	return false
}

// CreditType distinguishes threshold credit semantics in PlanRules.
type CreditType string

const (
	// CreditThresholdMin applies when monthly usage is at or above the threshold.
	CreditThresholdMin CreditType = "THRESHOLD_MIN"
	// CreditThresholdMax applies when monthly usage is at or below the threshold.
	CreditThresholdMax CreditType = "THRESHOLD_MAX"
)

// UsageTier is one step of a tiered energy charge. MaxKwh nil means the tier
// is open-ended; only the last tier may be open.
type UsageTier struct {
	MinKwh          float64  `json:"minKwh"`
	MaxKwh          *float64 `json:"maxKwh"`
	RateCentsPerKwh float64  `json:"rateCentsPerKwh"`
}

// TimeOfUsePeriod is a schedule slice with its own energy rate. Hours are a
// half-open 24h interval [StartHour, EndHour); EndHour 24 means end of day and
// StartHour > EndHour wraps past midnight. An all-day period has StartHour 0
// and EndHour 24. Months empty means every month.
type TimeOfUsePeriod struct {
	Label           string  `json:"label"`
	StartHour       int     `json:"startHour"`
	EndHour         int     `json:"endHour"`
	DaysOfWeek      []int   `json:"daysOfWeek"`
	Months          []int   `json:"months,omitempty"`
	RateCentsPerKwh float64 `json:"rateCentsPerKwh"`
	IsFree          bool    `json:"isFree"`
}

// AllDay reports whether the period covers every hour of its days.
func (p TimeOfUsePeriod) AllDay() bool {
	return p.StartHour == 0 && (p.EndHour == 24 || p.EndHour == 0)
}

// ContainsMonth reports whether month m (1-12) is in scope for the period.
// An empty month list means the period applies year-round.
func (p TimeOfUsePeriod) ContainsMonth(m time.Month) bool {
	if len(p.Months) == 0 {
		return true
	}
	for _, pm := range p.Months {
		if pm == int(m) {
			return true
		}
	}
	return false
}

// CoversHour reports whether hour h (0-23) falls inside the period's window,
// handling windows that wrap past midnight.
func (p TimeOfUsePeriod) CoversHour(h int) bool {
	start, end := p.StartHour, p.EndHour
	if end == 0 {
		end = 24
	}
	if start < end {
		return h >= start && h < end
	}
	// Wrapping window, e.g. 21 -> 5.
	return h >= start || h < end
}

// ThresholdCredit is an additive credit event as disclosed on the EFL. These
// are the engine's computation-ready form; persistence normalizes them into
// non-overlapping BillCreditRule segments.
type ThresholdCredit struct {
	CreditCents  int64      `json:"creditCents"`
	ThresholdKwh float64    `json:"thresholdKwh"`
	MonthsOfYear []int      `json:"monthsOfYear,omitempty"`
	Type         CreditType `json:"type"`
}

// PlanRules is the engine-level contract produced by parsing and solving.
// Absent numeric fields stay nil; the solver never invents values.
type PlanRules struct {
	RateType                RateType          `json:"rateType"`
	PlanType                string            `json:"planType,omitempty"`
	DefaultRateCentsPerKwh  *float64          `json:"defaultRateCentsPerKwh,omitempty"`
	BaseChargePerMonthCents *int64            `json:"baseChargePerMonthCents,omitempty"`
	UsageTiers              []UsageTier       `json:"usageTiers,omitempty"`
	TimeOfUsePeriods        []TimeOfUsePeriod `json:"timeOfUsePeriods,omitempty"`
	BillCredits             []ThresholdCredit `json:"billCredits,omitempty"`
}

// BillCreditRule is one persisted credit segment. Min/Max bound a half-open
// usage interval [MinUsageKwh, MaxUsageKwh); nil bounds are open.
type BillCreditRule struct {
	CreditAmountCents int64    `json:"creditAmountCents"`
	MinUsageKwh       *float64 `json:"minUsageKWh,omitempty"`
	MaxUsageKwh       *float64 `json:"maxUsageKWh,omitempty"`
	Label             string   `json:"label,omitempty"`
}

// Applies reports whether the rule's segment contains the given monthly usage.
func (r BillCreditRule) Applies(kwh float64) bool {
	if r.MinUsageKwh != nil && kwh < *r.MinUsageKwh {
		return false
	}
	if r.MaxUsageKwh != nil && kwh >= *r.MaxUsageKwh {
		return false
	}
	return true
}

// BillCredits groups the persisted credit segments.
type BillCredits struct {
	HasBillCredit bool             `json:"hasBillCredit"`
	Rules         []BillCreditRule `json:"rules,omitempty"`
}

// RateStructure is the canonical persisted pricing template.
type RateStructure struct {
	Type                RateType          `json:"type"`
	BaseMonthlyFeeCents int64             `json:"baseMonthlyFeeCents"`
	// EnergyRateCents is the flat rate for FIXED plans; on VARIABLE and
	// INDEXED plans it carries the disclosed-average anchor when one exists.
	EnergyRateCents  *float64          `json:"energyRateCents,omitempty"`
	UsageTiers       []UsageTier       `json:"usageTiers,omitempty"`
	TimeOfUsePeriods []TimeOfUsePeriod `json:"timeOfUsePeriods,omitempty"`
	BillCredits      BillCredits       `json:"billCredits"`
}

// TdspAppliedMode records how the validator accounted for delivery charges.
type TdspAppliedMode string

const (
	TdspAppliedNone   TdspAppliedMode = "NONE"
	TdspAppliedFlat   TdspAppliedMode = "FLAT"
	TdspAppliedTiered TdspAppliedMode = "TIERED_BY_UTILITY_TABLE"
)

// ValidationStatus is the outcome of the disclosed-average-price check.
type ValidationStatus string

const (
	ValidationPass ValidationStatus = "PASS"
	ValidationFail ValidationStatus = "FAIL"
)

// ValidationPoint is one usage point comparison against the EFL's table.
type ValidationPoint struct {
	UsageKwh            float64 `json:"usageKwh"`
	ExpectedCentsPerKwh float64 `json:"expectedCentsPerKwh"`
	ModeledCentsPerKwh  float64 `json:"modeledCentsPerKwh"`
	DiffCentsPerKwh     float64 `json:"diffCentsPerKwh"`
}

// ValidationAssumptions captures the modeling assumptions the validator used
// so the evidence envelope can be audited later.
type ValidationAssumptions struct {
	TdspAppliedMode   TdspAppliedMode `json:"tdspAppliedMode"`
	NightUsagePercent *float64        `json:"nightUsagePercent,omitempty"`
	TouHours          string          `json:"touHours,omitempty"`
}

// Validation is the full validator verdict.
type Validation struct {
	Status               ValidationStatus      `json:"status"`
	ToleranceCentsPerKwh float64               `json:"toleranceCentsPerKwh"`
	Points               []ValidationPoint     `json:"points"`
	AssumptionsUsed      ValidationAssumptions `json:"assumptionsUsed"`
	QueueReason          string                `json:"queueReason,omitempty"`
}

// Passed reports a PASS verdict.
func (v *Validation) Passed() bool { return v != nil && v.Status == ValidationPass }

// PassStrength grades how convincing a PASS is at interior usage points.
type PassStrength string

const (
	PassStrong  PassStrength = "STRONG"
	PassWeak    PassStrength = "WEAK"
	PassInvalid PassStrength = "INVALID"
)

// StrengthResult carries the pass-strength grade with its evidence.
type StrengthResult struct {
	Strength      PassStrength      `json:"strength"`
	Reasons       []string          `json:"reasons,omitempty"`
	OffPointDiffs []ValidationPoint `json:"offPointDiffs,omitempty"`
}

// Evidence is the opaque envelope persisted alongside a RateStructure.
type Evidence struct {
	Validation   *Validation     `json:"validation,omitempty"`
	Strength     *StrengthResult `json:"strength,omitempty"`
	SolverSteps  []string        `json:"solverSteps,omitempty"`
	EflPdfSha256 string          `json:"eflPdfSha256,omitempty"`
	ComputedAt   time.Time       `json:"computedAt"`
	CalcVersion  string          `json:"calcVersion"`
}

// RateStructureWithEvidence is what template persistence stores: the canonical
// structure plus the provenance that justified persisting it.
type RateStructureWithEvidence struct {
	RateStructure RateStructure `json:"rateStructure"`
	Evidence      Evidence      `json:"evidence"`
}

// TdspRates are the regulated delivery charges passed through to customers.
type TdspRates struct {
	PerKwhDeliveryChargeCents    float64   `json:"perKwhDeliveryChargeCents"`
	MonthlyCustomerChargeDollars float64   `json:"monthlyCustomerChargeDollars"`
	EffectiveDate                time.Time `json:"effectiveDate"`
}

// Offer is a retail plan offer as fetched for a home. Immutable within a
// pipeline run.
type Offer struct {
	ID               string   `json:"id"`
	Supplier         string   `json:"supplier"`
	PlanName         string   `json:"planName"`
	TermMonths       int      `json:"termMonths"`
	EflURL           string   `json:"eflUrl"`
	AvgPrice500      *float64 `json:"avgPrice500,omitempty"`
	AvgPrice1000     *float64 `json:"avgPrice1000,omitempty"`
	AvgPrice2000     *float64 `json:"avgPrice2000,omitempty"`
	TdspSlug         string   `json:"tdspSlug"`
	RenewablePercent float64  `json:"renewablePercent"`
}

// ValidateTiers checks the tier contiguity contract: first tier starts at 0,
// each next tier begins where the previous ended (exactly, or one whole kWh
// above for EFLs written against integer usage), and only the last tier may
// be open-ended.
func ValidateTiers(tiers []UsageTier) error {
	if len(tiers) == 0 {
		return nil
	}
	if tiers[0].MinKwh != 0 {
		return fmt.Errorf("first tier starts at %.0f kWh, want 0", tiers[0].MinKwh)
	}
	for i, t := range tiers {
		if t.MaxKwh == nil {
			if i != len(tiers)-1 {
				return fmt.Errorf("tier %d is open-ended but not last", i)
			}
			continue
		}
		if *t.MaxKwh <= t.MinKwh {
			return fmt.Errorf("tier %d has max %.0f <= min %.0f", i, *t.MaxKwh, t.MinKwh)
		}
		if i+1 < len(tiers) {
			next := tiers[i+1].MinKwh
			if next != *t.MaxKwh && next != *t.MaxKwh+1 {
				return fmt.Errorf("tier %d ends at %.0f but tier %d starts at %.0f", i, *t.MaxKwh, i+1, next)
			}
		}
	}
	return nil
}

// PartitionsDay reports whether the given periods jointly cover every hour of
// every weekday exactly once. Month scoping is ignored here; callers check
// month partitions separately.
func PartitionsDay(periods []TimeOfUsePeriod) bool {
	if len(periods) == 0 {
		return false
	}
	for dow := 0; dow < 7; dow++ {
		for h := 0; h < 24; h++ {
			covered := 0
			for _, p := range periods {
				if !periodHasDay(p, dow) {
					continue
				}
				if p.CoversHour(h) {
					covered++
				}
			}
			if covered != 1 {
				return false
			}
		}
	}
	return true
}

// PartitionsMonths reports whether all-day periods assign each month 1-12 to
// exactly one period.
func PartitionsMonths(periods []TimeOfUsePeriod) bool {
	if len(periods) == 0 {
		return false
	}
	for m := time.January; m <= time.December; m++ {
		covered := 0
		for _, p := range periods {
			if !p.AllDay() {
				return false
			}
			if p.ContainsMonth(m) {
				covered++
			}
		}
		if covered != 1 {
			return false
		}
	}
	return true
}

func periodHasDay(p TimeOfUsePeriod, dow int) bool {
	if len(p.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range p.DaysOfWeek {
		if d == dow {
			return true
		}
	}
	return false
}

// HasIntraDayPeriods reports whether any period is narrower than a full day.
func HasIntraDayPeriods(periods []TimeOfUsePeriod) bool {
	for _, p := range periods {
		if !p.AllDay() {
			return true
		}
	}
	return false
}

// Float64Ptr is a convenience for building optional fields in literals.
func Float64Ptr(v float64) *float64 { return &v }

// Int64Ptr is a convenience for building optional fields in literals.
func Int64Ptr(v int64) *int64 { return &v }
