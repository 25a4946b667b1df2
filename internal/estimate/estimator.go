// Package estimate turns a priced rate structure and a stitched usage window
// into annualized true-cost numbers, and caches them by input hash.
package estimate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pickwatt/pickwatt/internal/plan"
	"github.com/pickwatt/pickwatt/internal/usage"
)

// Mode selects the pricing path.
type Mode string

const (
	// ModeDefault prices deterministic structures only.
	ModeDefault Mode = "DEFAULT"
	// ModeIndexedAnchorApprox prices indexed and variable plans off their
	// disclosed 1000-kWh average, less the delivery contribution at that
	// point. Results are marked APPROXIMATE.
	ModeIndexedAnchorApprox Mode = "INDEXED_EFL_ANCHOR_APPROX"
)

// Status classifies an estimate result.
type Status string

const (
	StatusOK             Status = "OK"
	StatusApproximate    Status = "APPROXIMATE"
	StatusNotComputable  Status = "NOT_COMPUTABLE"
	StatusNotImplemented Status = "NOT_IMPLEMENTED"
)

// Components breaks the annual cost into its bill lines, in dollars.
type Components struct {
	RepEnergyDollars    float64 `json:"repEnergy"`
	RepFixedDollars     float64 `json:"repFixed"`
	TdspDeliveryDollars float64 `json:"tdspDelivery"`
	TdspFixedDollars    float64 `json:"tdspFixed"`
	CreditsDollars      float64 `json:"credits"`
}

// MonthCost is one priced month.
type MonthCost struct {
	YearMonth   string  `json:"yearMonth"`
	Kwh         float64 `json:"kwh"`
	CostDollars float64 `json:"costDollars"`
}

// Estimate is the annualized true cost of a plan for one home's usage.
type Estimate struct {
	Status               Status          `json:"status"`
	Reason               plan.ReasonCode `json:"reason,omitempty"`
	AnnualKwh            float64         `json:"annualKwh"`
	AnnualCostDollars    float64         `json:"annualCostDollars"`
	MonthlyCostDollars   float64         `json:"monthlyCostDollars"`
	EffectiveCentsPerKwh float64         `json:"effectiveCentsPerKwh"`
	Months               []MonthCost     `json:"months,omitempty"`
	Components           Components      `json:"components"`
	TdspRatesApplied     *plan.TdspRates `json:"tdspRatesApplied,omitempty"`
}

// Request carries everything Compute prices against. Compute never mutates
// it and touches no clock, repo, or network.
type Request struct {
	Buckets   *usage.BucketSet
	Tdsp      plan.TdspRates
	Structure plan.RateStructure
	Mode      Mode
}

// Compute prices the structure month by month over the usage window. Months
// without a usable bucket row contribute fixed charges on zero kWh. All
// arithmetic runs on decimals; floats only appear in the returned payload.
func Compute(req Request) *Estimate {
	if req.Buckets == nil || len(req.Buckets.YearMonths) == 0 {
		return &Estimate{Status: StatusNotImplemented, Reason: plan.ReasonUnsupportedStructure}
	}

	rs := req.Structure
	switch rs.Type {
	case plan.RateTypeVariable, plan.RateTypeIndexed:
		if req.Mode != ModeIndexedAnchorApprox {
			return notComputable(req, plan.ReasonNonDeterministic)
		}
		if rs.EnergyRateCents == nil {
			return notComputable(req, plan.ReasonNonDeterministic)
		}
		anchored := rs
		anchored.EnergyRateCents = plan.Float64Ptr(anchorRepRateCents(*rs.EnergyRateCents, req.Tdsp))
		est := priceMonths(req, anchored)
		if est.Status == StatusOK {
			est.Status = StatusApproximate
			est.Reason = plan.ReasonIndexedApproximateOK
		}
		return est
	case plan.RateTypeTimeOfUse:
		if plan.HasIntraDayPeriods(rs.TimeOfUsePeriods) {
			return notComputable(req, plan.ReasonNeedsHourlyIntervals)
		}
	}
	return priceMonths(req, rs)
}

// anchorRepRateCents recovers an energy-only rate from a disclosed all-in
// average. EFL averages are quoted at 1000 kWh, so the delivery contribution
// at that point is the per-kWh charge plus 1/1000 of the customer charge.
func anchorRepRateCents(anchorCents float64, tdsp plan.TdspRates) float64 {
	perKwh := decimal.NewFromFloat(tdsp.PerKwhDeliveryChargeCents)
	customer := decimal.NewFromFloat(tdsp.MonthlyCustomerChargeDollars).Mul(centsPerDollar).Div(anchorUsageKwh)
	rate, _ := decimal.NewFromFloat(anchorCents).Sub(perKwh).Sub(customer).Float64()
	return rate
}

var (
	centsPerDollar = decimal.NewFromInt(100)
	anchorUsageKwh = decimal.NewFromInt(1000)
)

func priceMonths(req Request, rs plan.RateStructure) *Estimate {
	var (
		repEnergy    = decimal.Zero
		repFixed     = decimal.Zero
		tdspDelivery = decimal.Zero
		tdspFixed    = decimal.Zero
		credits      = decimal.Zero
		annual       = decimal.Zero
	)
	perKwh := decimal.NewFromFloat(req.Tdsp.PerKwhDeliveryChargeCents)
	customerCents := decimal.NewFromFloat(req.Tdsp.MonthlyCustomerChargeDollars).Mul(centsPerDollar)
	baseCents := decimal.NewFromInt(rs.BaseMonthlyFeeCents)

	months := make([]MonthCost, 0, len(req.Buckets.YearMonths))
	for _, ym := range req.Buckets.YearMonths {
		kwh := req.Buckets.MonthTotal(ym)
		month, err := monthOf(ym)
		if err != nil {
			return &Estimate{Status: StatusNotImplemented, Reason: plan.ReasonUnsupportedStructure}
		}

		energy, err := plan.EnergyCents(rs, kwh, month)
		if err != nil {
			return notComputable(req, plan.ReasonUnsupportedStructure)
		}
		credit := decimal.NewFromInt(plan.CreditCentsForUsage(rs.BillCredits, kwh))
		delivery := perKwh.Mul(decimal.NewFromFloat(kwh))

		total := energy.Add(baseCents).Add(delivery).Add(customerCents).Sub(credit)
		annual = annual.Add(total)
		repEnergy = repEnergy.Add(energy)
		repFixed = repFixed.Add(baseCents)
		tdspDelivery = tdspDelivery.Add(delivery)
		tdspFixed = tdspFixed.Add(customerCents)
		credits = credits.Add(credit)

		costDollars, _ := total.Div(centsPerDollar).Float64()
		months = append(months, MonthCost{YearMonth: ym, Kwh: kwh, CostDollars: costDollars})
	}

	annualDollars := annual.Div(centsPerDollar)
	est := &Estimate{
		Status:    StatusOK,
		AnnualKwh: req.Buckets.AnnualKwh,
		Months:    months,
		Components: Components{
			RepEnergyDollars:    dollars(repEnergy),
			RepFixedDollars:     dollars(repFixed),
			TdspDeliveryDollars: dollars(tdspDelivery),
			TdspFixedDollars:    dollars(tdspFixed),
			CreditsDollars:      dollars(credits),
		},
		TdspRatesApplied: &plan.TdspRates{
			PerKwhDeliveryChargeCents:    req.Tdsp.PerKwhDeliveryChargeCents,
			MonthlyCustomerChargeDollars: req.Tdsp.MonthlyCustomerChargeDollars,
			EffectiveDate:                req.Tdsp.EffectiveDate,
		},
	}
	est.AnnualCostDollars, _ = annualDollars.Float64()
	est.MonthlyCostDollars, _ = annualDollars.Div(decimal.NewFromInt(int64(len(months)))).Float64()
	if req.Buckets.AnnualKwh > 0 {
		eff := annualDollars.Div(decimal.NewFromFloat(req.Buckets.AnnualKwh)).Mul(centsPerDollar)
		est.EffectiveCentsPerKwh, _ = eff.Float64()
	}
	return est
}

func notComputable(req Request, reason plan.ReasonCode) *Estimate {
	var annualKwh float64
	if req.Buckets != nil {
		annualKwh = req.Buckets.AnnualKwh
	}
	return &Estimate{Status: StatusNotComputable, Reason: reason, AnnualKwh: annualKwh}
}

func dollars(cents decimal.Decimal) float64 {
	v, _ := cents.Div(centsPerDollar).Float64()
	return v
}

func monthOf(ym string) (time.Month, error) {
	t, err := time.Parse("2006-01", ym)
	if err != nil {
		return 0, err
	}
	return t.Month(), nil
}
