package plan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var centsPerDollar = decimal.NewFromInt(100)

// TierEnergyCents prices kwh across the tier ladder. Billing boundaries step
// on each tier's max: a ladder written as 0-1000 / 1001+ still bills the
// 1001st kWh at the second rate, since the +1 is a display convention for
// integer usage.
func TierEnergyCents(tiers []UsageTier, kwh float64) (decimal.Decimal, error) {
	if err := ValidateTiers(tiers); err != nil {
		return decimal.Zero, err
	}
	if len(tiers) == 0 {
		return decimal.Zero, fmt.Errorf("no usage tiers")
	}
	usage := decimal.NewFromFloat(kwh)
	total := decimal.Zero
	prev := decimal.Zero
	for i, t := range tiers {
		rate := decimal.NewFromFloat(t.RateCentsPerKwh)
		if t.MaxKwh == nil {
			total = total.Add(usage.Sub(prev).Mul(rate))
			return total, nil
		}
		bound := decimal.NewFromFloat(*t.MaxKwh)
		if usage.LessThanOrEqual(bound) {
			total = total.Add(usage.Sub(prev).Mul(rate))
			return total, nil
		}
		total = total.Add(bound.Sub(prev).Mul(rate))
		prev = bound
		if i == len(tiers)-1 {
			// Closed last tier; usage beyond it keeps the last rate.
			total = total.Add(usage.Sub(bound).Mul(rate))
		}
	}
	return total, nil
}

// touEnergyCentsForMonth prices a month's energy under all-day seasonal
// periods: the single period owning the month rates every kWh.
func touEnergyCentsForMonth(periods []TimeOfUsePeriod, kwh float64, month time.Month) (decimal.Decimal, error) {
	for _, p := range periods {
		if !p.AllDay() {
			return decimal.Zero, fmt.Errorf("period %q is narrower than a full day", p.Label)
		}
		if p.ContainsMonth(month) {
			if p.IsFree {
				return decimal.Zero, nil
			}
			return decimal.NewFromFloat(kwh).Mul(decimal.NewFromFloat(p.RateCentsPerKwh)), nil
		}
	}
	return decimal.Zero, fmt.Errorf("no time-of-use period covers month %d", month)
}

// EnergyCents prices one month's energy charge in cents for the structure.
// Month only matters for seasonal time-of-use plans.
func EnergyCents(rs RateStructure, kwh float64, month time.Month) (decimal.Decimal, error) {
	switch rs.Type {
	case RateTypeFixed:
		if len(rs.UsageTiers) > 0 {
			return TierEnergyCents(rs.UsageTiers, kwh)
		}
		if rs.EnergyRateCents == nil {
			return decimal.Zero, fmt.Errorf("fixed plan missing energy rate")
		}
		return decimal.NewFromFloat(kwh).Mul(decimal.NewFromFloat(*rs.EnergyRateCents)), nil
	case RateTypeTimeOfUse:
		if len(rs.TimeOfUsePeriods) > 0 {
			return touEnergyCentsForMonth(rs.TimeOfUsePeriods, kwh, month)
		}
		return decimal.Zero, fmt.Errorf("time-of-use plan has no periods")
	case RateTypeVariable, RateTypeIndexed:
		if rs.EnergyRateCents != nil {
			return decimal.NewFromFloat(kwh).Mul(decimal.NewFromFloat(*rs.EnergyRateCents)), nil
		}
		return decimal.Zero, fmt.Errorf("%s plan has no anchor rate", rs.Type)
	}
	return decimal.Zero, fmt.Errorf("unknown rate type %q", rs.Type)
}

// CreditCentsForUsage sums every credit segment matching the month's usage.
// Segments are half-open [min, max), so stacked disclosures resolve to the
// single segment containing the usage while genuinely additive plans keep
// multiple matches.
func CreditCentsForUsage(bc BillCredits, kwh float64) int64 {
	if !bc.HasBillCredit {
		return 0
	}
	var total int64
	for _, r := range bc.Rules {
		if r.Applies(kwh) {
			total += r.CreditAmountCents
		}
	}
	return total
}

// RepMonthlyCents is the retail provider's side of one month's bill: base fee
// plus energy minus credits. Credits can push a small month negative; callers
// decide whether to floor.
func RepMonthlyCents(rs RateStructure, kwh float64, month time.Month) (decimal.Decimal, error) {
	energy, err := EnergyCents(rs, kwh, month)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.NewFromInt(rs.BaseMonthlyFeeCents).Add(energy)
	if credit := CreditCentsForUsage(rs.BillCredits, kwh); credit != 0 {
		total = total.Sub(decimal.NewFromInt(credit))
	}
	return total, nil
}

// TdspMonthlyCents is the regulated delivery side of one month's bill.
func TdspMonthlyCents(t TdspRates, kwh float64) decimal.Decimal {
	perKwh := decimal.NewFromFloat(t.PerKwhDeliveryChargeCents).Mul(decimal.NewFromFloat(kwh))
	customer := decimal.NewFromFloat(t.MonthlyCustomerChargeDollars).Mul(centsPerDollar)
	return perKwh.Add(customer)
}

// TotalMonthlyCents is REP plus TDSP for one month.
func TotalMonthlyCents(rs RateStructure, tdsp TdspRates, kwh float64, month time.Month) (decimal.Decimal, error) {
	rep, err := RepMonthlyCents(rs, kwh, month)
	if err != nil {
		return decimal.Zero, err
	}
	return rep.Add(TdspMonthlyCents(tdsp, kwh)), nil
}

// AvgCentsPerKwh divides a bill by its usage, the quantity EFL tables
// disclose. Returns 0 for zero usage.
func AvgCentsPerKwh(totalCents decimal.Decimal, kwh float64) float64 {
	if kwh == 0 {
		return 0
	}
	avg, _ := totalCents.Div(decimal.NewFromFloat(kwh)).Float64()
	return avg
}
