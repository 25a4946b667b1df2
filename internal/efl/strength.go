package efl

import (
	"fmt"
	"math"

	"github.com/pickwatt/pickwatt/internal/plan"
)

// Plausibility bounds for a modeled all-in average price.
const (
	minPlausibleCentsPerKwh = 0
	maxPlausibleCentsPerKwh = 200
)

// GradeStrength probes a PASS at usage points the label never disclosed:
// midpoints between consecutive table rows, with expected values linearly
// interpolated. A structure that only balances at the disclosed points
// ("cancellation pass") falls apart between them.
func GradeStrength(in ValidateInput, v *plan.Validation) *plan.StrengthResult {
	if v == nil || !v.Passed() {
		return &plan.StrengthResult{
			Strength: plan.PassInvalid,
			Reasons:  []string{"validation not passing"},
		}
	}
	tol := v.ToleranceCentsPerKwh
	if tol <= 0 {
		tol = DefaultToleranceCents
	}

	res := &plan.StrengthResult{Strength: plan.PassStrong}
	if len(v.Points) < 2 {
		res.Strength = plan.PassWeak
		res.Reasons = append(res.Reasons, "fewer than two disclosed points, interior shape unverified")
		return res
	}

	m := newBillModel(in)
	worst := 0.0
	for i := 0; i+1 < len(v.Points); i++ {
		lo, hi := v.Points[i], v.Points[i+1]
		mid := (lo.UsageKwh + hi.UsageKwh) / 2
		expected := (lo.ExpectedCentsPerKwh + hi.ExpectedCentsPerKwh) / 2

		modeled, ok := m.avgPriceCents(mid)
		if !ok {
			res.Strength = plan.PassInvalid
			res.Reasons = append(res.Reasons, fmt.Sprintf("cannot model interior point at %.0f kWh", mid))
			return res
		}
		diff := modeled - expected
		res.OffPointDiffs = append(res.OffPointDiffs, plan.ValidationPoint{
			UsageKwh:            mid,
			ExpectedCentsPerKwh: expected,
			ModeledCentsPerKwh:  modeled,
			DiffCentsPerKwh:     diff,
		})

		if modeled < minPlausibleCentsPerKwh || modeled > maxPlausibleCentsPerKwh {
			res.Strength = plan.PassInvalid
			res.Reasons = append(res.Reasons, fmt.Sprintf("modeled %.2f¢/kWh at %.0f kWh is implausible", modeled, mid))
			return res
		}
		if math.Abs(diff) > math.Abs(worst) {
			worst = diff
		}
	}

	switch {
	case math.Abs(worst) > WeakToleranceCents+floatSlack:
		res.Strength = plan.PassInvalid
		res.Reasons = append(res.Reasons, fmt.Sprintf("off-point residual %+.3f¢/kWh exceeds relaxed bound", worst))
	case math.Abs(worst) > tol+floatSlack:
		res.Strength = plan.PassWeak
		res.Reasons = append(res.Reasons, fmt.Sprintf("off-point residual %+.3f¢/kWh above tolerance", worst))
	}

	if res.Strength == plan.PassStrong && cancellationShape(v.Points, tol) {
		res.Strength = plan.PassWeak
		res.Reasons = append(res.Reasons, "on-point residuals cancel across usage levels")
	}
	return res
}

// cancellationShape spots passes whose on-point residuals are large and of
// opposite sign: two wrong numbers offsetting each other at the disclosed
// usages rather than one right structure.
func cancellationShape(points []plan.ValidationPoint, tol float64) bool {
	const fraction = 0.8
	var hasHighPos, hasHighNeg bool
	for _, p := range points {
		if p.DiffCentsPerKwh >= fraction*tol {
			hasHighPos = true
		}
		if p.DiffCentsPerKwh <= -fraction*tol {
			hasHighNeg = true
		}
	}
	return hasHighPos && hasHighNeg
}
