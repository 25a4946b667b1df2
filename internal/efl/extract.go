package efl

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pickwatt/pickwatt/internal/plan"
)

// Extractors in this file are deterministic line/regex scans over EFL text.
// Each returns a typed value or nil; none of them guess. Rates land as ¢/kWh
// floats, money as integer cents.

// parseNumber reads a possibly comma-grouped number like "1,000" or "10.9852".
func parseNumber(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// dollarsToCents converts a dollar amount to integer cents.
func dollarsToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}

// rateToCents applies the unit heuristic for bare per-kWh figures: anything
// at or under 2 reads as $/kWh, larger reads as ¢/kWh. Explicit unit tokens
// override the heuristic.
func rateToCents(value float64, unit string) float64 {
	switch {
	case strings.ContainsAny(unit, "¢cC") || strings.Contains(strings.ToLower(unit), "cent"):
		return value
	case strings.Contains(unit, "$") || strings.Contains(strings.ToLower(unit), "dollar"):
		return value * 100
	case value <= 2:
		return value * 100
	default:
		return value
	}
}

// === USAGE TIERS ===

// ExtractUsageTiers finds tiered energy charges in both bracketed and
// line-based forms:
//
//	0 – 1000 kWh 10.9852¢
//	(0 to 1000 kWh) 10.9852¢ per kWh
//	> 1000 kWh 12.9852¢
//
// "> N" means the tier starts at N+1 in the label's integer-usage convention.
// Tiers come back sorted by MinKwh; contiguity is the solver's problem.
func ExtractUsageTiers(text string) []plan.UsageTier {
	rangeRe := regexp.MustCompile(`(?i)\(?\s*([0-9,]+)\s*(?:–|—|-|to)\s*([0-9,]+)\s*kWh\s*\)?\s*[:@]?\s*(\$)?([0-9]+(?:\.[0-9]+)?)\s*([¢c]|cents?)?(?:\s*per\s*kWh)?`)
	overRe := regexp.MustCompile(`(?i)(?:>|over|above)\s*([0-9,]+)\s*kWh\s*[:@]?\s*(\$)?([0-9]+(?:\.[0-9]+)?)\s*([¢c]|cents?)?(?:\s*per\s*kWh)?`)
	plusRe := regexp.MustCompile(`(?i)([0-9,]+)\s*\+\s*kWh\s*[:@]?\s*(\$)?([0-9]+(?:\.[0-9]+)?)\s*([¢c]|cents?)?(?:\s*per\s*kWh)?`)

	type bound struct{ min, max float64 }
	seen := map[bound]bool{}
	var tiers []plan.UsageTier

	for _, m := range rangeRe.FindAllStringSubmatch(text, -1) {
		min, max := parseNumber(m[1]), parseNumber(m[2])
		if max <= min {
			continue
		}
		rate := rateToCents(parseNumber(m[4]), m[3]+m[5])
		if rate <= 0 {
			continue
		}
		b := bound{min, max}
		if seen[b] {
			continue
		}
		seen[b] = true
		tiers = append(tiers, plan.UsageTier{MinKwh: min, MaxKwh: plan.Float64Ptr(max), RateCentsPerKwh: rate})
	}

	appendOpen := func(minExclusive float64, rate float64) {
		if rate <= 0 {
			return
		}
		b := bound{minExclusive + 1, -1}
		if seen[b] {
			return
		}
		seen[b] = true
		tiers = append(tiers, plan.UsageTier{MinKwh: minExclusive + 1, RateCentsPerKwh: rate})
	}
	for _, m := range overRe.FindAllStringSubmatch(text, -1) {
		appendOpen(parseNumber(m[1]), rateToCents(parseNumber(m[3]), m[2]+m[4]))
	}
	for _, m := range plusRe.FindAllStringSubmatch(text, -1) {
		// "1001+ kWh" already names its own minimum.
		min := parseNumber(m[1])
		rate := rateToCents(parseNumber(m[3]), m[2]+m[4])
		if rate <= 0 {
			continue
		}
		b := bound{min, -1}
		if seen[b] {
			continue
		}
		seen[b] = true
		tiers = append(tiers, plan.UsageTier{MinKwh: min, RateCentsPerKwh: rate})
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinKwh < tiers[j].MinKwh })
	return tiers
}

// === BASE / DAILY CHARGE ===

// BaseCharge is a recurring fixed charge as printed. PerDay charges are left
// daily; the solver owns the 30x monthly conversion.
type BaseCharge struct {
	Cents  int64 `json:"cents"`
	PerDay bool  `json:"perDay"`
}

// ExtractBaseCharge finds "$X per billing cycle/month" or "$D per day".
func ExtractBaseCharge(text string) *BaseCharge {
	monthlyRe := regexp.MustCompile(`(?i)(?:Base|Monthly)\s+Charge[:\s]*\$([0-9]+(?:\.[0-9]+)?)(?:\s*per\s*(?:billing\s*cycle|month|mo\.?))?`)
	cycleRe := regexp.MustCompile(`(?i)\$([0-9]+(?:\.[0-9]+)?)\s*per\s*billing\s*cycle`)
	dailyRe := regexp.MustCompile(`(?i)(?:Daily\s+Charge[:\s]*)?\$([0-9]+(?:\.[0-9]+)?)\s*per\s*day`)

	if m := monthlyRe.FindStringSubmatch(text); len(m) >= 2 {
		return &BaseCharge{Cents: dollarsToCents(parseNumber(m[1]))}
	}
	if m := cycleRe.FindStringSubmatch(text); len(m) >= 2 {
		return &BaseCharge{Cents: dollarsToCents(parseNumber(m[1]))}
	}
	if m := dailyRe.FindStringSubmatch(text); len(m) >= 2 {
		return &BaseCharge{Cents: dollarsToCents(parseNumber(m[1])), PerDay: true}
	}
	return nil
}

// === SEASONAL DISCOUNT ===

var monthsByName = map[string]int{
	"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6,
	"july": 7, "august": 8, "september": 9, "october": 10, "november": 11, "december": 12,
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "jun": 6, "jul": 7, "aug": 8,
	"sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12,
}

func monthNumber(name string) int {
	return monthsByName[strings.ToLower(strings.TrimSpace(name))]
}

// monthSpan expands an inclusive month range, wrapping across year end, so
// "November through February" yields 11, 12, 1, 2.
func monthSpan(start, end int) []int {
	if start < 1 || start > 12 || end < 1 || end > 12 {
		return nil
	}
	var months []int
	m := start
	for {
		months = append(months, m)
		if m == end {
			break
		}
		m++
		if m > 12 {
			m = 1
		}
		if len(months) > 12 {
			return nil
		}
	}
	return months
}

// SeasonalDiscount is a percentage off the energy charge for a span of months.
type SeasonalDiscount struct {
	DiscountFraction float64 `json:"discountFraction"`
	Months           []int   `json:"months"`
}

// ExtractSeasonalDiscount finds clauses like "50% discount off the Energy
// Charge from June 1 through September 30".
func ExtractSeasonalDiscount(text string) *SeasonalDiscount {
	re := regexp.MustCompile(`(?i)([0-9]+(?:\.[0-9]+)?)\s*(?:%|percent)\s+discount\s+(?:off|on)\s+(?:the\s+)?Energy\s+Charge\s+from\s+([A-Za-z]+)\.?\s*(?:[0-9]{1,2})?(?:st|nd|rd|th)?\s*(?:through|thru|to|until|–|-)\s*([A-Za-z]+)\.?\s*(?:[0-9]{1,2})?(?:st|nd|rd|th)?`)
	m := re.FindStringSubmatch(text)
	if len(m) < 4 {
		return nil
	}
	pct := parseNumber(m[1])
	if pct <= 0 || pct >= 100 {
		return nil
	}
	months := monthSpan(monthNumber(m[2]), monthNumber(m[3]))
	if months == nil {
		return nil
	}
	return &SeasonalDiscount{DiscountFraction: pct / 100, Months: months}
}

// === TIME OF USE ===

// TouEvidence is the raw peak/off-peak material an EFL discloses: the two
// rates, the off-peak clock window, whether off-peak is free, and the
// disclosed share of consumption falling off-peak.
type TouEvidence struct {
	PeakRateCents    float64  `json:"peakRateCents"`
	OffPeakRateCents float64  `json:"offPeakRateCents"`
	OffPeakFree      bool     `json:"offPeakFree"`
	OffPeakStartHour int      `json:"offPeakStartHour"`
	OffPeakEndHour   int      `json:"offPeakEndHour"`
	HasWindow        bool     `json:"hasWindow"`
	OffPeakUsagePct  *float64 `json:"offPeakUsagePct,omitempty"`
}

// clockToHour converts a 12-hour clock reading to a 24-hour hour. 12 AM is 0
// and 12 PM is 12. When roundUp is set, any trailing minutes push to the next
// hour, which is how window *ends* are normalized to half-open intervals.
func clockToHour(hourStr, minuteStr, meridiem string, roundUp bool) int {
	h := int(parseNumber(hourStr))
	if h == 12 {
		h = 0
	}
	if strings.HasPrefix(strings.ToLower(meridiem), "p") {
		h += 12
	}
	if roundUp && minuteStr != "" && parseNumber(minuteStr) > 0 {
		h = (h + 1) % 24
	}
	return h
}

// ExtractTimeOfUse finds peak/off-peak energy charges, the off-peak clock
// window, and the disclosed off-peak consumption percentage.
func ExtractTimeOfUse(text string) *TouEvidence {
	// "Energy Charge (Peak): 11.84¢", "Peak Energy Charge 11.84¢ per kWh"
	peakRe := regexp.MustCompile(`(?i)(?:Energy\s+Charge\s*\(?\s*Peak\s*\)?|Peak\s+Energy\s+Charge|On-?Peak(?:\s+Energy)?(?:\s+Charge)?)[:\s]*(\$)?([0-9]+(?:\.[0-9]+)?)\s*([¢c]|cents?)?`)
	offPeakRe := regexp.MustCompile(`(?i)Off-?Peak(?:\s+Energy)?(?:\s+Charge)?\s*\)?[:\s]*(\$)?([0-9]+(?:\.[0-9]+)?)\s*([¢c]|cents?)?`)
	freeRe := regexp.MustCompile(`(?i)\bfree\b[^\n]*\b(?:nights?|off-?peak)\b|\b(?:nights?|off-?peak)\b[^\n]*\bfree\b`)
	windowRe := regexp.MustCompile(`(?i)(?:Off-?Peak|Free|Night)\s+hours?\s*(?:are|is|:)?\s*([0-9]{1,2})(?::([0-9]{2}))?\s*(AM|PM|a\.m\.|p\.m\.)\s*(?:–|—|-|to|through|until)\s*([0-9]{1,2})(?::([0-9]{2}))?\s*(AM|PM|a\.m\.|p\.m\.)`)
	pctRe := regexp.MustCompile(`(?i)([0-9]+(?:\.[0-9]+)?)\s*%\s+of\s+(?:your\s+)?(?:Off-?Peak\s+consumption|consumption[^\n]*Off-?Peak|usage[^\n]*Off-?Peak)`)

	ev := &TouEvidence{}
	found := false

	if m := peakRe.FindStringSubmatch(text); len(m) >= 3 {
		ev.PeakRateCents = rateToCents(parseNumber(m[2]), m[1]+m[3])
		found = ev.PeakRateCents > 0
	}
	if m := offPeakRe.FindStringSubmatch(text); len(m) >= 3 {
		ev.OffPeakRateCents = rateToCents(parseNumber(m[2]), m[1]+m[3])
	}
	if freeRe.MatchString(text) {
		ev.OffPeakFree = true
		ev.OffPeakRateCents = 0
		found = true
	}
	if m := windowRe.FindStringSubmatch(text); len(m) >= 7 {
		ev.OffPeakStartHour = clockToHour(m[1], m[2], m[3], false)
		ev.OffPeakEndHour = clockToHour(m[4], m[5], m[6], true)
		ev.HasWindow = true
	}
	if m := pctRe.FindStringSubmatch(text); len(m) >= 2 {
		pct := parseNumber(m[1])
		if pct > 0 && pct < 100 {
			ev.OffPeakUsagePct = &pct
		}
	}

	if !found && !ev.HasWindow {
		return nil
	}
	return ev
}

// === SERVICE FEE CUTOFF ===

// ServiceFeeCutoff is a fee charged only at or below a usage level.
// CutoffKwh is normalized to the highest usage that still pays the fee.
type ServiceFeeCutoff struct {
	FeeCents  int64   `json:"feeCents"`
	CutoffKwh float64 `json:"cutoffKwh"`
}

// ExtractServiceFeeCutoff finds "Monthly Service Fee $F ... (<= N) kWh" and
// "Usage Charge $F ... < N kWh" forms.
func ExtractServiceFeeCutoff(text string) *ServiceFeeCutoff {
	atOrBelowRe := regexp.MustCompile(`(?i)(?:Monthly\s+Service\s+Fee|Service\s+Fee)[:\s]*\$([0-9]+(?:\.[0-9]+)?)[^\n]*?(?:≤|<=|at\s+or\s+below|up\s+to)\s*\(?([0-9,]+)\)?\s*kWh`)
	orLessRe := regexp.MustCompile(`(?i)(?:Monthly\s+Service\s+Fee|Service\s+Fee)[:\s]*\$([0-9]+(?:\.[0-9]+)?)[^\n]*?\(?([0-9,]+)\)?\s*kWh[^\n]*?or\s+less`)
	belowRe := regexp.MustCompile(`(?i)(?:Usage\s+Charge|Minimum\s+Usage\s+Fee|Service\s+Fee)[:\s]*\$([0-9]+(?:\.[0-9]+)?)[^\n]*?(?:<|less\s+than|under|below)\s*\(?([0-9,]+)\)?\s*kWh`)
	// "(<=1999) kWh" printed before the fee also appears in the wild.
	prefixRe := regexp.MustCompile(`(?i)\(?\s*(?:≤|<=)\s*([0-9,]+)\s*\)?\s*kWh[^\n]*?(?:Monthly\s+Service\s+Fee|Service\s+Fee|Usage\s+Charge)[:\s]*\$([0-9]+(?:\.[0-9]+)?)`)

	if m := atOrBelowRe.FindStringSubmatch(text); len(m) >= 3 {
		return &ServiceFeeCutoff{FeeCents: dollarsToCents(parseNumber(m[1])), CutoffKwh: parseNumber(m[2])}
	}
	if m := orLessRe.FindStringSubmatch(text); len(m) >= 3 {
		return &ServiceFeeCutoff{FeeCents: dollarsToCents(parseNumber(m[1])), CutoffKwh: parseNumber(m[2])}
	}
	if m := belowRe.FindStringSubmatch(text); len(m) >= 3 {
		return &ServiceFeeCutoff{FeeCents: dollarsToCents(parseNumber(m[1])), CutoffKwh: parseNumber(m[2]) - 1}
	}
	if m := prefixRe.FindStringSubmatch(text); len(m) >= 3 {
		return &ServiceFeeCutoff{FeeCents: dollarsToCents(parseNumber(m[2])), CutoffKwh: parseNumber(m[1])}
	}
	return nil
}

// === PREPAID ===

// PrepaidTerms is a daily charge paired with a small-usage monthly credit,
// the shape prepaid EFLs disclose.
type PrepaidTerms struct {
	DailyChargeCents   int64   `json:"dailyChargeCents"`
	CreditCents        int64   `json:"creditCents"`
	CreditThresholdKwh float64 `json:"creditThresholdKwh"`
}

// ExtractPrepaid finds "$D per day" together with
// "Monthly Credit -$C Applies: N kWh usage or less".
func ExtractPrepaid(text string) *PrepaidTerms {
	dailyRe := regexp.MustCompile(`(?i)\$([0-9]+(?:\.[0-9]+)?)\s*per\s*day`)
	creditRe := regexp.MustCompile(`(?i)Monthly\s+Credit[:\s]*-?\s*\$([0-9]+(?:\.[0-9]+)?)[^\n]*?([0-9,]+)\s*kWh\s*(?:usage\s*)?or\s+less`)

	dm := dailyRe.FindStringSubmatch(text)
	cm := creditRe.FindStringSubmatch(text)
	if len(dm) < 2 && len(cm) < 3 {
		return nil
	}
	terms := &PrepaidTerms{}
	if len(dm) >= 2 {
		terms.DailyChargeCents = dollarsToCents(parseNumber(dm[1]))
	}
	if len(cm) >= 3 {
		terms.CreditCents = dollarsToCents(parseNumber(cm[1]))
		terms.CreditThresholdKwh = parseNumber(cm[2])
	}
	if terms.CreditCents == 0 {
		// A bare daily charge is base-charge territory, not prepaid.
		return nil
	}
	return terms
}

// === THRESHOLD CREDITS ===

// ExtractThresholdCredits finds additive usage credits of the
// "Residential Usage Credit $X ... usage >= N kWh" family, including
// stacked "Additional ... $Y ... >= M kWh" lines. All come back as
// THRESHOLD_MIN events in document order.
func ExtractThresholdCredits(text string) []plan.ThresholdCredit {
	creditRe := regexp.MustCompile(`(?i)(?:Residential\s+|Additional\s+)?(?:Usage|Bill)\s+Credit(?:\s+of)?[:\s]*-?\s*\$([0-9]+(?:\.[0-9]+)?)[^\n]*?(?:>=|≥|at\s+least|reaches|exceeds|above|over|more\s+than)\s*([0-9,]+)\s*kWh`)
	orMoreRe := regexp.MustCompile(`(?i)(?:Usage|Bill)\s+Credit[:\s]*-?\s*\$([0-9]+(?:\.[0-9]+)?)[^\n]*?([0-9,]+)\s*kWh\s+or\s+(?:more|greater|higher)`)

	type key struct {
		cents     int64
		threshold float64
	}
	seen := map[key]bool{}
	var credits []plan.ThresholdCredit

	add := func(cents int64, threshold float64) {
		if cents <= 0 || threshold <= 0 {
			return
		}
		k := key{cents, threshold}
		if seen[k] {
			return
		}
		seen[k] = true
		credits = append(credits, plan.ThresholdCredit{
			CreditCents:  cents,
			ThresholdKwh: threshold,
			Type:         plan.CreditThresholdMin,
		})
	}

	for _, m := range creditRe.FindAllStringSubmatch(text, -1) {
		add(dollarsToCents(parseNumber(m[1])), parseNumber(m[2]))
	}
	for _, m := range orMoreRe.FindAllStringSubmatch(text, -1) {
		add(dollarsToCents(parseNumber(m[1])), parseNumber(m[2]))
	}
	return credits
}

// === REP ENERGY RATE ===

// tdspLineRe marks lines that describe delivery rather than supply.
var tdspLineRe = regexp.MustCompile(`(?i)\b(?:delivery|TDSP|TDU|transmission)\b`)

// ExtractEnergyRate finds the retail energy charge in ¢/kWh, disambiguating
// from TDSP delivery figures. Candidates adjacent to "Energy Charge" are kept
// unless their line talks about delivery or their value matches the known
// TDSP per-kWh rate within ±0.02¢; ties resolve to the larger survivor.
func ExtractEnergyRate(text string, tdspPerKwhCents *float64) *float64 {
	rateTokenRe := regexp.MustCompile(`(?i)(?:Energy\s+Charge|Energy\s+Rate)[:\s]*(\$)?([0-9]+(?:\.[0-9]+)?)\s*([¢c]|cents?)?(?:\s*per\s*kWh)?`)

	var candidates []float64
	for _, line := range strings.Split(text, "\n") {
		for _, m := range rateTokenRe.FindAllStringSubmatch(line, -1) {
			cents := rateToCents(parseNumber(m[2]), m[1]+m[3])
			if cents <= 0 || cents > 200 {
				continue
			}
			if tdspLineRe.MatchString(line) {
				continue
			}
			if tdspPerKwhCents != nil && math.Abs(cents-*tdspPerKwhCents) <= 0.02 {
				continue
			}
			candidates = append(candidates, cents)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c > best {
			best = c
		}
	}
	return &best
}

// === DISCLOSED AVERAGE-PRICE TABLE ===

// DisclosedPoint is one row of the EFL's average-price table.
type DisclosedPoint struct {
	UsageKwh    float64 `json:"usageKwh"`
	CentsPerKwh float64 `json:"centsPerKwh"`
}

// ExtractDisclosedAverages reads the "Average Monthly Use / Average Price per
// kWh" table from raw (un-normalized) text. Handles the columnar two-line
// layout and inline "N kWh: X¢" pairs. Points come back sorted by usage.
func ExtractDisclosedAverages(text string) []DisclosedPoint {
	idx := regexp.MustCompile(`(?i)average\s+monthly\s+use`).FindStringIndex(text)
	if idx == nil {
		idx = regexp.MustCompile(`(?i)average\s+price\s+per\s+kWh`).FindStringIndex(text)
	}
	if idx == nil {
		return nil
	}
	// The table sits within a few hundred characters of its heading.
	window := text[idx[0]:]
	if len(window) > 600 {
		window = window[:600]
	}

	var points []DisclosedPoint

	// Inline pairs first: "500 kWh 14.2¢" or "1,000 kWh: 12.8 cents". Same
	// line only, or columnar layouts would zip usages to the wrong prices.
	pairRe := regexp.MustCompile(`([0-9][0-9,]*)[ \t]*kWh[: \t]*([0-9]+(?:\.[0-9]+)?)[ \t]*(?:[¢c]|cents?)`)
	for _, m := range pairRe.FindAllStringSubmatch(window, -1) {
		points = append(points, DisclosedPoint{UsageKwh: parseNumber(m[1]), CentsPerKwh: parseNumber(m[2])})
	}

	if len(points) == 0 {
		// Columnar layout: usage row then price row.
		useRe := regexp.MustCompile(`([0-9][0-9,]*)\s*kWh`)
		priceRe := regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*(?:[¢c]|cents?)`)
		var usages, prices []float64
		for _, m := range useRe.FindAllStringSubmatch(window, -1) {
			usages = append(usages, parseNumber(m[1]))
		}
		for _, m := range priceRe.FindAllStringSubmatch(window, -1) {
			prices = append(prices, parseNumber(m[1]))
		}
		if len(usages) >= 2 && len(usages) == len(prices) {
			for i := range usages {
				points = append(points, DisclosedPoint{UsageKwh: usages[i], CentsPerKwh: prices[i]})
			}
		}
	}

	sort.Slice(points, func(i, j int) bool { return points[i].UsageKwh < points[j].UsageKwh })
	return points
}

// === TDU CHARGES ===

// TduCharges are the delivery figures the EFL itself prints. Masked means the
// label says delivery is included without disclosing numbers.
type TduCharges struct {
	PerKwhCents  float64 `json:"perKwhCents"`
	MonthlyCents int64   `json:"monthlyCents"`
	Masked       bool    `json:"masked"`
}

// ExtractTduCharges reads the TDU Delivery Charges block from raw text.
func ExtractTduCharges(text string) *TduCharges {
	headIdx := regexp.MustCompile(`(?i)TDU\s+Delivery\s+Charges?`).FindStringIndex(text)
	if headIdx == nil {
		return nil
	}
	window := text[headIdx[0]:]
	if len(window) > 300 {
		window = window[:300]
	}

	maskedRe := regexp.MustCompile(`(?i)(?:are\s+)?included|bundled`)
	perKwhCentRe := regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*[¢c]\s*(?:ents?\s*)?per\s*kWh`)
	perKwhUSDRe := regexp.MustCompile(`\$([0-9]+\.[0-9]+)\s*per\s*kWh`)
	monthlyRe := regexp.MustCompile(`\$([0-9]+(?:\.[0-9]+)?)\s*per\s*month`)

	tc := &TduCharges{}
	if m := perKwhCentRe.FindStringSubmatch(window); len(m) >= 2 {
		tc.PerKwhCents = parseNumber(m[1])
	} else if m := perKwhUSDRe.FindStringSubmatch(window); len(m) >= 2 {
		tc.PerKwhCents = parseNumber(m[1]) * 100
	}
	if m := monthlyRe.FindStringSubmatch(window); len(m) >= 2 {
		tc.MonthlyCents = dollarsToCents(parseNumber(m[1]))
	}
	if tc.PerKwhCents == 0 && tc.MonthlyCents == 0 {
		if maskedRe.MatchString(window) {
			tc.Masked = true
			return tc
		}
		return nil
	}
	return tc
}
