package efl

import (
	"context"
	"time"

	"github.com/pickwatt/pickwatt/internal/plan"
)

// ParseRequest is one full engine run over a single document.
type ParseRequest struct {
	Document       *Document
	Parser         DraftParser
	TerritoryRates *plan.TdspRates
	DeliveryTiers  []plan.UsageTier
	// Points supplements the document's own table, e.g. from offer feeds.
	Points         []DisclosedPoint
	ToleranceCents float64
}

// ParseOutcome is everything one engine pass produced, in stage order.
type ParseOutcome struct {
	Document      *Document
	Normalized    NormalizeResult
	Draft         Draft
	Solve         SolveResult
	Strength      *plan.StrengthResult
	Computability plan.Computability
	Evidence      plan.Evidence
}

// Persistable reports whether this outcome clears the automatic persistence
// bar: a final PASS graded STRONG with a document identity in hand.
func (o ParseOutcome) Persistable() bool {
	if o.Document == nil || o.Document.Sha256 == "" {
		return false
	}
	if o.Solve.ValidationAfter == nil || !o.Solve.ValidationAfter.Passed() {
		return false
	}
	return o.Strength != nil && o.Strength.Strength == plan.PassStrong
}

// Process runs the engine over a document: normalize, draft, validate, solve,
// grade, analyze. The draft is advisory; the disclosed table is the referee.
func Process(ctx context.Context, req ParseRequest) ParseOutcome {
	doc := req.Document
	out := ParseOutcome{Document: doc}

	out.Normalized = Normalize(doc.RawText)

	parser := req.Parser
	if parser == nil {
		parser = NopDraftParser{}
	}
	out.Draft = parser.ParseDraft(ctx, out.Normalized.Text, doc.Sha256)
	out.Draft.ParseWarnings = FilterWarnings(out.Draft.ParseWarnings)

	before := Validate(ValidateInput{
		RawText:        doc.RawText,
		Rules:          out.Draft.PlanRules,
		Structure:      out.Draft.RateStructure,
		TerritoryRates: req.TerritoryRates,
		DeliveryTiers:  req.DeliveryTiers,
		ToleranceCents: req.ToleranceCents,
		Points:         req.Points,
	})

	out.Solve = Solve(SolveInput{
		RawText:          doc.RawText,
		Rules:            out.Draft.PlanRules,
		Structure:        out.Draft.RateStructure,
		ValidationBefore: before,
		TerritoryRates:   req.TerritoryRates,
		DeliveryTiers:    req.DeliveryTiers,
		ToleranceCents:   req.ToleranceCents,
		Points:           req.Points,
	})

	out.Strength = GradeStrength(ValidateInput{
		RawText:        doc.RawText,
		Rules:          out.Solve.PlanRules,
		Structure:      out.Solve.RateStructure,
		TerritoryRates: req.TerritoryRates,
		DeliveryTiers:  req.DeliveryTiers,
		ToleranceCents: req.ToleranceCents,
		Points:         req.Points,
	}, out.Solve.ValidationAfter)

	out.Evidence = plan.Evidence{
		Validation:   out.Solve.ValidationAfter,
		Strength:     out.Strength,
		SolverSteps:  out.Solve.SolverApplied,
		EflPdfSha256: doc.Sha256,
		ComputedAt:   time.Now().UTC(),
		CalcVersion:  plan.CalcVersion,
	}
	out.Computability = plan.Analyze(*out.Solve.RateStructure, &out.Evidence, plan.AnalyzeOptions{})
	return out
}
