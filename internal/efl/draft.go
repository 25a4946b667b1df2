package efl

import (
	"context"
	"regexp"

	"github.com/pickwatt/pickwatt/internal/plan"
)

// Draft is the advisory output of an AI parse. Nothing in a draft is trusted
// until the validator agrees with the EFL's own disclosed table; absent fields
// stay nil and are never invented downstream.
type Draft struct {
	PlanRules       *plan.PlanRules     `json:"planRules,omitempty"`
	RateStructure   *plan.RateStructure `json:"rateStructure,omitempty"`
	ParseConfidence float64             `json:"parseConfidence"`
	ParseWarnings   []string            `json:"parseWarnings,omitempty"`
}

// Empty reports whether the draft carries no structure at all.
func (d Draft) Empty() bool {
	return d.PlanRules == nil && d.RateStructure == nil
}

// DraftParser produces a Draft from normalized EFL text. Implementations must
// absorb transport and schema failures into an empty draft plus a warning;
// the pipeline treats every draft as untrusted either way.
type DraftParser interface {
	ParseDraft(ctx context.Context, normalizedText, eflSha256 string) Draft
}

// NopDraftParser returns empty drafts. Used when no AI endpoint is configured;
// the deterministic extractors and solver carry the parse alone.
type NopDraftParser struct{}

func (NopDraftParser) ParseDraft(context.Context, string, string) Draft {
	return Draft{ParseWarnings: []string{"draft parser disabled"}}
}

// boilerplateWarningRe matches warnings about pass-through content the
// normalizer already handles; they would only add review-queue noise.
var boilerplateWarningRe = regexp.MustCompile(`(?i)\b(?:TDU|TDSP|delivery\s+charge|tax|municipal|gross\s+receipts)\b`)

// FilterWarnings drops draft warnings that only restate TDU/TDSP or tax
// boilerplate concerns.
func FilterWarnings(warnings []string) []string {
	if len(warnings) == 0 {
		return nil
	}
	kept := make([]string, 0, len(warnings))
	for _, w := range warnings {
		if boilerplateWarningRe.MatchString(w) {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
