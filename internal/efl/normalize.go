package efl

import (
	"fmt"
	"regexp"
	"strings"
)

// minNormalizedLen guards against over-stripping: shorter residue than this
// falls back to the raw text.
const minNormalizedLen = 200

// NormalizeResult is the cleaned text handed to the draft parser, plus notes
// about what was removed.
type NormalizeResult struct {
	Text     string   `json:"text"`
	Notes    []string `json:"notes,omitempty"`
	FellBack bool     `json:"fellBack,omitempty"`
}

// Normalize strips the blocks that mislead a draft parser: the disclosed
// average-price table (the validator's ground truth, not parse input), the
// TDU delivery pass-through block, and known boilerplate lines. Line breaks
// are preserved. Fails open to the raw text when the residue is too short.
func Normalize(raw string) NormalizeResult {
	if strings.TrimSpace(raw) == "" {
		return NormalizeResult{Text: raw}
	}

	avgTableStartRe := regexp.MustCompile(`(?i)average\s+(?:monthly\s+use|price\s+per\s+kWh)`)
	tduBlockStartRe := regexp.MustCompile(`(?i)TDU\s+Delivery\s+Charges?`)
	// A block ends at a blank line or the next recognizable section heading.
	sectionRe := regexp.MustCompile(`(?i)^(?:type of product|contract term|do i have|can my price change|electricity price|other key terms|disclosure chart|base charge|energy charge)`)

	boilerplateRes := []*regexp.Regexp{
		regexp.MustCompile(`(?i)price disclosure is an example`),
		regexp.MustCompile(`(?i)does not include.*(?:state|local|sales).*tax`),
		regexp.MustCompile(`(?i)non-?recurring fees`),
		regexp.MustCompile(`(?i)miscellaneous gross receipts tax`),
		regexp.MustCompile(`(?i)municipal franchise fee`),
		regexp.MustCompile(`(?i)light up texas`),
		regexp.MustCompile(`(?i)please read.*terms of service`),
	}

	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	var notes []string
	removedAvg, removedTdu, removedBoiler := 0, 0, 0

	inBlock := "" // "", "avg", "tdu"
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inBlock != "" {
			if trimmed == "" || sectionRe.MatchString(trimmed) {
				inBlock = ""
			} else {
				switch inBlock {
				case "avg":
					removedAvg++
				case "tdu":
					removedTdu++
				}
				continue
			}
		}

		switch {
		case avgTableStartRe.MatchString(trimmed):
			inBlock = "avg"
			removedAvg++
			continue
		case tduBlockStartRe.MatchString(trimmed):
			inBlock = "tdu"
			removedTdu++
			continue
		}

		drop := false
		for _, re := range boilerplateRes {
			if re.MatchString(trimmed) {
				drop = true
				break
			}
		}
		if drop {
			removedBoiler++
			continue
		}
		kept = append(kept, line)
	}

	if removedAvg > 0 {
		notes = append(notes, fmt.Sprintf("removed disclosed average-price table (%d lines)", removedAvg))
	}
	if removedTdu > 0 {
		notes = append(notes, fmt.Sprintf("removed TDU delivery block (%d lines)", removedTdu))
	}
	if removedBoiler > 0 {
		notes = append(notes, fmt.Sprintf("removed %d boilerplate lines", removedBoiler))
	}

	normalized := strings.Join(kept, "\n")
	if len(strings.TrimSpace(normalized)) < minNormalizedLen {
		notes = append(notes, "normalized residue too short, using raw text")
		return NormalizeResult{Text: raw, Notes: notes, FellBack: true}
	}
	return NormalizeResult{Text: normalized, Notes: notes}
}
