// Package efl turns Electricity Facts Label documents into validated,
// computable rate structures: normalize the text, draft a parse, extract
// deterministic facts, validate against the label's own disclosed average
// prices, repair gaps, and grade the result.
package efl

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// Document is an EFL with its content-addressed identity. Two offers linking
// byte-identical PDFs share one Document.
type Document struct {
	Sha256             string `json:"sha256"`
	RawText            string `json:"rawText"`
	RepPuctCertificate string `json:"repPuctCertificate,omitempty"`
	EflVersionCode     string `json:"eflVersionCode,omitempty"`
}

// Sha256Hex returns the lowercase hex SHA-256 of b.
func Sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DocumentFromPDF extracts plain text from PDF bytes and builds the Document
// with identity fields populated from the text.
func DocumentFromPDF(pdfBytes []byte) (*Document, error) {
	r, err := pdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	rc, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	return DocumentFromText(buf.String(), Sha256Hex(pdfBytes)), nil
}

// DocumentFromText builds a Document from already-extracted text. The sha is
// the identity of the source bytes, not of the text.
func DocumentFromText(text, sha string) *Document {
	return &Document{
		Sha256:             sha,
		RawText:            text,
		RepPuctCertificate: ExtractPuctCertificate(text),
		EflVersionCode:     ExtractVersionCode(text),
	}
}

// ExtractPuctCertificate pulls the retail provider's PUCT certificate number.
func ExtractPuctCertificate(text string) string {
	// "PUCT Certificate # 10098", "PUCT License #10260", "PUCT Cert. No. 10014"
	certRe := regexp.MustCompile(`PUCT\s+(?:Certificate|License|Cert\.?)\s*(?:#|No\.?|Number)?\s*([0-9]{4,6})`)
	if m := certRe.FindStringSubmatch(text); len(m) >= 2 {
		return m[1]
	}
	return ""
}

// ExtractVersionCode pulls the EFL's own version identifier. Labels carry it
// as "Version #:", "Ver. #", or only as an opaque footer token.
func ExtractVersionCode(text string) string {
	versionRe := regexp.MustCompile(`(?i)Ver(?:sion|\.)?\s*#\s*:?\s*([0-9A-Za-z._-]{2,40})`)
	if m := versionRe.FindStringSubmatch(text); len(m) >= 2 {
		v := strings.Trim(m[1], ".:")
		if v != "" {
			return v
		}
	}
	// Footer token fallback, e.g. "M1F20240611TX01".
	footerRe := regexp.MustCompile(`\bM1F[0-9A-Z]{8,24}\b`)
	// Last match wins: footers repeat per page and the final page carries the
	// effective code.
	all := footerRe.FindAllString(text, -1)
	if len(all) > 0 {
		return all[len(all)-1]
	}
	return ""
}
