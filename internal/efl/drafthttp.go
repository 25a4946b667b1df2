package efl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDraftParser calls a JSON parse endpoint with the normalized text and
// identity, and maps any failure to an empty draft with a warning. The
// endpoint is expected to answer the Draft shape directly.
type HTTPDraftParser struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// NewHTTPDraftParser builds a parser against the given endpoint. The client
// timeout is the AI call's deadline.
func NewHTTPDraftParser(endpoint, apiKey string, timeout time.Duration) *HTTPDraftParser {
	return &HTTPDraftParser{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
	}
}

type draftRequest struct {
	Text         string `json:"text"`
	EflPdfSha256 string `json:"eflPdfSha256"`
}

// ParseDraft never returns an error: transport, status, and schema failures
// all degrade to an empty draft carrying a warning.
func (p *HTTPDraftParser) ParseDraft(ctx context.Context, normalizedText, eflSha256 string) Draft {
	body, err := json.Marshal(draftRequest{Text: normalizedText, EflPdfSha256: eflSha256})
	if err != nil {
		return draftFailure(fmt.Sprintf("encode draft request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return draftFailure(fmt.Sprintf("build draft request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return draftFailure(fmt.Sprintf("draft transport: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return draftFailure(fmt.Sprintf("draft endpoint returned %d", resp.StatusCode))
	}

	var d Draft
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&d); err != nil {
		return draftFailure(fmt.Sprintf("decode draft response: %v", err))
	}
	if d.ParseConfidence < 0 {
		d.ParseConfidence = 0
	}
	if d.ParseConfidence > 1 {
		d.ParseConfidence = 1
	}
	d.ParseWarnings = FilterWarnings(d.ParseWarnings)
	return d
}

func draftFailure(warning string) Draft {
	return Draft{ParseWarnings: []string{warning}}
}
