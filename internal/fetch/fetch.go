// Package fetch downloads EFL documents for the parse pipeline. Offer
// feeds hand out either a direct PDF URL or a landing page that links to
// one; the fetcher sniffs which it got and follows a single landing-page
// hop before extracting text.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pickwatt/pickwatt/internal/efl"
)

// DefaultTimeout bounds a single EFL download, landing-page hop included.
const DefaultTimeout = 20 * time.Second

// maxDocumentBytes guards against runaway downloads. Real EFLs are one to
// three pages; anything past this is not an EFL.
const maxDocumentBytes = 16 << 20

var pdfMagic = []byte("%PDF-")

// Result is a fetched EFL document plus where it actually came from.
type Result struct {
	Document *efl.Document
	// PdfURL is the URL the document bytes were read from, which differs
	// from the requested URL after a landing-page hop.
	PdfURL          string
	ContentType     string
	FromLandingPage bool
}

// Fetcher retrieves an EFL document from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Result, error)
}

// HTTPFetcher is the production Fetcher. It accepts direct PDFs, plain-text
// EFL bodies, and HTML landing pages that link to the PDF.
type HTTPFetcher struct {
	Client *http.Client
	// CacheDir, when set, archives each fetched PDF as <sha256>.pdf so a
	// reviewer can pull the exact bytes a rate structure was derived from.
	CacheDir string
}

// NewHTTPFetcher builds a fetcher with the given timeout. Set skipTLSVerify
// for suppliers whose servers don't send intermediate certificates.
func NewHTTPFetcher(timeout time.Duration, skipTLSVerify bool) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{}
	if skipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTPFetcher{
		Client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Fetch downloads rawURL and returns the extracted EFL document. PDF
// detection is by magic bytes first and content type second, so servers
// that mislabel PDFs as octet-streams still work.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	body, contentType, finalURL, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if isPDF(body, contentType) {
		return f.document(body, finalURL, contentType, false)
	}

	ctLower := strings.ToLower(contentType)
	switch {
	case strings.Contains(ctLower, "text/html"):
		pdfURL, err := discoverEFLURLFromHTML(finalURL, string(body))
		if err != nil {
			return nil, fmt.Errorf("landing page %s: %w", finalURL, err)
		}
		pdfBody, pdfCT, pdfFinal, err := f.get(ctx, pdfURL)
		if err != nil {
			return nil, fmt.Errorf("download linked pdf: %w", err)
		}
		if !isPDF(pdfBody, pdfCT) {
			return nil, fmt.Errorf("linked document %s is not a PDF (content type %q)", pdfFinal, pdfCT)
		}
		res, err := f.document(pdfBody, pdfFinal, pdfCT, true)
		if err != nil {
			return nil, err
		}
		return res, nil
	case strings.Contains(ctLower, "text/plain"):
		// Some aggregators serve the EFL body as extracted text already.
		doc := efl.DocumentFromText(string(body), efl.Sha256Hex(body))
		return &Result{Document: doc, PdfURL: finalURL, ContentType: contentType}, nil
	default:
		return nil, fmt.Errorf("unsupported EFL content type %q from %s", contentType, finalURL)
	}
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (body []byte, contentType, finalURL string, err error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxDocumentBytes {
		return nil, "", "", fmt.Errorf("fetch %s: document exceeds %d bytes", rawURL, maxDocumentBytes)
	}

	finalURL = rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return body, resp.Header.Get("Content-Type"), finalURL, nil
}

func (f *HTTPFetcher) document(pdfBytes []byte, pdfURL, contentType string, fromLanding bool) (*Result, error) {
	doc, err := efl.DocumentFromPDF(pdfBytes)
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	f.archive(doc.Sha256, pdfBytes)
	return &Result{
		Document:        doc,
		PdfURL:          pdfURL,
		ContentType:     contentType,
		FromLandingPage: fromLanding,
	}, nil
}

// archive is best effort; a failed write never fails the fetch.
func (f *HTTPFetcher) archive(sha string, pdfBytes []byte) {
	if f.CacheDir == "" || sha == "" {
		return
	}
	path := filepath.Join(f.CacheDir, sha+".pdf")
	_ = writeFileAtomically(path, bytes.NewReader(pdfBytes))
}

func isPDF(body []byte, contentType string) bool {
	if bytes.HasPrefix(body, pdfMagic) {
		return true
	}
	return strings.Contains(strings.ToLower(contentType), "application/pdf")
}

// discoverEFLURLFromHTML picks the most EFL-looking PDF link off a landing
// page. Supplier enrollment pages typically link the EFL, the Terms of
// Service, and the Your Rights as a Customer PDFs side by side.
func discoverEFLURLFromHTML(baseURL, html string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	type candidate struct {
		rawHref string
		text    string
		score   int
	}

	var candidates []candidate

	// Anchor tags with link text
	anchorRe := regexp.MustCompile(`(?is)<a[^>]+href="([^"]+\.pdf[^"]*)"[^>]*>([^<]*)</a>`)
	for _, m := range anchorRe.FindAllStringSubmatch(html, -1) {
		href := strings.TrimSpace(m[1])
		text := strings.TrimSpace(htmlUnescape(m[2]))
		candidates = append(candidates, candidate{rawHref: href, text: text, score: scoreEFLCandidate(href, text)})
	}

	// Fallback: any href="...pdf"
	if len(candidates) == 0 {
		hrefRe := regexp.MustCompile(`(?i)href="([^"]+\.pdf[^"]*)"`)
		for _, m := range hrefRe.FindAllStringSubmatch(html, -1) {
			href := strings.TrimSpace(m[1])
			candidates = append(candidates, candidate{rawHref: href, score: scoreEFLCandidate(href, "")})
		}
	}

	if len(candidates) == 0 {
		return "", errors.New("no PDF links found on page")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		iHTTPS := strings.HasPrefix(strings.ToLower(candidates[i].rawHref), "https://")
		jHTTPS := strings.HasPrefix(strings.ToLower(candidates[j].rawHref), "https://")
		if iHTTPS != jHTTPS {
			return iHTTPS
		}
		return candidates[i].rawHref < candidates[j].rawHref
	})

	best := candidates[0].rawHref
	bestURL, err := base.Parse(best)
	if err != nil {
		return "", fmt.Errorf("resolve href %q: %w", best, err)
	}
	return bestURL.String(), nil
}

func scoreEFLCandidate(href, text string) int {
	hrefLower := strings.ToLower(href)
	textLower := strings.ToLower(text)

	score := 0

	if strings.Contains(textLower, "electricity facts") || strings.Contains(textLower, "facts label") {
		score += 6
	}
	if strings.Contains(textLower, "efl") {
		score += 4
	}
	if strings.Contains(hrefLower, "efl") || strings.Contains(hrefLower, "facts") {
		score += 3
	}
	// Penalize the sibling documents linked next to the EFL.
	if strings.Contains(textLower, "terms of service") || strings.Contains(hrefLower, "tos") {
		score -= 4
	}
	if strings.Contains(textLower, "your rights") || strings.Contains(hrefLower, "yrac") {
		score -= 4
	}
	return score
}

func htmlUnescape(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	return replacer.Replace(s)
}
