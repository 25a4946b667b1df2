// Package notification delivers operational email: review-queue digests for
// plan templates awaiting human attention, plus config test sends. Delivery
// config lives in storage so operators manage it through the admin API.
package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/pickwatt/pickwatt/internal/storage"
)

// ErrNotConfigured is returned when email delivery is disabled or no config
// row exists. Callers treat it as "nothing to do", not a failure.
var ErrNotConfigured = errors.New("email not configured or disabled")

// digestItemLimit caps how many open items one digest lists in full.
const digestItemLimit = 25

type Service struct {
	storage storage.Storage
}

func NewService(s storage.Storage) *Service {
	return &Service{storage: s}
}

func (s *Service) GetConfig(ctx context.Context) (*storage.EmailConfig, error) {
	return s.storage.GetEmailConfig(ctx)
}

func (s *Service) SaveConfig(ctx context.Context, cfg storage.EmailConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	return s.storage.SaveEmailConfig(ctx, cfg)
}

func (s *Service) SendEmail(ctx context.Context, to, subject, body string) error {
	cfg, err := s.storage.GetEmailConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.Enabled {
		return ErrNotConfigured
	}
	return s.send(cfg, to, subject, body)
}

// SendReviewDigest emails a summary of the open review queue to the
// configured recipients. A queue with nothing open sends nothing.
func (s *Service) SendReviewDigest(ctx context.Context) error {
	cfg, err := s.storage.GetEmailConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.Enabled {
		return ErrNotConfigured
	}
	recipients := splitRecipients(cfg.ToAddresses)
	if len(recipients) == 0 {
		return ErrNotConfigured
	}

	counts, err := s.storage.CountOpenReviewItems(ctx)
	if err != nil {
		return fmt.Errorf("count open review items: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil
	}

	items, err := s.storage.ListReviewItems(ctx, "", true, digestItemLimit)
	if err != nil {
		return fmt.Errorf("list open review items: %w", err)
	}

	subject := fmt.Sprintf("PickWatt review queue: %d open item(s)", total)
	body := buildDigestBody(counts, items, total)

	var firstErr error
	for _, to := range recipients {
		if err := s.send(cfg, to, subject, body); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("send digest to %s: %w", to, err)
			}
		}
	}
	return firstErr
}

func (s *Service) TestConfig(ctx context.Context, cfg storage.EmailConfig, to string) error {
	// Use the provided config to send a test email
	return s.send(&cfg, to, "Test Email", "This is a test email from PickWatt.")
}

func (s *Service) send(cfg *storage.EmailConfig, to, subject, body string) error {
	switch cfg.Provider {
	case "smtp", "gmail":
		return s.sendSMTP(cfg, to, subject, body)
	case "sendgrid":
		return s.sendSendgrid(cfg, to, subject, body)
	case "resend":
		return s.sendResend(cfg, to, subject, body)
	default:
		return fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

func splitRecipients(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// buildDigestBody renders the digest as simple HTML: per-kind counts, then
// the newest open rows with their structured reasons.
func buildDigestBody(counts map[string]int, items []storage.ReviewQueueItem, total int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("<h2>PickWatt review queue: %d open item(s)</h2>", total))

	b.WriteString("<ul>")
	for _, kind := range []string{storage.ReviewKindEflParse, storage.ReviewKindQuarantine} {
		if n := counts[kind]; n > 0 {
			b.WriteString(fmt.Sprintf("<li><b>%s</b>: %d</li>", kind, n))
		}
	}
	b.WriteString("</ul>")

	b.WriteString("<table border=\"1\" cellpadding=\"4\" cellspacing=\"0\">")
	b.WriteString("<tr><th>Kind</th><th>Status</th><th>Offer</th><th>Stage</th><th>Reason</th><th>Updated</th></tr>")
	for _, it := range items {
		b.WriteString(fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
			html.EscapeString(it.Kind),
			html.EscapeString(it.FinalStatus),
			html.EscapeString(it.OfferID),
			html.EscapeString(it.Reason.Stage),
			html.EscapeString(it.Reason.ReasonCode),
			it.UpdatedAt.Format("2006-01-02 15:04")))
	}
	b.WriteString("</table>")
	if total > len(items) {
		b.WriteString(fmt.Sprintf("<p>...and %d more.</p>", total-len(items)))
	}
	return b.String()
}

func (s *Service) sendSMTP(cfg *storage.EmailConfig, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	msg := []byte(fmt.Sprintf("To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=\"UTF-8\"\r\n"+
		"\r\n"+
		"%s\r\n", to, subject, body))

	if cfg.Encryption == "ssl" {
		// SSL/TLS (Implicit)
		tlsConfig := &tls.Config{
			InsecureSkipVerify: false,
			ServerName:         cfg.Host,
		}
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return err
		}
		defer conn.Close()

		c, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			return err
		}
		defer c.Quit()

		if cfg.Username != "" && cfg.Password != "" {
			auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
			if err = c.Auth(auth); err != nil {
				return err
			}
		}

		if err = c.Mail(cfg.FromAddress); err != nil {
			return err
		}
		if err = c.Rcpt(to); err != nil {
			return err
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		_, err = w.Write(msg)
		if err != nil {
			return err
		}
		err = w.Close()
		if err != nil {
			return err
		}
		return nil
	} else if cfg.Encryption == "tls" {
		// STARTTLS (Explicit)
		c, err := smtp.Dial(addr)
		if err != nil {
			return err
		}
		defer c.Quit()

		if ok, _ := c.Extension("STARTTLS"); ok {
			config := &tls.Config{ServerName: cfg.Host}
			if err = c.StartTLS(config); err != nil {
				return err
			}
		}

		if cfg.Username != "" && cfg.Password != "" {
			auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
			if err = c.Auth(auth); err != nil {
				return err
			}
		}

		if err = c.Mail(cfg.FromAddress); err != nil {
			return err
		}
		if err = c.Rcpt(to); err != nil {
			return err
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		_, err = w.Write(msg)
		if err != nil {
			return err
		}
		err = w.Close()
		if err != nil {
			return err
		}
		return nil
	} else {
		// None / Plain
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		return smtp.SendMail(addr, auth, cfg.FromAddress, []string{to}, msg)
	}
}

func (s *Service) sendSendgrid(cfg *storage.EmailConfig, to, subject, body string) error {
	from := mail.NewEmail(cfg.FromName, cfg.FromAddress)
	toEmail := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, toEmail, body, body)
	client := sendgrid.NewSendClient(cfg.APIKey)
	resp, err := client.Send(message)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: %d %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func (s *Service) sendResend(cfg *storage.EmailConfig, to, subject, body string) error {
	url := "https://api.resend.com/emails"

	payload := map[string]string{
		"from":    fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress),
		"to":      to,
		"subject": subject,
		"html":    body,
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("resend error: %d %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}
