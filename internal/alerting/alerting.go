// Package alerting pushes webhook notifications when scheduled pipeline
// scans fail for homes or quarantine plan templates.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// AlertConfig holds alerting configuration.
type AlertConfig struct {
	// WebhookURL is a generic webhook endpoint (Slack, Discord, or custom)
	WebhookURL string
	// WebhookType determines the payload format: "slack", "discord", or "generic"
	WebhookType string
	// Enabled controls whether alerts are sent
	Enabled bool
	// MinFailuresBeforeAlert is the home-failure threshold before sending alerts
	MinFailuresBeforeAlert int
	// Timeout for HTTP requests
	Timeout time.Duration
}

// DefaultAlertConfig returns config from environment variables.
func DefaultAlertConfig() AlertConfig {
	cfg := AlertConfig{
		WebhookURL:             os.Getenv("PICKWATT_ALERT_WEBHOOK_URL"),
		WebhookType:            os.Getenv("PICKWATT_ALERT_WEBHOOK_TYPE"),
		MinFailuresBeforeAlert: 1,
		Timeout:                10 * time.Second,
	}

	cfg.Enabled = cfg.WebhookURL != ""

	if cfg.WebhookType == "" {
		// Auto-detect from URL
		if strings.Contains(cfg.WebhookURL, "slack.com") {
			cfg.WebhookType = "slack"
		} else if strings.Contains(cfg.WebhookURL, "discord.com") {
			cfg.WebhookType = "discord"
		} else {
			cfg.WebhookType = "generic"
		}
	}

	if v := os.Getenv("PICKWATT_ALERT_MIN_FAILURES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.MinFailuresBeforeAlert = n
		}
	}

	return cfg
}

// Alerter sends alerts to configured webhooks.
type Alerter struct {
	cfg    AlertConfig
	client *http.Client
}

// NewAlerter creates a new alerter instance.
func NewAlerter(cfg AlertConfig) *Alerter {
	return &Alerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ScanAlert summarizes one worker scan over due homes.
type ScanAlert struct {
	JobName        string
	HomesScanned   int
	HomesSkipped   int
	HomesSucceeded int
	HomesFailed    int
	Quarantined    int
	Duration       time.Duration
	FailedDetails  []HomeFailure
	Timestamp      time.Time
}

// HomeFailure contains details about a home whose pipeline run errored.
type HomeFailure struct {
	HomeID string
	Error  string
}

// SendScanAlert sends an alert about a pipeline scan. Scans with fewer home
// failures than the threshold and no new quarantines are skipped.
func (a *Alerter) SendScanAlert(ctx context.Context, alert ScanAlert) error {
	if !a.cfg.Enabled {
		log.Printf("alerting: alerts disabled, skipping")
		return nil
	}

	if alert.HomesFailed < a.cfg.MinFailuresBeforeAlert && alert.Quarantined == 0 {
		log.Printf("alerting: %d failures below threshold (%d) and no quarantines, skipping",
			alert.HomesFailed, a.cfg.MinFailuresBeforeAlert)
		return nil
	}

	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "slack":
		payload, err = a.buildSlackPayload(alert)
	case "discord":
		payload, err = a.buildDiscordPayload(alert)
	default:
		payload, err = a.buildGenericPayload(alert)
	}

	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("alerting: sent alert for %d failed homes, %d quarantines", alert.HomesFailed, alert.Quarantined)
	return nil
}

func (a *Alerter) buildSlackPayload(alert ScanAlert) ([]byte, error) {
	// Build failure list
	var failedList strings.Builder
	for _, f := range alert.FailedDetails {
		failedList.WriteString(fmt.Sprintf("• *%s*: %s\n", f.HomeID, f.Error))
	}
	if failedList.Len() == 0 {
		failedList.WriteString("none")
	}

	emoji := ":warning:"
	if alert.HomesScanned > 0 && alert.HomesFailed == alert.HomesScanned {
		emoji = ":x:"
	}

	payload := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf("%s Pipeline Scan Alert: %s", emoji, alert.JobName),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Status:*\n%d/%d homes failed", alert.HomesFailed, alert.HomesScanned)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", alert.Duration.Round(time.Millisecond))},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Succeeded:*\n%d (skipped %d)", alert.HomesSucceeded, alert.HomesSkipped)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Quarantined templates:*\n%d", alert.Quarantined)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Timestamp:*\n%s", alert.Timestamp.Format(time.RFC3339))},
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Failed Homes:*\n%s", failedList.String()),
				},
			},
		},
	}

	return json.Marshal(payload)
}

func (a *Alerter) buildDiscordPayload(alert ScanAlert) ([]byte, error) {
	// Build failure list
	var failedList strings.Builder
	for _, f := range alert.FailedDetails {
		failedList.WriteString(fmt.Sprintf("• **%s**: %s\n", f.HomeID, f.Error))
	}
	if failedList.Len() == 0 {
		failedList.WriteString("none")
	}

	color := 16776960 // Yellow
	if alert.HomesScanned > 0 && alert.HomesFailed == alert.HomesScanned {
		color = 16711680 // Red
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("Pipeline Scan Alert: %s", alert.JobName),
				"description": fmt.Sprintf("%d/%d homes failed, %d templates quarantined", alert.HomesFailed, alert.HomesScanned, alert.Quarantined),
				"color":       color,
				"fields": []map[string]interface{}{
					{"name": "Succeeded", "value": fmt.Sprintf("%d", alert.HomesSucceeded), "inline": true},
					{"name": "Failed", "value": fmt.Sprintf("%d", alert.HomesFailed), "inline": true},
					{"name": "Skipped", "value": fmt.Sprintf("%d", alert.HomesSkipped), "inline": true},
					{"name": "Duration", "value": alert.Duration.Round(time.Millisecond).String(), "inline": true},
					{"name": "Failed Homes", "value": failedList.String(), "inline": false},
				},
				"timestamp": alert.Timestamp.Format(time.RFC3339),
			},
		},
	}

	return json.Marshal(payload)
}

func (a *Alerter) buildGenericPayload(alert ScanAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"alert_type":      "pipeline_scan",
		"job_name":        alert.JobName,
		"homes_scanned":   alert.HomesScanned,
		"homes_skipped":   alert.HomesSkipped,
		"homes_succeeded": alert.HomesSucceeded,
		"homes_failed":    alert.HomesFailed,
		"quarantined":     alert.Quarantined,
		"duration_ms":     alert.Duration.Milliseconds(),
		"timestamp":       alert.Timestamp.Format(time.RFC3339),
		"failed_details":  alert.FailedDetails,
	}

	return json.Marshal(payload)
}
