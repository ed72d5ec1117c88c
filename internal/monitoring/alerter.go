package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/config"
	"github.com/orthogenesis/recon-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDeadLetterDepth AlertType = "dead_letter_depth"
	AlertQueueBacklog    AlertType = "queue_backlog"
	AlertFailureRate     AlertType = "job_failure_rate"
	AlertBreakerOpen     AlertType = "store_breaker_open"
)

// minFinishedForRate is the fewest finished jobs a failure-rate alert needs.
const minFinishedForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLetter >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterDepth,
			Severity: "high",
			Message: fmt.Sprintf("%d dead-lettered job(s), threshold %d",
				snap.DeadLetter, a.cfg.DeadLetterThreshold),
			Details: map[string]any{
				"dead_letter": snap.DeadLetter,
				"threshold":   a.cfg.DeadLetterThreshold,
			},
			Timestamp: now,
		})
	}

	backlog := time.Duration(a.cfg.BacklogAgeSecs) * time.Second
	if backlog > 0 && snap.OldestQueuedAge > backlog {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("oldest queued job has waited %s (%d queued), threshold %s",
				snap.OldestQueuedAge.Round(time.Second), snap.Queued, backlog),
			Details: map[string]any{
				"oldest_queued_secs": snap.OldestQueuedAge.Seconds(),
				"queued":             snap.Queued,
				"threshold_secs":     a.cfg.BacklogAgeSecs,
			},
			Timestamp: now,
		})
	}

	finished := snap.Succeeded + snap.Dead
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedForRate && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("job failure rate %.1f%% exceeds threshold %.1f%% (%d dead / %d finished)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100, snap.Dead, finished),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"dead":         snap.Dead,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.Breaker == resilience.CircuitOpen.String() {
		alerts = append(alerts, Alert{
			Type:      AlertBreakerOpen,
			Severity:  "high",
			Message:   "job store circuit breaker is open; workers are paused",
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
