package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/config"
	"github.com/sells-group/market-intel/internal/pipeline"
	"github.com/sells-group/market-intel/internal/scheduler"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed           AlertType = "run_failed"
	AlertAnalysisFailureRate AlertType = "analysis_failure_rate"
	AlertSourceFailureRate   AlertType = "source_failure_rate"
	AlertSourceSuspended     AlertType = "source_suspended"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns terminal run snapshots and source suspensions into alerts
// and posts them to a webhook. Without a webhook the alerts are logged.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate checks a run snapshot against thresholds and returns any alerts.
// Non-terminal snapshots never alert.
func (a *Alerter) Evaluate(s pipeline.Snapshot) []Alert {
	now := a.now()

	if s.Stage == pipeline.StageFailed {
		return []Alert{{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("%s run %s failed: %s", s.Mode, s.RunID, s.Error),
			Details: map[string]any{
				"run_id":     s.RunID,
				"mode":       string(s.Mode),
				"categories": s.Categories,
				"error":      s.Error,
			},
			Timestamp: now,
		}}
	}
	if s.Stage != pipeline.StageComplete {
		return nil
	}

	var alerts []Alert
	if rate, ok := a.rate(s.AnalysisFailed, s.Submitted, a.cfg.AnalysisFailureThreshold); ok {
		alerts = append(alerts, Alert{
			Type:     AlertAnalysisFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Analysis failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d submitted in run %s)",
				rate*100, a.cfg.AnalysisFailureThreshold*100, s.AnalysisFailed, s.Submitted, s.RunID,
			),
			Details: map[string]any{
				"run_id":       s.RunID,
				"failure_rate": rate,
				"threshold":    a.cfg.AnalysisFailureThreshold,
				"failed":       s.AnalysisFailed,
				"submitted":    s.Submitted,
			},
			Timestamp: now,
		})
	}
	if rate, ok := a.rate(s.SourcesFailed, s.SourcesTotal, a.cfg.SourceFailureThreshold); ok {
		alerts = append(alerts, Alert{
			Type:     AlertSourceFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of %d sources failed in run %s",
				s.SourcesFailed, s.SourcesTotal, s.RunID,
			),
			Details: map[string]any{
				"run_id":         s.RunID,
				"failure_rate":   rate,
				"threshold":      a.cfg.SourceFailureThreshold,
				"failed_sources": s.FailedSources,
			},
			Timestamp: now,
		})
	}
	return alerts
}

// rate reports failed/total when total meets the sample floor and the rate
// is above a positive threshold.
func (a *Alerter) rate(failed, total int, threshold float64) (float64, bool) {
	if threshold <= 0 || total < a.cfg.MinSamples || total == 0 {
		return 0, false
	}
	r := float64(failed) / float64(total)
	return r, r > threshold
}

// Observe evaluates s and delivers any alerts in the background.
func (a *Alerter) Observe(s pipeline.Snapshot) {
	a.deliver(a.Evaluate(s))
}

// ObserveStatus alerts when a source becomes suspended. Its signature
// matches scheduler.Config.OnStatusChange.
func (a *Alerter) ObserveStatus(sourceID string, from, to scheduler.Status) {
	if to != scheduler.StatusSuspended || from == to {
		return
	}
	a.deliver([]Alert{{
		Type:     AlertSourceSuspended,
		Severity: "medium",
		Message:  fmt.Sprintf("source %s suspended after repeated failures", sourceID),
		Details: map[string]any{
			"source_id": sourceID,
			"from":      string(from),
		},
		Timestamp: a.now(),
	}})
}

// Wait blocks until every background delivery has finished.
func (a *Alerter) Wait() {
	a.wg.Wait()
}

func (a *Alerter) deliver(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert",
				zap.String("type", string(alert.Type)),
				zap.String("severity", alert.Severity),
				zap.String("message", alert.Message),
			)
		}
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.client.Timeout)
		defer cancel()
		a.SendAlerts(ctx, alerts)
	}()
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
