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

	"github.com/opsledger/forecast-sync/internal/config"
	"github.com/opsledger/forecast-sync/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSyncError       AlertType = "sync_error"
	AlertConflictBacklog AlertType = "conflict_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter delivers alerts to a webhook URL. It implements
// syncer.Escalator so exhausted modifications surface to an operator.
type Alerter struct {
	cfg    config.AlertConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given alert config.
func NewAlerter(cfg config.AlertConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SyncErrorEscalated notifies the webhook that a modification burned
// through all its retries. Delivery failures are logged, never fatal.
func (a *Alerter) SyncErrorEscalated(ctx context.Context, mod model.Modification, cause string) {
	a.send(ctx, Alert{
		Type:     AlertSyncError,
		Severity: "high",
		Message: fmt.Sprintf(
			"Modification %s (mirror %s, user %s) exhausted %d sync attempts: %s",
			mod.ID, mod.MirrorID, mod.UserID, mod.Attempts, cause,
		),
		Details: map[string]any{
			"modification_id": mod.ID,
			"mirror_id":       mod.MirrorID,
			"user_id":         mod.UserID,
			"attempts":        mod.Attempts,
			"cause":           cause,
		},
		Timestamp: time.Now().UTC(),
	})
}

// ConflictBacklog notifies the webhook when open conflicts cross the given
// threshold.
func (a *Alerter) ConflictBacklog(ctx context.Context, open int64, threshold int64) {
	a.send(ctx, Alert{
		Type:     AlertConflictBacklog,
		Severity: "medium",
		Message:  fmt.Sprintf("%d open sync conflicts awaiting resolution (threshold %d)", open, threshold),
		Details: map[string]any{
			"open_conflicts": open,
			"threshold":      threshold,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (a *Alerter) send(ctx context.Context, alert Alert) {
	if a.cfg.WebhookURL == "" {
		return
	}
	if err := a.sendWebhook(ctx, alert); err != nil {
		zap.L().Error("monitoring: failed to send alert",
			zap.String("type", string(alert.Type)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
	)
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
