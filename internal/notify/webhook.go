// Package notify fans job lifecycle events out to client webhooks and
// email recipients. Delivery failures never fail the job that raised
// the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/telemetry"
)

const maxResponseBody = 1000

// WebhookStore is the persistence surface the dispatcher needs.
type WebhookStore interface {
	ActiveWebhooksForClient(ctx context.Context, clientID string) ([]models.Webhook, error)
	AppendDelivery(ctx context.Context, d models.WebhookDelivery) error
	MarkWebhookFailure(ctx context.Context, id string) (count int, tripped bool, err error)
	MarkWebhookSuccess(ctx context.Context, id string) error
}

// Dispatcher delivers signed event payloads to subscribed webhooks.
type Dispatcher struct {
	store  WebhookStore
	client *http.Client
	log    *zap.Logger
}

func NewDispatcher(store WebhookStore, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Notify delivers one event for a job to every active, subscribed
// webhook of the job's client. Individual delivery failures are
// recorded and counted but never returned as errors.
func (d *Dispatcher) Notify(ctx context.Context, event string, job models.Job) {
	hooks, err := d.store.ActiveWebhooksForClient(ctx, job.ClientID)
	if err != nil {
		d.log.Warn("list webhooks failed", zap.String("client_id", job.ClientID), zap.Error(err))
		return
	}
	payload := eventPayload(event, job)
	for _, hook := range hooks {
		if !hook.Subscribed(event) {
			continue
		}
		d.deliver(ctx, hook, job.ID, event, payload)
	}
}

// eventPayload builds the wire body. Field names and shape are a
// contract with client integrations.
func eventPayload(event string, job models.Job) map[string]any {
	data := map[string]any{
		"job_id":       job.ID,
		"client_id":    job.ClientID,
		"status":       job.Status,
		"started_at":   job.StartedAt.UTC().Format(time.RFC3339),
		"completed_at": nil,
	}
	if job.CompletedAt != nil {
		data["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	switch event {
	case models.EventJobCompleted:
		data["result"] = job.ResultSummary
	case models.EventJobFailed:
		if job.Logs != nil {
			data["error"] = *job.Logs
		} else {
			data["error"] = ""
		}
	}
	return map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
}

// Sign computes the hex HMAC-SHA256 of a body, prefixed by the scheme
// tag receivers verify against.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) deliver(ctx context.Context, hook models.Webhook, jobID, event string, payload map[string]any) {
	delivery := models.WebhookDelivery{
		ID:        uuid.New().String(),
		WebhookID: hook.ID,
		JobID:     jobID,
		Event:     event,
		Payload:   payload,
	}

	telemetry.WebhookSent.Inc()
	statusCode, respBody, sendErr := d.send(ctx, hook, event, payload)
	now := time.Now().UTC()
	if statusCode != 0 {
		delivery.StatusCode = &statusCode
		delivery.ResponseBody = &respBody
	}

	if sendErr == nil && statusCode >= 200 && statusCode < 300 {
		delivery.Success = true
		delivery.DeliveredAt = &now
		if err := d.store.MarkWebhookSuccess(ctx, hook.ID); err != nil {
			d.log.Warn("reset webhook failures", zap.String("webhook_id", hook.ID), zap.Error(err))
		}
	} else {
		telemetry.WebhookFailures.Inc()
		msg := fmt.Sprintf("unexpected status %d", statusCode)
		if sendErr != nil {
			msg = sendErr.Error()
		}
		delivery.ErrorMessage = &msg
		count, tripped, err := d.store.MarkWebhookFailure(ctx, hook.ID)
		if err != nil {
			d.log.Warn("record webhook failure", zap.String("webhook_id", hook.ID), zap.Error(err))
		} else if tripped {
			d.log.Warn("webhook circuit broken",
				zap.String("webhook_id", hook.ID),
				zap.String("url", hook.URL),
				zap.Int("failure_count", count))
		}
	}

	if err := d.store.AppendDelivery(ctx, delivery); err != nil {
		d.log.Warn("record delivery", zap.String("webhook_id", hook.ID), zap.Error(err))
	}
}

// SendTest fires a synthetic job.completed payload at one webhook and
// reports the outcome. Test sends do not touch the failure counter.
func (d *Dispatcher) SendTest(ctx context.Context, hook models.Webhook) (statusCode int, body string, err error) {
	now := time.Now().UTC()
	job := models.Job{
		ID:          "test-" + uuid.New().String(),
		ClientID:    hook.ClientID,
		Status:      models.JobCompleted,
		StartedAt:   now,
		CompletedAt: &now,
		ResultSummary: map[string]any{
			"match_rate":    100.0,
			"missing_count": 0,
		},
	}
	payload := eventPayload(models.EventJobCompleted, job)
	return d.send(ctx, hook, models.EventJobCompleted, payload)
}

func (d *Dispatcher) send(ctx context.Context, hook models.Webhook, event string, payload map[string]any) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-ID", hook.ID)
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(respBody), nil
}
