package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"transaction-reconciler/internal/models"
)

// CreateWebhook registers a delivery target.
func (s *Store) CreateWebhook(ctx context.Context, w models.Webhook) (models.Webhook, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = models.WebhookActive
	}
	w.CreatedAt = time.Now().UTC()
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return models.Webhook{}, fmt.Errorf("marshal webhook events: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, client_id, url, secret, events, status, failure_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
	`, w.ID, w.ClientID, w.URL, w.Secret, eventsJSON, w.Status, w.CreatedAt)
	if err != nil {
		return models.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	return w, nil
}

// GetWebhook fetches a webhook scoped to its client.
func (s *Store) GetWebhook(ctx context.Context, clientID, id string) (models.Webhook, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, url, secret, events, status, failure_count, last_success, last_failure, created_at
		FROM webhooks WHERE id = $1 AND client_id = $2
	`, id, clientID)
	return scanWebhook(row)
}

// ListWebhooksByClient returns all webhooks for a client.
func (s *Store) ListWebhooksByClient(ctx context.Context, clientID string) ([]models.Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, url, secret, events, status, failure_count, last_success, last_failure, created_at
		FROM webhooks WHERE client_id = $1 ORDER BY created_at
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ActiveWebhooksForClient returns webhooks eligible for delivery.
// Circuit-broken and deactivated webhooks are excluded.
func (s *Store) ActiveWebhooksForClient(ctx context.Context, clientID string) ([]models.Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, url, secret, events, status, failure_count, last_success, last_failure, created_at
		FROM webhooks WHERE client_id = $1 AND status = $2
	`, clientID, models.WebhookActive)
	if err != nil {
		return nil, fmt.Errorf("query active webhooks: %w", err)
	}
	defer rows.Close()

	var out []models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWebhook rewrites the mutable fields. Reactivating a failed
// webhook resets its failure count so the breaker re-arms from zero.
func (s *Store) UpdateWebhook(ctx context.Context, w models.Webhook) error {
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("marshal webhook events: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhooks SET
			url = $3,
			secret = $4,
			events = $5,
			status = $6,
			failure_count = CASE WHEN $6 = 'active' AND status = 'failed' THEN 0 ELSE failure_count END
		WHERE id = $1 AND client_id = $2
	`, w.ID, w.ClientID, w.URL, w.Secret, eventsJSON, w.Status)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook: %w", ErrNotFound)
	}
	return nil
}

// DeleteWebhook removes a webhook. Its delivery history is kept.
func (s *Store) DeleteWebhook(ctx context.Context, clientID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM webhooks WHERE id = $1 AND client_id = $2
	`, id, clientID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook: %w", ErrNotFound)
	}
	return nil
}

// MarkWebhookFailure increments the failure count in a single statement
// and flips the webhook to failed at the threshold. Returns the count
// after the increment and whether the breaker tripped on this call.
func (s *Store) MarkWebhookFailure(ctx context.Context, id string) (count int, tripped bool, err error) {
	var status string
	err = s.pool.QueryRow(ctx, `
		UPDATE webhooks SET
			failure_count = failure_count + 1,
			last_failure = NOW(),
			status = CASE WHEN failure_count + 1 >= $2 THEN 'failed' ELSE status END
		WHERE id = $1
		RETURNING failure_count, status
	`, id, models.WebhookFailureThreshold).Scan(&count, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("webhook: %w", ErrNotFound)
	}
	if err != nil {
		return 0, false, fmt.Errorf("mark webhook failure: %w", err)
	}
	return count, status == models.WebhookFailed && count == models.WebhookFailureThreshold, nil
}

// MarkWebhookSuccess resets the failure count after a 2xx delivery.
func (s *Store) MarkWebhookSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhooks SET failure_count = 0, last_success = NOW() WHERE id = $1
	`, id)
	return err
}

// AppendDelivery records one delivery attempt. Rows are append-only.
func (s *Store) AppendDelivery(ctx context.Context, d models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	payloadJSON, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("marshal delivery payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, job_id, event, payload, status_code, response_body, error_message, success, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
	`, d.ID, d.WebhookID, d.JobID, d.Event, payloadJSON, d.StatusCode, d.ResponseBody, d.ErrorMessage, d.Success, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns recent delivery attempts for a webhook.
func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, webhook_id, job_id, event, payload, status_code, response_body, error_message, success, created_at, delivered_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		var payloadJSON []byte
		var statusCode pgtype.Int4
		var respBody, errMsg pgtype.Text
		var deliveredAt pgtype.Timestamptz
		err := rows.Scan(&d.ID, &d.WebhookID, &d.JobID, &d.Event, &payloadJSON, &statusCode, &respBody, &errMsg, &d.Success, &d.CreatedAt, &deliveredAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if statusCode.Valid {
			v := int(statusCode.Int32)
			d.StatusCode = &v
		}
		d.ResponseBody = textPtr(respBody)
		d.ErrorMessage = textPtr(errMsg)
		if deliveredAt.Valid {
			t := deliveredAt.Time
			d.DeliveredAt = &t
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &d.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal delivery payload: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanWebhook(row rowScanner) (models.Webhook, error) {
	var w models.Webhook
	var eventsJSON []byte
	var lastSuccess, lastFailure pgtype.Timestamptz

	err := row.Scan(&w.ID, &w.ClientID, &w.URL, &w.Secret, &eventsJSON, &w.Status, &w.FailureCount, &lastSuccess, &lastFailure, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Webhook{}, fmt.Errorf("webhook: %w", ErrNotFound)
	}
	if err != nil {
		return models.Webhook{}, fmt.Errorf("scan webhook: %w", err)
	}
	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &w.Events); err != nil {
			return models.Webhook{}, fmt.Errorf("unmarshal webhook events: %w", err)
		}
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		w.LastSuccess = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		w.LastFailure = &t
	}
	return w, nil
}
