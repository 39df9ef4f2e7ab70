package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Transitions are monotonic:
// pending -> running -> {completed | retrying | failed}, retrying -> running.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobRetrying  = "retrying"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Connector types. Exactly one ga4 and one of {shopify, woocommerce}
// per client are required for a reconciliation run.
const (
	ConnectorGA4         = "ga4"
	ConnectorShopify     = "shopify"
	ConnectorWooCommerce = "woocommerce"
)

// Webhook statuses. A webhook is forced to failed after repeated
// delivery failures and stays there until manually reactivated.
const (
	WebhookActive   = "active"
	WebhookInactive = "inactive"
	WebhookFailed   = "failed"
)

// Webhook event names. These strings are a wire contract with client
// integrations and must not change.
const (
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// WebhookFailureThreshold is the consecutive-failure count at which a
// webhook is circuit-broken to failed status.
const WebhookFailureThreshold = 10

// Job is one reconciliation attempt lineage.
type Job struct {
	ID            string         `json:"id"`
	ClientID      string         `json:"client_id"`
	Status        string         `json:"status"`
	Days          int            `json:"days"`
	StartDate     *string        `json:"start_date,omitempty"`
	EndDate       *string        `json:"end_date,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`
	Logs          *string        `json:"logs,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CanRetry reports whether a manual retry of this job is permitted.
func (j Job) CanRetry() bool {
	return j.Status == JobFailed && j.RetryCount < j.MaxRetries
}

// Connector binds a client to one external data source. EncryptedConfig
// is an AES-GCM ciphertext of the provider-specific credential JSON.
type Connector struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	Type            string    `json:"type"`
	Name            string    `json:"name"`
	EncryptedConfig string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Client is a tenant organization.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a client-scoped notification recipient.
type User struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// Webhook is a client-scoped delivery target for job events.
type Webhook struct {
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	URL          string     `json:"url"`
	Secret       string     `json:"-"`
	Events       []string   `json:"events"`
	Status       string     `json:"status"`
	FailureCount int        `json:"failure_count"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Subscribed reports whether the webhook wants the event. An empty
// events list subscribes to everything.
func (w Webhook) Subscribed(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is an append-only audit record of one delivery
// attempt. Never mutated after creation.
type WebhookDelivery struct {
	ID           string         `json:"id"`
	WebhookID    string         `json:"webhook_id"`
	JobID        string         `json:"job_id"`
	Event        string         `json:"event"`
	Payload      map[string]any `json:"payload"`
	StatusCode   *int           `json:"status_code,omitempty"`
	ResponseBody *string        `json:"response_body,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Success      bool           `json:"success"`
	CreatedAt    time.Time      `json:"created_at"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
}

// Schedule is a periodic trigger for reconciliation runs.
type Schedule struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id"`
	CronExpr  string         `json:"cron_expr"`
	Config    map[string]any `json:"config,omitempty"`
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
}
