package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"transaction-reconciler/internal/models"
)

const resendEndpoint = "https://api.resend.com/emails"

// UserStore looks up notification recipients.
type UserStore interface {
	ActiveUsersForClient(ctx context.Context, clientID string) ([]models.User, error)
}

// Emailer sends job outcome emails through the Resend API. A zero API
// key disables sending entirely.
type Emailer struct {
	store        UserStore
	apiKey       string
	from         string
	dashboardURL string
	client       *http.Client
	log          *zap.Logger

	endpoint string
}

func NewEmailer(store UserStore, apiKey, fromEmail, fromName, dashboardURL string, log *zap.Logger) *Emailer {
	if log == nil {
		log = zap.NewNop()
	}
	from := fromEmail
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromEmail)
	}
	return &Emailer{
		store:        store,
		apiKey:       apiKey,
		from:         from,
		dashboardURL: dashboardURL,
		client:       &http.Client{Timeout: 15 * time.Second},
		log:          log,
		endpoint:     resendEndpoint,
	}
}

// Notify emails every active user of the job's client. A recipient
// failure is logged and the rest still get their mail.
func (e *Emailer) Notify(ctx context.Context, event string, job models.Job) {
	if e.apiKey == "" {
		return
	}
	if event != models.EventJobCompleted && event != models.EventJobFailed {
		return
	}
	users, err := e.store.ActiveUsersForClient(ctx, job.ClientID)
	if err != nil {
		e.log.Warn("list recipients failed", zap.String("client_id", job.ClientID), zap.Error(err))
		return
	}
	subject, html := e.compose(event, job)
	for _, u := range users {
		if err := e.send(ctx, u.Email, subject, html); err != nil {
			e.log.Warn("send email failed",
				zap.String("recipient", u.Email),
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
}

func (e *Emailer) compose(event string, job models.Job) (subject, html string) {
	link := ""
	if e.dashboardURL != "" {
		link = fmt.Sprintf(`<p><a href="%s/jobs/%s">View job details</a></p>`, e.dashboardURL, job.ID)
	}
	if event == models.EventJobCompleted {
		subject = "Reconciliation completed"
		rate := 0.0
		missing := 0
		if v, ok := job.ResultSummary["match_rate"].(float64); ok {
			rate = v
		}
		if v, ok := job.ResultSummary["missing_count"].(float64); ok {
			missing = int(v)
		}
		html = fmt.Sprintf(
			`<h2>Reconciliation completed</h2><p>Match rate: <strong>%.2f%%</strong></p><p>Missing transactions: %d</p>%s`,
			rate, missing, link)
		return subject, html
	}
	subject = "Reconciliation failed"
	cause := "unknown error"
	if job.Logs != nil && *job.Logs != "" {
		cause = *job.Logs
	}
	html = fmt.Sprintf(
		`<h2>Reconciliation failed</h2><p>Job %s failed after %d retries.</p><p>%s</p>%s`,
		job.ID, job.RetryCount, cause, link)
	return subject, html
}

func (e *Emailer) send(ctx context.Context, to, subject, html string) error {
	body, err := json.Marshal(map[string]any{
		"from":    e.from,
		"to":      []string{to},
		"subject": subject,
		"html":    html,
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return fmt.Errorf("resend status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
