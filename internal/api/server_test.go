package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"transaction-reconciler/internal/config"
	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/orchestrator"
	"transaction-reconciler/internal/secrets"
	"transaction-reconciler/internal/source"
	"transaction-reconciler/internal/store"
)

type fakeStore struct {
	clients    map[string]models.Client
	jobs       map[string]models.Job
	webhooks   map[string]models.Webhook
	connectors []models.Connector
	deliveries []models.WebhookDelivery
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients:  map[string]models.Client{"client-1": {ID: "client-1", Name: "Acme"}},
		jobs:     map[string]models.Job{},
		webhooks: map[string]models.Webhook{},
	}
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job: %w", store.ErrNotFound)
	}
	return j, nil
}

func (f *fakeStore) ListJobs(_ context.Context, clientID, status string, _ int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range f.jobs {
		if (clientID == "" || j.ClientID == clientID) && (status == "" || j.Status == status) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) GetClient(_ context.Context, id string) (models.Client, error) {
	c, ok := f.clients[id]
	if !ok {
		return models.Client{}, fmt.Errorf("client: %w", store.ErrNotFound)
	}
	return c, nil
}

func (f *fakeStore) CreateConnector(_ context.Context, c models.Connector) (models.Connector, error) {
	c.ID = fmt.Sprintf("conn-%d", len(f.connectors)+1)
	f.connectors = append(f.connectors, c)
	return c, nil
}

func (f *fakeStore) CreateWebhook(_ context.Context, w models.Webhook) (models.Webhook, error) {
	w.ID = fmt.Sprintf("wh-%d", len(f.webhooks)+1)
	f.webhooks[w.ID] = w
	return w, nil
}

func (f *fakeStore) GetWebhook(_ context.Context, clientID, id string) (models.Webhook, error) {
	w, ok := f.webhooks[id]
	if !ok || w.ClientID != clientID {
		return models.Webhook{}, fmt.Errorf("webhook: %w", store.ErrNotFound)
	}
	return w, nil
}

func (f *fakeStore) ListWebhooksByClient(_ context.Context, clientID string) ([]models.Webhook, error) {
	var out []models.Webhook
	for _, w := range f.webhooks {
		if w.ClientID == clientID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateWebhook(_ context.Context, w models.Webhook) error {
	existing, ok := f.webhooks[w.ID]
	if !ok {
		return fmt.Errorf("webhook: %w", store.ErrNotFound)
	}
	if w.Status == models.WebhookActive && existing.Status == models.WebhookFailed {
		w.FailureCount = 0
	} else {
		w.FailureCount = existing.FailureCount
	}
	f.webhooks[w.ID] = w
	return nil
}

func (f *fakeStore) DeleteWebhook(_ context.Context, clientID, id string) error {
	w, ok := f.webhooks[id]
	if !ok || w.ClientID != clientID {
		return fmt.Errorf("webhook: %w", store.ErrNotFound)
	}
	delete(f.webhooks, id)
	return nil
}

func (f *fakeStore) ListDeliveries(context.Context, string, int) ([]models.WebhookDelivery, error) {
	return f.deliveries, nil
}

type fakeRunner struct {
	runErr   error
	retryErr error
}

func (f *fakeRunner) RunJob(_ context.Context, clientID string, params orchestrator.RunParams) (models.Job, error) {
	if f.runErr != nil {
		return models.Job{}, f.runErr
	}
	return models.Job{ID: "job-1", ClientID: clientID, Status: models.JobRunning, Days: params.Days}, nil
}

func (f *fakeRunner) RetryJob(_ context.Context, jobID string) (models.Job, error) {
	if f.retryErr != nil {
		return models.Job{}, f.retryErr
	}
	return models.Job{ID: jobID, Status: models.JobRunning}, nil
}

type fakeTester struct {
	code int
	err  error
}

func (f *fakeTester) SendTest(context.Context, models.Webhook) (int, string, error) {
	return f.code, "ok", f.err
}

func newTestServer(t *testing.T, st Store, runner JobRunner, tester WebhookTester) *Server {
	t.Helper()
	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	codec, err := secrets.NewCodec(key)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return New(config.Config{}, st, runner, tester, codec, nil, nil)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRunJobAccepted(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeRunner{}, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/client-1/jobs", map[string]any{"days": 7})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != "job-1" || job.Days != 7 {
		t.Errorf("job = %+v", job)
	}
}

func TestRunJobUnknownClient(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeRunner{}, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/nope/jobs", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRunJobBadDateRangeRejected(t *testing.T) {
	runner := &fakeRunner{runErr: &source.DataValidationError{Message: "start_date is after end_date"}}
	s := newTestServer(t, newFakeStore(), runner, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/client-1/jobs",
		map[string]any{"start_date": "2024-05-10", "end_date": "2024-05-01"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRetryJobConflict(t *testing.T) {
	runner := &fakeRunner{retryErr: fmt.Errorf("job job-1 is completed, only failed jobs can be retried")}
	s := newTestServer(t, newFakeStore(), runner, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/jobs/job-1/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateConnectorValidatesType(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeRunner{}, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/client-1/connectors",
		map[string]any{"type": "stripe", "config": map[string]string{"k": "v"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateConnectorValidatesCredentialFields(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeRunner{}, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/client-1/connectors",
		map[string]any{"type": "shopify", "config": map[string]string{"shop_url": "x.myshopify.com"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateConnectorEncryptsConfig(t *testing.T) {
	st := newFakeStore()
	s := newTestServer(t, st, &fakeRunner{}, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/client-1/connectors",
		map[string]any{"type": "shopify", "config": map[string]string{
			"shop_url":     "x.myshopify.com",
			"access_token": "tok",
		}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(st.connectors) != 1 {
		t.Fatalf("connectors = %d", len(st.connectors))
	}
	stored := st.connectors[0]
	if stored.EncryptedConfig == "" || bytes.Contains([]byte(stored.EncryptedConfig), []byte("tok")) {
		t.Error("config must be stored encrypted")
	}
}

func TestWebhookCreateRejectsUnknownEvent(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeRunner{}, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/client-1/webhooks/",
		map[string]any{"url": "https://example.com/hook", "events": []string{"job.exploded"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookReactivationResetsFailureCount(t *testing.T) {
	st := newFakeStore()
	st.webhooks["wh-1"] = models.Webhook{
		ID: "wh-1", ClientID: "client-1", URL: "https://example.com/hook",
		Status: models.WebhookFailed, FailureCount: 10,
	}
	s := newTestServer(t, st, &fakeRunner{}, &fakeTester{})

	rec := doRequest(t, s.Router(), http.MethodPut, "/clients/client-1/webhooks/wh-1",
		map[string]any{"status": "active"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	updated := st.webhooks["wh-1"]
	if updated.Status != models.WebhookActive {
		t.Errorf("status = %s", updated.Status)
	}
	if updated.FailureCount != 0 {
		t.Errorf("failure_count = %d, want 0 after reactivation", updated.FailureCount)
	}
}

func TestWebhookTestEndpointReportsOutcome(t *testing.T) {
	st := newFakeStore()
	st.webhooks["wh-1"] = models.Webhook{ID: "wh-1", ClientID: "client-1", URL: "https://example.com/hook", Status: models.WebhookActive}
	s := newTestServer(t, st, &fakeRunner{}, &fakeTester{code: 200})

	rec := doRequest(t, s.Router(), http.MethodPost, "/clients/client-1/webhooks/wh-1/test", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Success    bool `json:"success"`
		StatusCode int  `json:"status_code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.StatusCode != 200 {
		t.Errorf("out = %+v", out)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(t, newFakeStore(), &fakeRunner{}, &fakeTester{})
	rec := doRequest(t, s.Router(), http.MethodGet, "/jobs/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
