package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"transaction-reconciler/internal/models"
)

type fakeWebhookStore struct {
	mu         sync.Mutex
	hooks      []models.Webhook
	deliveries []models.WebhookDelivery
	failures   map[string]int
	resets     map[string]int
}

func newFakeWebhookStore(hooks ...models.Webhook) *fakeWebhookStore {
	return &fakeWebhookStore{
		hooks:    hooks,
		failures: map[string]int{},
		resets:   map[string]int{},
	}
}

func (f *fakeWebhookStore) ActiveWebhooksForClient(_ context.Context, clientID string) ([]models.Webhook, error) {
	var out []models.Webhook
	for _, h := range f.hooks {
		if h.ClientID == clientID && h.Status == models.WebhookActive {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeWebhookStore) AppendDelivery(_ context.Context, d models.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	return nil
}

func (f *fakeWebhookStore) MarkWebhookFailure(_ context.Context, id string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id]++
	count := f.failures[id]
	return count, count == models.WebhookFailureThreshold, nil
}

func (f *fakeWebhookStore) MarkWebhookSuccess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = 0
	f.resets[id]++
	return nil
}

func testJob() models.Job {
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	return models.Job{
		ID:          "job-1",
		ClientID:    "client-1",
		Status:      models.JobCompleted,
		StartedAt:   started,
		CompletedAt: &completed,
		ResultSummary: map[string]any{
			"match_rate": 98.5,
		},
	}
}

func TestNotifySignsAndDelivers(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := models.Webhook{ID: "wh-1", ClientID: "client-1", URL: srv.URL, Secret: "topsecret", Status: models.WebhookActive}
	store := newFakeWebhookStore(hook)
	d := NewDispatcher(store, 5*time.Second, nil)

	d.Notify(context.Background(), models.EventJobCompleted, testJob())

	if gotHeaders.Get("X-Webhook-Event") != models.EventJobCompleted {
		t.Errorf("event header = %q", gotHeaders.Get("X-Webhook-Event"))
	}
	if got := gotHeaders.Get("X-Webhook-ID"); got != "wh-1" {
		t.Errorf("X-Webhook-ID = %q, want webhook id", got)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := gotHeaders.Get("X-Webhook-Signature"); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}

	var payload struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Event != models.EventJobCompleted {
		t.Errorf("payload event = %q", payload.Event)
	}
	if payload.Data["job_id"] != "job-1" {
		t.Errorf("payload job_id = %v", payload.Data["job_id"])
	}
	if _, ok := payload.Data["result"]; !ok {
		t.Error("completed payload missing result")
	}

	if len(store.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(store.deliveries))
	}
	del := store.deliveries[0]
	if !del.Success {
		t.Error("delivery not marked success")
	}
	if del.StatusCode == nil || *del.StatusCode != http.StatusOK {
		t.Errorf("delivery status code = %v", del.StatusCode)
	}
	if store.resets["wh-1"] != 1 {
		t.Errorf("success should reset failure count, resets = %d", store.resets["wh-1"])
	}
}

func TestNotifyOmitsSignatureWithoutSecret(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := models.Webhook{ID: "wh-1", ClientID: "client-1", URL: srv.URL, Status: models.WebhookActive}
	store := newFakeWebhookStore(hook)
	d := NewDispatcher(store, 5*time.Second, nil)

	d.Notify(context.Background(), models.EventJobCompleted, testJob())

	if _, ok := gotHeaders["X-Webhook-Signature"]; ok {
		t.Error("signature header sent for a webhook with no secret")
	}
	if len(store.deliveries) != 1 || !store.deliveries[0].Success {
		t.Errorf("deliveries = %+v, want one success", store.deliveries)
	}
}

func TestNotifyRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	hook := models.Webhook{ID: "wh-1", ClientID: "client-1", URL: srv.URL, Secret: "s", Status: models.WebhookActive}
	store := newFakeWebhookStore(hook)
	d := NewDispatcher(store, 5*time.Second, nil)

	d.Notify(context.Background(), models.EventJobFailed, testJob())

	if store.failures["wh-1"] != 1 {
		t.Errorf("failure count = %d, want 1", store.failures["wh-1"])
	}
	if len(store.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(store.deliveries))
	}
	del := store.deliveries[0]
	if del.Success {
		t.Error("delivery marked success for 500 response")
	}
	if del.ErrorMessage == nil {
		t.Error("delivery missing error message")
	}
}

func TestNotifyCircuitBreakerTripsAtThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := models.Webhook{ID: "wh-1", ClientID: "client-1", URL: srv.URL, Secret: "s", Status: models.WebhookActive}
	store := newFakeWebhookStore(hook)
	d := NewDispatcher(store, 5*time.Second, nil)

	for i := 0; i < models.WebhookFailureThreshold; i++ {
		d.Notify(context.Background(), models.EventJobFailed, testJob())
	}
	if store.failures["wh-1"] != models.WebhookFailureThreshold {
		t.Errorf("failure count = %d, want %d", store.failures["wh-1"], models.WebhookFailureThreshold)
	}
	if len(store.deliveries) != models.WebhookFailureThreshold {
		t.Errorf("deliveries = %d, want %d", len(store.deliveries), models.WebhookFailureThreshold)
	}
}

func TestNotifySkipsUnsubscribed(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	hook := models.Webhook{
		ID: "wh-1", ClientID: "client-1", URL: srv.URL, Secret: "s",
		Status: models.WebhookActive,
		Events: []string{models.EventJobFailed},
	}
	store := newFakeWebhookStore(hook)
	d := NewDispatcher(store, 5*time.Second, nil)

	d.Notify(context.Background(), models.EventJobCompleted, testJob())

	if called {
		t.Error("unsubscribed webhook received delivery")
	}
	if len(store.deliveries) != 0 {
		t.Errorf("deliveries = %d, want 0", len(store.deliveries))
	}
}

func TestSendTestDoesNotCountFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hook := models.Webhook{ID: "wh-1", ClientID: "client-1", URL: srv.URL, Secret: "s", Status: models.WebhookActive}
	store := newFakeWebhookStore(hook)
	d := NewDispatcher(store, 5*time.Second, nil)

	code, _, err := d.SendTest(context.Background(), hook)
	if err != nil {
		t.Fatalf("SendTest: %v", err)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", code)
	}
	if store.failures["wh-1"] != 0 {
		t.Errorf("test send incremented failures: %d", store.failures["wh-1"])
	}
}
