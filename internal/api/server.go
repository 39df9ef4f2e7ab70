// Package api exposes the reconciliation trigger and management HTTP
// surface: job runs and retries, connector registration, and webhook
// CRUD plus test delivery.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"transaction-reconciler/internal/config"
	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/orchestrator"
	"transaction-reconciler/internal/ratelimit"
	"transaction-reconciler/internal/secrets"
	"transaction-reconciler/internal/source"
	"transaction-reconciler/internal/store"
	"transaction-reconciler/internal/telemetry"
)

// Store is the persistence surface the handlers read and write.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, clientID, status string, limit int) ([]models.Job, error)
	GetClient(ctx context.Context, id string) (models.Client, error)
	CreateConnector(ctx context.Context, c models.Connector) (models.Connector, error)
	CreateWebhook(ctx context.Context, w models.Webhook) (models.Webhook, error)
	GetWebhook(ctx context.Context, clientID, id string) (models.Webhook, error)
	ListWebhooksByClient(ctx context.Context, clientID string) ([]models.Webhook, error)
	UpdateWebhook(ctx context.Context, w models.Webhook) error
	DeleteWebhook(ctx context.Context, clientID, id string) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]models.WebhookDelivery, error)
}

// JobRunner triggers and resumes reconciliation runs.
type JobRunner interface {
	RunJob(ctx context.Context, clientID string, params orchestrator.RunParams) (models.Job, error)
	RetryJob(ctx context.Context, jobID string) (models.Job, error)
}

// WebhookTester fires a synthetic delivery at one webhook.
type WebhookTester interface {
	SendTest(ctx context.Context, hook models.Webhook) (statusCode int, body string, err error)
}

// Server wires HTTP handlers for the reconciliation API.
type Server struct {
	cfg     config.Config
	store   Store
	runner  JobRunner
	tester  WebhookTester
	codec   *secrets.Codec
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, runner JobRunner, tester WebhookTester, codec *secrets.Codec, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		tester:  tester,
		codec:   codec,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/clients/{clientID}", func(r chi.Router) {
		r.Post("/jobs", s.handleRunJob)
		r.Post("/connectors", s.handleCreateConnector)
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.handleCreateWebhook)
			r.Get("/", s.handleListWebhooks)
			r.Get("/{webhookID}", s.handleGetWebhook)
			r.Put("/{webhookID}", s.handleUpdateWebhook)
			r.Delete("/{webhookID}", s.handleDeleteWebhook)
			r.Post("/{webhookID}/test", s.handleTestWebhook)
			r.Get("/{webhookID}/deliveries", s.handleListDeliveries)
		})
	})

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	return r
}

type runJobRequest struct {
	Days       int            `json:"days"`
	StartDate  *string        `json:"start_date"`
	EndDate    *string        `json:"end_date"`
	MaxRetries *int           `json:"max_retries"`
	Config     map[string]any `json:"config"`
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req runJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	if _, err := s.store.GetClient(r.Context(), clientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := s.runner.RunJob(r.Context(), clientID, orchestrator.RunParams{
		Days:       req.Days,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		MaxRetries: req.MaxRetries,
		Config:     req.Config,
	})
	if err != nil {
		var vErr *source.DataValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusUnprocessableEntity, vErr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.runner.RetryJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.store.ListJobs(r.Context(),
		r.URL.Query().Get("client_id"),
		r.URL.Query().Get("status"),
		limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type createConnectorRequest struct {
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req createConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	switch req.Type {
	case models.ConnectorGA4, models.ConnectorShopify, models.ConnectorWooCommerce:
	default:
		writeError(w, http.StatusBadRequest, "type must be one of ga4, shopify, woocommerce")
		return
	}
	if len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "config is required")
		return
	}

	// Constructing the adapter validates required credential fields
	// before anything is persisted.
	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid config")
		return
	}
	if _, err := source.New(req.Type, configJSON, source.Options{}); err != nil {
		var cfgErr *source.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Message)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	encrypted, err := s.codec.Encrypt(string(configJSON))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt config failed")
		return
	}
	connector, err := s.store.CreateConnector(r.Context(), models.Connector{
		ClientID:        clientID,
		Type:            req.Type,
		Name:            req.Name,
		EncryptedConfig: encrypted,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, connector)
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
	Status string   `json:"status"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if !validEvents(req.Events) {
		writeError(w, http.StatusBadRequest, "unknown event name")
		return
	}

	hook, err := s.store.CreateWebhook(r.Context(), models.Webhook{
		ClientID: clientID,
		URL:      req.URL,
		Secret:   req.Secret,
		Events:   req.Events,
		Status:   models.WebhookActive,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	hooks, err := s.store.ListWebhooksByClient(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hooks == nil {
		hooks = []models.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "webhookID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	webhookID := chi.URLParam(r, "webhookID")

	hook, err := s.store.GetWebhook(r.Context(), clientID, webhookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL != "" {
		hook.URL = req.URL
	}
	if req.Secret != "" {
		hook.Secret = req.Secret
	}
	if req.Events != nil {
		if !validEvents(req.Events) {
			writeError(w, http.StatusBadRequest, "unknown event name")
			return
		}
		hook.Events = req.Events
	}
	if req.Status != "" {
		switch req.Status {
		case models.WebhookActive, models.WebhookInactive:
			hook.Status = req.Status
		default:
			writeError(w, http.StatusBadRequest, "status must be active or inactive")
			return
		}
	}

	if err := s.store.UpdateWebhook(r.Context(), hook); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := s.store.GetWebhook(r.Context(), clientID, webhookID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteWebhook(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "webhookID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.store.GetWebhook(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "webhookID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	code, body, err := s.tester.SendTest(r.Context(), hook)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       code >= 200 && code < 300,
		"status_code":   code,
		"response_body": body,
	})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	webhookID := chi.URLParam(r, "webhookID")
	if _, err := s.store.GetWebhook(r.Context(), clientID, webhookID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := s.store.ListDeliveries(r.Context(), webhookID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if deliveries == nil {
		deliveries = []models.WebhookDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func validEvents(events []string) bool {
	for _, e := range events {
		switch e {
		case models.EventJobStarted, models.EventJobCompleted, models.EventJobFailed:
		default:
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
