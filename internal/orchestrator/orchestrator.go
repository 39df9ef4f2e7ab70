// Package orchestrator owns the reconciliation job state machine: it
// runs attempts, classifies failures into retry or terminal outcomes,
// and fans lifecycle events out to the notification channels.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"transaction-reconciler/internal/cache"
	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/recon"
	"transaction-reconciler/internal/secrets"
	"transaction-reconciler/internal/source"
	"transaction-reconciler/internal/telemetry"
)

const (
	defaultDays       = 30
	defaultMaxRetries = 3
	maxRetriesCeil    = 5
)

// errConnectorSetup marks a structural connector misconfiguration.
// Unlike adapter ConfigurationErrors it produces no failure
// notifications: there is nothing configured worth notifying about.
var errConnectorSetup = errors.New("connector setup invalid")

// JobStore is the job persistence surface the orchestrator commits to.
// Each method is an independent durable write; a crash between calls
// leaves the last committed state intact.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobRunning(ctx context.Context, id string, retryCount int) error
	MarkJobRetrying(ctx context.Context, id string, retryCount int, logs string) error
	MarkJobCompleted(ctx context.Context, id string, summary recon.Summary) error
	MarkJobFailed(ctx context.Context, id string, retryCount int, logs string) error
}

// ConnectorStore resolves a client's source connectors.
type ConnectorStore interface {
	ConnectorsByClient(ctx context.Context, clientID string) ([]models.Connector, error)
}

// Notifier is one best-effort event channel. Implementations must not
// return errors to the state machine; delivery problems are theirs.
type Notifier interface {
	Notify(ctx context.Context, event string, job models.Job)
}

// Archiver persists a completed job's summary outside the database.
type Archiver interface {
	Store(ctx context.Context, job models.Job, summary recon.Summary) error
}

// Options tunes adapter construction and retry pacing.
type Options struct {
	AdapterTimeout time.Duration
	CacheTTL       time.Duration
	MaxPages       int
	DefaultDays    int
	MaxRetries     int
	Logger         *zap.Logger

	// Sleep is the inter-retry delay. Overridable in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// NewAdapter builds a source adapter from a decrypted connector
	// config. Defaults to source.New; overridable in tests.
	NewAdapter func(connType string, configJSON []byte, opts source.Options) (source.Adapter, error)
}

// Orchestrator executes reconciliation jobs.
type Orchestrator struct {
	jobs       JobStore
	connectors ConnectorStore
	codec      *secrets.Codec
	cache      cache.Cache
	notifiers  []Notifier
	archiver   Archiver
	httpClient *http.Client
	opts       Options
	log        *zap.Logger
}

func New(jobs JobStore, connectors ConnectorStore, codec *secrets.Codec, c cache.Cache, notifiers []Notifier, archiver Archiver, opts Options) *Orchestrator {
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = defaultDays
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.NewAdapter == nil {
		opts.NewAdapter = source.New
	}
	return &Orchestrator{
		jobs:       jobs,
		connectors: connectors,
		codec:      codec,
		cache:      c,
		notifiers:  notifiers,
		archiver:   archiver,
		httpClient: &http.Client{Timeout: opts.AdapterTimeout},
		opts:       opts,
		log:        opts.Logger,
	}
}

// RunParams are the caller-supplied knobs for one reconciliation run.
type RunParams struct {
	Days       int
	StartDate  *string
	EndDate    *string
	MaxRetries *int
	Config     map[string]any
}

// RunJob creates a job row in running state and starts attempt 1 in
// the background. The returned Job reflects the committed row. A bad
// date window is rejected here, before any row is written.
func (o *Orchestrator) RunJob(ctx context.Context, clientID string, params RunParams) (models.Job, error) {
	days := params.Days
	if days <= 0 {
		days = o.opts.DefaultDays
	}
	if _, err := source.ResolveDateRange(days, params.StartDate, params.EndDate); err != nil {
		return models.Job{}, err
	}
	maxRetries := o.opts.MaxRetries
	if params.MaxRetries != nil {
		maxRetries = *params.MaxRetries
		if maxRetries < 0 {
			maxRetries = 0
		}
		if maxRetries > maxRetriesCeil {
			maxRetries = maxRetriesCeil
		}
	}

	job, err := o.jobs.CreateJob(ctx, models.Job{
		ClientID:   clientID,
		Status:     models.JobRunning,
		Days:       days,
		StartDate:  params.StartDate,
		EndDate:    params.EndDate,
		Config:     params.Config,
		MaxRetries: maxRetries,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	go o.run(context.WithoutCancel(ctx), job)
	return job, nil
}

// RetryJob resumes a failed job at the next attempt. It rejects jobs
// that are not in failed state or that have exhausted their retries.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID string) (models.Job, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.JobFailed {
		return models.Job{}, fmt.Errorf("job %s is %s, only failed jobs can be retried", job.ID, job.Status)
	}
	if job.RetryCount >= job.MaxRetries {
		return models.Job{}, fmt.Errorf("job %s exhausted its %d retries", job.ID, job.MaxRetries)
	}

	job.Status = models.JobRunning
	job.CompletedAt = nil
	if err := o.jobs.MarkJobRunning(ctx, job.ID, job.RetryCount); err != nil {
		return models.Job{}, fmt.Errorf("mark job running: %w", err)
	}

	go o.run(context.WithoutCancel(ctx), job)
	return job, nil
}

// run drives the attempt loop to a terminal state. Retry is a loop,
// not recursion, so attempt bookkeeping stays in loop locals and each
// transition is its own committed write.
func (o *Orchestrator) run(ctx context.Context, job models.Job) {
	telemetry.JobsStarted.Inc()
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	log := o.log.With(zap.String("job_id", job.ID), zap.String("client_id", job.ClientID))

	if job.RetryCount == 0 {
		o.notify(ctx, models.EventJobStarted, job)
	}

	for {
		summary, err := o.attempt(ctx, &job)
		if err == nil {
			o.complete(ctx, &job, summary, log)
			return
		}

		if errors.Is(err, errConnectorSetup) {
			log.Error("connector setup invalid", zap.Error(err))
			o.failSilently(ctx, &job, err)
			return
		}

		switch class := source.Classify(err); class {
		case source.ClassConfiguration, source.ClassValidation:
			log.Error("non-retryable failure", zap.Error(err))
			o.fail(ctx, &job, err)
			return
		case source.ClassAPI:
			var apiErr *source.APIError
			errors.As(err, &apiErr)
			if !apiErr.Retryable() {
				job.RetryCount++
				log.Error("non-retryable upstream status",
					zap.Int("status_code", apiErr.StatusCode), zap.Error(err))
				o.fail(ctx, &job, err)
				return
			}
		default:
			log.Error("unexpected failure", zap.Error(err))
		}

		// RetryCount doubles as the attempt counter: the pass that just
		// failed is attempt RetryCount+1, and a job gets MaxRetries
		// attempts in total.
		job.RetryCount++
		if job.RetryCount >= job.MaxRetries {
			log.Error("retries exhausted", zap.Int("retry_count", job.RetryCount), zap.Error(err))
			o.fail(ctx, &job, err)
			return
		}

		backoff := time.Duration(1<<job.RetryCount) * time.Second
		line := fmt.Sprintf("attempt %d failed: %v; retrying in %s", job.RetryCount, err, backoff)
		if werr := o.jobs.MarkJobRetrying(ctx, job.ID, job.RetryCount, line); werr != nil {
			log.Error("mark job retrying", zap.Error(werr))
		}
		job.Status = models.JobRetrying
		job.Logs = &line
		telemetry.JobRetries.Inc()
		log.Warn("retrying job",
			zap.Int("retry_count", job.RetryCount),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if serr := o.opts.Sleep(ctx, backoff); serr != nil {
			log.Error("backoff interrupted", zap.Error(serr))
			o.fail(ctx, &job, err)
			return
		}
		if werr := o.jobs.MarkJobRunning(ctx, job.ID, job.RetryCount); werr != nil {
			log.Error("mark job running", zap.Error(werr))
		}
		job.Status = models.JobRunning
	}
}

// attempt executes one fetch-and-reconcile pass.
func (o *Orchestrator) attempt(ctx context.Context, job *models.Job) (recon.Summary, error) {
	connectors, err := o.connectors.ConnectorsByClient(ctx, job.ClientID)
	if err != nil {
		return recon.Summary{}, fmt.Errorf("list connectors: %w", err)
	}
	analytics, backend, err := pickConnectors(connectors)
	if err != nil {
		return recon.Summary{}, err
	}

	dr, err := source.ResolveDateRange(job.Days, job.StartDate, job.EndDate)
	if err != nil {
		return recon.Summary{}, err
	}

	backendAdapter, err := o.buildAdapter(backend)
	if err != nil {
		return recon.Summary{}, err
	}
	analyticsAdapter, err := o.buildAdapter(analytics)
	if err != nil {
		return recon.Summary{}, err
	}

	backendRecords, err := backendAdapter.Fetch(ctx, dr)
	if err != nil {
		return recon.Summary{}, err
	}
	analyticsRecords, err := analyticsAdapter.Fetch(ctx, dr)
	if err != nil {
		return recon.Summary{}, err
	}

	summary := recon.Reconcile(backendRecords, analyticsRecords)
	summary.DaysAnalyzed = dr.Days()
	start := dr.Start.Format("2006-01-02")
	end := dr.End.Format("2006-01-02")
	summary.DateRange = recon.DateRange{StartDate: &start, EndDate: &end}
	summary.RetryAttempt = job.RetryCount
	return summary, nil
}

// pickConnectors enforces the exactly-one-of-each rule: one ga4
// connector and one backend connector (shopify or woocommerce).
func pickConnectors(connectors []models.Connector) (analytics, backend models.Connector, err error) {
	var ga4s, backends []models.Connector
	for _, c := range connectors {
		switch c.Type {
		case models.ConnectorGA4:
			ga4s = append(ga4s, c)
		case models.ConnectorShopify, models.ConnectorWooCommerce:
			backends = append(backends, c)
		}
	}
	if len(ga4s) != 1 {
		return analytics, backend, fmt.Errorf("%w: need exactly one ga4 connector, found %d", errConnectorSetup, len(ga4s))
	}
	if len(backends) != 1 {
		return analytics, backend, fmt.Errorf("%w: need exactly one backend connector, found %d", errConnectorSetup, len(backends))
	}
	return ga4s[0], backends[0], nil
}

func (o *Orchestrator) buildAdapter(conn models.Connector) (source.Adapter, error) {
	plaintext, err := o.codec.Decrypt(conn.EncryptedConfig)
	if err != nil {
		return nil, &source.ConfigurationError{
			Source:  conn.Type,
			Message: fmt.Sprintf("decrypt connector config: %v", err),
		}
	}
	return o.opts.NewAdapter(conn.Type, []byte(plaintext), source.Options{
		HTTPClient: o.httpClient,
		Cache:      o.cache,
		CacheTTL:   o.opts.CacheTTL,
		MaxPages:   o.opts.MaxPages,
		Logger:     o.log,
	})
}

func (o *Orchestrator) complete(ctx context.Context, job *models.Job, summary recon.Summary, log *zap.Logger) {
	if err := o.jobs.MarkJobCompleted(ctx, job.ID, summary); err != nil {
		log.Error("mark job completed", zap.Error(err))
	}
	now := time.Now().UTC()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.ResultSummary = summaryMap(summary)
	telemetry.JobsCompleted.Inc()
	log.Info("job completed",
		zap.Float64("match_rate", summary.MatchRate),
		zap.Int("missing_count", summary.MissingCount),
		zap.Int("retry_count", job.RetryCount))

	if o.archiver != nil {
		if err := o.archiver.Store(ctx, *job, summary); err != nil {
			log.Warn("archive summary failed", zap.Error(err))
		}
	}
	o.notify(ctx, models.EventJobCompleted, *job)
}

func (o *Orchestrator) fail(ctx context.Context, job *models.Job, cause error) {
	o.failSilently(ctx, job, cause)
	o.notify(ctx, models.EventJobFailed, *job)
}

func (o *Orchestrator) failSilently(ctx context.Context, job *models.Job, cause error) {
	line := cause.Error()
	if err := o.jobs.MarkJobFailed(ctx, job.ID, job.RetryCount, line); err != nil {
		o.log.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	now := time.Now().UTC()
	job.Status = models.JobFailed
	job.CompletedAt = &now
	job.Logs = &line
	telemetry.JobsFailed.Inc()
}

func (o *Orchestrator) notify(ctx context.Context, event string, job models.Job) {
	for _, n := range o.notifiers {
		n.Notify(ctx, event, job)
	}
}

func summaryMap(summary recon.Summary) map[string]any {
	raw, err := json.Marshal(summary)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
