package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_jobs_started_total", Help: "Reconciliation jobs started"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_jobs_completed_total", Help: "Jobs that completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_jobs_failed_total", Help: "Jobs that ended in terminal failure"})
	JobRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_job_retries_total", Help: "Retry attempts across all jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_rate_limit_rejects_total", Help: "Job triggers rejected by rate limiter"})
	WebhookSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_webhook_deliveries_total", Help: "Webhook deliveries attempted"})
	WebhookFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_webhook_failures_total", Help: "Webhook deliveries that failed"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recon_jobs_inflight", Help: "Jobs currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			JobRetries,
			RateLimitRejects,
			WebhookSent,
			WebhookFailures,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
