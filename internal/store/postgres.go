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
	"github.com/jackc/pgx/v5/pgxpool"

	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/recon"
)

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. Every method is a
// single atomic statement; the orchestrator relies on that for its
// per-attempt commit semantics.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row and returns it with identity and
// timestamps assigned.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.StartedAt = now
	job.CreatedAt = now

	var configJSON []byte
	if job.Config != nil {
		var err error
		configJSON, err = json.Marshal(job.Config)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal job config: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, client_id, status, days, start_date, end_date, config, retry_count, max_retries, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
	`, job.ID, job.ClientID, job.Status, job.Days, job.StartDate, job.EndDate, configJSON, job.MaxRetries, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, status, days, start_date, end_date, config, retry_count, max_retries, result_summary, logs, started_at, completed_at, created_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// ListJobs returns recent jobs, optionally filtered by client and status.
func (s *Store) ListJobs(ctx context.Context, clientID, status string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, status, days, start_date, end_date, config, retry_count, max_retries, result_summary, logs, started_at, completed_at, created_at
		FROM jobs
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, clientID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobRunning transitions a job back to running for an attempt.
func (s *Store) MarkJobRunning(ctx context.Context, id string, retryCount int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3 WHERE id = $1
	`, id, models.JobRunning, retryCount)
	return err
}

// MarkJobRetrying records a failed attempt that will be retried.
func (s *Store) MarkJobRetrying(ctx context.Context, id string, retryCount int, logs string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, logs = $4 WHERE id = $1
	`, id, models.JobRetrying, retryCount, logs)
	return err
}

// MarkJobCompleted writes the terminal success state with its summary.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, summary recon.Summary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result_summary = $3, completed_at = NOW() WHERE id = $1
	`, id, models.JobCompleted, summaryJSON)
	return err
}

// MarkJobFailed writes the terminal failure state with its cause.
func (s *Store) MarkJobFailed(ctx context.Context, id string, retryCount int, logs string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, logs = $4, completed_at = NOW() WHERE id = $1
	`, id, models.JobFailed, retryCount, logs)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var startDate, endDate, logs pgtype.Text
	var configJSON, summaryJSON []byte
	var completedAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.ClientID, &job.Status, &job.Days, &startDate, &endDate,
		&configJSON, &job.RetryCount, &job.MaxRetries, &summaryJSON, &logs,
		&job.StartedAt, &completedAt, &job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job: %w", ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.StartDate = textPtr(startDate)
	job.EndDate = textPtr(endDate)
	job.Logs = textPtr(logs)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &job.ResultSummary); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result summary: %w", err)
		}
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
