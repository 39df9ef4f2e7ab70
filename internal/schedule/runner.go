// Package schedule registers periodic reconciliation triggers from the
// schedules table into an in-process cron runner.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/orchestrator"
)

// Trigger starts reconciliation runs. Satisfied by the orchestrator.
type Trigger interface {
	RunJob(ctx context.Context, clientID string, params orchestrator.RunParams) (models.Job, error)
}

// Store lists the schedules to register.
type Store interface {
	ActiveSchedules(ctx context.Context) ([]models.Schedule, error)
}

type entry struct {
	expr string
	id   cron.EntryID
}

// Runner keeps the cron table in sync with the database and fires the
// orchestrator on each tick.
type Runner struct {
	store   Store
	trigger Trigger
	cron    *cron.Cron
	reload  time.Duration
	log     *zap.Logger

	entries map[string]entry
}

func NewRunner(store Store, trigger Trigger, reload time.Duration, log *zap.Logger) *Runner {
	if reload <= 0 {
		reload = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		store:   store,
		trigger: trigger,
		cron:    cron.New(),
		reload:  reload,
		log:     log,
		entries: map[string]entry{},
	}
}

// Run loads schedules, starts cron, and reloads periodically until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.sync(ctx); err != nil {
		return err
	}
	r.cron.Start()
	defer r.cron.Stop()

	ticker := time.NewTicker(r.reload)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sync(ctx); err != nil {
				r.log.Warn("reload schedules failed", zap.Error(err))
			}
		}
	}
}

// sync reconciles the cron table against the database: removed or
// edited schedules are dropped, new ones registered.
func (r *Runner) sync(ctx context.Context) error {
	schedules, err := r.store.ActiveSchedules(ctx)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, sch := range schedules {
		seen[sch.ID] = true
		if existing, ok := r.entries[sch.ID]; ok {
			if existing.expr == sch.CronExpr {
				continue
			}
			r.cron.Remove(existing.id)
			delete(r.entries, sch.ID)
		}
		id, err := r.cron.AddFunc(sch.CronExpr, r.fire(sch))
		if err != nil {
			r.log.Warn("invalid cron expression",
				zap.String("schedule_id", sch.ID),
				zap.String("cron_expr", sch.CronExpr),
				zap.Error(err))
			continue
		}
		r.entries[sch.ID] = entry{expr: sch.CronExpr, id: id}
		r.log.Info("schedule registered",
			zap.String("schedule_id", sch.ID),
			zap.String("client_id", sch.ClientID),
			zap.String("cron_expr", sch.CronExpr))
	}

	for id, e := range r.entries {
		if !seen[id] {
			r.cron.Remove(e.id)
			delete(r.entries, id)
			r.log.Info("schedule removed", zap.String("schedule_id", id))
		}
	}
	return nil
}

func (r *Runner) fire(sch models.Schedule) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		job, err := r.trigger.RunJob(ctx, sch.ClientID, paramsFromConfig(sch.Config))
		if err != nil {
			r.log.Error("scheduled run failed to start",
				zap.String("schedule_id", sch.ID),
				zap.String("client_id", sch.ClientID),
				zap.Error(err))
			return
		}
		r.log.Info("scheduled run started",
			zap.String("schedule_id", sch.ID),
			zap.String("job_id", job.ID))
	}
}

func paramsFromConfig(config map[string]any) orchestrator.RunParams {
	params := orchestrator.RunParams{Config: config}
	if v, ok := config["days"].(float64); ok {
		params.Days = int(v)
	}
	if v, ok := config["max_retries"].(float64); ok {
		n := int(v)
		params.MaxRetries = &n
	}
	return params
}
