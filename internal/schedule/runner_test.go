package schedule

import (
	"context"
	"testing"
	"time"

	"transaction-reconciler/internal/models"
	"transaction-reconciler/internal/orchestrator"
)

type fakeScheduleStore struct {
	schedules []models.Schedule
}

func (f *fakeScheduleStore) ActiveSchedules(context.Context) ([]models.Schedule, error) {
	return f.schedules, nil
}

type fakeTrigger struct {
	clients []string
}

func (f *fakeTrigger) RunJob(_ context.Context, clientID string, _ orchestrator.RunParams) (models.Job, error) {
	f.clients = append(f.clients, clientID)
	return models.Job{ID: "job-1", ClientID: clientID}, nil
}

func TestSyncRegistersAndRemovesSchedules(t *testing.T) {
	store := &fakeScheduleStore{schedules: []models.Schedule{
		{ID: "s-1", ClientID: "client-1", CronExpr: "0 6 * * *"},
		{ID: "s-2", ClientID: "client-2", CronExpr: "*/15 * * * *"},
	}}
	r := NewRunner(store, &fakeTrigger{}, time.Minute, nil)

	if err := r.sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(r.entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(r.entries))
	}

	// Drop one schedule, change the other's expression.
	store.schedules = []models.Schedule{
		{ID: "s-2", ClientID: "client-2", CronExpr: "*/30 * * * *"},
	}
	if err := r.sync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(r.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(r.entries))
	}
	if e := r.entries["s-2"]; e.expr != "*/30 * * * *" {
		t.Errorf("entry expr = %q, want updated expression", e.expr)
	}
}

func TestSyncSkipsInvalidCronExpression(t *testing.T) {
	store := &fakeScheduleStore{schedules: []models.Schedule{
		{ID: "s-bad", ClientID: "client-1", CronExpr: "not a cron"},
		{ID: "s-ok", ClientID: "client-1", CronExpr: "0 * * * *"},
	}}
	r := NewRunner(store, &fakeTrigger{}, time.Minute, nil)

	if err := r.sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(r.entries) != 1 {
		t.Fatalf("entries = %d, want 1 (invalid expression skipped)", len(r.entries))
	}
	if _, ok := r.entries["s-bad"]; ok {
		t.Error("invalid expression must not be registered")
	}
}

func TestFirePassesScheduleConfig(t *testing.T) {
	trigger := &fakeTrigger{}
	r := NewRunner(&fakeScheduleStore{}, trigger, time.Minute, nil)

	sch := models.Schedule{
		ID:       "s-1",
		ClientID: "client-9",
		Config:   map[string]any{"days": float64(7)},
	}
	r.fire(sch)()

	if len(trigger.clients) != 1 || trigger.clients[0] != "client-9" {
		t.Errorf("trigger clients = %v", trigger.clients)
	}
}

func TestParamsFromConfig(t *testing.T) {
	params := paramsFromConfig(map[string]any{
		"days":        float64(14),
		"max_retries": float64(2),
	})
	if params.Days != 14 {
		t.Errorf("days = %d", params.Days)
	}
	if params.MaxRetries == nil || *params.MaxRetries != 2 {
		t.Errorf("max_retries = %v", params.MaxRetries)
	}
}
