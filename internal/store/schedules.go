package store

import (
	"context"
	"encoding/json"
	"fmt"

	"transaction-reconciler/internal/models"
)

// ActiveSchedules returns every schedule eligible for cron registration.
func (s *Store) ActiveSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, cron_expr, config, is_active, created_at
		FROM schedules WHERE is_active = TRUE ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		var sch models.Schedule
		var configJSON []byte
		if err := rows.Scan(&sch.ID, &sch.ClientID, &sch.CronExpr, &configJSON, &sch.IsActive, &sch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &sch.Config); err != nil {
				return nil, fmt.Errorf("unmarshal schedule config: %w", err)
			}
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}
