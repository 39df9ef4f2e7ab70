package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"transaction-reconciler/internal/models"
)

// CreateConnector inserts a connector with an already-encrypted config.
func (s *Store) CreateConnector(ctx context.Context, c models.Connector) (models.Connector, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connectors (id, client_id, type, name, encrypted_config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.ClientID, c.Type, c.Name, c.EncryptedConfig, c.CreatedAt)
	if err != nil {
		return models.Connector{}, fmt.Errorf("insert connector: %w", err)
	}
	return c, nil
}

// ConnectorsByClient returns all connectors configured for a client.
func (s *Store) ConnectorsByClient(ctx context.Context, clientID string) ([]models.Connector, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, type, name, encrypted_config, created_at
		FROM connectors WHERE client_id = $1 ORDER BY created_at
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query connectors: %w", err)
	}
	defer rows.Close()

	var out []models.Connector
	for rows.Next() {
		var c models.Connector
		if err := rows.Scan(&c.ID, &c.ClientID, &c.Type, &c.Name, &c.EncryptedConfig, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetClient fetches a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (models.Client, error) {
	var c models.Client
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, created_at FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, fmt.Errorf("client: %w", ErrNotFound)
	}
	if err != nil {
		return models.Client{}, fmt.Errorf("scan client: %w", err)
	}
	return c, nil
}

// ActiveUsersForClient returns notification recipients for a client.
func (s *Store) ActiveUsersForClient(ctx context.Context, clientID string) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, email, name, status
		FROM users WHERE client_id = $1 AND status = 'active'
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.ClientID, &u.Email, &u.Name, &u.Status); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
