package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atinyakov/GophBroker/internal/models"
)

// CreateSecret inserts a catalog entry. A duplicate path yields ErrConflict.
func (q *Queries) CreateSecret(ctx context.Context, e *models.SecretEntry) error {
	keys, err := json.Marshal(orEmpty(e.Keys))
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO secrets (id, path, keys, created_at) VALUES ($1, $2, $3, $4)
	`, e.ID, e.Path, keys, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create secret: %w", translate(err))
	}
	return nil
}

// GetSecretByID fetches a catalog entry by id.
func (q *Queries) GetSecretByID(ctx context.Context, id string) (*models.SecretEntry, error) {
	return q.getSecret(ctx, `SELECT id, path, keys, created_at FROM secrets WHERE id = $1`, id)
}

// GetSecretByPath fetches a catalog entry by its vault path.
func (q *Queries) GetSecretByPath(ctx context.Context, path string) (*models.SecretEntry, error) {
	return q.getSecret(ctx, `SELECT id, path, keys, created_at FROM secrets WHERE path = $1`, path)
}

func (q *Queries) getSecret(ctx context.Context, query, arg string) (*models.SecretEntry, error) {
	var (
		e    models.SecretEntry
		keys []byte
	)
	if err := q.db.QueryRowContext(ctx, query, arg).Scan(&e.ID, &e.Path, &keys, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("get secret: %w", translate(err))
	}
	if err := json.Unmarshal(keys, &e.Keys); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	return &e, nil
}

// ListSecrets returns the whole catalog ordered by path.
func (q *Queries) ListSecrets(ctx context.Context) ([]models.SecretEntry, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, path, keys, created_at FROM secrets ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("ListSecrets: %w", err)
	}
	defer rows.Close()

	var entries []models.SecretEntry
	for rows.Next() {
		var (
			e    models.SecretEntry
			keys []byte
		)
		if err := rows.Scan(&e.ID, &e.Path, &keys, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal(keys, &e.Keys); err != nil {
			return nil, fmt.Errorf("decode keys: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
