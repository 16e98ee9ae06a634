package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atinyakov/GophBroker/internal/models"
)

const grantColumns = `id, user_id, secret_id, request_id, expires_at, created_at`

// InsertGrant stores a grant.
func (q *Queries) InsertGrant(ctx context.Context, g *models.AccessGrant) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO access_grants (`+grantColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.UserID, g.SecretID, nullString(g.RequestID), g.ExpiresAt, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert grant: %w", translate(err))
	}
	return nil
}

// FindActiveGrant returns the latest-expiring grant of the pair that is still
// active at now, or ErrNotFound.
func (q *Queries) FindActiveGrant(ctx context.Context, userID, secretID string, now time.Time) (*models.AccessGrant, error) {
	g, err := scanGrant(q.db.QueryRowContext(ctx, `
		SELECT `+grantColumns+` FROM access_grants
		WHERE user_id = $1 AND secret_id = $2 AND expires_at > $3
		ORDER BY expires_at DESC
		LIMIT 1
	`, userID, secretID, now))
	if err != nil {
		return nil, fmt.Errorf("find active grant: %w", translate(err))
	}
	return g, nil
}

// HasAnyGrant reports whether the pair ever held a grant, expired or not.
func (q *Queries) HasAnyGrant(ctx context.Context, userID, secretID string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM access_grants WHERE user_id = $1 AND secret_id = $2)
	`, userID, secretID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("grant exists: %w", err)
	}
	return exists, nil
}

// ListActiveGrants returns the user's grants active at now, soonest expiry first.
func (q *Queries) ListActiveGrants(ctx context.Context, userID string, now time.Time) ([]models.AccessGrant, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+grantColumns+` FROM access_grants
		WHERE user_id = $1 AND expires_at > $2
		ORDER BY expires_at, id
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list active grants: %w", err)
	}
	defer rows.Close()

	var out []models.AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGrant(s scanner) (*models.AccessGrant, error) {
	var (
		g         models.AccessGrant
		requestID sql.NullString
	)
	if err := s.Scan(&g.ID, &g.UserID, &g.SecretID, &requestID, &g.ExpiresAt, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.RequestID = requestID.String
	return &g, nil
}
