package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atinyakov/GophBroker/internal/models"
)

const requestColumns = `id, user_id, secret_id, request_data, period_days, reason, status, response_message, created_at, updated_at`

// LockPair serializes transactions touching the same (user, secret) pair
// until the enclosing transaction ends. Outside a transaction it is a no-op
// in effect, since the lock is released immediately.
func (q *Queries) LockPair(ctx context.Context, userID, secretID string) error {
	_, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pairKey(userID, secretID))
	if err != nil {
		return fmt.Errorf("lock pair: %w", err)
	}
	return nil
}

// ledgerLockKey is the two-key advisory lock ordering ledger writes against
// change snapshots. The two-key space never collides with LockPair.
const ledgerLockKey = `hashtext('ledger'), 0`

// LockLedgerWrite takes the ledger lock in shared mode until the enclosing
// transaction ends. Writers take it before stamping updated_at, so a
// snapshot holding the lock exclusively never overlaps an uncommitted write.
func (q *Queries) LockLedgerWrite(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock_shared(`+ledgerLockKey+`)`); err != nil {
		return fmt.Errorf("lock ledger write: %w", err)
	}
	return nil
}

// LockLedgerSnapshot takes the ledger lock exclusively until the enclosing
// transaction ends. It waits for in-flight writers to commit or roll back.
func (q *Queries) LockLedgerSnapshot(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(`+ledgerLockKey+`)`); err != nil {
		return fmt.Errorf("lock ledger snapshot: %w", err)
	}
	return nil
}

func pairKey(userID, secretID string) string {
	return "pair:" + userID + ":" + secretID
}

// HasRequestWithStatus reports whether the pair has at least one request in status.
func (q *Queries) HasRequestWithStatus(ctx context.Context, userID, secretID string, status models.AccessStatus) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM access_requests WHERE user_id = $1 AND secret_id = $2 AND status = $3
		)
	`, userID, secretID, string(status)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("request exists: %w", err)
	}
	return exists, nil
}

// InsertRequest stores a new request. A second pending request for the same
// pair violates access_requests_one_pending and yields ErrConflict.
func (q *Queries) InsertRequest(ctx context.Context, r *models.AccessRequest) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO access_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.UserID, r.SecretID, nullJSON(r.RequestData), r.PeriodDays, nullString(r.Reason),
		string(r.Status), nullString(r.ResponseMessage), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", translate(err))
	}
	return nil
}

// GetRequest fetches a request by id.
func (q *Queries) GetRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	return q.getRequest(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id)
}

// GetRequestForUpdate fetches a request by id and locks its row until the
// enclosing transaction ends.
func (q *Queries) GetRequestForUpdate(ctx context.Context, id string) (*models.AccessRequest, error) {
	return q.getRequest(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1 FOR UPDATE`, id)
}

func (q *Queries) getRequest(ctx context.Context, query, id string) (*models.AccessRequest, error) {
	r, err := scanRequest(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get request: %w", translate(err))
	}
	return r, nil
}

// UpdateRequestDecision records an admin decision.
func (q *Queries) UpdateRequestDecision(ctx context.Context, id string, status models.AccessStatus, message string, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE access_requests SET status = $2, response_message = $3, updated_at = $4 WHERE id = $1
	`, id, string(status), nullString(message), at)
	if err != nil {
		return fmt.Errorf("update request: %w", translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update request: %w", ErrNotFound)
	}
	return nil
}

// ListRequests returns requests, most recently updated first. A nil status
// returns every request.
func (q *Queries) ListRequests(ctx context.Context, status *models.AccessStatus) ([]models.AccessRequest, error) {
	filter := ""
	if status != nil {
		filter = string(*status)
	}
	return q.listRequests(ctx, `
		SELECT `+requestColumns+` FROM access_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC, id
	`, filter)
}

// ListRequestsByUser returns the requests of one user, most recently updated first.
func (q *Queries) ListRequestsByUser(ctx context.Context, userID string) ([]models.AccessRequest, error) {
	return q.listRequests(ctx, `
		SELECT `+requestColumns+` FROM access_requests
		WHERE user_id = $1
		ORDER BY updated_at DESC, id
	`, userID)
}

func (q *Queries) listRequests(ctx context.Context, query string, arg string) ([]models.AccessRequest, error) {
	rows, err := q.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []models.AccessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*models.AccessRequest, error) {
	var (
		r                models.AccessRequest
		data             []byte
		reason, response sql.NullString
		status           string
	)
	if err := s.Scan(&r.ID, &r.UserID, &r.SecretID, &data, &r.PeriodDays, &reason, &status, &response, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		r.RequestData = json.RawMessage(data)
	}
	r.Reason = reason.String
	r.Status = models.AccessStatus(status)
	r.ResponseMessage = response.String
	return &r, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
