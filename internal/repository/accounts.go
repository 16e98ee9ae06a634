package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atinyakov/GophBroker/internal/models"
)

const userColumns = `id, username, firstname, lastname, email, position, password_hash, disabled, created_at, updated_at`

// CreateUser inserts u. A duplicate username or email yields ErrConflict.
func (q *Queries) CreateUser(ctx context.Context, u *models.User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, u.ID, u.Username, u.Firstname, u.Lastname, nullString(u.Email), nullString(u.Position),
		u.PasswordHash, u.Disabled, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", translate(err))
	}
	return nil
}

// GetUserByUsername fetches a user by login name.
func (q *Queries) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return q.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// GetUserByID fetches a user by id.
func (q *Queries) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return q.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (q *Queries) getUser(ctx context.Context, query string, arg string) (*models.User, error) {
	var (
		u               models.User
		email, position sql.NullString
	)
	err := q.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.Firstname, &u.Lastname, &email, &position,
		&u.PasswordHash, &u.Disabled, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", translate(err))
	}
	u.Email = email.String
	u.Position = position.String
	return &u, nil
}

// CreateAdmin inserts a. A duplicate username yields ErrConflict.
func (q *Queries) CreateAdmin(ctx context.Context, a *models.Admin) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO admins (id, username, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.Username, a.PasswordHash, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create admin: %w", translate(err))
	}
	return nil
}

// GetAdminByUsername fetches an admin by login name.
func (q *Queries) GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error) {
	return q.getAdmin(ctx, `SELECT id, username, password_hash, created_at, updated_at FROM admins WHERE username = $1`, username)
}

// GetAdminByID fetches an admin by id.
func (q *Queries) GetAdminByID(ctx context.Context, id string) (*models.Admin, error) {
	return q.getAdmin(ctx, `SELECT id, username, password_hash, created_at, updated_at FROM admins WHERE id = $1`, id)
}

func (q *Queries) getAdmin(ctx context.Context, query string, arg string) (*models.Admin, error) {
	var a models.Admin
	err := q.db.QueryRowContext(ctx, query, arg).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", translate(err))
	}
	return &a, nil
}
