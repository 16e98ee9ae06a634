// Package db opens the PostgreSQL connection, manages the schema and runs
// background statistics over the ledger tables.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// InitPostgres opens a connection pool for dsn and verifies it is reachable.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}
