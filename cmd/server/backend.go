package main

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/config"
	"github.com/atinyakov/GophBroker/internal/db"
	"github.com/atinyakov/GophBroker/internal/repository"
	"github.com/atinyakov/GophBroker/internal/service"
)

// backend is the storage the services run on.
type backend struct {
	Store service.Store
	Tx    service.Transactor
	Ping  func(context.Context) error
	// DB is nil for the in-memory store.
	DB *sql.DB
}

func (b *backend) Close() error {
	if b.DB == nil {
		return nil
	}
	return b.DB.Close()
}

// openBackend connects to PostgreSQL when a DSN is configured and falls back
// to the in-memory store otherwise.
func openBackend(opts *config.Options, migrate bool, log *zap.Logger) (*backend, error) {
	if opts.DatabaseDSN == "" {
		log.Warn("no database configured, using in-memory store")
		mem := repository.NewMemory()
		return &backend{
			Store: mem,
			Tx:    service.NewTransactor(mem.RunInTx),
			Ping:  mem.Ping,
		}, nil
	}

	if migrate {
		applied, err := db.MigrateUp(opts.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if applied {
			log.Info("database migrations applied")
		}
	}

	conn, err := db.InitPostgres(opts.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	pg := repository.NewPostgres(conn)
	return &backend{
		Store: pg,
		Tx:    service.NewTransactor(pg.RunInTx),
		Ping:  pg.Ping,
		DB:    conn,
	}, nil
}

var errNoDatabase = errors.New("a database DSN is required (--database-dsn or DATABASE_DSN)")
