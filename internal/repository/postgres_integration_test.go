//go:build integration

package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atinyakov/GophBroker/internal/db"
	"github.com/atinyakov/GophBroker/internal/models"
)

type PostgresSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	store     *Postgres
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("broker_test"),
		tcpostgres.WithUsername("broker"),
		tcpostgres.WithPassword("broker"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	_, err = db.MigrateUp(dsn)
	s.Require().NoError(err)

	conn, err := db.InitPostgres(dsn)
	s.Require().NoError(err)
	s.store = NewPostgres(conn)
}

func (s *PostgresSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.DB.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresSuite) seedPair(ctx context.Context) (userID, secretID string) {
	now := time.Now().UTC()
	userID, secretID = uuid.NewString(), uuid.NewString()
	s.Require().NoError(s.store.CreateUser(ctx, &models.User{
		ID: userID, Username: "user-" + userID[:8], Firstname: "Galina", Lastname: "Ivanova",
		PasswordHash: []byte("x"), CreatedAt: now, UpdatedAt: now,
	}))
	s.Require().NoError(s.store.CreateSecret(ctx, &models.SecretEntry{
		ID: secretID, Path: "db-" + secretID[:8], Keys: []string{"password"}, CreatedAt: now,
	}))
	return userID, secretID
}

func (s *PostgresSuite) TestConcurrentSubmitsYieldOnePending() {
	ctx := context.Background()
	userID, secretID := s.seedPair(ctx)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, clash int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			err := s.store.InsertRequest(ctx, &models.AccessRequest{
				ID: uuid.NewString(), UserID: userID, SecretID: secretID, PeriodDays: 1,
				Status: models.StatusPending, CreatedAt: now, UpdatedAt: now,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				clash++
			default:
				s.Failf("unexpected error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(1, ok)
	s.Equal(attempts-1, clash)
}

func (s *PostgresSuite) TestLockPairSerializesCheckThenInsert() {
	ctx := context.Background()
	userID, secretID := s.seedPair(ctx)
	now := time.Now().UTC()

	const attempts = 6
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.RunInTx(ctx, func(q *Queries) error {
				if err := q.LockPair(ctx, userID, secretID); err != nil {
					return err
				}
				if _, err := q.FindActiveGrant(ctx, userID, secretID, now); err == nil {
					return ErrConflict
				} else if !errors.Is(err, ErrNotFound) {
					return err
				}
				return q.InsertGrant(ctx, &models.AccessGrant{
					ID: uuid.NewString(), UserID: userID, SecretID: secretID,
					ExpiresAt: now.Add(time.Hour), CreatedAt: now,
				})
			})
			if err == nil {
				mu.Lock()
				issued++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				s.Failf("unexpected error", "%v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(1, issued)
	active, err := s.store.ListActiveGrants(ctx, userID, now)
	s.Require().NoError(err)
	s.Len(active, 1, fmt.Sprintf("grants for %s", userID))
}
