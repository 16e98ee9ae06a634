package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/GophBroker/internal/config"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingSignal struct {
	mu sync.Mutex
	n  int
}

func (s *countingSignal) Publish(context.Context) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *countingSignal) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type fakeVault struct {
	mu       sync.Mutex
	data     map[string]map[string]any
	readErr  error
	writeErr error
}

func newFakeVault() *fakeVault {
	return &fakeVault{data: make(map[string]map[string]any)}
}

func (v *fakeVault) Read(_ context.Context, path string) (map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.readErr != nil {
		return nil, v.readErr
	}
	d, ok := v.data[path]
	if !ok {
		return nil, fmt.Errorf("no secret at %s", path)
	}
	return d, nil
}

func (v *fakeVault) Write(_ context.Context, path string, data map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writeErr != nil {
		return v.writeErr
	}
	v.data[path] = data
	return nil
}

// env wires every service over one in-memory store and a fake clock.
type env struct {
	mem     *repository.Memory
	clock   *fakeClock
	signal  *countingSignal
	vault   *fakeVault
	deps    Deps
	grants  *GrantManager
	ledger  *Ledger
	gate    *Gate
	catalog *Catalog
}

func newEnv(t *testing.T, policy config.ResubmitPolicy) *env {
	t.Helper()
	mem := repository.NewMemory()
	e := &env{
		mem:    mem,
		clock:  newFakeClock(),
		signal: &countingSignal{},
		vault:  newFakeVault(),
	}
	e.deps = Deps{
		Store:  mem,
		Tx:     NewTransactor(mem.RunInTx),
		Clock:  e.clock.Now,
		Signal: e.signal,
	}
	e.grants = NewGrantManager(e.deps)
	e.ledger = NewLedger(e.deps, e.grants, LedgerConfig{MaxPeriodDays: 365, ResubmitPolicy: policy})
	e.gate = NewGate(e.deps, e.grants, e.vault)
	e.catalog = NewCatalog(e.deps, e.vault)
	return e
}

func (e *env) seedUser(t *testing.T, username string) *models.User {
	t.Helper()
	now := e.clock.Now()
	u := &models.User{ID: uuid.NewString(), Username: username, Firstname: "F", Lastname: "L", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, e.mem.CreateUser(context.Background(), u))
	return u
}

func (e *env) seedSecret(t *testing.T, path string) *models.SecretEntry {
	t.Helper()
	entry, err := e.catalog.CreateSecret(context.Background(), path, map[string]any{"password": "s3cr3t"})
	require.NoError(t, err)
	return entry
}

func (e *env) submit(t *testing.T, userID, secretID string, days int) *models.AccessRequest {
	t.Helper()
	r, err := e.ledger.Submit(context.Background(), SubmitInput{UserID: userID, SecretID: secretID, PeriodDays: days})
	require.NoError(t, err)
	return r
}

// failingStore fails grant inserts to exercise rollback of a decision.
type failingStore struct {
	*repository.Memory
}

var errInsertGrant = errors.New("disk full")

func (failingStore) InsertGrant(context.Context, *models.AccessGrant) error {
	return errInsertGrant
}

func failingTransactor(mem *repository.Memory) Transactor {
	return NewTransactor(func(ctx context.Context, fn func(failingStore) error) error {
		return mem.RunInTx(ctx, func(tx *repository.Memory) error {
			return fn(failingStore{Memory: tx})
		})
	})
}
