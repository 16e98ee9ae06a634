package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atinyakov/GophBroker/internal/models"
)

type memData struct {
	users    map[string]models.User
	admins   map[string]models.Admin
	secrets  map[string]models.SecretEntry
	requests map[string]models.AccessRequest
	grants   map[string]models.AccessGrant
}

func newMemData() *memData {
	return &memData{
		users:    make(map[string]models.User),
		admins:   make(map[string]models.Admin),
		secrets:  make(map[string]models.SecretEntry),
		requests: make(map[string]models.AccessRequest),
		grants:   make(map[string]models.AccessGrant),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.admins {
		c.admins[k] = v
	}
	for k, v := range d.secrets {
		c.secrets[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.grants {
		c.grants[k] = v
	}
	return c
}

// Memory is an in-process store with the same surface as Queries. It backs
// the server when no database DSN is configured and is used by service tests.
// Transactions are serialized and run against a private copy that replaces
// the shared state only on success.
type Memory struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	data    *memData
	// inTx marks the private copy handed to a transaction callback.
	inTx bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

// RunInTx executes fn against an isolated copy of the store and publishes the
// copy only when fn succeeds.
func (m *Memory) RunInTx(ctx context.Context, fn func(*Memory) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted: %w", err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	tx := &Memory{data: m.data.clone(), inTx: true}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.mu.Lock()
	m.data = tx.data
	m.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// write runs fn under the store's write lock. Writes outside a transaction
// are serialized with transactions so a commit never drops them.
func (m *Memory) write(fn func(d *memData) error) error {
	if !m.inTx {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.data)
}

func (m *Memory) read(fn func(d *memData)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.data)
}

// LockPair is a no-op: memory transactions are already serialized.
func (m *Memory) LockPair(context.Context, string, string) error { return nil }

// LockLedgerWrite is a no-op for the same reason as LockPair.
func (m *Memory) LockLedgerWrite(context.Context) error { return nil }

// LockLedgerSnapshot is a no-op for the same reason as LockPair.
func (m *Memory) LockLedgerSnapshot(context.Context) error { return nil }

func (m *Memory) CreateUser(_ context.Context, u *models.User) error {
	return m.write(func(d *memData) error {
		for _, existing := range d.users {
			if existing.Username == u.Username || (u.Email != "" && existing.Email == u.Email) {
				return fmt.Errorf("create user: %w", ErrConflict)
			}
		}
		d.users[u.ID] = *u
		return nil
	})
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	var found *models.User
	m.read(func(d *memData) {
		for _, u := range d.users {
			if u.Username == username {
				u := u
				found = &u
				return
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return found, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*models.User, error) {
	var (
		u  models.User
		ok bool
	)
	m.read(func(d *memData) { u, ok = d.users[id] })
	if !ok {
		return nil, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return &u, nil
}

func (m *Memory) CreateAdmin(_ context.Context, a *models.Admin) error {
	return m.write(func(d *memData) error {
		for _, existing := range d.admins {
			if existing.Username == a.Username {
				return fmt.Errorf("create admin: %w", ErrConflict)
			}
		}
		d.admins[a.ID] = *a
		return nil
	})
}

func (m *Memory) GetAdminByUsername(_ context.Context, username string) (*models.Admin, error) {
	var found *models.Admin
	m.read(func(d *memData) {
		for _, a := range d.admins {
			if a.Username == username {
				a := a
				found = &a
				return
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("get admin: %w", ErrNotFound)
	}
	return found, nil
}

func (m *Memory) GetAdminByID(_ context.Context, id string) (*models.Admin, error) {
	var (
		a  models.Admin
		ok bool
	)
	m.read(func(d *memData) { a, ok = d.admins[id] })
	if !ok {
		return nil, fmt.Errorf("get admin: %w", ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) CreateSecret(_ context.Context, e *models.SecretEntry) error {
	return m.write(func(d *memData) error {
		for _, existing := range d.secrets {
			if existing.Path == e.Path {
				return fmt.Errorf("create secret: %w", ErrConflict)
			}
		}
		entry := *e
		entry.Keys = append([]string(nil), e.Keys...)
		d.secrets[e.ID] = entry
		return nil
	})
}

func (m *Memory) GetSecretByID(_ context.Context, id string) (*models.SecretEntry, error) {
	var (
		e  models.SecretEntry
		ok bool
	)
	m.read(func(d *memData) { e, ok = d.secrets[id] })
	if !ok {
		return nil, fmt.Errorf("get secret: %w", ErrNotFound)
	}
	return &e, nil
}

func (m *Memory) GetSecretByPath(_ context.Context, path string) (*models.SecretEntry, error) {
	var found *models.SecretEntry
	m.read(func(d *memData) {
		for _, e := range d.secrets {
			if e.Path == path {
				e := e
				found = &e
				return
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("get secret: %w", ErrNotFound)
	}
	return found, nil
}

func (m *Memory) ListSecrets(context.Context) ([]models.SecretEntry, error) {
	var out []models.SecretEntry
	m.read(func(d *memData) {
		for _, e := range d.secrets {
			out = append(out, e)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) HasRequestWithStatus(_ context.Context, userID, secretID string, status models.AccessStatus) (bool, error) {
	var found bool
	m.read(func(d *memData) {
		for _, r := range d.requests {
			if r.UserID == userID && r.SecretID == secretID && r.Status == status {
				found = true
				return
			}
		}
	})
	return found, nil
}

func (m *Memory) InsertRequest(_ context.Context, r *models.AccessRequest) error {
	return m.write(func(d *memData) error {
		if r.Status == models.StatusPending {
			for _, existing := range d.requests {
				if existing.UserID == r.UserID && existing.SecretID == r.SecretID && existing.Status == models.StatusPending {
					return fmt.Errorf("insert request: %w", ErrConflict)
				}
			}
		}
		d.requests[r.ID] = *r
		return nil
	})
}

func (m *Memory) GetRequest(_ context.Context, id string) (*models.AccessRequest, error) {
	var (
		r  models.AccessRequest
		ok bool
	)
	m.read(func(d *memData) { r, ok = d.requests[id] })
	if !ok {
		return nil, fmt.Errorf("get request: %w", ErrNotFound)
	}
	return &r, nil
}

// GetRequestForUpdate is GetRequest; memory transactions are serialized.
func (m *Memory) GetRequestForUpdate(ctx context.Context, id string) (*models.AccessRequest, error) {
	return m.GetRequest(ctx, id)
}

func (m *Memory) UpdateRequestDecision(_ context.Context, id string, status models.AccessStatus, message string, at time.Time) error {
	return m.write(func(d *memData) error {
		r, ok := d.requests[id]
		if !ok {
			return fmt.Errorf("update request: %w", ErrNotFound)
		}
		r.Status = status
		r.ResponseMessage = message
		r.UpdatedAt = at
		d.requests[id] = r
		return nil
	})
}

func (m *Memory) ListRequests(_ context.Context, status *models.AccessStatus) ([]models.AccessRequest, error) {
	var out []models.AccessRequest
	m.read(func(d *memData) {
		for _, r := range d.requests {
			if status == nil || r.Status == *status {
				out = append(out, r)
			}
		}
	})
	sortRequests(out)
	return out, nil
}

func (m *Memory) ListRequestsByUser(_ context.Context, userID string) ([]models.AccessRequest, error) {
	var out []models.AccessRequest
	m.read(func(d *memData) {
		for _, r := range d.requests {
			if r.UserID == userID {
				out = append(out, r)
			}
		}
	})
	sortRequests(out)
	return out, nil
}

func sortRequests(rs []models.AccessRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].UpdatedAt.Equal(rs[j].UpdatedAt) {
			return rs[i].UpdatedAt.After(rs[j].UpdatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func (m *Memory) InsertGrant(_ context.Context, g *models.AccessGrant) error {
	return m.write(func(d *memData) error {
		if _, ok := d.grants[g.ID]; ok {
			return fmt.Errorf("insert grant: %w", ErrConflict)
		}
		d.grants[g.ID] = *g
		return nil
	})
}

func (m *Memory) FindActiveGrant(_ context.Context, userID, secretID string, now time.Time) (*models.AccessGrant, error) {
	var found *models.AccessGrant
	m.read(func(d *memData) {
		for _, g := range d.grants {
			if g.UserID != userID || g.SecretID != secretID || !g.ActiveAt(now) {
				continue
			}
			if found == nil || g.ExpiresAt.After(found.ExpiresAt) {
				g := g
				found = &g
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("find active grant: %w", ErrNotFound)
	}
	return found, nil
}

func (m *Memory) HasAnyGrant(_ context.Context, userID, secretID string) (bool, error) {
	var found bool
	m.read(func(d *memData) {
		for _, g := range d.grants {
			if g.UserID == userID && g.SecretID == secretID {
				found = true
				return
			}
		}
	})
	return found, nil
}

func (m *Memory) ListActiveGrants(_ context.Context, userID string, now time.Time) ([]models.AccessGrant, error) {
	var out []models.AccessGrant
	m.read(func(d *memData) {
		for _, g := range d.grants {
			if g.UserID == userID && g.ActiveAt(now) {
				out = append(out, g)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
