// Package service implements the broker's core: the access request ledger,
// grant issuance, the authorization gate in front of the vault, the change
// notifier used by the admin long poll, the secret catalog and accounts.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/repository"
)

// Store defines the persistence operations the services need. Both
// repository.Queries and repository.Memory implement it.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	CreateAdmin(ctx context.Context, a *models.Admin) error
	GetAdminByUsername(ctx context.Context, username string) (*models.Admin, error)
	GetAdminByID(ctx context.Context, id string) (*models.Admin, error)

	CreateSecret(ctx context.Context, e *models.SecretEntry) error
	GetSecretByID(ctx context.Context, id string) (*models.SecretEntry, error)
	GetSecretByPath(ctx context.Context, path string) (*models.SecretEntry, error)
	ListSecrets(ctx context.Context) ([]models.SecretEntry, error)

	// LockPair serializes concurrent transactions on one (user, secret) pair.
	LockPair(ctx context.Context, userID, secretID string) error
	// LockLedgerWrite must precede stamping a request's updated_at.
	LockLedgerWrite(ctx context.Context) error
	// LockLedgerSnapshot excludes ledger writers for the rest of the transaction.
	LockLedgerSnapshot(ctx context.Context) error
	HasRequestWithStatus(ctx context.Context, userID, secretID string, status models.AccessStatus) (bool, error)
	InsertRequest(ctx context.Context, r *models.AccessRequest) error
	GetRequest(ctx context.Context, id string) (*models.AccessRequest, error)
	GetRequestForUpdate(ctx context.Context, id string) (*models.AccessRequest, error)
	UpdateRequestDecision(ctx context.Context, id string, status models.AccessStatus, message string, at time.Time) error
	ListRequests(ctx context.Context, status *models.AccessStatus) ([]models.AccessRequest, error)
	ListRequestsByUser(ctx context.Context, userID string) ([]models.AccessRequest, error)

	InsertGrant(ctx context.Context, g *models.AccessGrant) error
	FindActiveGrant(ctx context.Context, userID, secretID string, now time.Time) (*models.AccessGrant, error)
	HasAnyGrant(ctx context.Context, userID, secretID string) (bool, error)
	ListActiveGrants(ctx context.Context, userID string, now time.Time) ([]models.AccessGrant, error)
}

// Transactor runs fn inside a single store transaction. Any error returned
// by fn rolls back every write fn made.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(Store) error) error
}

type txAdapter[S Store] struct {
	run func(context.Context, func(S) error) error
}

func (a txAdapter[S]) RunInTx(ctx context.Context, fn func(Store) error) error {
	return a.run(ctx, func(s S) error { return fn(s) })
}

// NewTransactor adapts a store's typed RunInTx, such as
// (*repository.Postgres).RunInTx, to a Transactor.
func NewTransactor[S Store](run func(context.Context, func(S) error) error) Transactor {
	return txAdapter[S]{run: run}
}

// Clock returns the current time. Every expiry comparison uses one Clock.
type Clock func() time.Time

// ChangeSignal announces that the request ledger changed.
type ChangeSignal interface {
	Publish(ctx context.Context)
}

// ChangeWaiter hands out a channel that is closed on the next change.
type ChangeWaiter interface {
	Changed() <-chan struct{}
}

// Recorder receives business metrics.
type Recorder interface {
	RequestSubmitted()
	RequestDecided(status models.AccessStatus)
	GrantIssued()
	GateDecision(outcome string)
	PollReturned(hasChanges bool)
}

type nopRecorder struct{}

func (nopRecorder) RequestSubmitted() {}
func (nopRecorder) RequestDecided(models.AccessStatus) {}
func (nopRecorder) GrantIssued() {}
func (nopRecorder) GateDecision(string) {}
func (nopRecorder) PollReturned(bool) {}

type nopSignal struct{}

func (nopSignal) Publish(context.Context) {}

// Deps carries the collaborators shared by the services.
type Deps struct {
	Store   Store
	Tx      Transactor
	Clock   Clock
	NewID   func() string
	Signal  ChangeSignal
	Metrics Recorder
	Log     *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Signal == nil {
		d.Signal = nopSignal{}
	}
	if d.Metrics == nil {
		d.Metrics = nopRecorder{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return d
}

// validID reports whether id can name a stored record. Ids are UUIDs; any
// other value cannot exist.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// storeErr classifies repository sentinels. Other errors become internal.
func storeErr(err error, notFound, conflict string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.Wrap(err, apperr.CodeNotFound, notFound)
	case errors.Is(err, repository.ErrConflict):
		return apperr.Wrap(err, apperr.CodeConflict, conflict)
	}
	return apperr.Wrap(err, apperr.CodeInternal, "store failure")
}
