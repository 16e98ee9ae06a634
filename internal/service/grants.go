package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/repository"
)

const day = 24 * time.Hour

// GrantManager issues access grants and answers which grants are active.
// Expiry is evaluated lazily against the injected clock; nothing ever
// deletes or rewrites an expired grant.
type GrantManager struct {
	deps Deps
}

// NewGrantManager constructs a GrantManager.
func NewGrantManager(deps Deps) *GrantManager {
	return &GrantManager{deps: deps.withDefaults()}
}

// Issue creates a grant for the pair valid for periodDays whole days from now.
// It fails with conflict when the pair already holds an active grant.
func (g *GrantManager) Issue(ctx context.Context, userID, secretID string, periodDays int) (*models.AccessGrant, error) {
	var grant *models.AccessGrant
	err := g.deps.Tx.RunInTx(ctx, func(st Store) error {
		var err error
		grant, err = g.issueIn(ctx, st, userID, secretID, "", periodDays)
		return err
	})
	if err != nil {
		return nil, storeErr(err, "secret not found", "active grant already exists")
	}
	return grant, nil
}

// issueIn performs the check-then-insert inside the caller's transaction.
func (g *GrantManager) issueIn(ctx context.Context, st Store, userID, secretID, requestID string, periodDays int) (*models.AccessGrant, error) {
	if periodDays < 1 {
		return nil, apperr.New(apperr.CodeBadRequest, "access period must be a positive number of days")
	}
	if err := st.LockPair(ctx, userID, secretID); err != nil {
		return nil, err
	}

	now := g.deps.Clock()
	existing, err := st.FindActiveGrant(ctx, userID, secretID, now)
	switch {
	case err == nil:
		return nil, apperr.New(apperr.CodeConflict, "active grant already exists until "+existing.ExpiresAt.Format(time.RFC3339))
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	grant := &models.AccessGrant{
		ID:        g.deps.NewID(),
		UserID:    userID,
		SecretID:  secretID,
		RequestID: requestID,
		ExpiresAt: now.Add(time.Duration(periodDays) * day),
		CreatedAt: now,
	}
	if err := st.InsertGrant(ctx, grant); err != nil {
		return nil, err
	}

	g.deps.Metrics.GrantIssued()
	g.deps.Log.Info("grant issued",
		zap.String("grant_id", grant.ID),
		zap.String("user_id", userID),
		zap.String("secret_id", secretID),
		zap.Time("expires_at", grant.ExpiresAt),
	)
	return grant, nil
}

// FindActive returns the pair's grant that is active now, or nil.
func (g *GrantManager) FindActive(ctx context.Context, userID, secretID string) (*models.AccessGrant, error) {
	grant, err := g.deps.Store.FindActiveGrant(ctx, userID, secretID, g.deps.Clock())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "", "")
	}
	return grant, nil
}

// HadAny reports whether the pair ever held a grant.
func (g *GrantManager) HadAny(ctx context.Context, userID, secretID string) (bool, error) {
	ok, err := g.deps.Store.HasAnyGrant(ctx, userID, secretID)
	if err != nil {
		return false, storeErr(err, "", "")
	}
	return ok, nil
}

// ListActiveForUser returns the user's grants active now, soonest expiry first.
func (g *GrantManager) ListActiveForUser(ctx context.Context, userID string) ([]models.AccessGrant, error) {
	grants, err := g.deps.Store.ListActiveGrants(ctx, userID, g.deps.Clock())
	if err != nil {
		return nil, storeErr(err, "", "")
	}
	return grants, nil
}
