package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/repository"
)

// VaultReader fetches secret payloads from the external vault.
type VaultReader interface {
	Read(ctx context.Context, path string) (map[string]any, error)
}

// Gate is the only code path that returns secret payloads to users.
type Gate struct {
	deps   Deps
	grants *GrantManager
	vault  VaultReader
}

// NewGate constructs a Gate.
func NewGate(deps Deps, grants *GrantManager, vault VaultReader) *Gate {
	return &Gate{deps: deps.withDefaults(), grants: grants, vault: vault}
}

// AuthorizeAndFetch returns the payload at path if userID holds an active
// grant for it. Without one it fails with forbidden, reason access_expired
// when an earlier grant lapsed and access_denied otherwise. Vault failures
// surface as upstream_failure.
func (g *Gate) AuthorizeAndFetch(ctx context.Context, userID, path string) (*models.SecretPayload, error) {
	entry, err := g.deps.Store.GetSecretByPath(ctx, path)
	if errors.Is(err, repository.ErrNotFound) {
		g.deps.Metrics.GateDecision("not_found")
		return nil, apperr.New(apperr.CodeNotFound, "secret not found")
	}
	if err != nil {
		return nil, storeErr(err, "", "")
	}

	grant, err := g.grants.FindActive(ctx, userID, entry.ID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		hadAny, err := g.grants.HadAny(ctx, userID, entry.ID)
		if err != nil {
			return nil, err
		}
		if hadAny {
			g.deps.Metrics.GateDecision(string(apperr.ReasonAccessExpired))
			return nil, apperr.Forbidden(apperr.ReasonAccessExpired, "access to this secret has expired")
		}
		g.deps.Metrics.GateDecision(string(apperr.ReasonAccessDenied))
		return nil, apperr.Forbidden(apperr.ReasonAccessDenied, "no access to this secret")
	}

	data, err := g.vault.Read(ctx, entry.Path)
	if err != nil {
		g.deps.Metrics.GateDecision("upstream_failure")
		g.deps.Log.Error("vault read failed", zap.String("path", entry.Path), zap.Error(err))
		return nil, apperr.Wrap(err, apperr.CodeUpstream, "failed to read secret from vault")
	}

	g.deps.Metrics.GateDecision("allowed")
	return &models.SecretPayload{
		Path:      entry.Path,
		Data:      data,
		GrantID:   grant.ID,
		ExpiresAt: grant.ExpiresAt,
	}, nil
}
