package service

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
)

// VaultWriter stores secret payloads in the external vault.
type VaultWriter interface {
	Write(ctx context.Context, path string, data map[string]any) error
}

// Catalog manages the catalog of secrets users may request.
type Catalog struct {
	deps  Deps
	vault VaultWriter
}

// NewCatalog constructs a Catalog.
func NewCatalog(deps Deps, vault VaultWriter) *Catalog {
	return &Catalog{deps: deps.withDefaults(), vault: vault}
}

// CreateSecret registers path in the catalog and writes data to the vault.
// The catalog entry is rolled back when the vault write fails. A commit that
// fails after the vault write leaves an orphaned payload, which is logged
// with its path for cleanup.
func (c *Catalog) CreateSecret(ctx context.Context, path string, data map[string]any) (*models.SecretEntry, error) {
	path = strings.TrimSpace(path)
	if path == "" || strings.Contains(path, "..") {
		return nil, apperr.New(apperr.CodeBadRequest, "invalid secret path")
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.CodeBadRequest, "secret payload must not be empty")
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entry := &models.SecretEntry{
		ID:        c.deps.NewID(),
		Path:      path,
		Keys:      keys,
		CreatedAt: c.deps.Clock(),
	}
	var written bool
	err := c.deps.Tx.RunInTx(ctx, func(st Store) error {
		if err := st.CreateSecret(ctx, entry); err != nil {
			return err
		}
		if err := c.vault.Write(ctx, path, data); err != nil {
			c.deps.Log.Error("vault write failed", zap.String("path", path), zap.Error(err))
			return apperr.Wrap(err, apperr.CodeUpstream, "failed to write secret to vault")
		}
		written = true
		return nil
	})
	if err != nil {
		if written {
			c.deps.Log.Error("orphaned vault payload: catalog commit failed",
				zap.String("path", path),
				zap.String("secret_id", entry.ID),
				zap.Error(err),
			)
		}
		return nil, storeErr(err, "", "secret already exists")
	}

	c.deps.Log.Info("secret created", zap.String("secret_id", entry.ID), zap.String("path", path))
	return entry, nil
}

// ListSecrets returns every catalog entry ordered by path.
func (c *Catalog) ListSecrets(ctx context.Context) ([]models.SecretEntry, error) {
	entries, err := c.deps.Store.ListSecrets(ctx)
	if err != nil {
		return nil, storeErr(err, "", "")
	}
	return entries, nil
}
