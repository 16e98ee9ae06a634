package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/middleware"
	"github.com/atinyakov/GophBroker/internal/models"
)

// Gate authorizes secret reads.
type Gate interface {
	AuthorizeAndFetch(ctx context.Context, userID, path string) (*models.SecretPayload, error)
}

// Catalog manages catalog entries.
type Catalog interface {
	CreateSecret(ctx context.Context, path string, data map[string]any) (*models.SecretEntry, error)
	ListSecrets(ctx context.Context) ([]models.SecretEntry, error)
}

// SecretsHandler serves secret reads and catalog management.
type SecretsHandler struct {
	Gate    Gate
	Catalog Catalog
	// Now computes the remaining validity shown with a payload.
	Now func() time.Time
}

// GetSecret handles GET /secrets/secret/{path}.
func (h *SecretsHandler) GetSecret(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		WriteError(w, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
		return
	}

	payload, err := h.Gate.AuthorizeAndFetch(r.Context(), p.ID, secretPath(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSecretPayloadView(*payload, h.now()))
}

// PutSecret handles PUT /secrets/secret/{path}. The body is the payload to
// store in the vault.
func (h *SecretsHandler) PutSecret(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		badRequest(w, "invalid body")
		return
	}

	entry, err := h.Catalog.CreateSecret(r.Context(), secretPath(r), data)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewSecretEntryView(*entry))
}

// ListSecrets handles GET /users/secrets.
func (h *SecretsHandler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Catalog.ListSecrets(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	views := make([]models.SecretEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, models.NewSecretEntryView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *SecretsHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// secretPath returns the {path} route parameter. Nested paths arrive with
// their slashes escaped as a single segment.
func secretPath(r *http.Request) string {
	raw := chi.URLParam(r, "path")
	if p, err := url.PathUnescape(raw); err == nil {
		return p
	}
	return raw
}
