package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Persist, load and project every entity; the view must carry exactly what was stored.
func TestRoundTripProjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	req := &models.AccessRequest{
		ID: "r1", UserID: "u1", SecretID: "s1",
		RequestData: json.RawMessage(`{"ticket":"OPS-7"}`),
		PeriodDays:  7, Reason: "on-call", Status: models.StatusPending,
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, m.InsertRequest(ctx, req))
	require.NoError(t, m.UpdateRequestDecision(ctx, "r1", models.StatusApproved, "ok", t0.Add(time.Hour)))

	loaded, err := m.GetRequest(ctx, "r1")
	require.NoError(t, err)
	view := models.NewAccessRequestView(*loaded)
	assert.Equal(t, req.ID, view.ID)
	assert.Equal(t, req.UserID, view.UserID)
	assert.Equal(t, req.SecretID, view.SecretID)
	assert.JSONEq(t, string(req.RequestData), string(view.RequestData))
	assert.Equal(t, req.PeriodDays, view.AccessPeriod)
	assert.Equal(t, req.Reason, view.AccessReason)
	assert.Equal(t, models.StatusApproved, view.Status)
	assert.Equal(t, "ok", view.ResponseMessage)
	assert.Equal(t, t0, view.CreatedAt)
	assert.Equal(t, t0.Add(time.Hour), view.UpdatedAt)

	grant := &models.AccessGrant{ID: "g1", UserID: "u1", SecretID: "s1", RequestID: "r1", ExpiresAt: t0.Add(7 * 24 * time.Hour), CreatedAt: t0}
	require.NoError(t, m.InsertGrant(ctx, grant))
	active, err := m.ListActiveGrants(ctx, "u1", t0)
	require.NoError(t, err)
	gviews := models.NewAccessGrantViews(active)
	require.Len(t, gviews, 1)
	assert.Equal(t, models.NewAccessGrantView(*grant), gviews[0])

	entry := &models.SecretEntry{ID: "s1", Path: "db-prod", Keys: []string{"password"}, CreatedAt: t0}
	require.NoError(t, m.CreateSecret(ctx, entry))
	loadedEntry, err := m.GetSecretByPath(ctx, "db-prod")
	require.NoError(t, err)
	assert.Equal(t, models.NewSecretEntryView(*entry), models.NewSecretEntryView(*loadedEntry))
}
