package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseAccessStatus(t *testing.T) {
	for _, s := range []string{"pending", "approved", "rejected"} {
		st, err := ParseAccessStatus(s)
		assert.NoError(t, err)
		assert.Equal(t, AccessStatus(s), st)
	}
	_, err := ParseAccessStatus("expired")
	assert.Error(t, err)
	assert.False(t, StatusPending.Decided())
	assert.True(t, StatusRejected.Decided())
}

func TestAccessGrant_ActiveAt(t *testing.T) {
	exp := time.Date(2026, 1, 8, 12, 0, 0, 0, time.UTC)
	g := AccessGrant{ExpiresAt: exp}

	assert.True(t, g.ActiveAt(exp.Add(-time.Nanosecond)))
	assert.False(t, g.ActiveAt(exp))
	assert.False(t, g.ActiveAt(exp.Add(time.Nanosecond)))
}

func TestNewAccessRequestView_AllFields(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := AccessRequest{
		ID:              "r1",
		UserID:          "u1",
		SecretID:        "s1",
		RequestData:     json.RawMessage(`{"ticket":"OPS-1"}`),
		PeriodDays:      7,
		Reason:          "incident",
		Status:          StatusRejected,
		ResponseMessage: "no",
		CreatedAt:       created,
		UpdatedAt:       created.Add(time.Hour),
	}

	v := NewAccessRequestView(r)

	assert.Equal(t, AccessRequestView{
		ID:              "r1",
		UserID:          "u1",
		SecretID:        "s1",
		RequestData:     json.RawMessage(`{"ticket":"OPS-1"}`),
		AccessPeriod:    7,
		AccessReason:    "incident",
		Status:          StatusRejected,
		ResponseMessage: "no",
		CreatedAt:       created,
		UpdatedAt:       created.Add(time.Hour),
	}, v)
	assert.NotNil(t, NewAccessRequestViews(nil))
}

func TestNewSecretPayloadView_Remaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := SecretPayload{Path: "db-prod", Data: map[string]any{"password": "x"}, GrantID: "g1", ExpiresAt: now.Add(90 * time.Second)}

	v := NewSecretPayloadView(p, now)
	assert.Equal(t, int64(90), v.RemainingSeconds)
	assert.Equal(t, "g1", v.GrantID)

	v = NewSecretPayloadView(p, now.Add(time.Hour))
	assert.Equal(t, int64(0), v.RemainingSeconds)
}

func TestNewUserView_OmitsHash(t *testing.T) {
	v := NewUserView(User{ID: "u1", Username: "galina", PasswordHash: []byte("hash"), Position: "Management"})
	b, err := json.Marshal(v)
	assert.NoError(t, err)
	assert.NotContains(t, string(b), "hash")
	assert.Contains(t, string(b), "Management")
}
