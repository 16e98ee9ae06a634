package models

import (
	"encoding/json"
	"time"
)

// UserView is the public projection of a User.
type UserView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Firstname string    `json:"firstname"`
	Lastname  string    `json:"lastname"`
	Position  string    `json:"position,omitempty"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUserView maps every exported profile field of u. The password hash is
// never projected.
func NewUserView(u User) UserView {
	return UserView{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Firstname: u.Firstname,
		Lastname:  u.Lastname,
		Position:  u.Position,
		Disabled:  u.Disabled,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// SecretEntryView is the public projection of a catalog entry.
type SecretEntryView struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Keys      []string  `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSecretEntryView projects a catalog entry.
func NewSecretEntryView(e SecretEntry) SecretEntryView {
	keys := e.Keys
	if keys == nil {
		keys = []string{}
	}
	return SecretEntryView{ID: e.ID, Path: e.Path, Keys: keys, CreatedAt: e.CreatedAt}
}

// AccessRequestView is the wire shape of an AccessRequest.
type AccessRequestView struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	SecretID        string          `json:"secret_id"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	AccessPeriod    int             `json:"access_period"`
	AccessReason    string          `json:"access_reason,omitempty"`
	Status          AccessStatus    `json:"status"`
	ResponseMessage string          `json:"response_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewAccessRequestView projects r field by field.
func NewAccessRequestView(r AccessRequest) AccessRequestView {
	return AccessRequestView{
		ID:              r.ID,
		UserID:          r.UserID,
		SecretID:        r.SecretID,
		RequestData:     r.RequestData,
		AccessPeriod:    r.PeriodDays,
		AccessReason:    r.Reason,
		Status:          r.Status,
		ResponseMessage: r.ResponseMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// NewAccessRequestViews projects a slice, never returning nil.
func NewAccessRequestViews(rs []AccessRequest) []AccessRequestView {
	out := make([]AccessRequestView, 0, len(rs))
	for _, r := range rs {
		out = append(out, NewAccessRequestView(r))
	}
	return out
}

// AccessGrantView is the wire shape of an AccessGrant.
type AccessGrantView struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SecretID       string    `json:"secret_id"`
	RequestID      string    `json:"request_id,omitempty"`
	ExpirationDate time.Time `json:"expiration_date"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewAccessGrantView projects g.
func NewAccessGrantView(g AccessGrant) AccessGrantView {
	return AccessGrantView{
		ID:             g.ID,
		UserID:         g.UserID,
		SecretID:       g.SecretID,
		RequestID:      g.RequestID,
		ExpirationDate: g.ExpiresAt,
		CreatedAt:      g.CreatedAt,
	}
}

// NewAccessGrantViews projects a slice, never returning nil.
func NewAccessGrantViews(gs []AccessGrant) []AccessGrantView {
	out := make([]AccessGrantView, 0, len(gs))
	for _, g := range gs {
		out = append(out, NewAccessGrantView(g))
	}
	return out
}

// SecretPayloadView is returned by an authorized secret read.
type SecretPayloadView struct {
	Path             string         `json:"path"`
	Data             map[string]any `json:"data"`
	GrantID          string         `json:"access_id"`
	ExpirationDate   time.Time      `json:"expiration_date"`
	RemainingSeconds int64          `json:"remaining_seconds"`
}

// NewSecretPayloadView projects p, computing the remaining validity relative
// to now.
func NewSecretPayloadView(p SecretPayload, now time.Time) SecretPayloadView {
	remaining := p.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return SecretPayloadView{
		Path:             p.Path,
		Data:             p.Data,
		GrantID:          p.GrantID,
		ExpirationDate:   p.ExpiresAt,
		RemainingSeconds: int64(remaining / time.Second),
	}
}
