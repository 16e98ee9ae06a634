// Package models defines the core data structures for principals, catalog
// entries, access requests and access grants.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// User represents an ordinary principal that must request access to secrets.
type User struct {
	// ID is the unique identifier for the user.
	ID string
	// Username is the login name chosen by the user.
	Username string
	// Firstname and Lastname are profile fields.
	Firstname string
	Lastname  string
	// Email is optional.
	Email string
	// Position is the user's department or role description.
	Position string
	// PasswordHash is the bcrypt hash of the user's password.
	PasswordHash []byte
	// Disabled users cannot authenticate.
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Admin is a principal that decides access requests. Admins and users are
// disjoint identity classes.
type Admin struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role distinguishes the two identity classes carried by an identity assertion.
type Role string

const (
	// RoleUser is carried by tokens issued to users.
	RoleUser Role = "user"
	// RoleAdmin is carried by tokens issued to admins.
	RoleAdmin Role = "admin"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	ID       string
	Username string
	Role     Role
}

// SecretEntry is the catalog record of a secret. The payload itself lives in
// the external vault under Path.
type SecretEntry struct {
	// ID is the unique identifier for the catalog entry.
	ID string
	// Path is the logical vault path, unique across the catalog.
	Path string
	// Keys lists the field names present in the vault payload.
	Keys      []string
	CreatedAt time.Time
}

// AccessStatus is the state of an AccessRequest.
type AccessStatus string

const (
	// StatusPending is the initial state of every request.
	StatusPending AccessStatus = "pending"
	// StatusApproved means a grant was issued for the request.
	StatusApproved AccessStatus = "approved"
	// StatusRejected means an admin declined the request.
	StatusRejected AccessStatus = "rejected"
)

// ParseAccessStatus validates a raw status string.
func ParseAccessStatus(s string) (AccessStatus, error) {
	switch st := AccessStatus(s); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown access status %q", s)
}

// Decided reports whether st is a status an admin may set.
func (st AccessStatus) Decided() bool {
	return st == StatusApproved || st == StatusRejected
}

// AccessRequest is the intent record: a user asking for time-bounded access
// to a secret. It is never deleted.
type AccessRequest struct {
	ID       string
	UserID   string
	SecretID string
	// RequestData is an opaque justification payload supplied by the user.
	RequestData json.RawMessage
	// PeriodDays is the requested access duration in whole days.
	PeriodDays      int
	Reason          string
	Status          AccessStatus
	ResponseMessage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AccessGrant is the capability record created when a request is approved.
// It is never mutated; it stops being active once ExpiresAt passes.
type AccessGrant struct {
	ID        string
	UserID    string
	SecretID  string
	RequestID string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ActiveAt reports whether the grant authorizes access at instant now.
func (g AccessGrant) ActiveAt(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// SecretPayload is the result of an authorized read: the vault data plus the
// grant that allowed it.
type SecretPayload struct {
	Path      string
	Data      map[string]any
	GrantID   string
	ExpiresAt time.Time
}
