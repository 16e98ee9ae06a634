// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
)

type ctxKey string

const principalKey ctxKey = "principal"

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Principal, error)
}

// ErrorWriter renders a classified error as an HTTP response.
type ErrorWriter func(w http.ResponseWriter, err error)

// RequireRole is a middleware that enforces bearer authentication.
//
// It extracts the token from the Authorization header, resolves it through
// auth and checks the principal carries role. On success the principal is
// stored in the request context for handlers to read with PrincipalFrom.
// Missing or invalid tokens are unauthorized; a valid token of the other
// role is forbidden.
func RequireRole(auth Authenticator, role models.Role, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeErr(w, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
				return
			}

			p, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				writeErr(w, err)
				return
			}
			if p.Role != role {
				writeErr(w, apperr.New(apperr.CodeForbidden, string(role)+" role required"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the authenticated principal from ctx.
func PrincipalFrom(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*models.Principal)
	return p, ok && p != nil
}
