// Package identity issues and validates the bearer identity assertions
// carried by API callers.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
)

const issuer = "gophbroker"

// Claims are the JWT claims of an access token.
type Claims struct {
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies HS256 access tokens.
type JWTService struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewJWTService constructs a JWTService. Tokens live for ttl.
func NewJWTService(signingKey string, ttl time.Duration) *JWTService {
	return &JWTService{signingKey: []byte(signingKey), ttl: ttl, now: time.Now}
}

// Issue signs a token for p.
func (s *JWTService) Issue(p models.Principal) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: p.Username,
		Role:     p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.NewString(),
		},
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify validates token and returns the principal it asserts. Every
// failure is unauthorized.
func (s *JWTService) Verify(token string) (*models.Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.New(apperr.CodeUnauthorized, "token has expired")
		}
		return nil, apperr.New(apperr.CodeUnauthorized, "could not validate credentials")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "could not validate credentials")
	}
	switch claims.Role {
	case models.RoleUser, models.RoleAdmin:
	default:
		return nil, apperr.New(apperr.CodeUnauthorized, "could not validate credentials")
	}

	return &models.Principal{ID: claims.Subject, Username: claims.Username, Role: claims.Role}, nil
}
