package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/repository"
)

// TokenIssuer issues and verifies bearer identity assertions.
type TokenIssuer interface {
	Issue(p models.Principal) (token string, expiresAt time.Time, err error)
	Verify(token string) (*models.Principal, error)
}

// RegisterInput is the profile of a new user.
type RegisterInput struct {
	Username  string
	Password  string
	Firstname string
	Lastname  string
	Email     string
	Position  string
}

// Token is a bearer token handed to a principal after login.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// AuthService registers accounts, exchanges credentials for tokens and
// resolves tokens back to principals.
type AuthService struct {
	deps   Deps
	tokens TokenIssuer
}

// NewAuthService constructs an AuthService.
func NewAuthService(deps Deps, tokens TokenIssuer) *AuthService {
	return &AuthService{deps: deps.withDefaults(), tokens: tokens}
}

var errBadCredentials = apperr.New(apperr.CodeUnauthorized, "incorrect username or password")

// Register creates a user account. A taken username or email is a conflict.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || in.Password == "" {
		return nil, apperr.New(apperr.CodeBadRequest, "username and password are required")
	}
	if strings.TrimSpace(in.Firstname) == "" || strings.TrimSpace(in.Lastname) == "" {
		return nil, apperr.New(apperr.CodeBadRequest, "firstname and lastname are required")
	}

	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock()
	u := &models.User{
		ID:           s.deps.NewID(),
		Username:     in.Username,
		Firstname:    in.Firstname,
		Lastname:     in.Lastname,
		Email:        strings.TrimSpace(in.Email),
		Position:     in.Position,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.deps.Store.CreateUser(ctx, u); err != nil {
		return nil, storeErr(err, "", "username or email already registered")
	}
	s.deps.Log.Info("user registered", zap.String("user_id", u.ID), zap.String("username", u.Username))
	return u, nil
}

// LoginUser exchanges user credentials for a token.
func (s *AuthService) LoginUser(ctx context.Context, username, password string) (*Token, error) {
	u, err := s.deps.Store.GetUserByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, storeErr(err, "", "")
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return nil, errBadCredentials
	}
	if u.Disabled {
		return nil, apperr.New(apperr.CodeBadRequest, "inactive user")
	}
	return s.issue(models.Principal{ID: u.ID, Username: u.Username, Role: models.RoleUser})
}

// LoginAdmin exchanges admin credentials for a token.
func (s *AuthService) LoginAdmin(ctx context.Context, username, password string) (*Token, error) {
	a, err := s.deps.Store.GetAdminByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, storeErr(err, "", "")
	}
	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)) != nil {
		return nil, errBadCredentials
	}
	return s.issue(models.Principal{ID: a.ID, Username: a.Username, Role: models.RoleAdmin})
}

func (s *AuthService) issue(p models.Principal) (*Token, error) {
	tok, exp, err := s.tokens.Issue(p)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to issue token")
	}
	return &Token{AccessToken: tok, TokenType: "bearer", ExpiresAt: exp}, nil
}

// Authenticate resolves a bearer token to a principal whose account still
// exists. Disabled users are rejected.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.Principal, error) {
	p, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	switch p.Role {
	case models.RoleUser:
		u, err := s.deps.Store.GetUserByID(ctx, p.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.CodeUnauthorized, "could not validate credentials")
		}
		if err != nil {
			return nil, storeErr(err, "", "")
		}
		if u.Disabled {
			return nil, apperr.New(apperr.CodeBadRequest, "inactive user")
		}
		p.Username = u.Username
	case models.RoleAdmin:
		a, err := s.deps.Store.GetAdminByID(ctx, p.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.CodeUnauthorized, "could not validate credentials")
		}
		if err != nil {
			return nil, storeErr(err, "", "")
		}
		p.Username = a.Username
	default:
		return nil, apperr.New(apperr.CodeUnauthorized, "could not validate credentials")
	}
	return p, nil
}

// Me returns the profile of a user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.User, error) {
	if !validID(userID) {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}
	u, err := s.deps.Store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeErr(err, "user not found", "")
	}
	return u, nil
}

// EnsureAdmin creates an admin unless the username is taken. It reports
// whether an account was created.
func (s *AuthService) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return false, apperr.New(apperr.CodeBadRequest, "username and password are required")
	}
	if _, err := s.deps.Store.GetAdminByUsername(ctx, username); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, storeErr(err, "", "")
	}

	hash, err := hashPassword(password)
	if err != nil {
		return false, err
	}
	now := s.deps.Clock()
	a := &models.Admin{ID: s.deps.NewID(), Username: username, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	if err := s.deps.Store.CreateAdmin(ctx, a); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, storeErr(err, "", "")
	}
	s.deps.Log.Info("admin created", zap.String("admin_id", a.ID), zap.String("username", username))
	return true, nil
}

// EnsureUser registers a user unless the username is taken. It reports
// whether an account was created.
func (s *AuthService) EnsureUser(ctx context.Context, in RegisterInput) (bool, error) {
	if _, err := s.deps.Store.GetUserByUsername(ctx, strings.TrimSpace(in.Username)); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, storeErr(err, "", "")
	}
	if _, err := s.Register(ctx, in); err != nil {
		if apperr.HasCode(err, apperr.CodeConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func hashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, apperr.New(apperr.CodeBadRequest, "password is too long")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to hash password")
	}
	return hash, nil
}
