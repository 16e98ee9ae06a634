package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/middleware"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/service"
)

// AuthService defines the account operations required by AuthHandler.
type AuthService interface {
	Register(ctx context.Context, in service.RegisterInput) (*models.User, error)
	LoginUser(ctx context.Context, username, password string) (*service.Token, error)
	LoginAdmin(ctx context.Context, username, password string) (*service.Token, error)
	Me(ctx context.Context, userID string) (*models.User, error)
}

// AuthHandler handles registration, login and profile requests.
type AuthHandler struct {
	AuthService AuthService
}

// RegisterRequest represents the JSON payload for user registration.
type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
	Position  string `json:"position"`
}

// TokenResponse is returned by both login endpoints.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Register handles POST /users/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}

	u, err := h.AuthService.Register(r.Context(), service.RegisterInput{
		Username:  req.Username,
		Password:  req.Password,
		Firstname: req.Firstname,
		Lastname:  req.Lastname,
		Email:     req.Email,
		Position:  req.Position,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewUserView(*u))
}

// UserLogin handles POST /users/login.
func (h *AuthHandler) UserLogin(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, h.AuthService.LoginUser)
}

// AdminLogin handles POST /secrets/login.
func (h *AuthHandler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, h.AuthService.LoginAdmin)
}

type loginFunc func(ctx context.Context, username, password string) (*service.Token, error)

// login accepts credentials either as a JSON body or as an OAuth2 password
// form.
func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request, fn loginFunc) {
	username, password, ok := credentials(r)
	if !ok {
		badRequest(w, "username and password are required")
		return
	}

	tok, err := fn(r.Context(), username, password)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: tok.AccessToken, TokenType: tok.TokenType, ExpiresAt: tok.ExpiresAt})
}

func credentials(r *http.Request) (string, string, bool) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return "", "", false
		}
		u, p := r.PostForm.Get("username"), r.PostForm.Get("password")
		return u, p, u != "" && p != ""
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", "", false
	}
	return body.Username, body.Password, body.Username != "" && body.Password != ""
}

// Me handles GET /users/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		WriteError(w, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
		return
	}
	u, err := h.AuthService.Me(r.Context(), p.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewUserView(*u))
}

// GetUser handles GET /users/get_user/{user_id} for administrators.
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.AuthService.Me(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewUserView(*u))
}
