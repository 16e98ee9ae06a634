package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/middleware"
	"github.com/atinyakov/GophBroker/internal/models"
)

// Handlers groups the API handlers mounted by NewRouter.
type Handlers struct {
	Auth     *AuthHandler
	Secrets  *SecretsHandler
	Requests *RequestsHandler
}

// RouterOptions carries the cross-cutting pieces of the router.
type RouterOptions struct {
	Authenticator middleware.Authenticator
	Logger        *zap.Logger
	// Instrument wraps every route, e.g. with Prometheus timing. Optional.
	Instrument func(http.Handler) http.Handler
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Health serves GET /healthz when set.
	Health http.HandlerFunc
}

// NewRouter constructs the broker's HTTP API.
//
// Routes:
//
//	POST /users/register                 → Auth.Register
//	POST /users/login                    → Auth.UserLogin
//	GET  /users/me                       → Auth.Me              (user)
//	GET  /users/secrets                  → Secrets.ListSecrets  (user)
//	POST /users/access                   → Requests.Submit      (user)
//	GET  /users/requests                 → Requests.MyRequests  (user)
//	GET  /users/allowed_secrets          → Requests.AllowedSecrets (user)
//	GET  /users/get_user/{user_id}       → Auth.GetUser         (admin)
//	POST /secrets/login                  → Auth.AdminLogin
//	GET  /secrets/secret/{path}          → Secrets.GetSecret    (user)
//	PUT  /secrets/secret/{path}          → Secrets.PutSecret    (admin)
//	GET  /secrets/requests               → Requests.Poll        (admin)
//	POST /secrets/requests/change_status → Requests.ChangeStatus (admin)
func NewRouter(h Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.WithRequestLogging(opts.Logger))
	if opts.Instrument != nil {
		r.Use(opts.Instrument)
	}

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Health != nil {
		r.Get("/healthz", opts.Health)
	}

	requireUser := middleware.RequireRole(opts.Authenticator, models.RoleUser, WriteError)
	requireAdmin := middleware.RequireRole(opts.Authenticator, models.RoleAdmin, WriteError)

	r.Route("/users", func(r chi.Router) {
		r.Post("/register", h.Auth.Register)
		r.Post("/login", h.Auth.UserLogin)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/me", h.Auth.Me)
			r.Get("/secrets", h.Secrets.ListSecrets)
			r.Post("/access", h.Requests.Submit)
			r.Get("/requests", h.Requests.MyRequests)
			r.Get("/allowed_secrets", h.Requests.AllowedSecrets)
		})
		r.With(requireAdmin).Get("/get_user/{user_id}", h.Auth.GetUser)
	})

	r.Route("/secrets", func(r chi.Router) {
		r.Post("/login", h.Auth.AdminLogin)

		r.With(requireUser).Get("/secret/{path}", h.Secrets.GetSecret)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Put("/secret/{path}", h.Secrets.PutSecret)
			r.Post("/secret/{path}", h.Secrets.PutSecret)
			r.Get("/requests", h.Requests.Poll)
			r.Post("/requests/change_status", h.Requests.ChangeStatus)
		})
	})

	return r
}
