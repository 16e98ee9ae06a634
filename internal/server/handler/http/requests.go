package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/middleware"
	"github.com/atinyakov/GophBroker/internal/models"
	"github.com/atinyakov/GophBroker/internal/service"
)

// Ledger records access requests and decisions.
type Ledger interface {
	Submit(ctx context.Context, in service.SubmitInput) (*models.AccessRequest, error)
	Decide(ctx context.Context, requestID string, status models.AccessStatus, message string) (*service.Decision, error)
	ListForUser(ctx context.Context, userID string) ([]models.AccessRequest, error)
}

// Notifier serves the admin long poll.
type Notifier interface {
	AwaitChanges(ctx context.Context, q service.ChangeQuery) (*service.ChangeSet, error)
}

// Grants lists active grants.
type Grants interface {
	ListActiveForUser(ctx context.Context, userID string) ([]models.AccessGrant, error)
}

// RequestsHandler serves the access request workflow.
type RequestsHandler struct {
	Ledger   Ledger
	Notifier Notifier
	Grants   Grants
}

// SubmitRequest is the body of POST /users/access.
type SubmitRequest struct {
	SecretID     string          `json:"secret_id"`
	RequestData  json.RawMessage `json:"request_data"`
	AccessPeriod int             `json:"access_period"`
	AccessReason string          `json:"access_reason"`
}

// ChangeStatusRequest is the body of POST /secrets/requests/change_status.
type ChangeStatusRequest struct {
	RequestID       string `json:"request_id"`
	NewStatus       string `json:"new_status"`
	ResponseMessage string `json:"response_message"`
}

// ChangeStatusResponse carries the decided request and, for approvals, the grant.
type ChangeStatusResponse struct {
	Request models.AccessRequestView `json:"request"`
	Grant   *models.AccessGrantView  `json:"grant,omitempty"`
}

// PollResponse is the body of a finished long poll. LastUpdate is passed
// back as last_update on the next call.
type PollResponse struct {
	Requests   []models.AccessRequestView `json:"requests"`
	LastUpdate string                     `json:"last_update"`
	HasChanges bool                       `json:"has_changes"`
	Timeout    bool                       `json:"timeout,omitempty"`
}

// Submit handles POST /users/access.
func (h *RequestsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		WriteError(w, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SecretID == "" {
		badRequest(w, "invalid body")
		return
	}

	created, err := h.Ledger.Submit(r.Context(), service.SubmitInput{
		UserID:      p.ID,
		SecretID:    req.SecretID,
		RequestData: req.RequestData,
		PeriodDays:  req.AccessPeriod,
		Reason:      req.AccessReason,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.NewAccessRequestView(*created))
}

// MyRequests handles GET /users/requests.
func (h *RequestsHandler) MyRequests(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		WriteError(w, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
		return
	}
	reqs, err := h.Ledger.ListForUser(r.Context(), p.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewAccessRequestViews(reqs))
}

// AllowedSecrets handles GET /users/allowed_secrets.
func (h *RequestsHandler) AllowedSecrets(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		WriteError(w, apperr.New(apperr.CodeUnauthorized, "not authenticated"))
		return
	}
	grants, err := h.Grants.ListActiveForUser(r.Context(), p.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewAccessGrantViews(grants))
}

// ChangeStatus handles POST /secrets/requests/change_status.
func (h *RequestsHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		badRequest(w, "invalid body")
		return
	}
	status, err := models.ParseAccessStatus(req.NewStatus)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	d, err := h.Ledger.Decide(r.Context(), req.RequestID, status, req.ResponseMessage)
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := ChangeStatusResponse{Request: models.NewAccessRequestView(*d.Request)}
	if d.Grant != nil {
		g := models.NewAccessGrantView(*d.Grant)
		resp.Grant = &g
	}
	writeJSON(w, http.StatusOK, resp)
}

// Poll handles GET /secrets/requests?status=&last_update=&timeout=. timeout
// is in seconds.
func (h *RequestsHandler) Poll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var query service.ChangeQuery
	if raw := q.Get("status"); raw != "" {
		status, err := models.ParseAccessStatus(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		query.Status = &status
	}
	query.Since = q.Get("last_update")
	if raw := q.Get("timeout"); raw != "" {
		timeout, err := parseTimeout(raw)
		if err != nil {
			badRequest(w, "timeout must be a number of seconds")
			return
		}
		query.Timeout = timeout
	}

	cs, err := h.Notifier.AwaitChanges(r.Context(), query)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Either the client left or the server is shutting down.
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PollResponse{
		Requests:   models.NewAccessRequestViews(cs.Requests),
		LastUpdate: cs.ObservedAt.UTC().Format(time.RFC3339Nano),
		HasChanges: cs.HasChanges,
		Timeout:    cs.TimedOut,
	})
}

func parseTimeout(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		switch {
		case math.IsNaN(secs) || math.IsInf(secs, 0):
			return 0, errors.New("timeout must be finite")
		case secs < 0:
			return 0, errors.New("negative timeout")
		case secs >= float64(math.MaxInt64)/float64(time.Second):
			return math.MaxInt64, nil
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("negative timeout")
	}
	return d, nil
}
