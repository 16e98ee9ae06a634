package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atinyakov/GophBroker/internal/apperr"
	"github.com/atinyakov/GophBroker/internal/models"
	handler "github.com/atinyakov/GophBroker/internal/server/handler/http"
	"github.com/atinyakov/GophBroker/internal/service"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type stubAuth struct{}

func (stubAuth) Authenticate(_ context.Context, token string) (*models.Principal, error) {
	switch token {
	case "user":
		return &models.Principal{ID: "u1", Username: "galina", Role: models.RoleUser}, nil
	case "admin":
		return &models.Principal{ID: "a1", Username: "root", Role: models.RoleAdmin}, nil
	}
	return nil, apperr.New(apperr.CodeUnauthorized, "could not validate credentials")
}

type fakeAuthService struct {
	loginUser  string
	loginAdmin string
}

func (f *fakeAuthService) Register(_ context.Context, in service.RegisterInput) (*models.User, error) {
	if in.Username == "taken" {
		return nil, apperr.New(apperr.CodeConflict, "username or email already registered")
	}
	return &models.User{ID: "u9", Username: in.Username, Firstname: in.Firstname, Lastname: in.Lastname, PasswordHash: []byte("h")}, nil
}

func (f *fakeAuthService) LoginUser(_ context.Context, username, password string) (*service.Token, error) {
	f.loginUser = username
	if password != "pw" {
		return nil, apperr.New(apperr.CodeUnauthorized, "incorrect username or password")
	}
	return &service.Token{AccessToken: "user", TokenType: "bearer", ExpiresAt: fixedNow.Add(time.Hour)}, nil
}

func (f *fakeAuthService) LoginAdmin(_ context.Context, username, _ string) (*service.Token, error) {
	f.loginAdmin = username
	return &service.Token{AccessToken: "admin", TokenType: "bearer", ExpiresAt: fixedNow.Add(time.Hour)}, nil
}

func (f *fakeAuthService) Me(_ context.Context, id string) (*models.User, error) {
	if id == "missing" {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}
	return &models.User{ID: id, Username: "galina"}, nil
}

type fakeGate struct {
	err error
}

func (f *fakeGate) AuthorizeAndFetch(_ context.Context, userID, path string) (*models.SecretPayload, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.SecretPayload{Path: path, Data: map[string]any{"password": "s3cr3t"}, GrantID: "g1", ExpiresAt: fixedNow.Add(time.Minute)}, nil
}

type fakeCatalog struct {
	created map[string]any
}

func (f *fakeCatalog) CreateSecret(_ context.Context, path string, data map[string]any) (*models.SecretEntry, error) {
	if path == "exists" {
		return nil, apperr.New(apperr.CodeConflict, "secret already exists")
	}
	f.created = data
	return &models.SecretEntry{ID: "s1", Path: path, Keys: []string{"password"}}, nil
}

func (f *fakeCatalog) ListSecrets(context.Context) ([]models.SecretEntry, error) {
	return []models.SecretEntry{{ID: "s1", Path: "db-prod"}}, nil
}

type fakeLedger struct {
	submitted service.SubmitInput
	decideErr error
}

func (f *fakeLedger) Submit(_ context.Context, in service.SubmitInput) (*models.AccessRequest, error) {
	f.submitted = in
	if in.SecretID == "missing" {
		return nil, apperr.New(apperr.CodeNotFound, "secret not found")
	}
	return &models.AccessRequest{ID: "r1", UserID: in.UserID, SecretID: in.SecretID, PeriodDays: in.PeriodDays, Status: models.StatusPending}, nil
}

func (f *fakeLedger) Decide(_ context.Context, id string, status models.AccessStatus, msg string) (*service.Decision, error) {
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	d := &service.Decision{Request: &models.AccessRequest{ID: id, Status: status, ResponseMessage: msg}}
	if status == models.StatusApproved {
		d.Grant = &models.AccessGrant{ID: "g1", RequestID: id, ExpiresAt: fixedNow.Add(7 * 24 * time.Hour)}
	}
	return d, nil
}

func (f *fakeLedger) ListForUser(context.Context, string) ([]models.AccessRequest, error) {
	return nil, nil
}

type fakeNotifier struct {
	query service.ChangeQuery
}

func (f *fakeNotifier) AwaitChanges(_ context.Context, q service.ChangeQuery) (*service.ChangeSet, error) {
	f.query = q
	return &service.ChangeSet{ObservedAt: fixedNow, TimedOut: q.Since != ""}, nil
}

type fakeGrants struct{}

func (fakeGrants) ListActiveForUser(_ context.Context, userID string) ([]models.AccessGrant, error) {
	return []models.AccessGrant{{ID: "g1", UserID: userID, SecretID: "s1", ExpiresAt: fixedNow.Add(time.Hour)}}, nil
}

type fixture struct {
	router   http.Handler
	auth     *fakeAuthService
	gate     *fakeGate
	catalog  *fakeCatalog
	ledger   *fakeLedger
	notifier *fakeNotifier
}

func newFixture() *fixture {
	f := &fixture{
		auth:     &fakeAuthService{},
		gate:     &fakeGate{},
		catalog:  &fakeCatalog{},
		ledger:   &fakeLedger{},
		notifier: &fakeNotifier{},
	}
	f.router = handler.NewRouter(handler.Handlers{
		Auth:     &handler.AuthHandler{AuthService: f.auth},
		Secrets:  &handler.SecretsHandler{Gate: f.gate, Catalog: f.catalog, Now: func() time.Time { return fixedNow }},
		Requests: &handler.RequestsHandler{Ledger: f.ledger, Notifier: f.notifier, Grants: fakeGrants{}},
	}, handler.RouterOptions{Authenticator: stubAuth{}, Logger: zap.NewNop()})
	return f
}

func (f *fixture) do(method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var e handler.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestGetSecret_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"unknown path", apperr.New(apperr.CodeNotFound, "secret not found"), http.StatusNotFound, ""},
		{"denied", apperr.Forbidden(apperr.ReasonAccessDenied, "no access"), http.StatusForbidden, "access_denied"},
		{"expired", apperr.Forbidden(apperr.ReasonAccessExpired, "expired"), http.StatusForbidden, "access_expired"},
		{"vault down", apperr.New(apperr.CodeUpstream, "vault"), http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.gate.err = tc.err

			rec := f.do(http.MethodGet, "/secrets/secret/db-prod", "user", "")
			assert.Equal(t, tc.status, rec.Code)
			if tc.err != nil {
				assert.Equal(t, tc.reason, decodeError(t, rec).Reason)
				return
			}
			var v models.SecretPayloadView
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
			assert.Equal(t, "db-prod", v.Path)
			assert.Equal(t, "g1", v.GrantID)
			assert.Equal(t, int64(60), v.RemainingSeconds)
		})
	}
}

func TestGetSecret_NestedPath(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/secrets/secret/apps%2Fdb-prod", "user", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var v models.SecretPayloadView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, "apps/db-prod", v.Path)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/secrets/secret/db-prod", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec = f.do(http.MethodGet, "/secrets/requests", "user", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/users/allowed_secrets", "admin", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPutSecret(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPut, "/secrets/secret/db-prod", "admin", `{"password":"x"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "x", f.catalog.created["password"])

	rec = f.do(http.MethodPut, "/secrets/secret/exists", "admin", `{"password":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "conflict", decodeError(t, rec).Error)

	rec = f.do(http.MethodPut, "/secrets/secret/db-prod", "admin", `nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAccess(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/users/access", "user", `{"secret_id":"s1","access_period":7,"access_reason":"deploy","request_data":{"ticket":"OPS-1"}}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "u1", f.ledger.submitted.UserID)
	assert.Equal(t, 7, f.ledger.submitted.PeriodDays)
	assert.JSONEq(t, `{"ticket":"OPS-1"}`, string(f.ledger.submitted.RequestData))

	rec = f.do(http.MethodPost, "/users/access", "user", `{"secret_id":"missing","access_period":7}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChangeStatus(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/secrets/requests/change_status", "admin", `{"request_id":"r1","new_status":"approved","response_message":"ok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp handler.ChangeStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusApproved, resp.Request.Status)
	require.NotNil(t, resp.Grant)
	assert.Equal(t, "g1", resp.Grant.ID)

	rec = f.do(http.MethodPost, "/secrets/requests/change_status", "admin", `{"request_id":"r1","new_status":"expired"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.ledger.decideErr = apperr.New(apperr.CodeConflict, "request already approved")
	rec = f.do(http.MethodPost, "/secrets/requests/change_status", "admin", `{"request_id":"r1","new_status":"approved"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.ledger.decideErr = apperr.Wrap(assert.AnError, apperr.CodeInternal, "grant issuance failed")
	rec = f.do(http.MethodPost, "/secrets/requests/change_status", "admin", `{"request_id":"r1","new_status":"approved"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, decodeError(t, rec).Description)
}

func TestPoll_ParsesQuery(t *testing.T) {
	f := newFixture()
	since := fixedNow.Add(-time.Minute).Format(time.RFC3339Nano)

	rec := f.do(http.MethodGet, "/secrets/requests?status=pending&timeout=2&last_update="+url.QueryEscape(since), "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.notifier.query.Status)
	assert.Equal(t, models.StatusPending, *f.notifier.query.Status)
	assert.Equal(t, 2*time.Second, f.notifier.query.Timeout)
	assert.Equal(t, since, f.notifier.query.Since)

	var resp handler.PollResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Timeout)
	assert.False(t, resp.HasChanges)
	assert.NotNil(t, resp.Requests)
	assert.Equal(t, fixedNow.Format(time.RFC3339Nano), resp.LastUpdate)

	rec = f.do(http.MethodGet, "/secrets/requests?status=bogus", "admin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/secrets/requests?timeout=soon", "admin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUser_AdminOnly(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/users/get_user/u1", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var u models.UserView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "galina", u.Username)

	rec = f.do(http.MethodGet, "/users/get_user/u1", "user", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/users/get_user/missing", "admin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPoll_Timeout(t *testing.T) {
	tests := []struct {
		raw  string
		code int
		want time.Duration
	}{
		{raw: "1.5", code: http.StatusOK, want: 1500 * time.Millisecond},
		{raw: "90s", code: http.StatusOK, want: 90 * time.Second},
		{raw: "0", code: http.StatusOK, want: 0},
		{raw: "1e300", code: http.StatusOK, want: time.Duration(math.MaxInt64)},
		{raw: "-1", code: http.StatusBadRequest},
		{raw: "-1s", code: http.StatusBadRequest},
		{raw: "NaN", code: http.StatusBadRequest},
		{raw: "Inf", code: http.StatusBadRequest},
		{raw: "-Inf", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f := newFixture()
			rec := f.do(http.MethodGet, "/secrets/requests?timeout="+url.QueryEscape(tt.raw), "admin", "")
			require.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.want, f.notifier.query.Timeout)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/users/login", "", `{"username":"galina","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var tok handler.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Equal(t, "user", tok.AccessToken)

	rec = f.do(http.MethodPost, "/users/login", "", `{"username":"galina","password":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	form := url.Values{"username": {"root"}, "password": {"pw"}}
	req := httptest.NewRequest(http.MethodPost, "/secrets/login", bytes.NewBufferString(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "root", f.auth.loginAdmin)
}

func TestRegister(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/users/register", "", `{"username":"petr","password":"pw","firstname":"Petr","lastname":"Petrov"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = f.do(http.MethodPost, "/users/register", "", `{"username":"taken","password":"pw"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserListings(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/users/allowed_secrets", "user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var grants []models.AccessGrantView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grants))
	require.Len(t, grants, 1)
	assert.Equal(t, "u1", grants[0].UserID)

	rec = f.do(http.MethodGet, "/users/requests", "user", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodGet, "/users/secrets", "user", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/users/me", "user", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
