// Package client is the Go API client of the broker, used by the interactive
// shell. It keeps the bearer token of the current session and exposes one
// method per API operation.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/GophBroker/internal/certgen"
	"github.com/atinyakov/GophBroker/internal/models"
	api "github.com/atinyakov/GophBroker/internal/server/handler/http"
)

// APIError is a non-2xx response decoded from the broker's error body.
type APIError struct {
	Status      int
	Code        string
	Description string
	Reason      string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Status, e.Code)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var e *APIError
	return errors.As(err, &e) && e.Status == status
}

// Client talks to one broker instance.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a Client for baseURL. A nil httpClient selects a client with a
// request timeout that still leaves room for the longest long poll.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// NewHTTPClient builds an HTTP client that trusts only the CA in caFile. An
// empty caFile uses the system roots.
func NewHTTPClient(caFile string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caFile != "" {
		pool, err := certgen.LoadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{Transport: transport, Timeout: 90 * time.Second}, nil
}

// SetToken replaces the bearer token sent with authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register creates a user account.
func (c *Client) Register(ctx context.Context, in api.RegisterRequest) (*models.UserView, error) {
	var out models.UserView
	if err := c.do(ctx, http.MethodPost, "/users/register", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoginUser authenticates a user and keeps the issued token.
func (c *Client) LoginUser(ctx context.Context, username, password string) (*api.TokenResponse, error) {
	return c.login(ctx, "/users/login", username, password)
}

// LoginAdmin authenticates an administrator and keeps the issued token.
func (c *Client) LoginAdmin(ctx context.Context, username, password string) (*api.TokenResponse, error) {
	return c.login(ctx, "/secrets/login", username, password)
}

func (c *Client) login(ctx context.Context, path, username, password string) (*api.TokenResponse, error) {
	body := map[string]string{"username": username, "password": password}
	var out api.TokenResponse
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.AccessToken)
	return &out, nil
}

// Me returns the profile of the logged-in user.
func (c *Client) Me(ctx context.Context) (*models.UserView, error) {
	var out models.UserView
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSecrets returns the secret catalog.
func (c *Client) ListSecrets(ctx context.Context) ([]models.SecretEntryView, error) {
	var out []models.SecretEntryView
	if err := c.do(ctx, http.MethodGet, "/users/secrets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestAccess submits an access request for a catalog entry.
func (c *Client) RequestAccess(ctx context.Context, in api.SubmitRequest) (*models.AccessRequestView, error) {
	var out models.AccessRequestView
	if err := c.do(ctx, http.MethodPost, "/users/access", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyRequests lists the caller's access requests.
func (c *Client) MyRequests(ctx context.Context) ([]models.AccessRequestView, error) {
	var out []models.AccessRequestView
	if err := c.do(ctx, http.MethodGet, "/users/requests", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllowedSecrets lists the caller's active grants.
func (c *Client) AllowedSecrets(ctx context.Context) ([]models.AccessGrantView, error) {
	var out []models.AccessGrantView
	if err := c.do(ctx, http.MethodGet, "/users/allowed_secrets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSecret reads a secret through the authorization gate.
func (c *Client) GetSecret(ctx context.Context, path string) (*models.SecretPayloadView, error) {
	var out models.SecretPayloadView
	if err := c.do(ctx, http.MethodGet, "/secrets/secret/"+url.PathEscape(path), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutSecret stores data in the vault and registers path in the catalog.
func (c *Client) PutSecret(ctx context.Context, path string, data map[string]any) (*models.SecretEntryView, error) {
	var out models.SecretEntryView
	if err := c.do(ctx, http.MethodPut, "/secrets/secret/"+url.PathEscape(path), data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangeStatus approves or rejects a request.
func (c *Client) ChangeStatus(ctx context.Context, requestID string, status models.AccessStatus, message string) (*api.ChangeStatusResponse, error) {
	in := api.ChangeStatusRequest{RequestID: requestID, NewStatus: string(status), ResponseMessage: message}
	var out api.ChangeStatusResponse
	if err := c.do(ctx, http.MethodPost, "/secrets/requests/change_status", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollQuery selects what a long poll waits for. Zero values use the server
// defaults.
type PollQuery struct {
	Status     models.AccessStatus
	LastUpdate string
	Timeout    time.Duration
}

// Poll blocks until the ledger changes after q.LastUpdate or the timeout
// elapses.
func (c *Client) Poll(ctx context.Context, q PollQuery) (*api.PollResponse, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.LastUpdate != "" {
		v.Set("last_update", q.LastUpdate)
	}
	if q.Timeout > 0 {
		v.Set("timeout", strconv.FormatFloat(q.Timeout.Seconds(), 'f', -1, 64))
	}
	path := "/secrets/requests"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var out api.PollResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Code = body.Error
		apiErr.Description = body.Description
		apiErr.Reason = body.Reason
		return apiErr
	}
	apiErr.Code = http.StatusText(resp.StatusCode)
	apiErr.Description = strings.TrimSpace(string(data))
	return apiErr
}
