// Package apiclient is the console's only way to reach the energy backend.
// The bearer token is read from the calling browser's durable storage on
// every request and evicted from it on any 401.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/storage"
	"smart-energy-console/shared/browserx"
	"smart-energy-console/shared/config"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/metricsx"
	"smart-energy-console/shared/observability"
)

const (
	apiPrefix    = "/api/v1"
	maxBodyBytes = 4 << 20
)

type Client struct {
	baseURL        string
	retryMax       int
	http           *http.Client
	breaker        *circuitBreaker
	store          storage.Store
	logger         logx.Logger
	onUnauthorized func(ctx context.Context, endpoint string)
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l logx.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUnauthorizedHook runs after a 401 has evicted the browser's token.
func WithUnauthorizedHook(fn func(ctx context.Context, endpoint string)) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

func New(cfg config.Config, store storage.Store, opts ...Option) (*Client, error) {
	if cfg.APIBaseURL == "" {
		return nil, errors.New("API_BASE_URL is required")
	}
	if store == nil {
		return nil, errors.New("client storage is required")
	}
	c := &Client{
		baseURL:  cfg.APIBaseURL + apiPrefix,
		retryMax: cfg.APIRetryMax,
		http: &http.Client{
			Timeout:   cfg.APITimeout(),
			Transport: observability.Transport(nil),
		},
		breaker: newCircuitBreaker(5, 30*time.Second),
		store:   store,
		logger:  logx.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL is the backend root including the API prefix.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Auth

func (c *Client) Register(ctx context.Context, email string, password string, fullName string) (models.AuthResponse, error) {
	var out models.AuthResponse
	body := map[string]string{"email": email, "password": password, "full_name": fullName}
	err := c.do(ctx, "auth.register", http.MethodPost, "/auth/register", nil, body, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, email string, password string) (models.AuthResponse, error) {
	var out models.AuthResponse
	body := map[string]string{"email": email, "password": password}
	err := c.do(ctx, "auth.login", http.MethodPost, "/auth/login", nil, body, &out)
	return out, err
}

func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	var out models.User
	err := c.do(ctx, "auth.me", http.MethodGet, "/auth/me", nil, nil, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "auth.logout", http.MethodPost, "/auth/logout", nil, nil, nil)
}

// Energy

func (c *Client) Consumption(ctx context.Context, zone string) (models.Payload, error) {
	var out models.Payload
	err := c.do(ctx, "energy.consumption", http.MethodGet, "/energy/consumption", params("zone", zone), nil, &out)
	return out, err
}

func (c *Client) Solar(ctx context.Context) (models.Payload, error) {
	var out models.Payload
	err := c.do(ctx, "energy.solar", http.MethodGet, "/energy/solar", nil, nil, &out)
	return out, err
}

func (c *Client) Battery(ctx context.Context) (models.Payload, error) {
	var out models.Payload
	err := c.do(ctx, "energy.battery", http.MethodGet, "/energy/battery", nil, nil, &out)
	return out, err
}

func (c *Client) Dashboard(ctx context.Context) (models.Dashboard, error) {
	var out models.Dashboard
	err := c.do(ctx, "energy.dashboard", http.MethodGet, "/energy/dashboard", nil, nil, &out)
	return out, err
}

func (c *Client) EnergyAnalytics(ctx context.Context, period string) (models.Payload, error) {
	if period == "" {
		period = "daily"
	}
	var out models.Payload
	err := c.do(ctx, "energy.analytics", http.MethodGet, "/energy/analytics", params("period", period), nil, &out)
	return out, err
}

// Lighting

func (c *Client) ControlLights(ctx context.Context, zone string, action string, brightness *int) (models.Payload, error) {
	var out models.Payload
	body := models.LightControl{Zone: zone, Action: action, Brightness: brightness}
	err := c.do(ctx, "lighting.control", http.MethodPost, "/lighting/control", nil, body, &out)
	return out, err
}

func (c *Client) LightStatus(ctx context.Context, zone string) (models.Payload, error) {
	path := "/lighting/status"
	if zone != "" {
		path += "/" + url.PathEscape(zone)
	}
	var out models.Payload
	err := c.do(ctx, "lighting.status", http.MethodGet, path, nil, nil, &out)
	return out, err
}

// Complaints

func (c *Client) CreateComplaint(ctx context.Context, in models.ComplaintCreate) (models.Complaint, error) {
	var out models.Complaint
	err := c.do(ctx, "complaints.create", http.MethodPost, "/complaints/", nil, in, &out)
	return out, err
}

func (c *Client) ListComplaints(ctx context.Context, statusFilter string, zone string) ([]models.Complaint, error) {
	var out []models.Complaint
	q := params("status_filter", statusFilter, "zone", zone)
	err := c.do(ctx, "complaints.list", http.MethodGet, "/complaints/", q, nil, &out)
	return out, err
}

func (c *Client) GetComplaint(ctx context.Context, id string) (models.Complaint, error) {
	var out models.Complaint
	err := c.do(ctx, "complaints.get", http.MethodGet, "/complaints/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) UpdateComplaint(ctx context.Context, id string, patch models.ComplaintPatch) (models.Complaint, error) {
	var out models.Complaint
	err := c.do(ctx, "complaints.update", http.MethodPatch, "/complaints/"+url.PathEscape(id), nil, patch, &out)
	return out, err
}

// Chat

func (c *Client) SendChatMessage(ctx context.Context, message string, history []models.Message, sessionID string) (models.ChatResponse, error) {
	if history == nil {
		history = []models.Message{}
	}
	var out models.ChatResponse
	body := models.ChatRequest{Message: message, History: history, SessionID: sessionID}
	err := c.do(ctx, "chat.message", http.MethodPost, "/chat/message", nil, body, &out)
	return out, err
}

func (c *Client) ChatCapabilities(ctx context.Context) (models.Capabilities, error) {
	var out models.Capabilities
	err := c.do(ctx, "chat.capabilities", http.MethodGet, "/chat/capabilities", nil, nil, &out)
	return out, err
}

func (c *Client) ChatExamples(ctx context.Context) ([]string, error) {
	var out struct {
		Examples []string `json:"examples"`
	}
	err := c.do(ctx, "chat.examples", http.MethodGet, "/chat/examples", nil, nil, &out)
	return out.Examples, err
}

// Users

func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	var out []models.User
	err := c.do(ctx, "users.list", http.MethodGet, "/users/", nil, nil, &out)
	return out, err
}

func (c *Client) GetUser(ctx context.Context, id string) (models.User, error) {
	var out models.User
	err := c.do(ctx, "users.get", http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) UpdateUser(ctx context.Context, id string, patch models.UserPatch) (models.User, error) {
	var out models.User
	err := c.do(ctx, "users.update", http.MethodPatch, "/users/"+url.PathEscape(id), nil, patch, &out)
	return out, err
}

// Admin

func (c *Client) Stats(ctx context.Context) (models.Stats, error) {
	var out models.Stats
	err := c.do(ctx, "admin.stats", http.MethodGet, "/admin/stats", nil, nil, &out)
	return out, err
}

func (c *Client) ChangeUserRole(ctx context.Context, userID string, newRole string) (models.Payload, error) {
	var out models.Payload
	path := "/admin/roles/" + url.PathEscape(userID)
	err := c.do(ctx, "admin.roles", http.MethodPost, path, params("new_role", newRole), nil, &out)
	return out, err
}

// Analytics

func (c *Client) Analytics(ctx context.Context, period string, zone string) (models.Payload, error) {
	if period == "" {
		period = "daily"
	}
	var out models.Payload
	err := c.do(ctx, "analytics.energy", http.MethodGet, "/analytics/energy", params("period", period, "zone", zone), nil, &out)
	return out, err
}

func (c *Client) SummaryReport(ctx context.Context) (models.Payload, error) {
	var out models.Payload
	err := c.do(ctx, "analytics.summary", http.MethodGet, "/analytics/reports/summary", nil, nil, &out)
	return out, err
}

// do sends one logical call. GETs are retried on transport errors and 5xx;
// nothing else is, since the backend may already have applied a write.
func (c *Client) do(ctx context.Context, endpoint string, method string, path string, query url.Values, body any, out any) error {
	if c == nil || c.http == nil {
		return errors.New("api client not initialized")
	}
	if c.breaker.Open() {
		metricsx.IncUpstreamBreakerOpen()
		return ErrCircuitOpen
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", endpoint, err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retryMax
	}

	browserID := browserx.IDFromContext(ctx)
	token, err := c.token(ctx, browserID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			metricsx.ObserveUpstream(endpoint, 0, time.Since(start))
			if ctx.Err() != nil {
				// The caller gave up; that says nothing about the backend.
				return fmt.Errorf("%s: %w", endpoint, ctx.Err())
			}
			c.breaker.Fail()
			lastErr = fmt.Errorf("%s: %w", endpoint, err)
			continue
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		metricsx.ObserveUpstream(endpoint, resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			c.breaker.Success()
			c.evict(ctx, browserID, endpoint)
			return &APIError{Status: resp.StatusCode, Detail: parseDetail(raw)}
		case resp.StatusCode >= 500:
			c.breaker.Fail()
			lastErr = &APIError{Status: resp.StatusCode, Detail: parseDetail(raw)}
			continue
		case resp.StatusCode >= 300:
			c.breaker.Success()
			return &APIError{Status: resp.StatusCode, Detail: parseDetail(raw)}
		}

		c.breaker.Success()
		if readErr != nil {
			return fmt.Errorf("read %s response: %w", endpoint, readErr)
		}
		if out == nil || len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s: request failed", endpoint)
	}
	return lastErr
}

func (c *Client) token(ctx context.Context, browserID string) (string, error) {
	if browserID == "" {
		return "", nil
	}
	token, _, err := c.store.Get(ctx, browserID, storage.KeyToken)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

// evict drops the token and the persisted session blob. The blob holds a
// copy of the token, and hydration would otherwise restore it.
func (c *Client) evict(ctx context.Context, browserID string, endpoint string) {
	ctx = context.WithoutCancel(ctx)
	if browserID != "" {
		if err := c.store.Remove(ctx, browserID, storage.KeyToken, storage.KeyAuthState); err != nil {
			c.logger.Warn(ctx, "token_evict_failed", "failed to evict token after 401",
				append(logx.Err("STORAGE_ERROR", err), slog.String("endpoint", endpoint))...,
			)
		}
	}
	metricsx.IncSessionEviction("unauthorized")
	c.logger.Info(ctx, "session_unauthorized", "backend rejected token",
		slog.String("endpoint", endpoint),
		slog.String("browser_id", browserID),
	)
	if c.onUnauthorized != nil {
		c.onUnauthorized(ctx, endpoint)
	}
}

// params builds a query from key/value pairs, dropping empty values.
func params(kv ...string) url.Values {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			q.Set(kv[i], kv[i+1])
		}
	}
	return q
}
