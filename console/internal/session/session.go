// Package session is the per-browser authentication state. A Session is
// opened for each request from the browser's durable storage, rehydrated,
// and written back after every change.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/storage"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/metricsx"
	"smart-energy-console/shared/tokenx"
)

// API is the slice of the backend the session needs.
type API interface {
	Login(ctx context.Context, email string, password string) (models.AuthResponse, error)
	Register(ctx context.Context, email string, password string, fullName string) (models.AuthResponse, error)
	CurrentUser(ctx context.Context) (models.User, error)
	Logout(ctx context.Context) error
}

// TokenVerifier checks a token locally before the backend is asked.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (tokenx.Claims, error)
}

type State struct {
	User            *models.User
	Token           string
	IsAuthenticated bool
	IsLoading       bool
	HasHydrated     bool
}

// Error is a failure the user should see. Err keeps the cause so callers
// can still match apiclient.ErrUnauthorized.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

const persistVersion = 0

const remoteLogoutTimeout = 5 * time.Second

// persisted mirrors the auth-storage blob: only token, user and
// isAuthenticated ever leave memory.
type persisted struct {
	State   persistedState `json:"state"`
	Version int            `json:"version"`
}

type persistedState struct {
	Token           *string      `json:"token"`
	User            *models.User `json:"user"`
	IsAuthenticated bool         `json:"isAuthenticated"`
}

type Manager struct {
	Store            storage.Store
	API              API
	Verifier         TokenVerifier
	Logger           logx.Logger
	HydrationTimeout time.Duration
}

// Open returns an empty, unhydrated session for browserID.
func (m *Manager) Open(browserID string) *Session {
	timeout := m.HydrationTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Session{
		browserID:        browserID,
		store:            m.Store,
		api:              m.API,
		verifier:         m.Verifier,
		logger:           m.Logger.With(slog.String("browser_id", browserID)),
		hydrationTimeout: timeout,
	}
}

type Session struct {
	browserID        string
	store            storage.Store
	api              API
	verifier         TokenVerifier
	logger           logx.Logger
	hydrationTimeout time.Duration

	mu    sync.Mutex
	state State
}

func (s *Session) BrowserID() string {
	return s.browserID
}

// State returns a copy; the user record is copied too.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

func (s *Session) User() *models.User {
	return s.State().User
}

func (s *Session) Authenticated() bool {
	st := s.State()
	return st.IsAuthenticated && st.User != nil
}

// Hydrate restores the persisted subset. It always leaves the session
// hydrated: a missing or unreadable blob yields an empty session, and a
// store that does not answer within the hydration timeout is abandoned.
// timedOut reports the latter.
func (s *Session) Hydrate(ctx context.Context) (timedOut bool) {
	hctx, cancel := context.WithTimeout(ctx, s.hydrationTimeout)
	defer cancel()

	type result struct {
		st  State
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := s.rehydrate(hctx)
		done <- result{st: st, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && hctx.Err() != nil {
			return s.abandon(ctx)
		}
		if r.err != nil {
			s.logger.Warn(ctx, "session_rehydrate_failed", "failed to rehydrate session", logx.Err("STORAGE_ERROR", r.err)...)
		}
		s.mu.Lock()
		s.state = r.st
		s.state.HasHydrated = true
		s.mu.Unlock()
		return false
	case <-hctx.Done():
		return s.abandon(ctx)
	}
}

// abandon handles a hydration that did not finish. Only the fallback timer
// firing while the request is still live counts as a timeout; a request
// that went away leaves the session unhydrated.
func (s *Session) abandon(ctx context.Context) bool {
	if ctx.Err() != nil {
		s.logger.Debug(ctx, "session_hydration_cancelled", "request ended during hydration")
		return false
	}
	s.forceHydrated(ctx)
	return true
}

func (s *Session) forceHydrated(ctx context.Context) {
	metricsx.IncHydrationTimeout()
	s.logger.Warn(ctx, "session_hydration_timeout", "hydration fallback fired",
		slog.Duration("timeout", s.hydrationTimeout),
	)
	s.mu.Lock()
	s.state = State{HasHydrated: true}
	s.mu.Unlock()
}

func (s *Session) rehydrate(ctx context.Context) (State, error) {
	raw, ok, err := s.store.Get(ctx, s.browserID, storage.KeyAuthState)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, nil
	}
	var blob persisted
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", storage.KeyAuthState, err)
	}
	st := State{User: blob.State.User, IsAuthenticated: blob.State.IsAuthenticated}
	if blob.State.Token != nil {
		st.Token = *blob.State.Token
	}
	if st.Token != "" {
		// The token key is what the API client reads; put it back if only
		// the blob survived.
		if _, ok, err := s.store.Get(ctx, s.browserID, storage.KeyToken); err != nil {
			return st, err
		} else if !ok {
			s.logger.Debug(ctx, "session_token_resync", "restoring token key from persisted session")
			if err := s.store.Set(ctx, s.browserID, storage.KeyToken, st.Token); err != nil {
				return st, err
			}
		}
	}
	return st, nil
}

// CheckAuth verifies the stored token with the backend. Durable storage,
// not the in-memory copy, decides whether there is a token at all.
func (s *Session) CheckAuth(ctx context.Context) error {
	token, ok, err := s.store.Get(ctx, s.browserID, storage.KeyToken)
	if err != nil {
		return err
	}
	if !ok || token == "" {
		s.setAndPersist(ctx, func(st *State) { st.User, st.Token, st.IsAuthenticated = nil, "", false })
		return nil
	}

	if s.verifier != nil {
		if _, err := s.verifier.Verify(ctx, token); err != nil {
			s.reject(ctx, "token_invalid", err)
			return nil
		}
	}

	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		s.reject(ctx, "verify_failed", err)
		return nil
	}
	s.setAndPersist(ctx, func(st *State) {
		st.User = &user
		st.Token = token
		st.IsAuthenticated = true
	})
	s.logger.Debug(ctx, "session_verified", "token accepted", slog.String("user_id", user.UID), slog.String("role", user.Role))
	return nil
}

func (s *Session) reject(ctx context.Context, reason string, cause error) {
	// The verify deadline may already have passed; clearing must still land.
	ctx = context.WithoutCancel(ctx)
	metricsx.IncSessionEviction(reason)
	s.logger.Info(ctx, "session_rejected", "stored token rejected",
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	if err := s.store.Remove(ctx, s.browserID, storage.KeyToken); err != nil {
		s.logger.Warn(ctx, "token_evict_failed", "failed to evict token", logx.Err("STORAGE_ERROR", err)...)
	}
	s.setAndPersist(ctx, func(st *State) { st.User, st.Token, st.IsAuthenticated = nil, "", false })
}

// Invalidate clears the session after any backend call was answered with
// 401. The API client has already evicted the token key; the persisted
// blob must go too or the next hydration would resurrect it.
func (s *Session) Invalidate(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Remove(ctx, s.browserID, storage.KeyToken); err != nil {
		s.logger.Warn(ctx, "token_evict_failed", "failed to evict token", logx.Err("STORAGE_ERROR", err)...)
	}
	s.setAndPersist(ctx, func(st *State) { st.User, st.Token, st.IsAuthenticated = nil, "", false })
}

// Login returns the welcome notice on success. On failure the session is
// left unauthenticated and the *Error carries the backend detail.
func (s *Session) Login(ctx context.Context, email string, password string) (string, error) {
	s.setLoading(true)
	defer s.setLoading(false)

	resp, err := s.api.Login(ctx, email, password)
	if err != nil {
		return "", &Error{Message: apiclient.Detail(err, "Login failed"), Err: err}
	}
	if err := s.adopt(ctx, resp); err != nil {
		return "", &Error{Message: "Login failed", Err: err}
	}
	s.logger.Info(ctx, "session_login", "user signed in", slog.String("user_id", resp.User.UID), slog.String("role", resp.User.Role))
	return fmt.Sprintf("Welcome back, %s! (Role: %s)", resp.User.FullName, resp.User.Role), nil
}

func (s *Session) Register(ctx context.Context, email string, password string, fullName string) (string, error) {
	s.setLoading(true)
	defer s.setLoading(false)

	resp, err := s.api.Register(ctx, email, password, fullName)
	if err != nil {
		return "", &Error{Message: apiclient.Detail(err, "Registration failed"), Err: err}
	}
	if err := s.adopt(ctx, resp); err != nil {
		return "", &Error{Message: "Registration failed", Err: err}
	}
	s.logger.Info(ctx, "session_register", "user registered", slog.String("user_id", resp.User.UID))
	return fmt.Sprintf("Welcome, %s!", resp.User.FullName), nil
}

func (s *Session) adopt(ctx context.Context, resp models.AuthResponse) error {
	if resp.AccessToken == "" {
		return errors.New("backend returned no access token")
	}
	if err := s.store.Set(ctx, s.browserID, storage.KeyToken, resp.AccessToken); err != nil {
		return err
	}
	user := resp.User
	s.setAndPersist(ctx, func(st *State) {
		st.User = &user
		st.Token = resp.AccessToken
		st.IsAuthenticated = true
	})
	if claims, err := tokenx.Inspect(resp.AccessToken); err == nil && !claims.ExpiresAt.IsZero() {
		s.logger.Debug(ctx, "session_token_expiry", "token expiry", slog.Time("expires_at", claims.ExpiresAt))
	}
	return nil
}

// Logout always succeeds locally. The backend call is best effort and
// bounded by remoteLogoutTimeout; clearing storage does not depend on the
// request still being live.
func (s *Session) Logout(ctx context.Context) string {
	rctx, cancel := context.WithTimeout(ctx, remoteLogoutTimeout)
	err := s.api.Logout(rctx)
	cancel()
	if err != nil {
		s.logger.Warn(ctx, "session_logout_remote_failed", "backend logout failed", logx.Err("UPSTREAM_ERROR", err)...)
	}

	ctx = context.WithoutCancel(ctx)
	if err := s.store.Remove(ctx, s.browserID,
		storage.KeyToken,
		storage.KeyAuthState,
		storage.KeyChatMessages,
		storage.KeyChatSessionID,
		storage.KeyChatUserID,
	); err != nil {
		s.logger.Error(ctx, "session_logout_clear_failed", "failed to clear client storage", logx.Err("STORAGE_ERROR", err)...)
	}
	metricsx.IncSessionEviction("logout")
	s.mu.Lock()
	s.state.User, s.state.Token, s.state.IsAuthenticated = nil, "", false
	s.mu.Unlock()
	return "Logged out successfully"
}

// RefreshUser re-reads the current user. Without a token it does nothing.
// A failure keeps the cached user and returns a notice.
func (s *Session) RefreshUser(ctx context.Context) error {
	token, ok, err := s.store.Get(ctx, s.browserID, storage.KeyToken)
	if err != nil {
		return &Error{Message: "Failed to refresh profile", Err: err}
	}
	if !ok || token == "" {
		return nil
	}
	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		s.logger.Warn(ctx, "session_refresh_failed", "failed to refresh user", logx.Err("UPSTREAM_ERROR", err)...)
		return &Error{Message: "Failed to refresh profile", Err: err}
	}
	s.setAndPersist(ctx, func(st *State) { st.User = &user })
	return nil
}

// TokenExpiry reads the exp claim of the current token for display.
func (s *Session) TokenExpiry() (time.Time, bool) {
	st := s.State()
	if st.Token == "" {
		return time.Time{}, false
	}
	claims, err := tokenx.Inspect(st.Token)
	if err != nil || claims.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return claims.ExpiresAt, true
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	s.state.IsLoading = v
	s.mu.Unlock()
}

func (s *Session) setAndPersist(ctx context.Context, mutate func(*State)) {
	s.mu.Lock()
	mutate(&s.state)
	blob := persisted{Version: persistVersion, State: persistedState{
		User:            s.state.User,
		IsAuthenticated: s.state.IsAuthenticated,
	}}
	if s.state.Token != "" {
		tok := s.state.Token
		blob.State.Token = &tok
	}
	s.mu.Unlock()

	b, err := json.Marshal(blob)
	if err != nil {
		s.logger.Error(ctx, "session_persist_failed", "failed to encode session", logx.Err("INTERNAL_ERROR", err)...)
		return
	}
	if err := s.store.Set(ctx, s.browserID, storage.KeyAuthState, string(b)); err != nil {
		s.logger.Error(ctx, "session_persist_failed", "failed to persist session", logx.Err("STORAGE_ERROR", err)...)
	}
}

type contextKey struct{}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}
