package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/storage"
	"smart-energy-console/shared/logx"
	"smart-energy-console/shared/tokenx"
)

type fakeAPI struct {
	loginResp  models.AuthResponse
	loginErr   error
	me         models.User
	meErr      error
	logoutErr  error
	logoutWait bool
	meCalls    int
	loginCalls int
}

func (f *fakeAPI) Login(ctx context.Context, email string, password string) (models.AuthResponse, error) {
	f.loginCalls++
	return f.loginResp, f.loginErr
}

func (f *fakeAPI) Register(ctx context.Context, email string, password string, fullName string) (models.AuthResponse, error) {
	return f.loginResp, f.loginErr
}

func (f *fakeAPI) CurrentUser(ctx context.Context) (models.User, error) {
	f.meCalls++
	return f.me, f.meErr
}

func (f *fakeAPI) Logout(ctx context.Context) error {
	if f.logoutWait {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.logoutErr
}

// ctxStore fails every operation once the caller's context is done, like
// the redis and postgres stores do.
type ctxStore struct {
	storage.Store
}

func (s ctxStore) Get(ctx context.Context, browserID string, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return s.Store.Get(ctx, browserID, key)
}

func (s ctxStore) Set(ctx context.Context, browserID string, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Set(ctx, browserID, key, value)
}

func (s ctxStore) Remove(ctx context.Context, browserID string, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Remove(ctx, browserID, keys...)
}

func newManager(store storage.Store, api API) *Manager {
	return &Manager{Store: store, API: api, Logger: logx.Nop(), HydrationTimeout: time.Second}
}

func adminLogin() models.AuthResponse {
	return models.AuthResponse{
		AccessToken: "tok-admin",
		User:        models.User{UID: "u-admin", Email: "admin@example.com", FullName: "Ada Admin", Role: models.RoleAdmin, IsActive: true},
	}
}

func TestLoginThenRehydrateRestoresUserAndToken(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	api := &fakeAPI{loginResp: adminLogin()}
	m := newManager(store, api)

	s := m.Open("b1")
	s.Hydrate(ctx)
	notice, err := s.Login(ctx, "admin@example.com", "admin123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if notice != "Welcome back, Ada Admin! (Role: admin)" {
		t.Fatalf("unexpected notice %q", notice)
	}

	// Next page load.
	reloaded := m.Open("b1")
	if timedOut := reloaded.Hydrate(ctx); timedOut {
		t.Fatalf("unexpected hydration timeout")
	}
	st := reloaded.State()
	if !st.HasHydrated || !st.IsAuthenticated {
		t.Fatalf("expected hydrated authenticated state, got %+v", st)
	}
	if st.Token != "tok-admin" || st.User == nil || st.User.UID != "u-admin" || st.User.Role != models.RoleAdmin {
		t.Fatalf("restored state differs from login: %+v", st)
	}
	if st.IsLoading {
		t.Fatalf("loading flag must not be persisted")
	}
}

func TestRehydrateResyncsTokenKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	m := newManager(store, &fakeAPI{loginResp: adminLogin()})
	s := m.Open("b1")
	s.Hydrate(ctx)
	if _, err := s.Login(ctx, "admin@example.com", "admin123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = store.Remove(ctx, "b1", storage.KeyToken)

	m.Open("b1").Hydrate(ctx)
	if v, ok, _ := store.Get(ctx, "b1", storage.KeyToken); !ok || v != "tok-admin" {
		t.Fatalf("expected token key to be restored, got %q ok=%v", v, ok)
	}
}

func TestHydrateWithCorruptBlobStillHydrates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	_ = store.Set(ctx, "b1", storage.KeyAuthState, "{not json")
	s := newManager(store, &fakeAPI{}).Open("b1")
	s.Hydrate(ctx)
	st := s.State()
	if !st.HasHydrated || st.IsAuthenticated || st.User != nil {
		t.Fatalf("expected empty hydrated state, got %+v", st)
	}
}

type stallingStore struct {
	storage.Store
}

func (s stallingStore) Get(ctx context.Context, browserID string, key string) (string, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}

func TestHydrateFallbackTimer(t *testing.T) {
	m := newManager(stallingStore{Store: storage.NewMemoryStore(0)}, &fakeAPI{})
	m.HydrationTimeout = 20 * time.Millisecond
	s := m.Open("b1")

	start := time.Now()
	if timedOut := s.Hydrate(context.Background()); !timedOut {
		t.Fatalf("expected fallback to fire")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("hydration blocked past its fallback")
	}
	if st := s.State(); !st.HasHydrated || st.IsAuthenticated {
		t.Fatalf("expected forced hydrated empty state, got %+v", st)
	}
}

func TestCheckAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("no token clears state", func(t *testing.T) {
		store := storage.NewMemoryStore(0)
		api := &fakeAPI{loginResp: adminLogin()}
		s := newManager(store, api).Open("b1")
		s.Hydrate(ctx)
		_, _ = s.Login(ctx, "admin@example.com", "admin123")
		_ = store.Remove(ctx, "b1", storage.KeyToken)

		if err := s.CheckAuth(ctx); err != nil {
			t.Fatalf("check auth: %v", err)
		}
		if s.Authenticated() || api.meCalls != 0 {
			t.Fatalf("expected cleared state without a backend call, calls=%d", api.meCalls)
		}
	})

	t.Run("accepted token replaces user", func(t *testing.T) {
		store := storage.NewMemoryStore(0)
		api := &fakeAPI{loginResp: adminLogin(), me: models.User{UID: "u-admin", FullName: "Ada Renamed", Role: models.RoleEngineer}}
		s := newManager(store, api).Open("b1")
		s.Hydrate(ctx)
		_, _ = s.Login(ctx, "admin@example.com", "admin123")

		if err := s.CheckAuth(ctx); err != nil {
			t.Fatalf("check auth: %v", err)
		}
		st := s.State()
		if !st.IsAuthenticated || st.User.FullName != "Ada Renamed" || st.User.Role != models.RoleEngineer {
			t.Fatalf("expected server copy of user, got %+v", st.User)
		}
	})

	t.Run("rejected token is evicted", func(t *testing.T) {
		store := storage.NewMemoryStore(0)
		api := &fakeAPI{loginResp: adminLogin(), meErr: &apiclient.APIError{Status: 401}}
		s := newManager(store, api).Open("b1")
		s.Hydrate(ctx)
		_, _ = s.Login(ctx, "admin@example.com", "admin123")

		if err := s.CheckAuth(ctx); err != nil {
			t.Fatalf("check auth: %v", err)
		}
		if s.Authenticated() {
			t.Fatalf("expected unauthenticated state")
		}
		if _, ok, _ := store.Get(ctx, "b1", storage.KeyToken); ok {
			t.Fatalf("expected token evicted")
		}
		reloaded := newManager(store, api).Open("b1")
		reloaded.Hydrate(ctx)
		if reloaded.State().IsAuthenticated {
			t.Fatalf("persisted blob must reflect the eviction")
		}
	})
}

type rejectAll struct{}

func (rejectAll) Verify(ctx context.Context, raw string) (tokenx.Claims, error) {
	return tokenx.Claims{}, tokenx.ErrInvalidToken
}

func TestCheckAuthLocalVerifierSkipsBackend(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	api := &fakeAPI{loginResp: adminLogin()}
	m := newManager(store, api)
	m.Verifier = rejectAll{}
	s := m.Open("b1")
	s.Hydrate(ctx)
	_, _ = s.Login(ctx, "admin@example.com", "admin123")

	_ = s.CheckAuth(ctx)
	if api.meCalls != 0 {
		t.Fatalf("expected no backend call for a locally rejected token")
	}
	if s.Authenticated() {
		t.Fatalf("expected unauthenticated state")
	}
}

func TestLoginFailureLeavesSessionUnauthenticated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"detail", &apiclient.APIError{Status: 401, Detail: "Incorrect email or password"}, "Incorrect email or password"},
		{"no detail", errors.New("dial tcp: refused"), "Login failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newManager(store, &fakeAPI{loginErr: tc.err}).Open("b-" + tc.name)
			s.Hydrate(ctx)
			_, err := s.Login(ctx, "x@example.com", "nope")
			var sErr *Error
			if !errors.As(err, &sErr) || sErr.Message != tc.want {
				t.Fatalf("expected message %q, got %v", tc.want, err)
			}
			if s.Authenticated() || s.State().IsLoading {
				t.Fatalf("unexpected state %+v", s.State())
			}
			if _, ok, _ := store.Get(ctx, "b-"+tc.name, storage.KeyToken); ok {
				t.Fatalf("failed login must not store a token")
			}
		})
	}
}

func TestRegisterNotice(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{loginResp: models.AuthResponse{AccessToken: "t", User: models.User{UID: "u2", FullName: "New Person", Role: models.RoleUser}}}
	s := newManager(storage.NewMemoryStore(0), api).Open("b1")
	s.Hydrate(ctx)
	notice, err := s.Register(ctx, "new@example.com", "longenough", "New Person")
	if err != nil || notice != "Welcome, New Person!" {
		t.Fatalf("unexpected register result %q %v", notice, err)
	}

	api.loginErr = &apiclient.APIError{Status: 400}
	if _, err := s.Register(ctx, "new@example.com", "longenough", "New Person"); err == nil || err.Error() != "Registration failed" {
		t.Fatalf("expected generic registration failure, got %v", err)
	}
}

func TestLogoutClearsEverythingEvenWhenServerFails(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	api := &fakeAPI{loginResp: adminLogin(), logoutErr: errors.New("backend down")}
	s := newManager(store, api).Open("b1")
	s.Hydrate(ctx)
	_, _ = s.Login(ctx, "admin@example.com", "admin123")
	_ = store.Set(ctx, "b1", storage.KeyChatMessages, "[]")
	_ = store.Set(ctx, "b1", storage.KeyChatSessionID, "s1")
	_ = store.Set(ctx, "b1", storage.KeyChatUserID, "u-admin")

	if notice := s.Logout(ctx); notice != "Logged out successfully" {
		t.Fatalf("unexpected notice %q", notice)
	}
	for _, key := range []string{storage.KeyToken, storage.KeyAuthState, storage.KeyChatMessages, storage.KeyChatSessionID, storage.KeyChatUserID} {
		if _, ok, _ := store.Get(ctx, "b1", key); ok {
			t.Fatalf("expected %s to be cleared", key)
		}
	}
	if s.Authenticated() || s.State().Token != "" {
		t.Fatalf("expected unauthenticated state after logout")
	}
}

func TestLogoutClearsStorageAfterRequestDeadline(t *testing.T) {
	mem := storage.NewMemoryStore(0)
	store := ctxStore{Store: mem}
	api := &fakeAPI{loginResp: adminLogin()}
	m := newManager(store, api)
	s := m.Open("b1")
	s.Hydrate(context.Background())
	if _, err := s.Login(context.Background(), "admin@example.com", "admin123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = mem.Set(context.Background(), "b1", storage.KeyChatMessages, "[]")

	api.logoutWait = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Logout(ctx)

	for _, key := range []string{storage.KeyToken, storage.KeyAuthState, storage.KeyChatMessages} {
		if _, ok, _ := mem.Get(context.Background(), "b1", key); ok {
			t.Fatalf("expected %s to be cleared after a hung backend logout", key)
		}
	}
	next := m.Open("b1")
	next.Hydrate(context.Background())
	if st := next.State(); st.IsAuthenticated || st.Token != "" {
		t.Fatalf("expected signed-out state on the next load, got %+v", st)
	}
}

func TestHydrateCancelledRequestIsNotATimeout(t *testing.T) {
	m := newManager(stallingStore{Store: storage.NewMemoryStore(0)}, &fakeAPI{})
	m.HydrationTimeout = time.Second
	s := m.Open("b1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if timedOut := s.Hydrate(ctx); timedOut {
		t.Fatalf("expected a cancelled request not to count as a hydration timeout")
	}
	if st := s.State(); st.HasHydrated || st.IsAuthenticated {
		t.Fatalf("expected an unhydrated session, got %+v", st)
	}
}

func TestRefreshUser(t *testing.T) {
	ctx := context.Background()

	t.Run("no token is a no-op", func(t *testing.T) {
		api := &fakeAPI{}
		s := newManager(storage.NewMemoryStore(0), api).Open("b1")
		s.Hydrate(ctx)
		if err := s.RefreshUser(ctx); err != nil || api.meCalls != 0 {
			t.Fatalf("expected no-op, err=%v calls=%d", err, api.meCalls)
		}
	})

	t.Run("failure keeps prior user", func(t *testing.T) {
		api := &fakeAPI{loginResp: adminLogin()}
		s := newManager(storage.NewMemoryStore(0), api).Open("b1")
		s.Hydrate(ctx)
		_, _ = s.Login(ctx, "admin@example.com", "admin123")
		api.meErr = errors.New("timeout")

		err := s.RefreshUser(ctx)
		if err == nil || err.Error() != "Failed to refresh profile" {
			t.Fatalf("expected refresh notice, got %v", err)
		}
		if u := s.User(); u == nil || u.FullName != "Ada Admin" {
			t.Fatalf("expected prior user to be retained, got %+v", u)
		}
	})

	t.Run("success replaces user", func(t *testing.T) {
		api := &fakeAPI{loginResp: adminLogin(), me: models.User{UID: "u-admin", FullName: "Ada Admin", Role: models.RoleUser}}
		s := newManager(storage.NewMemoryStore(0), api).Open("b1")
		s.Hydrate(ctx)
		_, _ = s.Login(ctx, "admin@example.com", "admin123")
		if err := s.RefreshUser(ctx); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if s.User().Role != models.RoleUser {
			t.Fatalf("expected refreshed role")
		}
	})
}
