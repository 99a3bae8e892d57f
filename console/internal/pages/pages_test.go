package pages

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/authgate"
	"smart-energy-console/console/internal/chat"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/session"
	"smart-energy-console/console/internal/storage"
	"smart-energy-console/shared/browserx"
	"smart-energy-console/shared/config"
	"smart-energy-console/shared/lockx"
	"smart-energy-console/shared/logx"
)

const testBrowser = "b1"

type backend struct {
	mu       sync.Mutex
	user     models.User
	failPath string
	badPath  string
	calls    []string
	bodies   map[string]string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	call := r.Method + " " + r.URL.Path
	b.calls = append(b.calls, call)
	if b.bodies == nil {
		b.bodies = map[string]string{}
	}
	b.bodies[call] = string(raw)
	user, failPath, badPath := b.user, b.failPath, b.badPath
	b.mu.Unlock()

	if badPath != "" && r.URL.Path == badPath {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail":"Invalid role"}`))
		return
	}

	if failPath != "" && r.URL.Path == failPath {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Could not validate credentials"}`))
		return
	}

	enc := json.NewEncoder(w)
	switch {
	case r.URL.Path == "/api/v1/auth/me":
		_ = enc.Encode(user)
	case r.URL.Path == "/api/v1/auth/login":
		_ = enc.Encode(models.AuthResponse{AccessToken: "fresh-token", User: user})
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/complaints/":
		_ = enc.Encode([]models.Complaint{
			{ID: "c1", ComplaintNumber: "C-1", Title: "Flicker", Status: "pending", Priority: "high", Zone: "lobby"},
			{ID: "c2", ComplaintNumber: "C-2", Title: "Outage", Status: "pending", Priority: "critical", Zone: "roof"},
			{ID: "c3", ComplaintNumber: "C-3", Title: "Noise", Status: "in_progress", Priority: "low", Zone: "lobby"},
		})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/complaints/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/complaints/")
		_ = enc.Encode(models.Complaint{ID: id, ComplaintNumber: "C-1", Title: "Flicker", Status: "pending", Priority: "high", Zone: "lobby"})
	case r.URL.Path == "/api/v1/users/":
		_ = enc.Encode([]models.User{user})
	case r.URL.Path == "/api/v1/admin/stats":
		_ = enc.Encode(models.Stats{TotalUsers: 4, ActiveUsers: 3, TotalComplaints: 3, PendingComplaints: 2})
	case r.URL.Path == "/api/v1/chat/examples":
		_, _ = w.Write([]byte(`{"examples":["Show solar production"]}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func (b *backend) count(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (b *backend) body(call string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[call]
}

type testEnv struct {
	backend *backend
	store   *storage.MemoryStore
	handler http.Handler
}

func newTestEnv(t *testing.T, role string) *testEnv {
	t.Helper()
	be := &backend{user: models.User{UID: "u1", Email: "a@example.com", FullName: "Ada", Role: role, IsActive: true}}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	store := storage.NewMemoryStore(0)
	api, err := apiclient.New(config.Config{APIBaseURL: srv.URL, APITimeoutMS: 5000}, store)
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	h, err := New(Deps{
		API:         api,
		Transcripts: &chat.Transcript{Store: store, API: api, Locker: lockx.NewMemoryLocker(), Logger: logx.Nop()},
		Flash:       NewFlash([]byte("0123456789abcdef0123456789abcdef"), nil, false, logx.Nop()),
		Logger:      logx.Nop(),
		BackendURL:  srv.URL,
	})
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	gate := authgate.Gate{
		Sessions:      &session.Manager{Store: store, API: api, Logger: logx.Nop(), HydrationTimeout: time.Second},
		VerifyTimeout: time.Second,
		Logger:        logx.Nop(),
		Placeholder:   h.Placeholder,
	}
	inner := gate.Wrap(mux)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := browserx.WithBrowser(r.Context(), browserx.Browser{ID: testBrowser})
		inner.ServeHTTP(w, r.WithContext(ctx))
	})
	return &testEnv{backend: be, store: store, handler: handler}
}

// signIn stores a session the way a previous login would have left it.
func (e *testEnv) signIn(t *testing.T) {
	t.Helper()
	blob, err := json.Marshal(map[string]any{
		"state":   map[string]any{"token": "tok", "user": e.backend.user, "isAuthenticated": true},
		"version": 0,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx := context.Background()
	if err := e.store.Set(ctx, testBrowser, storage.KeyAuthState, string(blob)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := e.store.Set(ctx, testBrowser, storage.KeyToken, "tok"); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func (e *testEnv) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func expectRedirect(t *testing.T, rr *httptest.ResponseRecorder, to string) {
	t.Helper()
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Location"); got != to {
		t.Fatalf("expected redirect to %q, got %q", to, got)
	}
}

func TestSignedOutPagesGoToLogin(t *testing.T) {
	env := newTestEnv(t, models.RoleUser)
	for _, path := range []string{"/", "/chat", "/admin", "/complaints", "/dashboard"} {
		expectRedirect(t, env.get(path), "/login")
	}
	if n := env.backend.count("GET /api/v1/auth/me"); n != 0 {
		t.Fatalf("expected no verification without a token, got %d", n)
	}
	if rr := env.get("/login"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "admin@example.com") {
		t.Fatalf("expected login page with test logins, got %d", rr.Code)
	}
}

func TestRoleGuards(t *testing.T) {
	user := newTestEnv(t, models.RoleUser)
	user.signIn(t)
	expectRedirect(t, user.get("/admin"), "/chat")
	expectRedirect(t, user.get("/complaints"), "/chat")
	expectRedirect(t, user.post("/complaints/c1/start", nil), "/chat")

	admin := newTestEnv(t, models.RoleAdmin)
	admin.signIn(t)
	rr := admin.get("/admin")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected admin page, got %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, "User Management") || !strings.Contains(body, "a@example.com") {
		t.Fatalf("expected user table in admin page")
	}
}

func TestChangeRoleWithoutRoleMakesNoCall(t *testing.T) {
	env := newTestEnv(t, models.RoleAdmin)
	env.signIn(t)
	expectRedirect(t, env.post("/admin/roles/u2", url.Values{"role": {""}, "full_name": {"Bob"}}), "/admin")
	if n := env.backend.count("POST /api/v1/admin/roles/u2"); n != 0 {
		t.Fatalf("expected no role change call, got %d", n)
	}

	expectRedirect(t, env.post("/admin/roles/u2", url.Values{"role": {models.RoleEngineer}, "full_name": {"Bob"}}), "/admin")
	if n := env.backend.count("POST /api/v1/admin/roles/u2"); n != 1 {
		t.Fatalf("expected one role change call, got %d", n)
	}
}

func TestComplaintCounters(t *testing.T) {
	pending, inProgress := countStatuses([]models.Complaint{
		{Status: "pending"}, {Status: "pending"}, {Status: "in_progress"}, {Status: "resolved"}, {Status: "closed"},
	})
	if pending != 2 || inProgress != 1 {
		t.Fatalf("expected 2 pending and 1 in progress, got %d and %d", pending, inProgress)
	}

	env := newTestEnv(t, models.RoleEngineer)
	env.signIn(t)
	rr := env.get("/complaints?status=all&view=c1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected complaints page, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{`<div class="big">3</div>`, "Start Working", "Flicker"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in complaints page", want)
		}
	}
}

func TestResolveWithoutNotesKeepsModalOpen(t *testing.T) {
	env := newTestEnv(t, models.RoleEngineer)
	env.signIn(t)
	rr := env.post("/complaints/c1/resolve", url.Values{
		"resolution_notes": {"   "},
		"complaint_number": {"C-1"},
		"title":            {"Flicker"},
		"status":           {"pending"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected the page to re-render, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Please provide resolution notes") || !strings.Contains(body, "/complaints/c1/resolve") {
		t.Fatalf("expected resolve modal with error")
	}
	if n := env.backend.count("PATCH /api/v1/complaints/c1"); n != 0 {
		t.Fatalf("expected no update call, got %d", n)
	}
	if n := env.backend.count("GET /api/v1/complaints/") + env.backend.count("GET /api/v1/complaints/c1"); n != 0 {
		t.Fatalf("expected no complaint reads, got %d", n)
	}
	if !strings.Contains(body, "Flicker") || !strings.Contains(body, `value="pending"`) {
		t.Fatalf("expected modal rebuilt from the posted form")
	}
}

func TestResolveSendsStatusAndNotes(t *testing.T) {
	env := newTestEnv(t, models.RoleEngineer)
	env.signIn(t)
	expectRedirect(t, env.post("/complaints/c1/resolve", url.Values{
		"resolution_notes": {"Replaced the fuse"},
		"status":           {"pending"},
	}), "/complaints?status=pending")

	var patch map[string]string
	if err := json.Unmarshal([]byte(env.backend.body("PATCH /api/v1/complaints/c1")), &patch); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if patch["status"] != "resolved" || patch["resolution_notes"] != "Replaced the fuse" {
		t.Fatalf("unexpected patch %v", patch)
	}
}

func TestStartChecksCurrentStatus(t *testing.T) {
	env := newTestEnv(t, models.RoleEngineer)
	env.signIn(t)
	expectRedirect(t, env.post("/complaints/c1/start", url.Values{"current": {"resolved"}}), "/complaints?view=c1")
	if n := env.backend.count("PATCH /api/v1/complaints/c1"); n != 0 {
		t.Fatalf("expected no update for a resolved complaint, got %d", n)
	}

	expectRedirect(t, env.post("/complaints/c1/start", url.Values{"current": {"pending"}, "status": {"pending"}}), "/complaints?status=pending")
	var patch map[string]string
	if err := json.Unmarshal([]byte(env.backend.body("PATCH /api/v1/complaints/c1")), &patch); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if patch["status"] != "in_progress" {
		t.Fatalf("unexpected patch %v", patch)
	}
}

func TestBackendUnauthorizedClearsSession(t *testing.T) {
	env := newTestEnv(t, models.RoleEngineer)
	env.signIn(t)
	env.backend.mu.Lock()
	env.backend.failPath = "/api/v1/energy/dashboard"
	env.backend.mu.Unlock()

	expectRedirect(t, env.get("/dashboard"), "/login")

	ctx := context.Background()
	if _, ok, _ := env.store.Get(ctx, testBrowser, storage.KeyToken); ok {
		t.Fatalf("expected token to be evicted")
	}
	blob, _, _ := env.store.Get(ctx, testBrowser, storage.KeyAuthState)
	if !strings.Contains(blob, `"isAuthenticated":false`) || strings.Contains(blob, `"token":"tok"`) {
		t.Fatalf("expected persisted session to be cleared, got %s", blob)
	}
	expectRedirect(t, env.get("/chat"), "/login")
}

func TestUnauthorizedSecondaryReadsSignOut(t *testing.T) {
	cases := []struct {
		name     string
		role     string
		path     string
		failPath string
	}{
		{"complaint detail", models.RoleEngineer, "/complaints?view=c1", "/api/v1/complaints/c1"},
		{"complaint resolve modal", models.RoleAdmin, "/complaints?resolve=c1", "/api/v1/complaints/c1"},
		{"admin role modal", models.RoleAdmin, "/admin?edit=u2", "/api/v1/users/u2"},
		{"chat capabilities", models.RoleUser, "/chat", "/api/v1/chat/capabilities"},
		{"chat examples", models.RoleUser, "/chat", "/api/v1/chat/examples"},
		{"chat pending badge", models.RoleEngineer, "/chat", "/api/v1/complaints/"},
		{"dashboard lights", models.RoleUser, "/dashboard?panel=lights", "/api/v1/lighting/status"},
		{"dashboard analytics", models.RoleUser, "/dashboard?panel=analytics", "/api/v1/energy/solar"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.role)
			env.signIn(t)
			env.backend.mu.Lock()
			env.backend.failPath = tc.failPath
			env.backend.mu.Unlock()

			expectRedirect(t, env.get(tc.path), "/login")

			ctx := context.Background()
			if _, ok, _ := env.store.Get(ctx, testBrowser, storage.KeyToken); ok {
				t.Fatalf("expected token to be evicted")
			}
			if blob, _, _ := env.store.Get(ctx, testBrowser, storage.KeyAuthState); strings.Contains(blob, `"token":"tok"`) {
				t.Fatalf("expected persisted token to be gone, got %s", blob)
			}
			env.backend.mu.Lock()
			env.backend.failPath = ""
			env.backend.mu.Unlock()
			expectRedirect(t, env.get("/chat"), "/login")
		})
	}
}

func TestChangeRoleFailureEscapesEditTarget(t *testing.T) {
	env := newTestEnv(t, models.RoleAdmin)
	env.signIn(t)
	env.backend.mu.Lock()
	env.backend.badPath = "/api/v1/admin/roles/a&edit=b"
	env.backend.mu.Unlock()

	rr := env.post("/admin/roles/a%26edit%3Db", url.Values{"role": {"engineer"}})
	expectRedirect(t, rr, "/admin?edit=a%26edit%3Db")
	if n := env.backend.count("POST /api/v1/admin/roles/a&edit=b"); n != 1 {
		t.Fatalf("expected one role change call, got %d", n)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	env := newTestEnv(t, models.RoleUser)
	rr := env.post("/register", url.Values{"email": {"new@example.com"}, "full_name": {"New"}, "password": {"short"}})
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Password must be at least 8 characters long") {
		t.Fatalf("expected register page with error, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "new@example.com") {
		t.Fatalf("expected email to be kept")
	}
	if n := env.backend.count("POST /api/v1/auth/register"); n != 0 {
		t.Fatalf("expected no register call, got %d", n)
	}
}

func TestLoginStoresToken(t *testing.T) {
	env := newTestEnv(t, models.RoleUser)
	expectRedirect(t, env.post("/login", url.Values{"email": {"a@example.com"}, "password": {"user12345"}}), "/chat")
	tok, ok, _ := env.store.Get(context.Background(), testBrowser, storage.KeyToken)
	if !ok || tok != "fresh-token" {
		t.Fatalf("expected token to be stored, got %q", tok)
	}
}

func TestLogoutClearsStorage(t *testing.T) {
	env := newTestEnv(t, models.RoleUser)
	env.signIn(t)
	ctx := context.Background()
	_ = env.store.Set(ctx, testBrowser, storage.KeyChatMessages, `[]`)
	_ = env.store.Set(ctx, testBrowser, storage.KeyChatUserID, "u1")

	expectRedirect(t, env.post("/logout", nil), "/login")
	for _, key := range []string{storage.KeyToken, storage.KeyAuthState, storage.KeyChatMessages, storage.KeyChatUserID} {
		if _, ok, _ := env.store.Get(ctx, testBrowser, key); ok {
			t.Fatalf("expected %s to be removed", key)
		}
	}
	if n := env.backend.count("POST /api/v1/auth/logout"); n != 1 {
		t.Fatalf("expected backend logout, got %d", n)
	}
}

func TestChatPageShowsWelcome(t *testing.T) {
	env := newTestEnv(t, models.RoleUser)
	env.signIn(t)
	rr := env.get("/chat")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected chat page, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Ada") || !strings.Contains(body, "Show solar production") {
		t.Fatalf("expected welcome and suggested commands")
	}
	if strings.Contains(body, "pending-badge") {
		t.Fatalf("expected no complaints badge for a plain user")
	}
}

func TestNotificationsSkipPlainUsers(t *testing.T) {
	env := newTestEnv(t, models.RoleUser)
	env.signIn(t)
	if rr := env.get(NotificationsPath); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestNotificationsReportUnauthorized(t *testing.T) {
	env := newTestEnv(t, models.RoleEngineer)
	env.signIn(t)
	env.backend.mu.Lock()
	env.backend.failPath = "/api/v1/complaints/"
	env.backend.mu.Unlock()

	rr := env.get(NotificationsPath)
	if !strings.Contains(rr.Body.String(), "event: unauthorized") {
		t.Fatalf("expected unauthorized event, got %q", rr.Body.String())
	}
	if _, ok, _ := env.store.Get(context.Background(), testBrowser, storage.KeyToken); ok {
		t.Fatalf("expected token to be evicted")
	}
}
