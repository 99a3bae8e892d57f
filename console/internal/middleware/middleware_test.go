package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/securecookie"

	"smart-energy-console/console/internal/activity"
	"smart-energy-console/shared/browserx"
	"smart-energy-console/shared/events"
	"smart-energy-console/shared/logx"
)

func TestBrowserCookieIsIssuedAndReused(t *testing.T) {
	m := BrowserMiddleware{Codec: NewBrowserCodec("hash-key-for-tests", ""), Logger: logx.Nop()}
	var seen browserx.Browser
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = browserx.FromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen.ID == "" || !seen.Fresh {
		t.Fatalf("expected a fresh browser id, got %+v", seen)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != BrowserCookie || !cookies[0].HttpOnly {
		t.Fatalf("expected signed browser cookie, got %+v", cookies)
	}
	first := seen.ID

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.AddCookie(cookies[0])
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen.ID != first || seen.Fresh {
		t.Fatalf("expected the same browser id, got %+v", seen)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatalf("expected no new cookie for a known browser")
	}
}

func TestTamperedBrowserCookieIsReplaced(t *testing.T) {
	m := BrowserMiddleware{Codec: NewBrowserCodec("hash-key-for-tests", ""), Logger: logx.Nop()}
	other := securecookie.New([]byte("someone-elses-key"), nil)
	forged, err := other.Encode(BrowserCookie, "victim-browser")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var seen browserx.Browser
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = browserx.FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: BrowserCookie, Value: forged})
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen.ID == "victim-browser" || !seen.Fresh {
		t.Fatalf("expected forged cookie to be ignored, got %+v", seen)
	}
}

func TestLoginRateLimit(t *testing.T) {
	limiter := NewIPRateLimiter(1, 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	m := RateLimitMiddleware{Limiter: limiter, Skip: CredentialPostsOnly}
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	if post() != http.StatusOK || post() != http.StatusOK {
		t.Fatalf("expected burst of 2 to pass")
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}

	// Page views are never limited.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/login", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected GET to bypass the limiter, got %d", rr.Code)
	}

	now = now.Add(time.Second)
	if code := post(); code != http.StatusOK {
		t.Fatalf("expected a token after refill, got %d", code)
	}
}

type capturePublisher struct {
	mu   sync.Mutex
	got  []events.Envelope
	done chan struct{}
}

func (p *capturePublisher) Publish(ctx context.Context, env events.Envelope) error {
	p.mu.Lock()
	p.got = append(p.got, env)
	n := len(p.got)
	p.mu.Unlock()
	if n == 2 {
		close(p.done)
	}
	return nil
}

func TestActivityMiddlewarePublishesRecordedEvents(t *testing.T) {
	pub := &capturePublisher{done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/roles/{uid}", func(w http.ResponseWriter, r *http.Request) {
		activity.Record(r.Context(), events.TypeRoleChanged, activity.Actor{UserID: "u-admin", Role: "admin"}, map[string]string{"user_id": r.PathValue("uid")})
		activity.Record(r.Context(), events.TypeSessionEvicted, activity.Actor{}, nil)
		w.WriteHeader(http.StatusSeeOther)
	})
	m := ActivityMiddleware{Publisher: pub, Mux: mux, Logger: logx.Nop()}
	h := m.Wrap(mux)

	req := httptest.NewRequest(http.MethodPost, "/admin/roles/u-7", nil)
	req = req.WithContext(browserx.WithBrowser(req.Context(), browserx.Browser{ID: "b1"}))
	h.ServeHTTP(httptest.NewRecorder(), req)

	select {
	case <-pub.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("events were not published")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	first := pub.got[0]
	if first.EventType != events.TypeRoleChanged || first.BrowserID != "b1" || first.UserID != "u-admin" || string(first.Payload) != `{"user_id":"u-7"}` {
		t.Fatalf("unexpected envelope %+v", first)
	}
}
