// Package authgate holds page rendering until the browser's session is
// hydrated and, when a token is present, verified once with the backend.
package authgate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"smart-energy-console/console/internal/session"
	"smart-energy-console/shared/browserx"
	"smart-energy-console/shared/logx"
)

type Phase int

const (
	PhaseHydrating Phase = iota
	PhaseVerifying
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseHydrating:
		return "hydrating"
	case PhaseVerifying:
		return "verifying"
	default:
		return "ready"
	}
}

// Placeholder is the loading text shown while the gate holds a page.
func (p Phase) Placeholder() string {
	switch p {
	case PhaseHydrating:
		return "Initializing..."
	case PhaseVerifying:
		return "Verifying authentication..."
	default:
		return ""
	}
}

// PhaseFor decides what the gate shows. A fired hydration fallback counts
// as hydrated.
func PhaseFor(st session.State, hydrationTimedOut bool, verifying bool) Phase {
	if !st.HasHydrated && !hydrationTimedOut {
		return PhaseHydrating
	}
	if verifying {
		return PhaseVerifying
	}
	return PhaseReady
}

type Gate struct {
	Sessions      *session.Manager
	VerifyTimeout time.Duration
	Logger        logx.Logger
	// Placeholder renders the loading page for a phase short of ready.
	Placeholder func(w http.ResponseWriter, r *http.Request, phase Phase)
	Skip        func(*http.Request) bool
}

// Wrap runs the gate for every request: one page request is one mount, so
// verification happens at most once per request.
func (g Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Skip != nil && g.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		s := g.Sessions.Open(browserx.IDFromContext(ctx))

		timedOut := s.Hydrate(ctx)
		verifying := s.State().Token != ""
		if verifying {
			g.verify(ctx, s)
		}
		if ctx.Err() != nil {
			// The client went away before the gate opened.
			g.hold(w, r, PhaseFor(s.State(), timedOut, verifying))
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithSession(ctx, s)))
	})
}

func (g Gate) verify(ctx context.Context, s *session.Session) {
	timeout := g.VerifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.CheckAuth(vctx); err != nil {
		g.Logger.Warn(ctx, "auth_gate_verify_failed", "session verification failed", logx.Err("STORAGE_ERROR", err)...)
	}
}

func (g Gate) hold(w http.ResponseWriter, r *http.Request, phase Phase) {
	g.Logger.Debug(r.Context(), "auth_gate_hold", "request ended before the gate opened", slog.String("phase", phase.String()))
	if g.Placeholder != nil {
		g.Placeholder(w, r, phase)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(phase.Placeholder()))
}
