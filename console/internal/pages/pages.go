// Package pages renders the console's screens. Every handler runs behind
// the auth gate, so the request context always carries a hydrated session.
package pages

import (
	"bytes"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"smart-energy-console/console/internal/activity"
	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/authgate"
	"smart-energy-console/console/internal/chat"
	"smart-energy-console/console/internal/models"
	"smart-energy-console/console/internal/session"
	"smart-energy-console/console/internal/telemetry"
	"smart-energy-console/shared/logx"
)

type Deps struct {
	API          *apiclient.Client
	Transcripts  *chat.Transcript
	Telemetry    telemetry.Recorder
	Flash        *Flash
	Logger       logx.Logger
	PollInterval time.Duration
	// BackendURL is shown on the dashboard.
	BackendURL string
}

type Handlers struct {
	api          *apiclient.Client
	transcripts  *chat.Transcript
	telemetry    telemetry.Recorder
	flash        *Flash
	logger       logx.Logger
	pollInterval time.Duration
	backendURL   string
	templates    map[string]*template.Template
}

func New(d Deps) (*Handlers, error) {
	if d.API == nil || d.Transcripts == nil || d.Flash == nil {
		return nil, errors.New("pages: api, transcripts and flash are required")
	}
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.Nop{}
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 30 * time.Second
	}
	return &Handlers{
		api:          d.API,
		transcripts:  d.Transcripts,
		telemetry:    d.Telemetry,
		flash:        d.Flash,
		logger:       d.Logger,
		pollInterval: d.PollInterval,
		backendURL:   d.BackendURL,
		templates:    tmpl,
	}, nil
}

// NotificationsPath is the event stream; it must bypass response buffering.
const NotificationsPath = "/chat/notifications"

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.landing)
	mux.HandleFunc("GET /login", h.loginPage)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("GET /register", h.registerPage)
	mux.HandleFunc("POST /register", h.register)
	mux.HandleFunc("POST /logout", h.logout)

	mux.HandleFunc("GET /chat", h.chatPage)
	mux.HandleFunc("POST /chat/send", h.chatSend)
	mux.HandleFunc("POST /chat/new", h.chatNew)
	mux.HandleFunc("POST /chat/refresh-profile", h.chatRefreshProfile)
	mux.HandleFunc("GET "+NotificationsPath, h.chatNotifications)

	mux.HandleFunc("GET /admin", h.adminPage)
	mux.HandleFunc("POST /admin/roles/{uid}", h.adminChangeRole)
	mux.HandleFunc("POST /admin/users/{uid}/active", h.adminSetActive)

	mux.HandleFunc("GET /complaints", h.complaintsPage)
	mux.HandleFunc("POST /complaints/{id}/start", h.complaintStart)
	mux.HandleFunc("POST /complaints/{id}/resolve", h.complaintResolve)

	mux.HandleFunc("GET /dashboard", h.dashboardPage)
	mux.HandleFunc("POST /dashboard/lights", h.dashboardLights)
	mux.HandleFunc("POST /dashboard/complaints", h.dashboardComplaint)
}

// Placeholder is the auth gate's loading page. It reloads itself so the
// browser retries once the session is ready.
func (h *Handlers) Placeholder(w http.ResponseWriter, r *http.Request, phase authgate.Phase) {
	h.render(w, r, http.StatusServiceUnavailable, "loading", page{
		Title: "Smart Energy",
		Body:  phase.Placeholder(),
	})
}

type page struct {
	Title   string
	User    *models.User
	Expires string
	Notices []Notice
	Body    any
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, status int, name string, p page) {
	t, ok := h.templates[name]
	if !ok {
		h.logger.Error(r.Context(), "template_missing", "unknown template", slog.String("template", name))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if p.Notices == nil {
		p.Notices = h.flash.Pop(w, r)
	}
	if s, ok := session.FromContext(r.Context()); ok && p.User == nil {
		p.User = s.User()
		if exp, ok := s.TokenExpiry(); ok {
			p.Expires = exp.UTC().Format("Jan 2 15:04 UTC")
		}
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, p); err != nil {
		h.logger.Error(r.Context(), "template_render_failed", "failed to render page", append(logx.Err("INTERNAL_ERROR", err), slog.String("template", name))...)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func redirect(w http.ResponseWriter, r *http.Request, to string) {
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// requireUser returns the signed-in user or sends the browser to /login.
func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (*session.Session, *models.User, bool) {
	s, ok := session.FromContext(r.Context())
	if !ok || !s.Authenticated() {
		redirect(w, r, "/login")
		return nil, nil, false
	}
	return s, s.User(), true
}

// unauthorized handles a 401 from any backend call: the whole session is
// dropped and the browser goes to the login screen.
func (h *Handlers) unauthorized(w http.ResponseWriter, r *http.Request, s *session.Session) {
	if s != nil {
		s.Invalidate(r.Context())
	}
	redirect(w, r, "/login")
}

func isUnauthorized(err error) bool {
	return errors.Is(err, apiclient.ErrUnauthorized)
}

func actor(u *models.User) activity.Actor {
	if u == nil {
		return activity.Actor{}
	}
	return activity.Actor{UserID: u.UID, Role: u.Role}
}

func (h *Handlers) record(r *http.Request, eventType string, u *models.User, payload any) {
	activity.Record(r.Context(), eventType, actor(u), payload)
}
