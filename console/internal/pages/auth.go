package pages

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"smart-energy-console/console/internal/apiclient"
	"smart-energy-console/console/internal/session"
	"smart-energy-console/shared/events"
)

type testLogin struct {
	Label    string
	Email    string
	Password string
}

var testLogins = []testLogin{
	{Label: "Test Admin", Email: "admin@example.com", Password: "admin123"},
	{Label: "Test User", Email: "user@example.com", Password: "user12345"},
}

type authForm struct {
	Email      string
	FullName   string
	TestLogins []testLogin
}

const minPasswordLen = 8

func (h *Handlers) landing(w http.ResponseWriter, r *http.Request) {
	if s, ok := session.FromContext(r.Context()); ok && s.Authenticated() {
		redirect(w, r, "/chat")
		return
	}
	redirect(w, r, "/login")
}

func (h *Handlers) loginPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "login", page{Title: "Sign in", Body: authForm{TestLogins: testLogins}})
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		redirect(w, r, "/login")
		return
	}
	email := strings.TrimSpace(r.FormValue("email"))
	password := r.FormValue("password")

	notice, err := s.Login(r.Context(), email, password)
	if err != nil {
		h.record(r, events.TypeLoginFailed, nil, map[string]string{"email": email})
		msg := loginError(err, "Login failed. Please try again.")
		if isUnauthorized(err) {
			// 401 always lands on the login screen, even from here.
			h.flash.Add(w, r, KindError, msg)
			redirect(w, r, "/login")
			return
		}
		h.render(w, r, http.StatusOK, "login", page{
			Title:   "Sign in",
			Notices: []Notice{{Kind: KindError, Text: msg}},
			Body:    authForm{Email: email, TestLogins: testLogins},
		})
		return
	}
	u := s.User()
	h.record(r, events.TypeLogin, u, nil)
	h.flash.Add(w, r, KindNotice, notice)
	redirect(w, r, "/chat")
}

func (h *Handlers) registerPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "register", page{Title: "Create Account", Body: authForm{}})
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		redirect(w, r, "/login")
		return
	}
	email := strings.TrimSpace(r.FormValue("email"))
	fullName := strings.TrimSpace(r.FormValue("full_name"))
	password := r.FormValue("password")
	form := authForm{Email: email, FullName: fullName}

	if utf8.RuneCountInString(password) < minPasswordLen {
		h.render(w, r, http.StatusOK, "register", page{
			Title:   "Create Account",
			Notices: []Notice{{Kind: KindError, Text: "Password must be at least 8 characters long"}},
			Body:    form,
		})
		return
	}

	notice, err := s.Register(r.Context(), email, password, fullName)
	if err != nil {
		msg := loginError(err, "Registration failed. Please try again.")
		if isUnauthorized(err) {
			h.flash.Add(w, r, KindError, msg)
			redirect(w, r, "/login")
			return
		}
		h.render(w, r, http.StatusOK, "register", page{
			Title:   "Create Account",
			Notices: []Notice{{Kind: KindError, Text: msg}},
			Body:    form,
		})
		return
	}
	h.record(r, events.TypeRegister, s.User(), nil)
	h.flash.Add(w, r, KindNotice, notice)
	redirect(w, r, "/chat")
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		redirect(w, r, "/login")
		return
	}
	u := s.User()
	notice := s.Logout(r.Context())
	h.record(r, events.TypeLogout, u, nil)
	h.flash.Add(w, r, KindNotice, notice)
	redirect(w, r, "/login")
}

// loginError prefers the backend's detail over the page's generic text.
func loginError(err error, fallback string) string {
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		return apiclient.Detail(sessErr.Err, fallback)
	}
	return apiclient.Detail(err, fallback)
}
