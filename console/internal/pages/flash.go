package pages

import (
	"net/http"

	"github.com/gorilla/sessions"

	"smart-energy-console/shared/logx"
)

const flashSession = "console_flash"

const (
	KindNotice = "notice"
	KindError  = "error"
)

type Notice struct {
	Kind string
	Text string
}

// Flash carries one-shot notices across a redirect in a signed cookie.
type Flash struct {
	store  *sessions.CookieStore
	logger logx.Logger
}

func NewFlash(hashKey []byte, blockKey []byte, secure bool, logger logx.Logger) *Flash {
	keys := [][]byte{hashKey}
	if len(blockKey) > 0 {
		keys = append(keys, blockKey)
	}
	store := sessions.NewCookieStore(keys...)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Flash{store: store, logger: logger}
}

func (f *Flash) Add(w http.ResponseWriter, r *http.Request, kind string, text string) {
	sess, err := f.store.Get(r, flashSession)
	if err != nil {
		// A stale or forged cookie; Get still returns a fresh session.
		f.logger.Debug(r.Context(), "flash_cookie_reset", "flash cookie could not be decoded")
	}
	sess.AddFlash(text, kind)
	if err := sess.Save(r, w); err != nil {
		f.logger.Warn(r.Context(), "flash_save_failed", "failed to save flash", logx.Err("INTERNAL_ERROR", err)...)
	}
}

// Pop returns and clears pending notices, errors first.
func (f *Flash) Pop(w http.ResponseWriter, r *http.Request) []Notice {
	sess, err := f.store.Get(r, flashSession)
	if err != nil || sess.IsNew {
		return nil
	}
	var out []Notice
	for _, kind := range []string{KindError, KindNotice} {
		for _, v := range sess.Flashes(kind) {
			if s, ok := v.(string); ok {
				out = append(out, Notice{Kind: kind, Text: s})
			}
		}
	}
	if len(out) > 0 {
		if err := sess.Save(r, w); err != nil {
			f.logger.Warn(r.Context(), "flash_save_failed", "failed to clear flash", logx.Err("INTERNAL_ERROR", err)...)
		}
	}
	return out
}
