package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"

	"smart-energy-console/shared/browserx"
	"smart-energy-console/shared/logx"
)

const BrowserCookie = "console_bid"

// BrowserMiddleware gives every browser a stable id in a signed cookie.
// A missing or tampered cookie gets a fresh id.
type BrowserMiddleware struct {
	Codec  *securecookie.SecureCookie
	Secure bool
	MaxAge int
	Logger logx.Logger
	Skip   func(*http.Request) bool
}

func NewBrowserCodec(hashKey string, blockKey string) *securecookie.SecureCookie {
	hk := []byte(hashKey)
	if len(hk) == 0 {
		hk = securecookie.GenerateRandomKey(64)
	}
	var bk []byte
	if blockKey != "" {
		bk = []byte(blockKey)
	}
	return securecookie.New(hk, bk)
}

func (m BrowserMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if c, err := r.Cookie(BrowserCookie); err == nil {
			var id string
			if err := m.Codec.Decode(BrowserCookie, c.Value, &id); err == nil && id != "" {
				next.ServeHTTP(w, r.WithContext(browserx.WithBrowser(r.Context(), browserx.Browser{ID: id})))
				return
			}
			m.Logger.Debug(r.Context(), "browser_cookie_rejected", "browser cookie failed verification")
		}

		id := uuid.NewString()
		encoded, err := m.Codec.Encode(BrowserCookie, id)
		if err != nil {
			m.Logger.Error(r.Context(), "browser_cookie_encode_failed", "failed to sign browser cookie", logx.Err("INTERNAL_ERROR", err)...)
		} else {
			http.SetCookie(w, &http.Cookie{
				Name:     BrowserCookie,
				Value:    encoded,
				Path:     "/",
				MaxAge:   m.MaxAge,
				HttpOnly: true,
				Secure:   m.Secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(browserx.WithBrowser(r.Context(), browserx.Browser{ID: id, Fresh: true})))
	})
}
