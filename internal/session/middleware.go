package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/threadline/storefront/internal/platform/requestctx"
)

// HeaderSessionID lets non-browser clients name their session explicitly.
const HeaderSessionID = "X-Session-ID"

// CookieOptions configures the session cookie.
type CookieOptions struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

// Middleware resolves the session id from the X-Session-ID header, then the cookie, and
// otherwise issues a new ULID and sets the cookie. The id is stored on the request context.
func Middleware(opts CookieOptions) func(http.Handler) http.Handler {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "sf_session"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := validID(r.Header.Get(HeaderSessionID))
			if !ok {
				if cookie, err := r.Cookie(name); err == nil {
					id, ok = validID(cookie.Value)
				}
			}
			if !ok {
				id = ulid.Make().String()
				http.SetCookie(w, &http.Cookie{
					Name:     name,
					Value:    id,
					Path:     "/",
					MaxAge:   int(opts.MaxAge / time.Second),
					HttpOnly: true,
					Secure:   opts.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			w.Header().Set(HeaderSessionID, id)
			next.ServeHTTP(w, r.WithContext(requestctx.WithSessionID(r.Context(), id)))
		})
	}
}

func validID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	id, err := ulid.ParseStrict(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
