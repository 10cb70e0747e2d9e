package session

import (
	"net/http"
	"strings"
	"time"

	"aula/cmd/internal/account"
)

// TokenFromRequest extracts a candidate session token for the given role.
// Precedence: role-scoped cookie, then the legacy shared cookie, then the
// Authorization bearer header. ok is false when no candidate is present.
func (c Config) TokenFromRequest(r *http.Request, role account.Role) (string, bool) {
	if r == nil {
		return "", false
	}

	if v, ok := cookieValue(r, CookieName(role)); ok {
		return v, true
	}
	if v, ok := cookieValue(r, c.LegacyCookieName); ok {
		return v, true
	}
	if v := bearerToken(r); v != "" {
		return v, true
	}
	return "", false
}

// SetSessionCookie writes the role-scoped cookie carrying a fresh token.
func (c Config) SetSessionCookie(w http.ResponseWriter, role account.Role, token string, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(role),
		Value:    token,
		Path:     c.CookiePath,
		Domain:   c.CookieDomain,
		Expires:  now.Add(c.CookieMaxAge),
		MaxAge:   int(c.CookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.CookieSecure,
		SameSite: c.CookieSameSite,
	})
}

// ExpireLegacyCookie expires the legacy shared cookie. A successful login
// calls this alongside SetSessionCookie so a stale shared credential cannot
// keep shadowing the fresh role cookie through the fallback lookup.
func (c Config) ExpireLegacyCookie(w http.ResponseWriter) {
	c.expireCookie(w, c.LegacyCookieName)
}

// ClearSessionCookies expires the role-scoped cookie and the legacy shared
// cookie so stale credentials cannot shadow a future login.
func (c Config) ClearSessionCookies(w http.ResponseWriter, role account.Role) {
	c.expireCookie(w, CookieName(role))
	c.expireCookie(w, c.LegacyCookieName)
}

func (c Config) expireCookie(w http.ResponseWriter, name string) {
	if strings.TrimSpace(name) == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     c.CookiePath,
		Domain:   c.CookieDomain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.CookieSecure,
		SameSite: c.CookieSameSite,
	})
}

func cookieValue(r *http.Request, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	ck, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(ck.Value)
	if v == "" {
		return "", false
	}
	return v, true
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
