package session

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"aula/cmd/internal/account"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls the token TTL, cookie transport attributes, and the HMAC
// signing secret. Explicit and environment-driven so production deployments
// can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of session tokens.
	Issuer string

	// TokenTTL is the lifetime of issued session tokens.
	TokenTTL time.Duration

	// CookieMaxAge is the cookie lifetime. Deliberately independent of
	// TokenTTL: a cookie may well outlive its token, at which point requests
	// fail verification and the client re-authenticates.
	CookieMaxAge time.Duration

	// Leeway is the allowed clock skew during token validation.
	Leeway time.Duration

	// SigningSecret is the HMAC-SHA256 key for token signatures.
	// Required; minimum 32 bytes.
	SigningSecret []byte

	// LegacyCookieName is the shared cookie older clients still send.
	// Accepted on read, cleared on login.
	LegacyCookieName string

	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
}

// DefaultConfig returns a development-grade configuration. The signing
// secret must still be supplied via env.
func DefaultConfig() Config {
	return Config{
		Issuer:           "aula",
		TokenTTL:         2 * time.Hour,
		CookieMaxAge:     12 * time.Hour,
		Leeway:           30 * time.Second,
		LegacyCookieName: "aula_session",
		CookiePath:       "/",
		CookieSecure:     false,
		CookieSameSite:   http.SameSiteLaxMode,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - AULA_SESSION_SIGNING_SECRET (>= 32 bytes)
//
// Optional:
//   - AULA_SESSION_ISSUER
//   - AULA_SESSION_TOKEN_TTL
//   - AULA_SESSION_COOKIE_MAX_AGE
//   - AULA_SESSION_LEEWAY
//   - AULA_SESSION_COOKIE_DOMAIN
//   - AULA_SESSION_COOKIE_SECURE
//   - AULA_SESSION_COOKIE_SAMESITE (lax|strict|none)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("AULA_SESSION_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("AULA_SESSION_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TokenTTL = d
	}

	if v := os.Getenv("AULA_SESSION_COOKIE_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.CookieMaxAge = d
	}

	if v := os.Getenv("AULA_SESSION_LEEWAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.Leeway = d
	}

	cfg.CookieDomain = strings.TrimSpace(os.Getenv("AULA_SESSION_COOKIE_DOMAIN"))

	if v := os.Getenv("AULA_SESSION_COOKIE_SECURE"); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.CookieSecure = b
	}

	switch strings.ToLower(strings.TrimSpace(os.Getenv("AULA_SESSION_COOKIE_SAMESITE"))) {
	case "":
		// keep default
	case "lax":
		cfg.CookieSameSite = http.SameSiteLaxMode
	case "strict":
		cfg.CookieSameSite = http.SameSiteStrictMode
	case "none":
		cfg.CookieSameSite = http.SameSiteNoneMode
	default:
		return Config{}, ErrConfig
	}

	secret := os.Getenv("AULA_SESSION_SIGNING_SECRET")
	if len(secret) < 32 {
		return Config{}, ErrConfig
	}
	cfg.SigningSecret = []byte(secret)

	return cfg, nil
}

// CookieName returns the role-scoped session cookie name.
func CookieName(role account.Role) string {
	return "aula_" + string(role) + "_session"
}

// RequireActiveOnRequest reports whether the guard for a role must insist
// on active lifecycle status. Students may keep using the product while
// pending; every other role must be active.
func RequireActiveOnRequest(role account.Role) bool {
	return role != account.RoleStudent
}

// AllowPendingLogin reports whether a pending account of this role may log
// in at all.
func AllowPendingLogin(role account.Role) bool {
	return role == account.RoleStudent
}
