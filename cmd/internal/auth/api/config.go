package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds HTTP-facing knobs for the auth endpoints.
type Config struct {
	// MaxBodyBytes caps request bodies on auth endpoints.
	MaxBodyBytes int64

	// TrustProxy enables X-Forwarded-For / X-Real-IP when deriving the
	// client IP for throttling.
	TrustProxy bool

	// ThrottleMaxAttempts is the number of login attempts allowed per key
	// within ThrottleWindow. Zero disables throttling.
	ThrottleMaxAttempts int
	ThrottleWindow      time.Duration
}

// DefaultConfig returns production-leaning defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:        64 << 10,
		TrustProxy:          false,
		ThrottleMaxAttempts: 10,
		ThrottleWindow:      time.Minute,
	}
}

// LoadConfigFromEnv loads Config from AULA_AUTH_* environment variables,
// falling back to defaults for anything unset or unparsable.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("AULA_AUTH_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("AULA_AUTH_TRUST_PROXY"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.TrustProxy = b
		}
	}
	if v := os.Getenv("AULA_AUTH_THROTTLE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			cfg.ThrottleMaxAttempts = n
		}
	}
	if v := os.Getenv("AULA_AUTH_THROTTLE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			cfg.ThrottleWindow = d
		}
	}

	return cfg
}
