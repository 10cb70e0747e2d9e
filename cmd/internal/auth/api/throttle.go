package authapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"aula/cmd/internal/account"
)

// LoginThrottle limits login attempts per client IP and per (role, login)
// identifier using Redis counters with a fixed window.
//
// Fail-open boundary: when Redis is unreachable the throttle logs and
// admits the attempt, so an outage degrades abuse protection rather than
// logins.
type LoginThrottle struct {
	log    *slog.Logger
	rdb    *redis.Client
	max    int
	window time.Duration
}

// NewLoginThrottle constructs a throttle. A nil client or non-positive max
// yields a throttle that admits everything.
func NewLoginThrottle(log *slog.Logger, rdb *redis.Client, max int, window time.Duration) *LoginThrottle {
	if log == nil {
		log = slog.Default()
	}
	return &LoginThrottle{log: log, rdb: rdb, max: max, window: window}
}

// Allow reports whether a login attempt may proceed and, when blocked, how
// long the caller should wait.
func (t *LoginThrottle) Allow(ctx context.Context, ip string, role account.Role, login string) (bool, time.Duration) {
	if t == nil || t.rdb == nil || t.max <= 0 {
		return true, 0
	}

	if ip != "" {
		if ok := t.allowKey(ctx, "aula:login:ip:"+ip); !ok {
			return false, t.window
		}
	}
	if login != "" {
		if ok := t.allowKey(ctx, "aula:login:id:"+string(role)+":"+account.NormalizeLogin(login)); !ok {
			return false, t.window
		}
	}
	return true, 0
}

func (t *LoginThrottle) allowKey(ctx context.Context, key string) bool {
	count, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		t.log.Warn("auth.throttle.redis.fail", "err", err)
		return true
	}
	if count == 1 {
		if err := t.rdb.Expire(ctx, key, t.window).Err(); err != nil {
			t.log.Warn("auth.throttle.redis.fail", "err", err)
			return true
		}
	}
	return count <= int64(t.max)
}
