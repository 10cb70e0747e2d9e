package account

import (
	"context"
	"strings"
	"time"
)

// CreateInput describes a registration request. Login is normalized
// (lowercased, trimmed) before storage; Role is immutable afterwards.
type CreateInput struct {
	Role         Role
	Login        string
	PasswordHash string
	Status       Status
	Now          time.Time
}

// StaleRef identifies an online account whose last-seen timestamp has gone
// stale; the presence sweeper forces these offline.
type StaleRef struct {
	ID   string
	Role Role
}

// Store is the credential-store persistence boundary.
//
// Concurrency contract: every mutation is a single atomic per-record write.
// Login, logout, the request guard, and the presence coordinator all mutate
// accounts concurrently; the last write wins and multi-field updates must
// never be split into read-modify-write sequences.
type Store interface {
	Create(ctx context.Context, in CreateInput) (Account, error)

	// GetByLogin loads an account by normalized login, filtered by role.
	GetByLogin(ctx context.Context, role Role, login string) (Account, error)

	// GetByID loads an account by id, filtered by role.
	GetByID(ctx context.Context, role Role, id string) (Account, error)

	// BindSession stores a new (token, expiry) pair, flips presence online,
	// and updates last-seen in one atomic write. Any previously stored token
	// is invalidated by the same write.
	BindSession(ctx context.Context, id string, token string, expiresAt, now time.Time) error

	// ClearSession drops the token slot and flips presence offline in one
	// atomic write. Idempotent: clearing an empty slot is a no-op success.
	ClearSession(ctx context.Context, id string, now time.Time) error

	// SetPresence persists presence state. Idempotent.
	SetPresence(ctx context.Context, id string, p Presence, now time.Time) error

	// TouchLastSeen updates the last-seen timestamp. Best-effort for callers:
	// the guard must not fail a request when this errors.
	TouchLastSeen(ctx context.Context, id string, now time.Time) error

	// ListStaleOnline returns accounts with presence online whose last-seen
	// is older than cutoff (or never set). Used by the stale sweep.
	ListStaleOnline(ctx context.Context, cutoff time.Time) ([]StaleRef, error)
}

// NormalizeLogin canonicalizes a login handle for storage and lookup.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
