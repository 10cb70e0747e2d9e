// Package account is Aula's credential store: one record per user, tagged
// with a fixed role, holding the password hash, the single session-token
// slot, and presence state.
package account

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role is the closed set of account roles. Exactly one role per account,
// immutable after creation.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
	RoleGuardian   Role = "guardian"
)

// Roles lists every valid role in a stable order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleInstructor, RoleStudent, RoleGuardian}
}

// ParseRole maps a wire string onto a Role. ok is false for anything outside
// the closed set.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleInstructor, RoleStudent, RoleGuardian:
		return Role(s), true
	default:
		return "", false
	}
}

// Status is the account lifecycle state.
type Status string

const (
	// StatusPending means the account exists but is not yet cleared for
	// full authentication (instructor approval flow).
	StatusPending Status = "pending"
	// StatusActive is the normal state.
	StatusActive Status = "active"
)

// Presence is the persisted realtime presence state.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Account is the canonical credential record.
//
// Invariant: an account has at most one valid (SessionToken, TokenExpiresAt)
// pair at any time. Binding a new token replaces the old pair in the same
// write; this single slot is the sole revocation mechanism.
type Account struct {
	ID           string
	Role         Role
	Login        string
	PasswordHash string

	Status   Status
	Presence Presence

	SessionToken   *string
	TokenExpiresAt *time.Time
	LastSeenAt     *time.Time

	CreatedAt time.Time
}

// Redacted returns a copy safe to hand to request handlers: the password
// hash and stored token are stripped.
func (a Account) Redacted() Account {
	a.PasswordHash = ""
	a.SessionToken = nil
	return a
}

// InitialStatus returns the lifecycle status a freshly registered account
// gets for the given role. Instructors await approval; everyone else starts
// active.
func InitialStatus(role Role) Status {
	if role == RoleInstructor {
		return StatusPending
	}
	return StatusActive
}

// NewID returns a new ULID account id (26 chars, lexicographically sortable).
func NewID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
