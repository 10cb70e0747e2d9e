package session

import "errors"

var (
	// ErrUnauthenticated covers missing, malformed, expired, or otherwise
	// unverifiable tokens, and token subjects that no longer resolve to an
	// account.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRoleMismatch is returned when a verified token carries a role other
	// than the one the guard protects. Callers map it to a forbidden
	// response.
	ErrRoleMismatch = errors.New("role mismatch")

	// ErrAccountInactive is returned when the account lifecycle status does
	// not permit the operation.
	ErrAccountInactive = errors.New("account inactive")

	// ErrSessionRevoked is returned when a signature-valid token no longer
	// matches the account's stored token slot, or the stored expiry has
	// passed. Distinguishable from ErrUnauthenticated by design.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrInvalidCredentials is the uniform login failure: unknown identity
	// and wrong password are intentionally indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionActive is returned when a login is attempted while the
	// account already has a live session.
	ErrSessionActive = errors.New("session already active")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
