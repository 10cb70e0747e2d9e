package session

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"time"

	"aula/cmd/internal/account"
	"aula/cmd/security/password"
)

// Service implements the high-level session operations for Aula.
//
// It registers accounts, authenticates logins under the single-session
// policy, validates tokens against the account's stored token slot
// (revocation), and performs fail-open logout.
type Service struct {
	cfg      Config
	log      *slog.Logger
	tokens   TokenManager
	accounts account.Store
	pw       password.Config

	// dummyHash is verified when login hits an unknown identity, so lookup
	// misses and password mismatches take comparable time.
	dummyHash string
}

// NewService constructs a Service from configuration, an account store, and
// a token manager.
func NewService(cfg Config, log *slog.Logger, accounts account.Store, tokens TokenManager, pw password.Config) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if accounts == nil || tokens == nil {
		return nil, ErrConfig
	}

	s := &Service{
		cfg:      cfg,
		log:      log,
		tokens:   tokens,
		accounts: accounts,
		pw:       pw,
	}

	if hash, err := pw.Hash("dummy-password-for-timing-only"); err == nil {
		s.dummyHash = hash
	}

	return s, nil
}

// Config returns the session configuration (cookie names, TTLs).
func (s *Service) Config() Config { return s.cfg }

// Register creates a new account with the role's initial lifecycle status.
// Password policy violations surface as the password package's errors.
func (s *Service) Register(ctx context.Context, now time.Time, role account.Role, login, plainPassword string) (account.Account, error) {
	hash, err := s.pw.Hash(plainPassword)
	if err != nil {
		return account.Account{}, err
	}

	return s.accounts.Create(ctx, account.CreateInput{
		Role:         role,
		Login:        login,
		PasswordHash: hash,
		Now:          now,
	})
}

// Login authenticates credentials for a role and, on success, binds a fresh
// token to the account: token, expiry, presence=online, and last-seen land
// in one atomic write.
//
// A login attempt while the account's presence is already online is refused
// with ErrSessionActive rather than silently replacing the live session.
func (s *Service) Login(ctx context.Context, now time.Time, role account.Role, login, plainPassword string) (account.Account, string, time.Time, error) {
	acct, err := s.accounts.GetByLogin(ctx, role, login)
	if err != nil {
		if account.IsNotFound(err) {
			// Timing resistance: burn a verify on the dummy hash.
			if s.dummyHash != "" {
				_, _ = s.pw.Verify(s.dummyHash, plainPassword)
			}
			return account.Account{}, "", time.Time{}, ErrInvalidCredentials
		}
		return account.Account{}, "", time.Time{}, err
	}

	ok, err := s.pw.Verify(acct.PasswordHash, plainPassword)
	if err != nil || !ok {
		return account.Account{}, "", time.Time{}, ErrInvalidCredentials
	}

	if acct.Status != account.StatusActive && !AllowPendingLogin(role) {
		return account.Account{}, "", time.Time{}, ErrAccountInactive
	}

	if acct.Presence == account.PresenceOnline {
		return account.Account{}, "", time.Time{}, ErrSessionActive
	}

	token, exp, err := s.tokens.Issue(acct.ID, role, now)
	if err != nil {
		return account.Account{}, "", time.Time{}, err
	}

	if err := s.accounts.BindSession(ctx, acct.ID, token, exp, now); err != nil {
		return account.Account{}, "", time.Time{}, err
	}

	acct.SessionToken = &token
	acct.TokenExpiresAt = &exp
	acct.Presence = account.PresenceOnline
	acct.LastSeenAt = &now

	s.log.Info("auth.login.ok", "role", role, "account_id", acct.ID)
	return acct, token, exp, nil
}

// Identify verifies a token's signature and embedded expiry without
// consulting the store. Logout uses it so a token that already lost the
// stored-slot race can still name the account it belonged to.
func (s *Service) Identify(rawToken string, now time.Time) (Claims, error) {
	claims, err := s.tokens.Verify(rawToken, now)
	if err != nil {
		return Claims{}, ErrUnauthenticated
	}
	return claims, nil
}

// Logout clears the account's token slot and flips presence offline.
//
// Fail-open boundary: storage errors are logged and swallowed so the
// caller-visible operation always succeeds, and repeated logouts are
// harmless.
func (s *Service) Logout(ctx context.Context, now time.Time, role account.Role, accountID string) {
	if err := s.accounts.ClearSession(ctx, accountID, now); err != nil && !account.IsNotFound(err) {
		s.log.Error("auth.logout.clear.fail", "err", err, "role", role, "account_id", accountID)
	}
}

// Authenticate runs the guard sequence for one role against a raw token:
//
//  1. verify signature and embedded expiry
//  2. confirm the embedded role matches the guarded role
//  3. load the account by id, filtered by role
//  4. enforce lifecycle status where the role requires it
//  5. cross-check the stored token slot and stored expiry (revocation)
//  6. touch last-seen, best-effort
//
// Status is checked strictly before revocation so a deactivated account
// yields a stable error distinct from a revoked token.
func (s *Service) Authenticate(ctx context.Context, now time.Time, role account.Role, rawToken string) (account.Account, error) {
	claims, err := s.tokens.Verify(rawToken, now)
	if err != nil {
		return account.Account{}, ErrUnauthenticated
	}

	if claims.Role != role {
		return account.Account{}, ErrRoleMismatch
	}

	acct, err := s.accounts.GetByID(ctx, role, claims.AccountID)
	if err != nil {
		if account.IsNotFound(err) {
			return account.Account{}, ErrUnauthenticated
		}
		return account.Account{}, err
	}

	if RequireActiveOnRequest(role) && acct.Status != account.StatusActive {
		return account.Account{}, ErrAccountInactive
	}

	if !storedTokenMatches(acct, rawToken, now) {
		return account.Account{}, ErrSessionRevoked
	}

	if err := s.accounts.TouchLastSeen(ctx, acct.ID, now); err != nil {
		s.log.Warn("auth.guard.touch.fail", "err", err, "account_id", acct.ID)
	}

	return acct, nil
}

// storedTokenMatches implements the server-side half of token validity: the
// presented token must equal the account's stored token and the stored
// expiry must not have passed. The single token slot is the sole revocation
// mechanism; there is no deny-list.
func storedTokenMatches(acct account.Account, rawToken string, now time.Time) bool {
	if acct.SessionToken == nil || acct.TokenExpiresAt == nil {
		return false
	}
	if len(*acct.SessionToken) != len(rawToken) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(*acct.SessionToken), []byte(rawToken)) != 1 {
		return false
	}
	return now.Before(*acct.TokenExpiresAt)
}
