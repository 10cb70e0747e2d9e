package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"aula/cmd/internal/account"
	"aula/cmd/security/password"
)

func testService(t *testing.T) (*Service, *account.MemoryStore) {
	t.Helper()

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	store := account.NewMemoryStore()
	tokens, err := NewTokenManager(testTokenConfig())
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(testTokenConfig(), log, store, tokens, pw)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func registerStudent(t *testing.T, svc *Service, login string) account.Account {
	t.Helper()
	acct, err := svc.Register(context.Background(), time.Now().UTC(), account.RoleStudent, login, "student-password")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return acct
}

func TestLogin_Success(t *testing.T) {
	t.Parallel()

	svc, store := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	registerStudent(t, svc, "sam")

	acct, token, exp, err := svc.Login(ctx, now, account.RoleStudent, "sam", "student-password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" || !exp.After(now) {
		t.Fatalf("missing token or bad expiry")
	}
	if acct.Presence != account.PresenceOnline {
		t.Fatalf("login should flip presence online")
	}

	stored, _ := store.GetByID(ctx, account.RoleStudent, acct.ID)
	if stored.SessionToken == nil || *stored.SessionToken != token {
		t.Fatalf("token not persisted on account")
	}
	if stored.TokenExpiresAt == nil || !stored.TokenExpiresAt.Equal(exp) {
		t.Fatalf("expiry not persisted on account")
	}
	if stored.LastSeenAt == nil {
		t.Fatalf("last seen not persisted on login")
	}
}

func TestLogin_UniformInvalidCredentials(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	registerStudent(t, svc, "sam")

	// Unknown identity and bad password must be indistinguishable.
	_, _, _, errUnknown := svc.Login(ctx, now, account.RoleStudent, "nobody", "student-password")
	_, _, _, errBadPw := svc.Login(ctx, now, account.RoleStudent, "sam", "wrong-password")

	if !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Fatalf("unknown identity: got %v", errUnknown)
	}
	if !errors.Is(errBadPw, ErrInvalidCredentials) {
		t.Fatalf("bad password: got %v", errBadPw)
	}
	if errUnknown.Error() != errBadPw.Error() {
		t.Fatalf("login failures must be indistinguishable: %q vs %q", errUnknown, errBadPw)
	}
}

func TestLogin_PendingInstructorRefused(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.Register(ctx, now, account.RoleInstructor, "taylor", "instructor-pass"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, _, _, err := svc.Login(ctx, now, account.RoleInstructor, "taylor", "instructor-pass")
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("pending instructor login: got %v", err)
	}
}

func TestLogin_SecondLoginWhileOnlineRefused(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	registerStudent(t, svc, "sam")

	if _, _, _, err := svc.Login(ctx, now, account.RoleStudent, "sam", "student-password"); err != nil {
		t.Fatalf("first login: %v", err)
	}
	_, _, _, err := svc.Login(ctx, now, account.RoleStudent, "sam", "student-password")
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second login: got %v", err)
	}
}

func TestNewLoginInvalidatesOldToken(t *testing.T) {
	t.Parallel()

	svc, _ := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acct := registerStudent(t, svc, "sam")

	_, t1, _, err := svc.Login(ctx, now, account.RoleStudent, "sam", "student-password")
	if err != nil {
		t.Fatalf("login#1: %v", err)
	}

	// Logout, then a second login issues a new token; the old one must be
	// rejected as revoked even though its embedded expiry is in the future.
	svc.Logout(ctx, now, account.RoleStudent, acct.ID)
	_, t2, _, err := svc.Login(ctx, now.Add(time.Second), account.RoleStudent, "sam", "student-password")
	if err != nil {
		t.Fatalf("login#2: %v", err)
	}
	if t1 == t2 {
		t.Fatalf("expected distinct tokens")
	}

	if _, err := svc.Authenticate(ctx, now.Add(2*time.Second), account.RoleStudent, t1); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("old token: expected ErrSessionRevoked, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, now.Add(2*time.Second), account.RoleStudent, t2); err != nil {
		t.Fatalf("new token should authenticate: %v", err)
	}
}

func TestAuthenticate_GuardSequence(t *testing.T) {
	t.Parallel()

	svc, store := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acct := registerStudent(t, svc, "sam")

	_, tok, _, err := svc.Login(ctx, now, account.RoleStudent, "sam", "student-password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	got, err := svc.Authenticate(ctx, now.Add(time.Second), account.RoleStudent, tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != acct.ID {
		t.Fatalf("wrong account resolved")
	}

	// Role mismatch: a valid student token presented to the admin guard.
	if _, err := svc.Authenticate(ctx, now.Add(time.Second), account.RoleAdmin, tok); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}

	// Garbage token.
	if _, err := svc.Authenticate(ctx, now, account.RoleStudent, "garbage"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	// Authenticate touches last-seen.
	stored, _ := store.GetByID(ctx, account.RoleStudent, acct.ID)
	if stored.LastSeenAt == nil || !stored.LastSeenAt.Equal(now.Add(time.Second)) {
		t.Fatalf("guard should touch last-seen, got %v", stored.LastSeenAt)
	}
}

func TestAuthenticate_StoredExpiryWins(t *testing.T) {
	t.Parallel()

	svc, store := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acct := registerStudent(t, svc, "sam")

	_, tok, _, err := svc.Login(ctx, now, account.RoleStudent, "sam", "student-password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	// Shrink the stored expiry below the token's embedded one; the server
	// side check must reject the token as revoked.
	if err := store.BindSession(ctx, acct.ID, tok, now.Add(time.Minute), now); err != nil {
		t.Fatalf("BindSession: %v", err)
	}
	if _, err := svc.Authenticate(ctx, now.Add(2*time.Minute), account.RoleStudent, tok); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked after stored expiry, got %v", err)
	}
}

func TestLogout_IdempotentAndFailOpen(t *testing.T) {
	t.Parallel()

	svc, store := testService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	acct := registerStudent(t, svc, "sam")

	_, tok, _, err := svc.Login(ctx, now, account.RoleStudent, "sam", "student-password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	svc.Logout(ctx, now, account.RoleStudent, acct.ID)
	svc.Logout(ctx, now, account.RoleStudent, acct.ID) // second logout is harmless
	svc.Logout(ctx, now, account.RoleStudent, "missing-account-id")

	stored, _ := store.GetByID(ctx, account.RoleStudent, acct.ID)
	if stored.SessionToken != nil || stored.Presence != account.PresenceOffline {
		t.Fatalf("logout should clear token and set offline")
	}

	// Replaying the old token after logout is rejected.
	if _, err := svc.Authenticate(ctx, now.Add(time.Second), account.RoleStudent, tok); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("replayed token: expected ErrSessionRevoked, got %v", err)
	}
}
