package authapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aula/cmd/internal/account"
	"aula/cmd/internal/auth/session"
	"aula/cmd/security/password"
)

func testMux(t *testing.T, opts ...HandlerOption) (*http.ServeMux, *session.Service) {
	t.Helper()

	sessCfg := session.DefaultConfig()
	sessCfg.SigningSecret = []byte("0123456789abcdef0123456789abcdef")
	sessCfg.Leeway = 0

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	tokens, err := session.NewTokenManager(sessCfg)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := session.NewService(sessCfg, log, account.NewMemoryStore(), tokens, pw)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	h, err := NewHandler(log, DefaultConfig(), svc, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux, svc
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:51234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	mux, _ := testMux(t)
	creds := credentialsRequest{Login: "sam", Password: "a-strong-password"}

	if rec := doJSON(t, mux, http.MethodPost, "/auth/student/register", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: got %d, want 201", rec.Code)
	}

	rec := doJSON(t, mux, http.MethodPost, "/auth/student/login", "", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var loginResp loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if loginResp.Token == "" {
		t.Fatal("login response carries no token")
	}
	foundCookie := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName(account.RoleStudent) && c.Value == loginResp.Token {
			foundCookie = true
		}
	}
	if !foundCookie {
		t.Fatal("login did not set the role session cookie")
	}

	// The issued token passes the guard.
	if rec := doJSON(t, mux, http.MethodGet, "/auth/student/me", loginResp.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("me with fresh token: got %d, want 200", rec.Code)
	}

	// A second login while the session is live is refused, not rotated.
	rec = doJSON(t, mux, http.MethodPost, "/auth/student/login", "", creds)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second login: got %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec); code != "session_already_active" {
		t.Fatalf("second login code: got %q", code)
	}

	// The original token still works after the refused login.
	if rec := doJSON(t, mux, http.MethodGet, "/auth/student/me", loginResp.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("me after refused login: got %d, want 200", rec.Code)
	}

	if rec := doJSON(t, mux, http.MethodPost, "/auth/student/logout", loginResp.Token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: got %d, want 204", rec.Code)
	}

	// The token is signature-valid but its slot is gone: revoked.
	rec = doJSON(t, mux, http.MethodGet, "/auth/student/me", loginResp.Token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("me after logout: got %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "session_revoked" {
		t.Fatalf("me after logout code: got %q", code)
	}

	// Logout again with the same token: revocation already happened, the
	// endpoint stays quiet about it.
	if rec := doJSON(t, mux, http.MethodPost, "/auth/student/logout", loginResp.Token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("repeat logout: got %d, want 204", rec.Code)
	}
}

func TestGuardRejectsForeignRoleToken(t *testing.T) {
	t.Parallel()

	mux, _ := testMux(t)
	creds := credentialsRequest{Login: "sam", Password: "a-strong-password"}
	doJSON(t, mux, http.MethodPost, "/auth/student/register", "", creds)

	rec := doJSON(t, mux, http.MethodPost, "/auth/student/login", "", creds)
	var loginResp loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	rec = doJSON(t, mux, http.MethodGet, "/auth/guardian/me", loginResp.Token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("guardian me with student token: got %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "role_mismatch" {
		t.Fatalf("code: got %q, want role_mismatch", code)
	}

	// A student cookie is invisible to the guardian transport entirely.
	req := httptest.NewRequest(http.MethodGet, "/auth/guardian/me", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName(account.RoleStudent), Value: loginResp.Token})
	cookieRec := httptest.NewRecorder()
	mux.ServeHTTP(cookieRec, req)
	if cookieRec.Code != http.StatusUnauthorized {
		t.Fatalf("guardian me with student cookie: got %d, want 401", cookieRec.Code)
	}
}

func TestRegisterConflictAndValidation(t *testing.T) {
	t.Parallel()

	mux, _ := testMux(t)
	creds := credentialsRequest{Login: "casey", Password: "a-strong-password"}

	if rec := doJSON(t, mux, http.MethodPost, "/auth/guardian/register", "", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: got %d, want 201", rec.Code)
	}
	rec := doJSON(t, mux, http.MethodPost, "/auth/guardian/register", "", creds)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register: got %d, want 409", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/auth/guardian/register", "", credentialsRequest{Login: "dana", Password: "short"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password: got %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "weak_password" {
		t.Fatalf("weak password code: got %q", code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/auth/guardian/register", "", credentialsRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body fields: got %d, want 400", rec.Code)
	}
}

func TestPendingInstructorLoginRefused(t *testing.T) {
	t.Parallel()

	mux, _ := testMux(t)
	creds := credentialsRequest{Login: "prof", Password: "a-strong-password"}
	doJSON(t, mux, http.MethodPost, "/auth/instructor/register", "", creds)

	rec := doJSON(t, mux, http.MethodPost, "/auth/instructor/login", "", creds)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pending instructor login: got %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "account_inactive" {
		t.Fatalf("code: got %q, want account_inactive", code)
	}
}

func TestLoginExpiresLegacyCookie(t *testing.T) {
	t.Parallel()

	mux, _ := testMux(t)
	creds := credentialsRequest{Login: "lena", Password: "a-strong-password"}
	doJSON(t, mux, http.MethodPost, "/auth/student/register", "", creds)

	legacyName := session.DefaultConfig().LegacyCookieName

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(creds); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/auth/student/login", &buf)
	req.RemoteAddr = "192.0.2.10:51234"
	req.AddCookie(&http.Cookie{Name: legacyName, Value: "stale-shared-token"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d, want 200: %s", rec.Code, rec.Body.String())
	}

	roleCookieSet, legacyExpired := false, false
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case session.CookieName(account.RoleStudent):
			roleCookieSet = c.Value != ""
		case legacyName:
			legacyExpired = c.MaxAge < 0
		}
	}
	if !roleCookieSet {
		t.Fatal("login did not set the role session cookie")
	}
	if !legacyExpired {
		t.Fatal("login did not expire the legacy shared cookie")
	}
}

func TestLoginUnknownAccountIsUnauthorized(t *testing.T) {
	t.Parallel()

	mux, _ := testMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/auth/admin/login", "", credentialsRequest{Login: "ghost", Password: "whatever-password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown login: got %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_credentials" {
		t.Fatalf("code: got %q, want invalid_credentials", code)
	}
}

type recordingEvictor struct {
	role      account.Role
	accountID string
	reason    string
	calls     int
}

func (e *recordingEvictor) EvictSession(role account.Role, accountID, reason string) {
	e.role, e.accountID, e.reason = role, accountID, reason
	e.calls++
}

func TestLogoutNotifiesEvictor(t *testing.T) {
	t.Parallel()

	ev := &recordingEvictor{}
	mux, _ := testMux(t, WithSessionEvictor(ev))
	creds := credentialsRequest{Login: "sam", Password: "a-strong-password"}
	doJSON(t, mux, http.MethodPost, "/auth/student/register", "", creds)

	rec := doJSON(t, mux, http.MethodPost, "/auth/student/login", "", creds)
	var loginResp loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	if rec := doJSON(t, mux, http.MethodPost, "/auth/student/logout", loginResp.Token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: got %d, want 204", rec.Code)
	}
	if ev.calls != 1 || ev.role != account.RoleStudent || ev.reason != "logout" {
		t.Fatalf("evictor not notified as expected: %+v", ev)
	}
	if ev.accountID != loginResp.Account.ID {
		t.Fatalf("evictor account: got %q, want %q", ev.accountID, loginResp.Account.ID)
	}
}

func TestGuardTouchesLastSeen(t *testing.T) {
	t.Parallel()

	mux, svc := testMux(t)
	creds := credentialsRequest{Login: "sam", Password: "a-strong-password"}
	doJSON(t, mux, http.MethodPost, "/auth/student/register", "", creds)

	rec := doJSON(t, mux, http.MethodPost, "/auth/student/login", "", creds)
	var loginResp loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	before := time.Now().UTC()
	if rec := doJSON(t, mux, http.MethodGet, "/auth/student/me", loginResp.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("me: got %d, want 200", rec.Code)
	}

	acct, err := svc.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil).Context(), time.Now().UTC(), account.RoleStudent, loginResp.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if acct.LastSeenAt == nil || acct.LastSeenAt.Before(before.Add(-time.Second)) {
		t.Fatalf("last seen not advanced by guard: %v", acct.LastSeenAt)
	}
}
