// Package authapi exposes Aula's per-role authentication endpoints over
// HTTP: register, login, logout, and the authenticated profile route, each
// mounted once per role under /auth/{role}/.
package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"aula/cmd/internal/account"
	"aula/cmd/internal/auth/session"
	"aula/cmd/internal/metrics"
	"aula/cmd/security/password"
)

// SessionEvictor disconnects an account's live realtime connections when
// its session ends outside the realtime channel (logout).
type SessionEvictor interface {
	EvictSession(role account.Role, accountID, reason string)
}

// Handler wires the per-role HTTP auth endpoints to the session service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service

	throttle *LoginThrottle
	evictor  SessionEvictor
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithLoginThrottle enables Redis-backed login throttling.
func WithLoginThrottle(t *LoginThrottle) HandlerOption {
	return func(h *Handler) {
		if h == nil || t == nil {
			return
		}
		h.throttle = t
	}
}

// WithSessionEvictor registers a hook that tears down realtime connections
// on logout.
func WithSessionEvictor(e SessionEvictor) HandlerOption {
	return func(h *Handler) {
		if h == nil || e == nil {
			return
		}
		h.evictor = e
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{log: log, cfg: cfg, sessions: sessions}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register mounts one route set per role onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	for _, role := range account.Roles() {
		role := role
		base := "/auth/" + string(role)
		mux.HandleFunc(base+"/register", func(w http.ResponseWriter, r *http.Request) {
			h.handleRegister(w, r, role)
		})
		mux.HandleFunc(base+"/login", func(w http.ResponseWriter, r *http.Request) {
			h.handleLogin(w, r, role)
		})
		mux.HandleFunc(base+"/logout", func(w http.ResponseWriter, r *http.Request) {
			h.handleLogout(w, r, role)
		})
		mux.Handle(base+"/me", h.RequireRole(role, http.HandlerFunc(h.handleMe)))
	}
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request, role account.Role) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	login := strings.TrimSpace(req.Login)
	if login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "login and password are required")
		return
	}

	now := time.Now().UTC()
	acct, err := h.sessions.Register(r.Context(), now, role, login, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "weak_password", "password does not meet the policy")
		case account.IsConflict(err):
			writeError(w, http.StatusConflict, "conflict", "login already exists for this role")
		case account.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
		default:
			h.log.Error("auth.register.fail", "err", err, "role", role)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{Account: toAccountResponse(acct.Redacted())})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request, role account.Role) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	login := strings.TrimSpace(req.Login)
	if login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "login and password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)

	if ok, retryAfter := h.throttle.Allow(ctx, ip, role, login); !ok {
		metrics.Logins.WithLabelValues(string(role), "rate_limited").Inc()
		writeRateLimited(w, retryAfter)
		return
	}

	acct, token, exp, err := h.sessions.Login(ctx, now, role, login, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			metrics.Logins.WithLabelValues(string(role), "invalid_credentials").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		case errors.Is(err, session.ErrAccountInactive):
			metrics.Logins.WithLabelValues(string(role), "inactive").Inc()
			writeError(w, http.StatusForbidden, "account_inactive", "account is not active")
		case errors.Is(err, session.ErrSessionActive):
			metrics.Logins.WithLabelValues(string(role), "session_active").Inc()
			writeError(w, http.StatusConflict, "session_already_active", "an active session already exists")
		default:
			metrics.Logins.WithLabelValues(string(role), "error").Inc()
			h.log.Error("auth.login.fail", "err", err, "role", role)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	metrics.Logins.WithLabelValues(string(role), "ok").Inc()
	cfg := h.sessions.Config()
	cfg.SetSessionCookie(w, role, token, now)
	cfg.ExpireLegacyCookie(w)
	writeJSON(w, http.StatusOK, loginResponse{
		Account:        toAccountResponse(acct.Redacted()),
		Token:          token,
		TokenExpiresAt: exp,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, role account.Role) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cfg := h.sessions.Config()
	token, ok := cfg.TokenFromRequest(r, role)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session token")
		return
	}

	now := time.Now().UTC()
	claims, err := h.sessions.Identify(token, now)
	if err != nil {
		// Expired or garbage token: nothing to revoke, but the client's
		// cookies still get cleared.
		cfg.ClearSessionCookies(w, role)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
		return
	}
	if claims.Role != role {
		writeError(w, http.StatusForbidden, "role_mismatch", "token was issued for a different role")
		return
	}

	h.sessions.Logout(r.Context(), now, role, claims.AccountID)
	if h.evictor != nil {
		h.evictor.EvictSession(role, claims.AccountID, "logout")
	}

	cfg.ClearSessionCookies(w, role)
	writeNoContent(w)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session token")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Account: toAccountResponse(p.Account)})
}

// ---- helpers ----

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
