package authapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"aula/cmd/internal/account"
	"aula/cmd/internal/auth/session"
	"aula/cmd/internal/metrics"
)

// Principal is the authenticated caller injected into the request context
// by RequireRole. Account is redacted; Token is the raw presented token.
type Principal struct {
	Account account.Account
	Token   string
}

type principalKey struct{}

// PrincipalFrom extracts the authenticated principal from a request context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireRole guards an endpoint for one role. It resolves the token from
// the request transport, runs the full session guard, and rejects with a
// stable error code per failure class.
func (h *Handler) RequireRole(role account.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := h.sessions.Config().TokenFromRequest(r, role)
		if !ok {
			metrics.GuardRejections.WithLabelValues("missing_token").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session token")
			return
		}

		acct, err := h.sessions.Authenticate(r.Context(), time.Now().UTC(), role, token)
		if err != nil {
			h.rejectGuard(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, Principal{
			Account: acct.Redacted(),
			Token:   token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) rejectGuard(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrRoleMismatch):
		metrics.GuardRejections.WithLabelValues("role_mismatch").Inc()
		writeError(w, http.StatusForbidden, "role_mismatch", "token was issued for a different role")
	case errors.Is(err, session.ErrAccountInactive):
		metrics.GuardRejections.WithLabelValues("account_inactive").Inc()
		writeError(w, http.StatusForbidden, "account_inactive", "account is not active")
	case errors.Is(err, session.ErrSessionRevoked):
		metrics.GuardRejections.WithLabelValues("session_revoked").Inc()
		writeError(w, http.StatusForbidden, "session_revoked", "session is no longer active")
	case errors.Is(err, session.ErrUnauthenticated):
		metrics.GuardRejections.WithLabelValues("unauthenticated").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
	default:
		h.log.Error("auth.guard.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
