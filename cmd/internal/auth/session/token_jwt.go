package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aula/cmd/internal/account"
)

// Claims is the identity envelope embedded in a session token.
type Claims struct {
	AccountID string
	Role      account.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenManager issues and verifies signed session tokens.
//
// Issue has no side effects beyond signing; the canonical copy of an issued
// token lives on the account record for revocation checking.
type TokenManager interface {
	Issue(accountID string, role account.Role, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (Claims, error)
}

type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type hmacTokenManager struct {
	issuer string
	ttl    time.Duration
	leeway time.Duration
	secret []byte
}

// NewTokenManager builds a TokenManager signing HS256 JWTs with the
// configured shared secret.
func NewTokenManager(cfg Config) (TokenManager, error) {
	if len(cfg.SigningSecret) < 32 {
		return nil, ErrConfig
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrConfig
	}
	return &hmacTokenManager{
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		leeway: cfg.Leeway,
		secret: cfg.SigningSecret,
	}, nil
}

func (m *hmacTokenManager) Issue(accountID string, role account.Role, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)

	claims := jwtClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *hmacTokenManager) Verify(token string, now time.Time) (Claims, error) {
	var claims jwtClaims

	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(_ *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrUnauthenticated
	}

	role, ok := account.ParseRole(claims.Role)
	if !ok || claims.Subject == "" {
		return Claims{}, ErrUnauthenticated
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return Claims{}, ErrUnauthenticated
	}

	// Inclusive expiry: a token presented at exactly exp is already dead.
	if !now.Before(claims.ExpiresAt.Time) {
		return Claims{}, ErrUnauthenticated
	}

	return Claims{
		AccountID: claims.Subject,
		Role:      role,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
