package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Design notes:
//   - The pgx pool is owned by the caller; this store must NOT close it.
//   - Schema/table identifiers are safely quoted to avoid SQL injection via
//     identifiers.
//   - Every mutation is a single UPDATE so the per-row atomicity of Postgres
//     carries the one-atomic-write-per-account contract.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "aula").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("account: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("account: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "aula",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("account: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) accounts() string {
	return pgx.Identifier{s.schema, "accounts"}.Sanitize()
}

const accountColumns = `id, role, login, password_hash, status, presence,
	session_token, token_expires_at, last_seen_at, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Role, &a.Login, &a.PasswordHash, &a.Status, &a.Presence,
		&a.SessionToken, &a.TokenExpiresAt, &a.LastSeenAt, &a.CreatedAt,
	)
	return a, err
}

func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Account, error) {
	const op = "account.Create"

	login := NormalizeLogin(in.Login)
	if login == "" || in.PasswordHash == "" {
		return Account{}, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if _, ok := ParseRole(string(in.Role)); !ok {
		return Account{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "unknown role"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	status := in.Status
	if status == "" {
		status = InitialStatus(in.Role)
	}

	id, err := NewID(now)
	if err != nil {
		return Account{}, OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.accounts()+` (id, role, login, password_hash, status, presence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+accountColumns,
		id, in.Role, login, in.PasswordHash, status, PresenceOffline, now,
	)
	a, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, OpError{Op: op, Kind: ErrConflict, Msg: "login"}
		}
		return Account{}, OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	return a, nil
}

func (s *PostgresStore) GetByLogin(ctx context.Context, role Role, login string) (Account, error) {
	const op = "account.GetByLogin"

	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM `+s.accounts()+` WHERE role = $1 AND login = $2`,
		role, NormalizeLogin(login),
	)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Account{}, OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	return a, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, role Role, id string) (Account, error) {
	const op = "account.GetByID"

	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM `+s.accounts()+` WHERE role = $1 AND id = $2`,
		role, id,
	)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, OpError{Op: op, Kind: ErrNotFound}
	}
	if err != nil {
		return Account{}, OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	return a, nil
}

func (s *PostgresStore) BindSession(ctx context.Context, id string, token string, expiresAt, now time.Time) error {
	const op = "account.BindSession"
	if token == "" || expiresAt.IsZero() {
		return OpError{Op: op, Kind: ErrInvalidInput}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.accounts()+`
		 SET session_token = $2, token_expires_at = $3, presence = $4, last_seen_at = $5
		 WHERE id = $1`,
		id, token, expiresAt, PresenceOnline, now,
	)
	if err != nil {
		return OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

func (s *PostgresStore) ClearSession(ctx context.Context, id string, now time.Time) error {
	const op = "account.ClearSession"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.accounts()+`
		 SET session_token = NULL, token_expires_at = NULL, presence = $2, last_seen_at = $3
		 WHERE id = $1`,
		id, PresenceOffline, now,
	)
	if err != nil {
		return OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

func (s *PostgresStore) SetPresence(ctx context.Context, id string, p Presence, now time.Time) error {
	const op = "account.SetPresence"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.accounts()+` SET presence = $2, last_seen_at = $3 WHERE id = $1`,
		id, p, now,
	)
	if err != nil {
		return OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, id string, now time.Time) error {
	const op = "account.TouchLastSeen"

	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.accounts()+` SET last_seen_at = $2 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	return nil
}

func (s *PostgresStore) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]StaleRef, error) {
	const op = "account.ListStaleOnline"

	rows, err := s.pool.Query(ctx,
		`SELECT id, role FROM `+s.accounts()+`
		 WHERE presence = $1 AND (last_seen_at IS NULL OR last_seen_at < $2)`,
		PresenceOnline, cutoff,
	)
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	defer rows.Close()

	var out []StaleRef
	for rows.Next() {
		var ref StaleRef
		if err := rows.Scan(&ref.ID, &ref.Role); err != nil {
			return nil, OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, OpError{Op: op, Kind: ErrStorage, Msg: err.Error()}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
