package account

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used when no database is configured
// (dev mode) and by tests. It mirrors the atomic-write contract: every
// mutation happens under one lock acquisition.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Account
	byLogin map[loginKey]string // (role, login) -> id
}

type loginKey struct {
	role  Role
	login string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Account),
		byLogin: make(map[loginKey]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Account, error) {
	const op = "account.Create"
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

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

	s.mu.Lock()
	defer s.mu.Unlock()

	key := loginKey{role: in.Role, login: login}
	if _, exists := s.byLogin[key]; exists {
		return Account{}, OpError{Op: op, Kind: ErrConflict, Msg: "login"}
	}

	acct := Account{
		ID:           id,
		Role:         in.Role,
		Login:        login,
		PasswordHash: in.PasswordHash,
		Status:       status,
		Presence:     PresenceOffline,
		CreatedAt:    now,
	}
	s.byID[id] = &acct
	s.byLogin[key] = id
	return acct, nil
}

func (s *MemoryStore) GetByLogin(ctx context.Context, role Role, login string) (Account, error) {
	const op = "account.GetByLogin"
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byLogin[loginKey{role: role, login: NormalizeLogin(login)}]
	if !ok {
		return Account{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) GetByID(ctx context.Context, role Role, id string) (Account, error) {
	const op = "account.GetByID"
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok || acct.Role != role {
		return Account{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return *acct, nil
}

func (s *MemoryStore) BindSession(ctx context.Context, id string, token string, expiresAt, now time.Time) error {
	const op = "account.BindSession"
	if err := ctx.Err(); err != nil {
		return err
	}
	if token == "" || expiresAt.IsZero() {
		return OpError{Op: op, Kind: ErrInvalidInput}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}

	tok := token
	exp := expiresAt
	seen := now
	acct.SessionToken = &tok
	acct.TokenExpiresAt = &exp
	acct.Presence = PresenceOnline
	acct.LastSeenAt = &seen
	return nil
}

func (s *MemoryStore) ClearSession(ctx context.Context, id string, now time.Time) error {
	const op = "account.ClearSession"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}

	acct.SessionToken = nil
	acct.TokenExpiresAt = nil
	acct.Presence = PresenceOffline
	seen := now
	acct.LastSeenAt = &seen
	return nil
}

func (s *MemoryStore) SetPresence(ctx context.Context, id string, p Presence, now time.Time) error {
	const op = "account.SetPresence"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}

	acct.Presence = p
	seen := now
	acct.LastSeenAt = &seen
	return nil
}

func (s *MemoryStore) TouchLastSeen(ctx context.Context, id string, now time.Time) error {
	const op = "account.TouchLastSeen"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byID[id]
	if !ok {
		return OpError{Op: op, Kind: ErrNotFound}
	}

	seen := now
	acct.LastSeenAt = &seen
	return nil
}

func (s *MemoryStore) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]StaleRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StaleRef
	for _, acct := range s.byID {
		if acct.Presence != PresenceOnline {
			continue
		}
		if acct.LastSeenAt == nil || acct.LastSeenAt.Before(cutoff) {
			out = append(out, StaleRef{ID: acct.ID, Role: acct.Role})
		}
	}
	return out, nil
}
