// Package presence keeps account presence coherent across the HTTP and
// realtime surfaces. It enforces a single live realtime connection per
// account, absorbs brief disconnects with a grace window, and sweeps
// accounts whose last-seen timestamp went stale.
package presence

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"aula/cmd/internal/account"
	"aula/cmd/internal/metrics"
)

const (
	defaultDisconnectGrace = 8 * time.Second
	defaultSweepInterval   = 60 * time.Second
	defaultStaleAfter      = 5 * time.Minute

	storeWriteTimeout = 5 * time.Second
)

// Conn is the coordinator's view of a live realtime connection.
type Conn interface {
	// ID identifies the connection, not the account.
	ID() string

	// Evict asks the connection to announce the reason and close. It must
	// not block and must be safe to call more than once.
	Evict(reason string)
}

// Config holds presence timing knobs.
type Config struct {
	// DisconnectGrace is how long a dropped connection may be replaced
	// before the account flips offline. Reconnects inside the window cause
	// no observable presence change.
	DisconnectGrace time.Duration

	// SweepInterval is how often the stale sweep runs.
	SweepInterval time.Duration

	// StaleAfter is the last-seen age beyond which an online account is
	// considered abandoned and forced offline.
	StaleAfter time.Duration
}

// DefaultConfig returns the standard presence timings.
func DefaultConfig() Config {
	return Config{
		DisconnectGrace: defaultDisconnectGrace,
		SweepInterval:   defaultSweepInterval,
		StaleAfter:      defaultStaleAfter,
	}
}

// LoadConfigFromEnv loads Config from AULA_PRESENCE_* environment variables,
// keeping defaults for anything unset or unparsable.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.DisconnectGrace = envDuration("AULA_PRESENCE_DISCONNECT_GRACE", cfg.DisconnectGrace)
	cfg.SweepInterval = envDuration("AULA_PRESENCE_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.StaleAfter = envDuration("AULA_PRESENCE_STALE_AFTER", cfg.StaleAfter)
	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

type connKey struct {
	role account.Role
	id   string
}

type connEntry struct {
	conn  Conn
	timer *time.Timer
}

// Coordinator owns the per-account connection registry and the presence
// writes that flow from it.
//
// Storage failures never propagate to callers: presence is advisory state,
// so writes are logged and dropped rather than surfaced.
type Coordinator struct {
	log   *slog.Logger
	cfg   Config
	store account.Store

	mu      sync.Mutex
	entries map[connKey]*connEntry
}

// NewCoordinator constructs a Coordinator over an account store.
func NewCoordinator(log *slog.Logger, cfg Config, store account.Store) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = defaultDisconnectGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Coordinator{
		log:     log,
		cfg:     cfg,
		store:   store,
		entries: make(map[connKey]*connEntry),
	}
}

// Connect registers a live connection for an account. An existing
// connection for the same account is evicted first; a pending grace timer
// is cancelled so a reconnect never flickers through offline.
func (c *Coordinator) Connect(ctx context.Context, role account.Role, accountID string, conn Conn) {
	key := connKey{role: role, id: accountID}

	c.mu.Lock()
	entry := c.entries[key]
	if entry == nil {
		entry = &connEntry{}
		c.entries[key] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	evicted := entry.conn
	entry.conn = conn
	c.mu.Unlock()

	if evicted != nil && evicted.ID() != conn.ID() {
		metrics.Evictions.Inc()
		c.log.Info("presence.conn.replaced", "role", role, "account_id", accountID, "old_conn", evicted.ID(), "new_conn", conn.ID())
		evicted.Evict("session.replaced")
	}

	c.setPresence(ctx, role, accountID, account.PresenceOnline)
}

// Disconnect reports that a connection closed. The account stays online for
// the grace window; only if no reconnect lands does it flip offline. Stale
// disconnects from an already-replaced connection are ignored.
func (c *Coordinator) Disconnect(role account.Role, accountID, connID string) {
	key := connKey{role: role, id: accountID}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[key]
	if entry == nil || entry.conn == nil || entry.conn.ID() != connID {
		return
	}
	entry.conn = nil

	entry.timer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.graceExpired(key)
	})
}

func (c *Coordinator) graceExpired(key connKey) {
	c.mu.Lock()
	entry := c.entries[key]
	if entry == nil || entry.conn != nil {
		// A reconnect won the race.
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	c.setPresence(ctx, key.role, key.id, account.PresenceOffline)

	// A Connect may have registered between the unlock and the offline
	// write, leaving its online write overwritten. Re-assert online for a
	// connection that is live again; any later Connect writes online after
	// this point on its own.
	if c.Connected(key.role, key.id) {
		c.setPresence(ctx, key.role, key.id, account.PresenceOnline)
		return
	}
	c.log.Info("presence.grace.expired", "role", key.role, "account_id", key.id)
}

// Heartbeat refreshes the account's last-seen timestamp.
func (c *Coordinator) Heartbeat(ctx context.Context, role account.Role, accountID string, now time.Time) {
	if err := c.store.TouchLastSeen(ctx, accountID, now); err != nil && !account.IsNotFound(err) {
		c.log.Warn("presence.heartbeat.touch.fail", "err", err, "account_id", accountID)
	}
}

// EvictSession tears down the account's live connection and pending grace
// timer. The caller has already ended the session, so no presence write
// happens here.
func (c *Coordinator) EvictSession(role account.Role, accountID, reason string) {
	key := connKey{role: role, id: accountID}

	c.mu.Lock()
	entry := c.entries[key]
	if entry == nil {
		c.mu.Unlock()
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	conn := entry.conn
	delete(c.entries, key)
	c.mu.Unlock()

	if conn != nil {
		metrics.Evictions.Inc()
		conn.Evict(reason)
	}
}

// Connected reports whether the account currently has a live connection.
func (c *Coordinator) Connected(role account.Role, accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[connKey{role: role, id: accountID}]
	return entry != nil && entry.conn != nil
}

// RunSweeper periodically forces stale online accounts offline. It blocks
// until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweep(ctx, time.Now().UTC())
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context, now time.Time) {
	cutoff := now.Add(-c.cfg.StaleAfter)
	stale, err := c.store.ListStaleOnline(ctx, cutoff)
	if err != nil {
		c.log.Error("presence.sweep.list.fail", "err", err)
		return
	}

	for _, ref := range stale {
		// Accounts with a live connection are not stale regardless of
		// last-seen age; the heartbeat path will catch them up.
		if c.Connected(ref.Role, ref.ID) {
			continue
		}
		c.setPresence(ctx, ref.Role, ref.ID, account.PresenceOffline)
		metrics.SweepOffline.Inc()
		c.log.Info("presence.sweep.offline", "role", ref.Role, "account_id", ref.ID)
	}
}

func (c *Coordinator) setPresence(ctx context.Context, role account.Role, accountID string, p account.Presence) {
	if err := c.store.SetPresence(ctx, accountID, p, time.Now().UTC()); err != nil && !account.IsNotFound(err) {
		c.log.Error("presence.store.fail", "err", err, "role", role, "account_id", accountID, "presence", p)
	}
}
