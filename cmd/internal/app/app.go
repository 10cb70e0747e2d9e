// Package app wires the Aula server runtime: config, logging, storage,
// the auth endpoints, and the presence channel.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"aula/cmd/internal/account"
	authapi "aula/cmd/internal/auth/api"
	"aula/cmd/internal/auth/session"
	"aula/cmd/internal/presence"
	"aula/cmd/internal/realtime"
	"aula/cmd/security/password"
)

// App is the Aula server runtime.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	rdb       *redis.Client

	accounts account.Store
	sessions *session.Service
	coord    *presence.Coordinator

	auth *authapi.Handler
	gw   *realtime.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	accounts, dbPool, dbEnabled, err := newAccountStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	closeOnErr := func() {
		if dbPool != nil {
			dbPool.Close()
		}
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		closeOnErr()
		return nil, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		closeOnErr()
		return nil, err
	}
	tokens, err := session.NewTokenManager(sessCfg)
	if err != nil {
		closeOnErr()
		return nil, err
	}
	sessions, err := session.NewService(sessCfg, log, accounts, tokens, pwCfg)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	coord := presence.NewCoordinator(log, presence.LoadConfigFromEnv(), accounts)

	authCfg := authapi.LoadConfigFromEnv()
	authOpts := []authapi.HandlerOption{authapi.WithSessionEvictor(coord)}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		authOpts = append(authOpts, authapi.WithLoginThrottle(
			authapi.NewLoginThrottle(log, rdb, authCfg.ThrottleMaxAttempts, authCfg.ThrottleWindow),
		))
		log.Info("throttle.enabled.redis", "addr", cfg.RedisAddr)
	} else {
		log.Info("throttle.disabled")
	}

	auth, err := authapi.NewHandler(log, authCfg, sessions, authOpts...)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	gw, err := realtime.NewGateway(log, realtime.LoadConfigFromEnv(), sessions, coord)
	if err != nil {
		closeOnErr()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		rdb:       rdb,
		accounts:  accounts,
		sessions:  sessions,
		coord:     coord,
		auth:      auth,
		gw:        gw,
	}, nil
}

// Run starts the HTTP server and the presence sweeper, blocking until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.auth, a.gw)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(mux), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go a.coord.RunSweeper(sweepCtx)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	stopSweep()
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newAccountStore decides between Postgres-backed persistence and the
// in-memory dev store.
func newAccountStore(ctx context.Context, cfg Config, log Logger) (account.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return account.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	store, err := account.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store")
	return store, pool, true, nil
}
