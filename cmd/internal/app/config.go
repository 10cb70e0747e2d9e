package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisAddr enables the Redis-backed login throttle when set.
	RedisAddr string

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool

	// MetricsEnabled controls the /metrics endpoint.
	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("AULA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("AULA_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("AULA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("AULA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("AULA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("AULA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("AULA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("AULA_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("AULA_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("AULA_DB_MIN_CONNS", 0),

		RedisAddr: EnvString("AULA_REDIS_ADDR", ""),

		ReadinessRequireDB: EnvBool("AULA_READINESS_REQUIRE_DB", false),
		MetricsEnabled:     EnvBool("AULA_METRICS_ENABLED", true),
	}
}
