package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testApp(t *testing.T) *App {
	t.Helper()

	t.Setenv("AULA_SESSION_SIGNING_SECRET", "0123456789abcdef0123456789abcdef")
	// Cheap hashing for tests.
	t.Setenv("AULA_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("AULA_ARGON2_ITERATIONS", "1")
	t.Setenv("AULA_ARGON2_PARALLELISM", "1")

	cfg := LoadConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func testAppMux(t *testing.T, a *App) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.auth, a.gw)
	return mux
}

func TestAppWiresInMemoryWithoutDatabase(t *testing.T) {
	a := testApp(t)
	if a.dbEnabled || a.dbPool != nil {
		t.Fatal("expected in-memory mode without AULA_DATABASE_URL")
	}
	if a.rdb != nil {
		t.Fatal("expected no redis client without AULA_REDIS_ADDR")
	}

	mux := testAppMux(t, a)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d, want 200", rec.Code)
	}
}

func TestAppServesAuthRoutes(t *testing.T) {
	a := testApp(t)
	mux := testAppMux(t, a)

	body := strings.NewReader(`{"login":"sam","password":"a-strong-password"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/student/register", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: got %d, want 201: %s", rec.Code, rec.Body.String())
	}

	body = strings.NewReader(`{"login":"sam","password":"a-strong-password"}`)
	req = httptest.NewRequest(http.MethodPost, "/auth/student/login", body)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: got %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Token == "" {
		t.Fatalf("login response missing token (err=%v)", err)
	}
}

func TestReadinessRequiresDBWhenConfigured(t *testing.T) {
	t.Setenv("AULA_READINESS_REQUIRE_DB", "true")
	a := testApp(t)
	mux := testAppMux(t, a)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without db: got %d, want 503", rec.Code)
	}
}

func TestNewFailsWithoutSigningSecret(t *testing.T) {
	t.Setenv("AULA_SESSION_SIGNING_SECRET", "")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(LoadConfig(), log); err == nil {
		t.Fatal("expected wiring failure without a signing secret")
	}
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	t.Setenv("AULA_HTTP_ADDR", "")
	t.Setenv("AULA_HTTP_READ_TIMEOUT", "")
	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("default addr: %q", cfg.HTTPAddr)
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Fatalf("default read timeout: %v", cfg.ReadTimeout)
	}
	if !cfg.MetricsEnabled {
		t.Fatal("metrics must default on")
	}

	t.Setenv("AULA_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("AULA_HTTP_READ_TIMEOUT", "30s")
	t.Setenv("AULA_METRICS_ENABLED", "false")
	cfg = LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" || cfg.ReadTimeout != 30*time.Second || cfg.MetricsEnabled {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("AULA_TEST_STR", "  value  ")
	if got := EnvString("AULA_TEST_STR", "def"); got != "value" {
		t.Fatalf("EnvString: %q", got)
	}
	if got := EnvString("AULA_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("EnvString default: %q", got)
	}

	t.Setenv("AULA_TEST_INT", "-3")
	if got := EnvInt("AULA_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt must reject non-positive: %d", got)
	}

	t.Setenv("AULA_TEST_DUR", "bogus")
	if got := EnvDuration("AULA_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("EnvDuration must fall back: %v", got)
	}

	t.Setenv("AULA_TEST_BOOL", "true")
	if !EnvBool("AULA_TEST_BOOL", false) {
		t.Fatal("EnvBool: want true")
	}
}
