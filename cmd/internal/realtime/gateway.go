// Package realtime is the WebSocket presence channel. A connection is
// authenticated at handshake time with the same session guard as HTTP,
// registered with the presence coordinator (one live connection per
// account), and exchanges heartbeat envelopes until closed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"aula/cmd/internal/account"
	"aula/cmd/internal/auth/session"
	"aula/cmd/internal/metrics"
	"aula/cmd/internal/presence"
)

const (
	wsSubprotocol = "aula.presence.v1"

	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 16

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsDefaultPingInterval = 30 * time.Second
	wsDefaultPingTimeout  = 10 * time.Second
	wsMaxPingFailures     = 3

	wsDefaultMaxFrameBytes = 16 << 10

	// Origin is required by default and only localhost is allowed, so a
	// dev deployment is closed until configured otherwise.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config holds gateway transport and policy knobs.
type Config struct {
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure disables TLS verification in websocket.Accept. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	PingInterval time.Duration
	PingTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	MaxFrameBytes int64
}

// DefaultConfig returns secure defaults.
func DefaultConfig() Config {
	return Config{
		OriginRequired:  wsDefaultOriginRequired,
		AllowedOrigins:  splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:    wsDefaultWriteTimeout,
		ReadIdleTimeout: wsDefaultReadIdle,
		SendQueueSize:   wsDefaultSendQueueSize,
		PingInterval:    wsDefaultPingInterval,
		PingTimeout:     wsDefaultPingTimeout,
		RateEvents:      defaultRateEvents,
		RateWindow:      defaultRateWindow,
		MaxFrameBytes:   wsDefaultMaxFrameBytes,
	}
}

// LoadConfigFromEnv loads Config from AULA_WS_* environment variables,
// keeping defaults for anything unset or unparsable.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.OriginRequired = envBool("AULA_WS_ORIGIN_REQUIRED", cfg.OriginRequired)
	if v := strings.TrimSpace(os.Getenv("AULA_WS_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	cfg.DevInsecure = envBool("AULA_WS_DEV_INSECURE", false)
	cfg.WriteTimeout = envDuration("AULA_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReadIdleTimeout = envDuration("AULA_WS_READ_IDLE_TIMEOUT", cfg.ReadIdleTimeout)
	cfg.SendQueueSize = envInt("AULA_WS_SEND_QUEUE", cfg.SendQueueSize)
	cfg.PingInterval = envDuration("AULA_WS_PING_INTERVAL", cfg.PingInterval)
	cfg.PingTimeout = envDuration("AULA_WS_PING_TIMEOUT", cfg.PingTimeout)
	cfg.RateEvents = envInt("AULA_WS_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = envDuration("AULA_WS_RATE_WINDOW", cfg.RateWindow)
	if v := envInt("AULA_WS_MAX_FRAME_BYTES", int(cfg.MaxFrameBytes)); v > 0 {
		cfg.MaxFrameBytes = int64(v)
	}
	return cfg
}

// Gateway is the WebSocket entrypoint for the presence channel.
type Gateway struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service
	presence *presence.Coordinator

	// Derived for websocket.Accept origin checks. Accept authorizes
	// same-host origins by itself; cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a gateway over the session guard and presence
// coordinator.
func NewGateway(log *slog.Logger, cfg Config, sessions *session.Service, coord *presence.Coordinator) (*Gateway, error) {
	if sessions == nil || coord == nil {
		return nil, errors.New("realtime: nil session service or coordinator")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = wsDefaultReadIdle
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = wsDefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = wsDefaultPingTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = wsDefaultMaxFrameBytes
	}

	return &Gateway{
		log:            log,
		cfg:            cfg,
		sessions:       sessions,
		presence:       coord,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// Register mounts one presence endpoint per role onto the provided mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	if g == nil || mux == nil {
		return
	}
	for _, role := range account.Roles() {
		role := role
		mux.HandleFunc("/ws/"+string(role), func(w http.ResponseWriter, r *http.Request) {
			g.handleWS(w, r, role)
		})
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request, role account.Role) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// The handshake runs the same guard as any HTTP request: a token that
	// lost the stored-slot race cannot open a presence channel.
	token, ok := g.sessions.Config().TokenFromRequest(r, role)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	acct, err := g.sessions.Authenticate(r.Context(), time.Now().UTC(), role, token)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrUnauthenticated):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, session.ErrRoleMismatch),
			errors.Is(err, session.ErrAccountInactive),
			errors.Is(err, session.ErrSessionRevoked):
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			g.log.Error("ws.auth.fail", "err", err, "role", role)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	client := NewClient(acct.ID, role, g.cfg.SendQueueSize)

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.presence.Disconnect(role, acct.ID, client.ConnID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	g.presence.Connect(ctx, role, acct.ID, client)
	g.log.Info("ws.connect", "role", role, "account_id", acct.ID, "conn_id", client.ConnID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Drain queued envelopes (session.ended in particular) so
				// the peer learns why it is being closed.
				for {
					select {
					case env := <-client.Send:
						_ = writeEnvelope(context.Background(), conn, env, g.cfg.WriteTimeout)
					default:
						shutdown(websocket.StatusNormalClosure, "session ended")
						return
					}
				}
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ConnID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.sendHelloAck(ctx, client)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ConnID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypeHello:
			g.sendHelloAck(ctx, client)

		case TypeHeartbeat:
			g.presence.Heartbeat(ctx, role, acct.ID, now)
			payload, _ := json.Marshal(HeartbeatAckPayload{ConnID: client.ConnID})
			g.enqueue(ctx, client, newEnvelope(TypeHeartbeatAck, payload, now))

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}

	g.log.Info("ws.disconnect", "role", role, "account_id", acct.ID, "conn_id", client.ConnID)
}

// ---- send helpers ----

func (g *Gateway) sendHelloAck(ctx context.Context, client *Client) {
	payload, _ := json.Marshal(HelloAckPayload{
		ConnID:       client.ConnID,
		AccountID:    client.AccountID,
		Role:         string(client.Role),
		HeartbeatSec: int(g.cfg.PingInterval / time.Second),
	})
	g.enqueue(ctx, client, newEnvelope(TypeHelloAck, payload, time.Now().UTC()))
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	g.enqueue(ctx, client, newEnvelope(TypeError, p, time.Now().UTC()))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors carry no sentinel; match on the strings the
	// encoding/json package produces.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host, so
	// only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
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

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
