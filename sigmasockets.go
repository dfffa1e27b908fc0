// Package sigmasockets is a real-time WebSocket fan-out server: session
// resumption across reconnects, an adaptive keep-alive that survives load
// balancer idle timeouts, per-connection quality telemetry, and a compact
// binary tagged-union wire protocol in place of ad-hoc JSON.
package sigmasockets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"sigmasockets/internal/audit"
	"sigmasockets/internal/broadcast"
	"sigmasockets/internal/keepalive"
	"sigmasockets/internal/metrics"
	"sigmasockets/internal/protocol"
	"sigmasockets/internal/quality"
	"sigmasockets/internal/ratelimit"
	"sigmasockets/internal/session"
	"sigmasockets/internal/upgrade"
)

// ProtocolVersion is advertised in the Connect handshake reply.
const ProtocolVersion = "1.0.0"

// ConnectionEvent is delivered to Config.OnConnect when a peer completes a
// Connect or Reconnect handshake.
type ConnectionEvent struct {
	SessionID  string
	Resumed    bool // true if this was a Reconnect, false for a fresh Connect
	RemoteAddr string
}

// DisconnectionEvent is delivered to Config.OnDisconnect when the
// read/write loops of a connection bound to a session exit, for any
// reason. It is not delivered for a connection that never attached a
// session or that was replaced by a newer connection for its session.
type DisconnectionEvent struct {
	SessionID string
	Reason    string
}

// MessageEvent is delivered to Config.OnMessage for every inbound Data
// frame, after rate-limit validation has already accepted it.
type MessageEvent struct {
	SessionID string
	Payload   []byte
	MessageID uint64
	Timestamp uint64
}

// ErrorEvent is delivered to Config.OnError for connection-level failures
// that don't have a more specific callback.
type ErrorEvent struct {
	SessionID string
	Err       error
}

// Config configures a Server. Zero-valued fields fall back to the
// defaults documented alongside each one.
type Config struct {
	// Addr is the listen address, e.g. ":8080". Required by
	// ListenAndServe; unused if the caller drives its own http.Server
	// with Handler instead.
	Addr string

	// WebSocketPath is the upgrade endpoint. Defaults to "/ws".
	WebSocketPath string

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Keepalive tunes the adaptive ping/pong state machine. Zero fields
	// fall back to keepalive.DefaultConfig().
	Keepalive keepalive.Config

	// QualityWindowSize is K, the number of ping outcomes the quality
	// meter retains. <= 0 means quality.DefaultWindowSize.
	QualityWindowSize int

	// ReplayBufferSize bounds each session's reconnect catch-up buffer.
	// <= 0 means session.DefaultReplayBufferSize.
	ReplayBufferSize int
	// SessionTimeout bounds how long a detached session survives before
	// GC reclaims it. <= 0 means session.DefaultSessionTimeout.
	SessionTimeout time.Duration

	// RateLimit is the accepted-frames/sec/client ceiling. <= 0 means
	// ratelimit.DefaultRate.
	RateLimit int
	// AbuseThreshold is how many rate-limit rejections a client may
	// accrue in total (the limiter's cumulative count for its key, not a
	// consecutive run) before the next one closes the connection
	// outright rather than merely throttling it. <= 0 means 20.
	AbuseThreshold uint64

	// MaxConnections bounds the number of simultaneous connections
	// (spec.md §5/§6). <= 0 means 1000. New upgrades once this many
	// connections are live are refused with 503 and logged as a
	// ConnectionLimitExceeded security event.
	MaxConnections int

	// AllowedOrigins, if non-empty, restricts the upgrade's Origin
	// header to this exact set.
	AllowedOrigins []string
	// AllowedCORSOrigins, if non-empty, restricts which Origin a CORS
	// preflight (OPTIONS) request is answered for; empty allows any.
	AllowedCORSOrigins []string
	// MinUserAgentLen rejects upgrades with a shorter User-Agent.
	MinUserAgentLen int
	// PerIPAdmitRate and PerIPAdmitBurst throttle upgrade attempts per
	// remote IP. PerIPAdmitRate <= 0 disables the throttle.
	PerIPAdmitRate  rate.Limit
	PerIPAdmitBurst int
	// RequestHandler serves any HTTP request that isn't a WebSocket
	// upgrade, mounted alongside /ws, /health and /metrics. Nil means
	// those other paths 404.
	RequestHandler http.Handler

	// AuditDBPath, if set, opens a SQLite-backed security/audit log at
	// this path. Empty disables auditing.
	AuditDBPath string

	// OnConnect, OnDisconnect, OnMessage and OnError are the
	// application's hooks into the connection lifecycle. Any of them
	// may be nil.
	OnConnect    func(ConnectionEvent)
	OnDisconnect func(DisconnectionEvent)
	OnMessage    func(MessageEvent)
	OnError      func(ErrorEvent)

	// CertFile and KeyFile name a TLS certificate and key; if CertFile
	// is set, ListenAndServe serves TLS (http.Server.ServeTLS) instead.
	CertFile, KeyFile string
}

func (c Config) normalize() Config {
	if c.WebSocketPath == "" {
		c.WebSocketPath = "/ws"
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.AbuseThreshold == 0 {
		c.AbuseThreshold = 20
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	return c
}

// Server is a SigmaSockets server: one session registry, one rate-limit
// table, one broadcast router, one metrics registry, shared by every
// connection it accepts. These are the only process-wide singletons the
// server maintains; everything else is scoped per connection.
type Server struct {
	cfg Config
	log *slog.Logger

	registry *session.Registry
	limiter  *ratelimit.Limiter
	router   *broadcast.Router
	metrics  *metrics.Registry
	gate     *upgrade.Gate
	audit    *audit.Store // nil if Config.AuditDBPath is empty

	upgrader websocket.Upgrader
	echo     *echo.Echo
	http     *http.Server

	mu      sync.Mutex
	conns   map[*connSupervisor]struct{}
	closing bool

	startedAt time.Time

	gcStop chan struct{}
	gcDone chan struct{}
}

// NewServer constructs a Server. It does not start listening; call
// ListenAndServe or Handler.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.normalize()

	var auditStore *audit.Store
	if cfg.AuditDBPath != "" {
		st, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			return nil, wrapErr(Internal, fmt.Errorf("open audit store: %w", err))
		}
		auditStore = st
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: session.NewRegistry(
			session.WithReplayBufferSize(nonZeroInt(cfg.ReplayBufferSize, session.DefaultReplayBufferSize)),
			session.WithSessionTimeout(nonZeroDuration(cfg.SessionTimeout, session.DefaultSessionTimeout)),
		),
		limiter: ratelimit.NewLimiter(cfg.RateLimit),
		router:  broadcast.NewRouter(),
		metrics: metrics.NewRegistry(),
		audit:   auditStore,
		conns:     make(map[*connSupervisor]struct{}),
		startedAt: time.Now(),
		gcStop:    make(chan struct{}),
		gcDone:    make(chan struct{}),
	}

	s.gate = upgrade.NewGate(upgrade.Policy{
		AllowedOrigins:     cfg.AllowedOrigins,
		AllowedCORSOrigins: cfg.AllowedCORSOrigins,
		MinUserAgentLen:    cfg.MinUserAgentLen,
		PerIPRate:          cfg.PerIPAdmitRate,
		PerIPBurst:         cfg.PerIPAdmitBurst,
		MaxConnections:     cfg.MaxConnections,
		ConnectionCount:    func() int { return s.router.Count() },
		RequestHandler:     cfg.RequestHandler,
	}, s.log, s.onSecurityEvent)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true }, // the gate already enforced Origin
	}

	s.buildRouter()
	go s.gcLoop()
	return s, nil
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Server) onSecurityEvent(ev upgrade.SecurityEvent) {
	s.metrics.UpgradeRejections.WithLabelValues(ev.Kind.String()).Inc()
	if s.audit != nil {
		if err := s.audit.RecordSecurityEvent(ev.Kind.String(), ev.RemoteAddr, ev.Reason); err != nil {
			s.log.Warn("failed to record security event", "component", "audit", "err", err)
		}
	}
}

// buildRouter assembles the echo router: /ws upgrades to a connection
// supervisor, /health and /metrics serve operator surfaces. When
// Config.RequestHandler is set, every other path is routed straight to
// it; those requests do not pass through the upgrade gate and do not get
// its security headers.
func (s *Server) buildRouter() {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true, LogURI: true, LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info("http request",
				"component", "http",
				"method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	e.GET("/health", func(c echo.Context) error {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		uptime := time.Since(s.startedAt).Round(time.Second)
		return c.JSON(http.StatusOK, map[string]any{
			"status":         "ok",
			"timestamp":      time.Now().UnixMilli(),
			"connectedUsers": s.router.Count(),
			"uptime":         uptime.String(),
			"memory":         humanize.Bytes(mem.Alloc),
			"sessions":       s.registry.Count(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	e.GET(s.cfg.WebSocketPath, func(c echo.Context) error {
		s.handleUpgrade(c.Response(), c.Request())
		return nil
	})
	if s.cfg.RequestHandler != nil {
		e.Any("/*", echo.WrapHandler(s.cfg.RequestHandler))
	}

	s.echo = e
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: e}
}

// handleUpgrade is the /ws endpoint: it runs the admission gate, then
// upgrades and hands the connection to a fresh connSupervisor.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.gate.Admit(w, r) {
		return
	}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "component", "upgrade", "err", err, "remote", r.RemoteAddr)
		return
	}

	conn.SetReadLimit(ratelimit.MaxFrameSize)
	sup := newConnSupervisor(s, conn, r.RemoteAddr)
	s.mu.Lock()
	s.conns[sup] = struct{}{}
	s.mu.Unlock()

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsCurrent.Inc()
	go sup.run()
}

func (s *Server) untrack(sup *connSupervisor) {
	s.mu.Lock()
	delete(s.conns, sup)
	s.mu.Unlock()
	s.metrics.ConnectionsCurrent.Dec()
}

// ListenAndServe starts accepting connections and blocks until ctx is
// canceled, at which point it attempts a graceful shutdown bounded by 5
// seconds before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return wrapErr(Transport, fmt.Errorf("listen on %s: %w", s.cfg.Addr, err))
	}
	// netutil.LimitListener is belt-and-suspenders alongside the upgrade
	// gate's explicit MaxConnections check: the gate refuses an upgrade
	// with a specific HTTP status once over the limit, this stops the
	// raw TCP accept loop from growing the backlog past it in the first
	// place.
	ln = netutil.LimitListener(ln, s.cfg.MaxConnections)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" {
			err = s.http.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.http.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting new connections, asks every live connection to
// disconnect, and waits up to ctx's deadline for them to drain before
// force-closing whatever remains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*connSupervisor, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		for {
			s.mu.Lock()
			n := len(s.conns)
			s.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return wrapErr(Transport, err)
	}
	if s.audit != nil {
		_ = s.audit.Close()
	}
	return nil
}

func (s *Server) gcLoop() {
	defer close(s.gcDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			evicted := s.registry.GC(time.Now())
			if evicted > 0 {
				s.log.Info("session gc", "component", "session", "evicted", evicted)
			}
		}
	}
}

// Send delivers payload to exactly one session as a Data frame, assigning
// the next strictly increasing message ID for that session's stream.
// Returns a *Error{Kind: Session} if sessionID is unknown to the session
// registry, and a *Error{Kind: Transport} if the session exists but has
// no connection registered for delivery (e.g. while it is detached); the
// payload is then not buffered for replay.
func (s *Server) Send(sessionID string, payload []byte) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return wrapErr(Session, fmt.Errorf("unknown session %q", sessionID))
	}
	frame, err := s.encodeData(sess, payload)
	if err != nil {
		return wrapErr(Internal, err)
	}
	if err := s.router.Send(sessionID, frame); err != nil {
		return wrapErr(Transport, err)
	}
	return nil
}

// Multicast delivers payload to every session in sessionIDs that is
// currently connected. Each recipient gets its own message ID from its
// own session's counter; unreachable recipients are silently skipped.
func (s *Server) Multicast(sessionIDs []string, payload []byte) {
	for _, id := range sessionIDs {
		_ = s.Send(id, payload)
	}
}

// Broadcast delivers payload to every currently connected session except
// exclude (pass "" to exclude none).
func (s *Server) Broadcast(payload []byte, exclude string) {
	s.mu.Lock()
	conns := make([]*connSupervisor, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if c.sessionID == "" || c.sessionID == exclude {
			continue
		}
		_ = s.Send(c.sessionID, payload)
	}
}

// encodeData assigns sess's next outbound message ID and encodes payload
// as a Data frame.
func (s *Server) encodeData(sess *session.Session, payload []byte) ([]byte, error) {
	frame := protocol.DataFrame{
		Payload:   payload,
		MessageID: sess.NextMessageID(),
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	return protocol.Encode(frame)
}

// Handler returns the http.Handler serving this server's routes (the
// WebSocket upgrade endpoint, /health, /metrics, and any configured
// RequestHandler). Useful for embedding behind an httptest.Server or a
// caller-owned listener instead of calling ListenAndServe.
func (s *Server) Handler() http.Handler { return s.echo }

// ConnectionCount returns the number of currently attached connections.
func (s *Server) ConnectionCount() int { return s.router.Count() }

// SessionCount returns the number of sessions known to the registry,
// bound or detached.
func (s *Server) SessionCount() int { return s.registry.Count() }
