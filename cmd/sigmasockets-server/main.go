// Command sigmasockets-server runs a standalone SigmaSockets fan-out
// server, or dispatches one of its operator subcommands (version,
// status, bench) without starting a listener.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"flag"

	"golang.org/x/time/rate"

	"sigmasockets"
	"sigmasockets/internal/audit"
)

// Operator settings persisted across restarts in the audit database,
// per spec.md §5/§6.
const (
	settingMaxConnections = "max_connections"
	settingRateLimit      = "rate_limit"
)

// resolveSetting returns flagVal unchanged if the operator passed a
// non-zero value on the command line, after persisting it to the audit
// database for later runs. Otherwise it returns the value a prior run
// persisted, or flagVal if none is stored or it can't be read or parsed.
func resolveSetting(store *audit.Store, key string, flagVal int) int {
	if store == nil {
		return flagVal
	}
	if flagVal != 0 {
		if err := store.PutSetting(key, strconv.Itoa(flagVal)); err != nil {
			slog.Default().Warn("failed to persist setting", "component", "server", "key", key, "err", err)
		}
		return flagVal
	}
	raw, ok, err := store.GetSetting(key)
	if err != nil || !ok {
		return flagVal
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return flagVal
	}
	return parsed
}

func main() {
	// Subcommands are checked before flag parsing, mirroring the
	// teacher's main.go/cli.go split: "sigmasockets-server status"
	// shouldn't need every serve flag defined first.
	if len(os.Args) > 1 {
		auditDB := "sigmasockets-audit.db"
		if RunCLI(os.Args[1:], auditDB) {
			return
		}
	}

	addr := flag.String("addr", ":8080", "HTTP/WebSocket listen address")
	wsPath := flag.String("ws-path", "/ws", "WebSocket upgrade path")
	auditDBPath := flag.String("audit-db", "", "path to the SQLite audit database (empty disables auditing)")
	rateLimit := flag.Int("rate-limit", 0, "accepted frames/sec/client (0 = default)")
	abuseThreshold := flag.Uint64("abuse-threshold", 0, "cumulative rate-limit rejections before disconnect (0 = default)")
	replayBufferSize := flag.Int("replay-buffer-size", 0, "per-session reconnect replay buffer size (0 = default)")
	sessionTimeout := flag.Duration("session-timeout", 0, "how long a detached session survives before GC (0 = default)")
	minUserAgentLen := flag.Int("min-user-agent-len", 0, "minimum User-Agent header length to accept an upgrade")
	perIPAdmitRate := flag.Float64("per-ip-admit-rate", 0, "per-IP upgrade attempts/sec (0 disables the throttle)")
	perIPAdmitBurst := flag.Int("per-ip-admit-burst", 0, "per-IP upgrade burst size")
	maxConnections := flag.Int("max-connections", 0, "maximum simultaneous connections (0 = default, or the persisted value from a prior run)")
	allowedCORSOrigins := flag.String("allowed-cors-origins", "", "comma-separated list of origins answered for a CORS preflight (empty allows any)")
	certFile := flag.String("cert", "", "TLS certificate file (enables HTTPS/WSS)")
	keyFile := flag.String("key", "", "TLS key file")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	resolvedMaxConnections := *maxConnections
	resolvedRateLimit := *rateLimit
	if *auditDBPath != "" {
		// A short-lived handle, opened and closed before NewServer opens
		// its own long-lived Store against the same path: resolves
		// operator settings left unset on the command line against what
		// a prior run persisted, and persists the values that were given
		// on the command line.
		if settingsStore, err := audit.Open(*auditDBPath); err != nil {
			logger.Warn("failed to open audit database for settings resolution", "component", "server", "err", err)
		} else {
			resolvedMaxConnections = resolveSetting(settingsStore, settingMaxConnections, *maxConnections)
			resolvedRateLimit = resolveSetting(settingsStore, settingRateLimit, *rateLimit)
			if err := settingsStore.Close(); err != nil {
				logger.Warn("failed to close settings handle", "component", "server", "err", err)
			}
		}
	}

	var corsOrigins []string
	if *allowedCORSOrigins != "" {
		corsOrigins = strings.Split(*allowedCORSOrigins, ",")
	}

	cfg := sigmasockets.Config{
		Addr:               *addr,
		WebSocketPath:      *wsPath,
		Logger:             logger,
		AuditDBPath:        *auditDBPath,
		RateLimit:          resolvedRateLimit,
		AbuseThreshold:     *abuseThreshold,
		ReplayBufferSize:   *replayBufferSize,
		SessionTimeout:     *sessionTimeout,
		MinUserAgentLen:    *minUserAgentLen,
		PerIPAdmitRate:     rate.Limit(*perIPAdmitRate),
		PerIPAdmitBurst:    *perIPAdmitBurst,
		MaxConnections:     resolvedMaxConnections,
		AllowedCORSOrigins: corsOrigins,
		CertFile:           *certFile,
		KeyFile:            *keyFile,
		OnConnect: func(ev sigmasockets.ConnectionEvent) {
			logger.Info("peer connected", "component", "server", "session_id", ev.SessionID, "resumed", ev.Resumed, "remote", ev.RemoteAddr)
		},
		OnDisconnect: func(ev sigmasockets.DisconnectionEvent) {
			logger.Info("peer disconnected", "component", "server", "session_id", ev.SessionID, "reason", ev.Reason)
		},
		OnError: func(ev sigmasockets.ErrorEvent) {
			logger.Warn("connection error", "component", "server", "session_id", ev.SessionID, "err", ev.Err)
		},
	}

	srv, err := sigmasockets.NewServer(cfg)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down", "component", "server")
		cancel()
	}()

	logger.Info("listening", "component", "server", "addr", *addr, "ws_path", *wsPath)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}
