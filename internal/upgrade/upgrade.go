// Package upgrade implements the admission gate in front of the
// WebSocket upgrade: HTTP-level validation, origin/user-agent policy,
// per-IP admission throttling, baseline security headers, and structured
// rejection logging as security events.
package upgrade

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RejectKind classifies why an upgrade request was refused.
type RejectKind int

const (
	MethodNotAllowed RejectKind = iota
	MissingUpgradeHeader
	MissingConnectionHeader
	MissingKey
	UnsupportedVersion
	OriginNotAllowed
	UserAgentTooShort
	TooManyRequests
	ConnectionLimitExceeded
)

func (k RejectKind) String() string {
	switch k {
	case MethodNotAllowed:
		return "MethodNotAllowed"
	case MissingUpgradeHeader:
		return "MissingUpgradeHeader"
	case MissingConnectionHeader:
		return "MissingConnectionHeader"
	case MissingKey:
		return "MissingKey"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case OriginNotAllowed:
		return "OriginNotAllowed"
	case UserAgentTooShort:
		return "UserAgentTooShort"
	case TooManyRequests:
		return "TooManyRequests"
	case ConnectionLimitExceeded:
		return "ConnectionLimitExceeded"
	default:
		return "Unknown"
	}
}

// SecurityEvent is emitted for every rejected upgrade attempt, per
// spec.md §4.6's `{kind, remote_addr, reason}` logging contract.
type SecurityEvent struct {
	Kind       RejectKind
	RemoteAddr string
	Reason     string
}

// Policy holds the optional checks layered on top of the mandatory
// WebSocket handshake validation. A zero-value Policy allows any origin
// and any user-agent and applies no per-IP throttling.
type Policy struct {
	// AllowedOrigins, if non-empty, restricts Origin to this exact set.
	AllowedOrigins []string
	// MinUserAgentLen rejects requests with a shorter User-Agent header.
	MinUserAgentLen int
	// PerIPRate and PerIPBurst configure the token-bucket admission
	// throttle; PerIPRate <= 0 disables per-IP throttling.
	PerIPRate  rate.Limit
	PerIPBurst int
	// MaxConnections bounds the total number of simultaneous connections
	// (spec.md §5/§6): new upgrades once ConnectionCount() has reached
	// this many are refused with ConnectionLimitExceeded. <= 0 disables
	// the check (ConnectionCount is then never called).
	MaxConnections int
	// ConnectionCount reports the server's current connection count; required
	// when MaxConnections > 0.
	ConnectionCount func() int
	// RequestHandler serves any non-upgrade request; nil means 404.
	RequestHandler http.Handler
	// AllowedCORSOrigins, if non-empty, is echoed back in
	// Access-Control-Allow-Origin on an answered OPTIONS preflight; "*"
	// (or an empty slice) allows any origin.
	AllowedCORSOrigins []string
}

// Gate is the admission gate. Safe for concurrent use.
type Gate struct {
	policy Policy
	log    *slog.Logger
	onSec  func(SecurityEvent)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGate constructs a Gate. onSecurityEvent may be nil.
func NewGate(policy Policy, log *slog.Logger, onSecurityEvent func(SecurityEvent)) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		policy:   policy,
		log:      log,
		onSec:    onSecurityEvent,
		limiters: make(map[string]*rate.Limiter),
	}
}

// securityHeaders are applied to every HTTP response the gate handles,
// upgrade or not, per spec.md §4.6.
func securityHeaders(w http.ResponseWriter, tls bool) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'")
	if tls {
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	}
}

// Admit validates an incoming request. It always sets the baseline
// security headers. If r is not a WebSocket upgrade request, Admit
// delegates to the configured RequestHandler (or responds 404) and
// returns false — the caller must not attempt a WebSocket upgrade. If r
// is an upgrade request that fails validation, Admit writes a structured
// rejection response, emits a SecurityEvent, and returns false. Only when
// Admit returns true should the caller proceed to its WebSocket
// upgrader.
func (g *Gate) Admit(w http.ResponseWriter, r *http.Request) bool {
	securityHeaders(w, r.TLS != nil)

	if r.Method == http.MethodOptions {
		g.answerPreflight(w, r)
		return false
	}

	if !isUpgradeRequest(r) {
		if g.policy.RequestHandler != nil {
			g.policy.RequestHandler.ServeHTTP(w, r)
		} else {
			http.NotFound(w, r)
		}
		return false
	}

	if rej := g.validate(r); rej != nil {
		g.reject(w, r, *rej)
		return false
	}
	return true
}

// answerPreflight responds to a CORS preflight OPTIONS request directly,
// per spec.md §6, without ever invoking RequestHandler.
func (g *Gate) answerPreflight(w http.ResponseWriter, r *http.Request) {
	origin := "*"
	if len(g.policy.AllowedCORSOrigins) > 0 {
		origin = r.Header.Get("Origin")
		allowed := false
		for _, o := range g.policy.AllowedCORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if !allowed {
			origin = ""
		}
	}
	h := w.Header()
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (g *Gate) validate(r *http.Request) *RejectKind {
	k := MethodNotAllowed
	if r.Method != http.MethodGet {
		return &k
	}
	if !headerContainsToken(r.Header.Get("Connection"), "upgrade") {
		k = MissingConnectionHeader
		return &k
	}
	if r.Header.Get("Sec-WebSocket-Key") == "" {
		k = MissingKey
		return &k
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		k = UnsupportedVersion
		return &k
	}

	if g.policy.MaxConnections > 0 && g.policy.ConnectionCount != nil &&
		g.policy.ConnectionCount() >= g.policy.MaxConnections {
		k = ConnectionLimitExceeded
		return &k
	}

	if len(g.policy.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range g.policy.AllowedOrigins {
			if o == origin {
				allowed = true
				break
			}
		}
		if !allowed {
			k = OriginNotAllowed
			return &k
		}
	}

	if g.policy.MinUserAgentLen > 0 && len(r.Header.Get("User-Agent")) < g.policy.MinUserAgentLen {
		k = UserAgentTooShort
		return &k
	}

	if g.policy.PerIPRate > 0 && !g.allowIP(remoteIP(r)) {
		k = TooManyRequests
		return &k
	}

	return nil
}

func (g *Gate) allowIP(ip string) bool {
	g.mu.Lock()
	lim, ok := g.limiters[ip]
	if !ok {
		burst := g.policy.PerIPBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(g.policy.PerIPRate, burst)
		g.limiters[ip] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

var statusByKind = map[RejectKind]int{
	MethodNotAllowed:        http.StatusMethodNotAllowed,
	MissingUpgradeHeader:    http.StatusBadRequest,
	MissingConnectionHeader: http.StatusBadRequest,
	MissingKey:              http.StatusBadRequest,
	UnsupportedVersion:      http.StatusUpgradeRequired,
	OriginNotAllowed:        http.StatusForbidden,
	UserAgentTooShort:       http.StatusForbidden,
	TooManyRequests:         http.StatusTooManyRequests,
	ConnectionLimitExceeded: http.StatusServiceUnavailable,
}

func (g *Gate) reject(w http.ResponseWriter, r *http.Request, kind RejectKind) {
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusBadRequest
	}
	w.Header().Set("WWW-SigmaSockets-Reject", kind.String())
	http.Error(w, "upgrade rejected: "+kind.String(), status)

	ev := SecurityEvent{Kind: kind, RemoteAddr: r.RemoteAddr, Reason: kind.String()}
	g.log.Warn("upgrade rejected",
		"component", "upgrade",
		"kind", kind.String(),
		"remote_addr", r.RemoteAddr,
	)
	if g.onSec != nil {
		g.onSec(ev)
	}
}
