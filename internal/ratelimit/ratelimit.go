// Package ratelimit implements the validator and per-client sliding-window
// rate limiter that sits between the frame codec and the connection
// supervisor: every decoded frame passes through Validate before it is
// allowed to touch session or broadcast state.
package ratelimit

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"sigmasockets/internal/protocol"
)

// Bounds enforced on decoded frames, checked in the order listed in
// RejectKind's declaration below.
const (
	MaxFrameSize        = 64 * 1024
	MaxPayloadSize       = 32 * 1024
	MaxStringField       = 1024
	MaxSessionIDLen      = 128
	MaxClientVersionLen  = 64
	MaxReasonLen         = 256
	DataTimestampSkew      = 300 * time.Second
	HeartbeatTimestampSkew = 60 * time.Second

	// DefaultRate is the default messages/sec/client allowed by the
	// sliding 1 s window.
	DefaultRate = 100

	// rateStateEvictAfter is how long a client's rate-limit bookkeeping
	// survives after its last touch before GC reclaims it.
	rateStateEvictAfter = 60 * time.Second
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// RejectKind classifies why Validate refused a frame.
type RejectKind int

const (
	FrameTooLarge RejectKind = iota
	PayloadTooLarge
	StringFieldTooLong
	InvalidSessionID
	ClientVersionTooLong
	ReasonTooLong
	TimestampSkew
	RateLimited
	Malformed
)

func (k RejectKind) String() string {
	switch k {
	case FrameTooLarge:
		return "FrameTooLarge"
	case PayloadTooLarge:
		return "PayloadTooLarge"
	case StringFieldTooLong:
		return "StringFieldTooLong"
	case InvalidSessionID:
		return "InvalidSessionID"
	case ClientVersionTooLong:
		return "ClientVersionTooLong"
	case ReasonTooLong:
		return "ReasonTooLong"
	case TimestampSkew:
		return "TimestampSkew"
	case RateLimited:
		return "RateLimited"
	case Malformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// Reject reports a frame that failed validation or rate limiting.
type Reject struct {
	Kind   RejectKind
	Detail string
}

func (r *Reject) Error() string {
	if r.Detail == "" {
		return "reject: " + r.Kind.String()
	}
	return "reject: " + r.Kind.String() + ": " + r.Detail
}

type clientState struct {
	accepted   []time.Time // accept times within the last second, oldest first
	abuseCount uint64
	lastTouch  time.Time
}

// Limiter is the validator and sliding-window rate limiter. One Limiter
// instance is shared across every connection on a server; clients are
// keyed by an opaque ID chosen by the caller (the connection's session ID
// once attached, or the connection's remote address before that).
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientState

	rate       int
	evictAfter time.Duration
	now        func() time.Time
}

// NewLimiter constructs a Limiter. rate <= 0 means DefaultRate.
func NewLimiter(rate int) *Limiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	return &Limiter{
		clients:    make(map[string]*clientState),
		rate:       rate,
		evictAfter: rateStateEvictAfter,
		now:        time.Now,
	}
}

// Validate decodes raw and applies the bounds and rate limit for clientID.
// Bounds are checked in the fixed order spec'd: frame size, payload size,
// string field lengths, session_id shape, client_version length, reason
// length, timestamp skew, then the rate limit last (cheapest-first, with
// the rate limit — which requires taking the lock — checked only once the
// frame is otherwise well-formed).
func (l *Limiter) Validate(raw []byte, clientID string) (protocol.Frame, *Reject) {
	if len(raw) > MaxFrameSize {
		return nil, &Reject{Kind: FrameTooLarge}
	}

	f, err := protocol.Decode(raw)
	if err != nil {
		return nil, &Reject{Kind: Malformed, Detail: err.Error()}
	}

	now := l.now()

	switch v := f.(type) {
	case protocol.ConnectFrame:
		if v.SessionID != "" {
			if rej := checkSessionID(v.SessionID); rej != nil {
				return nil, rej
			}
		}
		if len(v.ClientVersion) > MaxClientVersionLen {
			return nil, &Reject{Kind: ClientVersionTooLong}
		}
	case protocol.ReconnectFrame:
		if rej := checkSessionID(v.SessionID); rej != nil {
			return nil, rej
		}
	case protocol.DisconnectFrame:
		if v.HasReason && len(v.Reason) > MaxReasonLen {
			return nil, &Reject{Kind: ReasonTooLong}
		}
	case protocol.DataFrame:
		if len(v.Payload) > MaxPayloadSize {
			return nil, &Reject{Kind: PayloadTooLarge}
		}
		if rej := checkSkew(v.Timestamp, now, DataTimestampSkew); rej != nil {
			return nil, rej
		}
	case protocol.HeartbeatFrame:
		if rej := checkSkew(v.Timestamp, now, HeartbeatTimestampSkew); rej != nil {
			return nil, rej
		}
	case protocol.ErrorFrame:
		if len(v.Message) > MaxStringField {
			return nil, &Reject{Kind: StringFieldTooLong}
		}
	}

	if !l.allow(clientID, now) {
		return nil, &Reject{Kind: RateLimited}
	}

	return f, nil
}

func checkSessionID(id string) *Reject {
	if !sessionIDPattern.MatchString(id) {
		return &Reject{Kind: InvalidSessionID, Detail: "must be 1-128 chars of [A-Za-z0-9_-]"}
	}
	return nil
}

func checkSkew(frameMillis uint64, now time.Time, maxSkew time.Duration) *Reject {
	frameTime := time.UnixMilli(int64(frameMillis))
	skew := now.Sub(frameTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return &Reject{Kind: TimestampSkew}
	}
	return nil
}

// allow applies the sliding 1 s window and increments the abuse counter on
// rejection. Must be called under no external lock; it manages its own.
func (l *Limiter) allow(clientID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cs, ok := l.clients[clientID]
	if !ok {
		cs = &clientState{}
		l.clients[clientID] = cs
	}
	cs.lastTouch = now

	kept := cs.accepted[:0]
	for _, t := range cs.accepted {
		if now.Sub(t) < time.Second {
			kept = append(kept, t)
		}
	}
	cs.accepted = kept
	if len(cs.accepted) >= l.rate {
		cs.abuseCount++
		return false
	}
	cs.accepted = append(cs.accepted, now)
	return true
}

// AbuseCount returns the cumulative count of rate-limit rejections for
// clientID, for callers deciding whether to escalate to a forced
// disconnect (see C7). Returns 0 for an unknown client.
func (l *Limiter) AbuseCount(clientID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.clients[clientID]
	if !ok {
		return 0
	}
	return cs.abuseCount
}

// Forget drops a client's rate-limit state immediately, e.g. on session
// detach, rather than waiting for GC.
func (l *Limiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

// GC evicts rate-limit state untouched for longer than evictAfter (60 s).
// Intended to be called periodically from a background ticker.
func (l *Limiter) GC(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, cs := range l.clients {
		if now.Sub(cs.lastTouch) > l.evictAfter {
			delete(l.clients, id)
			evicted++
		}
	}
	return evicted
}

// Sanitize strips ASCII control characters from s for safe inclusion in
// log lines. The wire payload itself is never mutated by this package —
// only copies destined for logs pass through here.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
