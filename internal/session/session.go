// Package session implements the session registry: session ID issuance,
// attach/detach lifecycle, expiry of detached sessions, and the bounded
// per-session replay buffer used to catch up a reconnecting peer.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"sigmasockets/internal/protocol"
)

// DefaultReplayBufferSize is the default number of most-recent outbound
// Data frames retained per session for reconnect catch-up.
const DefaultReplayBufferSize = 256

// DefaultSessionTimeout is how long a detached session's state (and
// replay buffer) survives before GC reclaims it.
const DefaultSessionTimeout = 300 * time.Second

var (
	// ErrNotFound is returned by Attach when no session exists for the
	// given ID.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired names an expired session. Attach does not return it:
	// once GC has removed a session, Attach cannot tell it apart from one
	// that never existed and returns ErrNotFound.
	ErrExpired = errors.New("session: expired")
)

// ConnHandle is the opaque transport binding a Connection holds; the
// registry never dereferences it, it only ever replaces or clears it so
// the supervisor can close the prior transport on rebind.
type ConnHandle interface {
	// Close closes the underlying transport. Called by Attach when it
	// atomically replaces a still-bound prior connection.
	Close() error
}

// Session is exclusively owned by the Registry; callers outside this
// package hold a *Session only as a resolved-by-id reference and must not
// mutate its fields directly — use the Registry and Session methods.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time

	mu               sync.Mutex
	conn             ConnHandle
	lastAckMessageID uint64
	lastSentID       uint64
	replay           *ring
}

// NextMessageID assigns the next strictly increasing outbound message ID
// for this session. The counter survives reconnects (it lives on the
// Session, not the Connection), so a resumed session's stream never
// repeats or rewinds an ID already assigned before the peer dropped.
func (s *Session) NextMessageID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSentID++
	return s.lastSentID
}

// Bound reports whether a Connection is currently attached.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// LastAckMessageID returns the last message ID the peer acknowledged
// having received, used to compute the reconnect replay window.
func (s *Session) LastAckMessageID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckMessageID
}

// SetLastAckMessageID records a newly acknowledged message ID.
func (s *Session) SetLastAckMessageID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.lastAckMessageID {
		s.lastAckMessageID = id
	}
}

// BufferOutbound records an outbound Data frame in the replay ring. Must
// be called for every Data frame sent to the session (the connection
// supervisor does so as it enqueues each one), in send order, so the
// ring's ordering invariant holds.
func (s *Session) BufferOutbound(f protocol.DataFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay.push(f)
}

// ReplayAfter returns, in order, every buffered Data frame with
// message_id strictly greater than lastAckMessageID. The returned slice
// is a copy; the session's internal ring is not exposed.
func (s *Session) ReplayAfter(lastAckMessageID uint64) []protocol.DataFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay.after(lastAckMessageID)
}

// Registry is the single source of truth for session lifecycle. All
// mutation goes through it; readers that obtain a *Session reference may
// hold it across suspension points since Session itself is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	replaySize     int
	sessionTimeout time.Duration
	now            func() time.Time
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithReplayBufferSize overrides DefaultReplayBufferSize.
func WithReplayBufferSize(n int) Option {
	return func(r *Registry) { r.replaySize = n }
}

// WithSessionTimeout overrides DefaultSessionTimeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(r *Registry) { r.sessionTimeout = d }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:       make(map[string]*Session),
		replaySize:     DefaultReplayBufferSize,
		sessionTimeout: DefaultSessionTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create assigns a fresh, cryptographically random session ID and
// registers an unbound Session under it.
func (r *Registry) Create() (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := r.now()
	s := &Session{
		ID:             id,
		CreatedAt:      now,
		LastActivityAt: now,
		replay:         newRing(r.replaySize),
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s, nil
}

// Attach resolves id and binds conn to it, atomically closing any prior
// connection still bound to the same session. Returns ErrNotFound if no
// session with that ID was ever created or it has already been garbage
// collected; it never returns ErrExpired.
func (r *Registry) Attach(id string, conn ConnHandle) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	prior := s.conn
	s.conn = conn
	s.LastActivityAt = r.now()
	s.mu.Unlock()

	if prior != nil {
		prior.Close()
	}
	return s, nil
}

// Detach unbinds the Connection from id, if any, leaving the Session's
// replay buffer intact for later Attach within sessionTimeout.
func (r *Registry) Detach(id string) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.conn = nil
	s.LastActivityAt = r.now()
	s.mu.Unlock()
}

// Touch updates a session's last-activity timestamp, e.g. on any
// received frame, so GC doesn't reclaim an actively (if unbound — rare)
// used session prematurely.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.LastActivityAt = at
	s.mu.Unlock()
}

// Get resolves id without mutating anything.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live (not-yet-garbage-collected) sessions,
// bound or detached.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GC evicts every unbound session whose last activity is older than
// sessionTimeout relative to now. Returns the number evicted.
func (r *Registry) GC(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.conn == nil && now.Sub(s.LastActivityAt) > r.sessionTimeout
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			evicted++
		}
	}
	return evicted
}

func newSessionID() (string, error) {
	var buf [16]byte // 128 bits
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
