// Package broadcast implements the fan-out router: send, multicast, and
// broadcast operations over the set of currently registered connections.
package broadcast

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Send when sessionID is not currently
// registered (never registered, or already unregistered).
var ErrClosed = errors.New("broadcast: session closed")

// Sender is implemented by the connection supervisor on behalf of one
// session. Send must not block longer than that connection's own bounded
// send timeout (see C7); the router relies on this to bound the total
// time a Broadcast call can take regardless of how many peers are slow.
type Sender interface {
	SessionID() string
	Send(frame []byte) error
}

// target is a point-in-time snapshot of one registered Sender, captured
// under the read lock so the send loop itself runs lock-free.
type target struct {
	id     string
	sender Sender
}

// targetPool supplies per-call []target scratch slices. A pool (rather
// than a field on Router) avoids concurrent Broadcast calls racing to
// append to the same shared backing array.
var targetPool = sync.Pool{
	New: func() any {
		s := make([]target, 0, 16)
		return &s
	},
}

// Router is the single fan-out point for a server: every registered
// Sender is reachable by session ID for targeted Send, by a set for
// Multicast, or implicitly for Broadcast.
type Router struct {
	mu       sync.RWMutex
	senders  map[string]Sender
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register adds s to the routable set, replacing any prior Sender
// registered under the same session ID.
func (r *Router) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.SessionID()] = s
}

// Unregister removes the Sender registered under id, if any. It is a
// no-op if s is no longer the currently registered Sender for id (a
// newer registration already replaced it).
func (r *Router) Unregister(id string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.senders[id]; ok && cur == s {
		delete(r.senders, id)
	}
}

// Count returns the number of currently registered senders.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// Send delivers frame to exactly one session, at-most-once from the
// router's perspective. Returns ErrClosed if the session isn't
// currently registered, or the Sender's own error otherwise.
func (r *Router) Send(sessionID string, frame []byte) error {
	r.mu.RLock()
	s, ok := r.senders[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrClosed
	}
	return s.Send(frame)
}

// Multicast delivers frame to every session in sessionIDs that is
// currently registered; sessions that are not registered are silently
// skipped (no error is surfaced per-destination — callers wanting
// per-destination results should call Send directly in a loop).
func (r *Router) Multicast(sessionIDs []string, frame []byte) {
	r.mu.RLock()
	sp := targetPool.Get().(*[]target)
	targets := (*sp)[:0]
	for _, id := range sessionIDs {
		if s, ok := r.senders[id]; ok {
			targets = append(targets, target{id: id, sender: s})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		_ = t.sender.Send(frame)
	}

	*sp = targets
	targetPool.Put(sp)
}

// Broadcast delivers frame to every currently registered session except
// exclude (pass "" to exclude none). The snapshot is taken once under
// the read lock: sessions registered during the call are not
// retroactively included, and sessions unregistered during the call are
// silently skipped since they are no longer reachable through the
// snapshot's Sender reference's own bookkeeping — the send simply
// targets a Sender that may itself report closed.
func (r *Router) Broadcast(frame []byte, exclude string) {
	r.mu.RLock()
	sp := targetPool.Get().(*[]target)
	targets := (*sp)[:0]
	for id, s := range r.senders {
		if id == exclude {
			continue
		}
		targets = append(targets, target{id: id, sender: s})
	}
	r.mu.RUnlock()

	for _, t := range targets {
		_ = t.sender.Send(frame)
	}

	*sp = targets
	targetPool.Put(sp)
}
