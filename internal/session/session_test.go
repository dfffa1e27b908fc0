package session

import (
	"errors"
	"testing"
	"time"

	"sigmasockets/internal/protocol"
)

type fakeConn struct {
	closed bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := r.Create()
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if len(s.ID) == 0 {
			t.Fatal("empty session id")
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestAttachUnknownSessionFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Attach("does-not-exist", &fakeConn{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachRebindClosesPriorConnection(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Create()

	first := &fakeConn{}
	if _, err := r.Attach(s.ID, first); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if !s.Bound() {
		t.Fatal("expected session to be bound")
	}

	second := &fakeConn{}
	if _, err := r.Attach(s.ID, second); err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if !first.closed {
		t.Error("expected prior connection to be closed on rebind")
	}
	if second.closed {
		t.Error("new connection should not be closed")
	}
}

func TestDetachLeavesReplayBufferIntact(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Create()
	r.Attach(s.ID, &fakeConn{})
	s.BufferOutbound(protocol.DataFrame{MessageID: 1, Payload: []byte("a")})
	r.Detach(s.ID)

	if s.Bound() {
		t.Error("expected session to be unbound after Detach")
	}
	replay := s.ReplayAfter(0)
	if len(replay) != 1 || replay[0].MessageID != 1 {
		t.Errorf("expected replay buffer preserved, got %v", replay)
	}
}

func TestGCEvictsOnlyExpiredUnboundSessions(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(WithSessionTimeout(300 * time.Second))
	r.now = func() time.Time { return fixed }

	detached, _ := r.Create()
	r.Detach(detached.ID)

	bound, _ := r.Create()
	r.Attach(bound.ID, &fakeConn{})

	recentlyDetached, _ := r.Create()
	r.Detach(recentlyDetached.ID)

	later := fixed.Add(301 * time.Second)
	r.Touch(recentlyDetached.ID, later.Add(-1*time.Second)) // touched just before GC horizon

	evicted := r.GC(later)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := r.Get(detached.ID); ok {
		t.Error("expected long-detached session to be evicted")
	}
	if _, ok := r.Get(bound.ID); !ok {
		t.Error("bound session must never be evicted")
	}
	if _, ok := r.Get(recentlyDetached.ID); !ok {
		t.Error("recently touched detached session should survive this GC pass")
	}
}

func TestReplayAfterReturnsOnlyNewerMessages(t *testing.T) {
	s := &Session{replay: newRing(DefaultReplayBufferSize)}
	for i := uint64(1); i <= 5; i++ {
		s.BufferOutbound(protocol.DataFrame{MessageID: i})
	}
	got := s.ReplayAfter(3)
	if len(got) != 2 || got[0].MessageID != 4 || got[1].MessageID != 5 {
		t.Errorf("unexpected replay window: %v", got)
	}
}

func TestNextMessageIDIsStrictlyIncreasingAcrossReconnects(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Create()
	r.Attach(s.ID, &fakeConn{})

	var last uint64
	for i := 0; i < 3; i++ {
		id := s.NextMessageID()
		if id <= last {
			t.Fatalf("message id %d did not increase past %d", id, last)
		}
		last = id
	}

	r.Detach(s.ID)
	r.Attach(s.ID, &fakeConn{})
	id := s.NextMessageID()
	if id <= last {
		t.Fatalf("message id %d after reconnect did not increase past %d", id, last)
	}
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := newRing(3)
	for i := uint64(1); i <= 5; i++ {
		r.push(protocol.DataFrame{MessageID: i})
	}
	got := r.after(0)
	if len(got) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(got))
	}
	if got[0].MessageID != 3 || got[2].MessageID != 5 {
		t.Errorf("expected oldest-evicted window [3,4,5], got %v", got)
	}
}
