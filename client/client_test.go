package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sigmasockets"
	"sigmasockets/client"
)

func newTestServer(t *testing.T, configure func(*sigmasockets.Config)) (*sigmasockets.Server, string) {
	t.Helper()
	cfg := sigmasockets.Config{}
	if configure != nil {
		configure(&cfg)
	}
	srv, err := sigmasockets.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func waitForState(t *testing.T, states <-chan client.State, want client.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func waitForSessionID(t *testing.T, c *client.Client) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if id := c.SessionID(); id != "" {
			return id
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a session id")
	return ""
}

func TestClientConnectsAndReceivesMessage(t *testing.T) {
	srv, url := newTestServer(t, nil)

	states := make(chan client.State, 16)
	received := make(chan client.MessageEvent, 1)
	c := client.New(client.Config{
		URL: url,
		OnStateChange: func(s client.State) {
			select {
			case states <- s:
			default:
			}
		},
		OnMessage: func(ev client.MessageEvent) { received <- ev },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	t.Cleanup(func() { c.Close() })

	waitForState(t, states, client.Connected)
	sessionID := waitForSessionID(t, c)

	if err := srv.Send(sessionID, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-received:
		if string(ev.Payload) != "hello" {
			t.Errorf("payload = %q, want hello", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestClientSendDeliversToServer(t *testing.T) {
	received := make(chan sigmasockets.MessageEvent, 1)
	_, url := newTestServer(t, func(cfg *sigmasockets.Config) {
		cfg.OnMessage = func(ev sigmasockets.MessageEvent) { received <- ev }
	})

	states := make(chan client.State, 16)
	c := client.New(client.Config{
		URL: url,
		OnStateChange: func(s client.State) {
			select {
			case states <- s:
			default:
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	t.Cleanup(func() { c.Close() })

	waitForState(t, states, client.Connected)

	if err := c.Send([]byte("from client")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-received:
		if string(ev.Payload) != "from client" {
			t.Errorf("payload = %q, want %q", ev.Payload, "from client")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}
}

// TestClientResumesPrimedSession exercises the Reconnect half of the
// protocol directly: a second, independent Client primed with the first
// client's session id and last-acknowledged message id must resume the
// same session and receive exactly the messages after that id.
func TestClientResumesPrimedSession(t *testing.T) {
	srv, url := newTestServer(t, nil)

	first := client.New(client.Config{URL: url})
	ctx1, cancel1 := context.WithCancel(context.Background())
	go first.Run(ctx1)
	sessionID := waitForSessionID(t, first)

	if err := srv.Send(sessionID, []byte("one")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	lastAck := uint64(1) // the id the second client is primed with
	if err := srv.Send(sessionID, []byte("two")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	first.Close()
	cancel1()

	received := make(chan client.MessageEvent, 4)
	states := make(chan client.State, 16)
	second := client.New(client.Config{
		URL:       url,
		OnMessage: func(ev client.MessageEvent) { received <- ev },
		OnStateChange: func(s client.State) {
			select {
			case states <- s:
			default:
			}
		},
	})
	second.PrimeSession(sessionID, lastAck)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go second.Run(ctx2)
	t.Cleanup(func() { second.Close() })

	waitForState(t, states, client.Connected)
	if second.SessionID() != sessionID {
		t.Errorf("resumed session id = %q, want %q", second.SessionID(), sessionID)
	}

	select {
	case ev := <-received:
		if string(ev.Payload) != "two" {
			t.Errorf("replayed payload = %q, want two", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed message")
	}
}

func TestClientSessionLostOnUnknownReconnect(t *testing.T) {
	_, url := newTestServer(t, nil)

	lost := make(chan struct{}, 1)
	c := client.New(client.Config{
		URL:           url,
		OnSessionLost: func() { lost <- struct{}{} },
	})
	c.PrimeSession("never-existed", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	t.Cleanup(func() { c.Close() })

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnSessionLost")
	}
}
