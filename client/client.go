// Package client implements the peer-facing counterpart of session
// resume: a WebSocket client that reconnects with exponential backoff,
// resumes its session with a Reconnect handshake instead of starting
// over, and replays the same frame codec and quality/keep-alive wire
// contract the server speaks.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sigmasockets/internal/protocol"
)

// State is the client's connection lifecycle state, per spec.md §4.9:
// Disconnected → Connecting → Connected → (Error|Reconnecting) → ...
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// MessageEvent is delivered to Config.OnMessage for every inbound Data
// frame.
type MessageEvent struct {
	Payload   []byte
	MessageID uint64
	Timestamp uint64
}

// Config configures a Client. Zero-valued fields fall back to the
// defaults documented alongside each one.
type Config struct {
	// URL is the ws:// or wss:// endpoint to dial, e.g.
	// "ws://localhost:8080/ws".
	URL string

	// ReconnectInterval is the backoff base. <= 0 means 1s.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds consecutive failed reconnect attempts
	// before Run gives up and returns an error. 0 means the default of
	// 5; -1 means unlimited.
	MaxReconnectAttempts int
	// HeartbeatInterval is the client's own idle-ping cadence, mirroring
	// the server's adaptive keep-alive from the peer side. <= 0 means
	// 30s, matching keepalive.DefaultConfig's PingInterval.
	HeartbeatInterval time.Duration

	// ClientVersion is advertised in the Connect handshake.
	ClientVersion string

	Logger *slog.Logger
	Debug  bool

	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(State)
	// OnMessage fires for every inbound Data frame.
	OnMessage func(MessageEvent)
	// OnSessionLost fires when a Reconnect attempt comes back
	// NotFound/Expired and the client has fallen back to a fresh
	// Connect — the application should treat any session-scoped state
	// it was tracking as gone.
	OnSessionLost func()
	// OnError fires for connection-level failures that don't have a
	// more specific callback.
	OnError func(error)
}

func (c Config) normalize() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "sigmasockets-client/1.0"
	}
	if c.Logger == nil {
		level := slog.LevelInfo
		if c.Debug {
			level = slog.LevelDebug
		}
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return c
}

// Client is a reconnecting SigmaSockets peer. The zero value is not
// usable; construct with New.
type Client struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	state       State
	sessionID   string
	lastAckID   uint64
	conn        *websocket.Conn
	outMsgID    uint64

	backoff *Backoff

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Client. It does not dial; call Run.
func New(cfg Config) *Client {
	cfg = cfg.normalize()
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		state:   Disconnected,
		backoff: NewBackoff(cfg.ReconnectInterval, 30*time.Second),
		closed:  make(chan struct{}),
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the last session ID the client was assigned, or ""
// before the first successful Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Run dials, connects, and processes frames until ctx is canceled or
// Close is called, reconnecting with exponential backoff on every
// transport failure in between. It returns nil on a clean
// caller-initiated shutdown, or an error once MaxReconnectAttempts
// consecutive failures have been exhausted.
func (c *Client) Run(ctx context.Context) error {
	c.setState(Connecting)
	for {
		err := c.connectAndServe(ctx)
		select {
		case <-c.closed:
			c.setState(Disconnected)
			return nil
		default:
		}
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return ctx.Err()
		}

		c.log.Warn("connection lost", "component", "client", "err", err)
		if c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}

		if c.cfg.MaxReconnectAttempts >= 0 && c.backoff.Attempt() >= c.cfg.MaxReconnectAttempts {
			c.setState(Errored)
			return fmt.Errorf("client: exhausted %d reconnect attempts: %w", c.cfg.MaxReconnectAttempts, err)
		}

		c.setState(Reconnecting)
		delay := c.backoff.Next()
		c.log.Info("reconnecting", "component", "client", "delay", delay, "attempt", c.backoff.Attempt())
		select {
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		case <-c.closed:
			c.setState(Disconnected)
			return nil
		case <-time.After(delay):
		}
		c.setState(Connecting)
	}
}

// Close transitions the client to Disconnected within one scheduler
// tick, cancels any pending reconnect timer, and closes the transport
// if one is open. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(5*time.Second))
			_ = conn.Close()
		}
	})
	return err
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	resuming := c.sessionID != ""
	sessionID := c.sessionID
	lastAck := c.lastAckID
	c.mu.Unlock()

	if resuming {
		if err := c.send(protocol.ReconnectFrame{SessionID: sessionID, LastMessageID: lastAck}); err != nil {
			return fmt.Errorf("send reconnect: %w", err)
		}
	} else {
		if err := c.send(protocol.ConnectFrame{ClientVersion: c.cfg.ClientVersion}); err != nil {
			return fmt.Errorf("send connect: %w", err)
		}
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == sessionExpiredCode {
				c.mu.Lock()
				c.sessionID = ""
				c.lastAckID = 0
				c.mu.Unlock()
				if c.cfg.OnSessionLost != nil {
					c.cfg.OnSessionLost()
				}
			}
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "component", "client", "err", err)
			continue
		}
		c.handleFrame(frame, conn)
	}
}

// sessionExpiredCode mirrors the server's closeSessionExpired close
// code (see supervisor.go); duplicated here rather than imported since
// the client package must not depend on the root server package.
const sessionExpiredCode = 4002

func (c *Client) handleFrame(frame protocol.Frame, conn *websocket.Conn) {
	switch f := frame.(type) {
	case protocol.ConnectFrame:
		c.mu.Lock()
		c.sessionID = f.SessionID
		c.mu.Unlock()
		c.backoff.Reset()
		c.setState(Connected)
		c.log.Info("connected", "component", "client", "session_id", f.SessionID)

	case protocol.DataFrame:
		c.mu.Lock()
		if f.MessageID > c.lastAckID {
			c.lastAckID = f.MessageID
		}
		c.mu.Unlock()
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(MessageEvent{Payload: f.Payload, MessageID: f.MessageID, Timestamp: f.Timestamp})
		}

	case protocol.HeartbeatFrame:
		_ = c.send(protocol.HeartbeatFrame{Timestamp: f.Timestamp})

	case protocol.ErrorFrame:
		c.log.Warn("server reported error", "component", "client", "code", f.Code, "message", f.Message)
		if c.cfg.OnError != nil {
			c.cfg.OnError(errors.New(f.Message))
		}

	case protocol.ReconnectFrame, protocol.DisconnectFrame:
		// Never sent server-to-client; ignore defensively rather than
		// treat an unexpected variant as a protocol error worth tearing
		// the connection down for.
	}
}

// PrimeSession seeds the session ID and last-acknowledged message ID
// Run will resume from, instead of starting with a fresh Connect. Call
// this before Run if the caller persisted a previous session's
// identity across a process restart; Run never calls it on its own.
func (c *Client) PrimeSession(sessionID string, lastAckMessageID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.lastAckID = lastAckMessageID
}

// Send transmits payload to the server as a Data frame.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	c.outMsgID++
	id := c.outMsgID
	c.mu.Unlock()
	return c.send(protocol.DataFrame{
		Payload:   payload,
		MessageID: id,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
}

func (c *Client) send(f protocol.Frame) error {
	encoded, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, encoded)
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			cur := c.conn
			c.mu.Unlock()
			if cur != conn {
				return // a newer connection replaced this one
			}
			if err := c.send(protocol.HeartbeatFrame{Timestamp: uint64(now.UnixMilli())}); err != nil {
				return
			}
		}
	}
}
