package sigmasockets

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sigmasockets/internal/keepalive"
	"sigmasockets/internal/protocol"
	"sigmasockets/internal/quality"
	"sigmasockets/internal/ratelimit"
	"sigmasockets/internal/session"
)

// maxOutboundQueue is the bound on a connection's outbound frame queue
// (spec.md §4.7): a peer that falls this far behind is a slow consumer,
// not a momentarily busy one, and is disconnected rather than allowed to
// grow the queue without limit.
const maxOutboundQueue = 1024

// pongTimeout is how long an outstanding ping is given to be answered
// before it counts as missed.
const pongTimeout = 10 * time.Second

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 5 * time.Second

// Close codes beyond the standard RFC 6455 range, reserved for
// application-defined reasons per spec.md §6.
const (
	closeSlowConsumer    = 4000
	closeSessionReplaced = 4001
	closeSessionExpired  = 4002
)

// connSupervisor owns exactly one WebSocket connection: its read loop,
// write loop, and keep-alive ticker. It holds only a session ID once
// attached, never caches decisions that belong to the Registry — the
// Registry remains the single source of truth for session state, per
// spec.md §9's cyclic-ownership note.
type connSupervisor struct {
	srv        *Server
	conn       *websocket.Conn
	remoteAddr string

	// traceID identifies this connection's lifetime in logs independent
	// of the resumable session ID, which can outlive any one connection
	// (or not exist yet during the pre-Connect handshake window).
	traceID string

	sessionID string // set once, before Register; read-only after
	sess      *session.Session

	outbound chan []byte
	closed   chan struct{}
	closeErr error

	keepalive *keepalive.Engine
	quality   *quality.Meter

	pingOutstanding bool
	pingSentAt      time.Time
	pingDeadline    time.Time

	// replaced is set just before Close() tears this connection down
	// because a newer connection took over its session, so run()'s
	// teardown doesn't detach the session out from under the new one.
	replaced atomic.Bool

	closeOnce sync.Once
}

func newConnSupervisor(srv *Server, conn *websocket.Conn, remoteAddr string) *connSupervisor {
	return &connSupervisor{
		srv:        srv,
		conn:       conn,
		remoteAddr: remoteAddr,
		traceID:    uuid.NewString(),
		outbound:   make(chan []byte, maxOutboundQueue),
		closed:     make(chan struct{}),
		keepalive:  keepalive.NewEngine(srv.cfg.Keepalive, srv.log),
		quality:    quality.NewMeter(srv.cfg.QualityWindowSize),
	}
}

// SessionID implements broadcast.Sender.
func (c *connSupervisor) SessionID() string { return c.sessionID }

// Close implements session.ConnHandle: the Registry calls this when a
// Reconnect rebinds this connection's session to a newer connection,
// atomically displacing this one.
func (c *connSupervisor) Close() error {
	c.replaced.Store(true)
	return c.close(closeSessionReplaced, "session resumed on a new connection")
}

// Send implements broadcast.Sender: it enqueues frame for the write loop
// and, if it's a Data frame, buffers it into this session's replay ring.
// It never blocks on a full queue — a slow consumer is disconnected
// instead of backing up every sender that targets it.
func (c *connSupervisor) Send(frame []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}

	if df, ok := decodeDataFrame(frame); ok && c.sess != nil {
		c.sess.BufferOutbound(df)
	}

	select {
	case c.outbound <- frame:
		return nil
	default:
		c.srv.log.Warn("slow consumer, disconnecting", "component", "supervisor", "trace_id", c.traceID, "session_id", c.sessionID)
		c.srv.metrics.ForcedDisconnects.WithLabelValues("SlowConsumer").Inc()
		c.close(closeSlowConsumer, "slow consumer")
		return fmt.Errorf("outbound queue full")
	}
}

func decodeDataFrame(frame []byte) (protocol.DataFrame, bool) {
	f, err := protocol.Decode(frame)
	if err != nil {
		return protocol.DataFrame{}, false
	}
	df, ok := f.(protocol.DataFrame)
	return df, ok
}

// run drives the connection end to end: read loop, write loop, and
// keep-alive ticker, until the connection closes for any reason.
func (c *connSupervisor) run() {
	go c.writeLoop()
	go c.keepaliveLoop()
	c.readLoop()

	c.srv.router.Unregister(c.sessionID, c)
	if c.sessionID != "" && !c.replaced.Load() {
		c.srv.registry.Detach(c.sessionID)
		c.srv.metrics.ForgetSession(c.sessionID)
		if c.srv.cfg.OnDisconnect != nil {
			c.srv.cfg.OnDisconnect(DisconnectionEvent{SessionID: c.sessionID, Reason: c.closeReason()})
		}
	}
	c.srv.untrack(c)
}

func (c *connSupervisor) closeReason() string {
	if c.closeErr == nil {
		return ""
	}
	return c.closeErr.Error()
}

func (c *connSupervisor) readLoop() {
	defer c.close(websocket.CloseNormalClosure, "")

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.srv.log.Warn("unexpected close", "component", "supervisor", "trace_id", c.traceID, "session_id", c.sessionID, "err", err)
			}
			c.closeErr = err
			return
		}
		if mt != websocket.BinaryMessage {
			c.protocolViolation("text frames are not accepted")
			return
		}

		if stop := c.handleInbound(data); stop {
			return
		}

		select {
		case <-c.closed:
			return
		default:
		}
	}
}

// rateLimitKey identifies this connection to the rate limiter before a
// session ID exists, and by session ID afterward.
func (c *connSupervisor) rateLimitKey() string {
	if c.sessionID != "" {
		return c.sessionID
	}
	return c.remoteAddr
}

// handleInbound decodes, validates and dispatches one inbound message. It
// returns true if the read loop should stop (the connection was closed as
// part of handling this frame).
func (c *connSupervisor) handleInbound(raw []byte) bool {
	key := c.rateLimitKey()
	frame, rej := c.srv.limiter.Validate(raw, key)
	if rej != nil {
		if rej.Kind == ratelimit.RateLimited && c.srv.limiter.AbuseCount(key) > c.srv.cfg.AbuseThreshold {
			c.protocolViolation("rate limit abuse")
			return true
		}
		c.sendErrorFrame(1, rej.Error())
		return false
	}

	now := time.Now()
	c.keepalive.RecordActivity(now)
	c.quality.RecordReceived(len(raw))
	c.srv.metrics.FramesReceived.Inc()
	c.srv.metrics.BytesReceived.Add(float64(len(raw)))

	switch f := frame.(type) {
	case protocol.ConnectFrame:
		return c.handleConnect(f)
	case protocol.ReconnectFrame:
		return c.handleReconnect(f)
	case protocol.DisconnectFrame:
		c.close(websocket.CloseNormalClosure, f.Reason)
		return true
	case protocol.DataFrame:
		c.handleData(f)
	case protocol.HeartbeatFrame:
		c.handleHeartbeat(f, now)
	case protocol.ErrorFrame:
		c.srv.log.Warn("peer reported error", "component", "supervisor",
			"trace_id", c.traceID, "session_id", c.sessionID, "code", f.Code, "message", f.Message)
	}
	return false
}

// handleConnect opens a brand new session. A client-supplied SessionID on
// a Connect frame is never honored — session IDs are exclusively
// server-assigned (spec.md §3) — it is only logged if present, since a
// legitimate client never sends one on first connect; Reconnect is the
// only frame that resumes an existing ID.
func (c *connSupervisor) handleConnect(f protocol.ConnectFrame) bool {
	if c.sessionID != "" {
		c.protocolViolation("unexpected Connect on an already-attached connection")
		return true
	}
	if f.SessionID != "" {
		c.srv.log.Debug("ignoring client-supplied session id on Connect", "component", "supervisor", "trace_id", c.traceID, "remote", c.remoteAddr)
	}

	sess, err := c.srv.registry.Create()
	if err != nil {
		c.srv.log.Error("failed to create session", "component", "supervisor", "trace_id", c.traceID, "err", err)
		c.close(websocket.CloseInternalServerErr, "internal error")
		return true
	}
	if _, err := c.srv.registry.Attach(sess.ID, c); err != nil {
		c.srv.log.Error("failed to attach fresh session", "component", "supervisor", "trace_id", c.traceID, "err", err)
		c.close(websocket.CloseInternalServerErr, "internal error")
		return true
	}
	c.bind(sess)

	reply, err := protocol.Encode(protocol.ConnectFrame{SessionID: sess.ID, ClientVersion: ProtocolVersion})
	if err == nil {
		c.enqueueDirect(reply)
	}

	if c.srv.cfg.OnConnect != nil {
		c.srv.cfg.OnConnect(ConnectionEvent{SessionID: sess.ID, Resumed: false, RemoteAddr: c.remoteAddr})
	}
	return false
}

// handleReconnect resumes an existing session, replaying every buffered
// Data frame the peer hasn't already acknowledged.
func (c *connSupervisor) handleReconnect(f protocol.ReconnectFrame) bool {
	if c.sessionID != "" {
		c.protocolViolation("unexpected Reconnect on an already-attached connection")
		return true
	}

	sess, err := c.srv.registry.Attach(f.SessionID, c)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			// No Error frame here: closeSessionExpired's reason text is the
			// whole signal, and queuing a frame just ahead of a close risks
			// a race between the write loop and this goroutine's own close.
			c.close(closeSessionExpired, "session expired, reconnect with a fresh Connect")
			return true
		}
		c.srv.log.Error("reconnect attach failed", "component", "supervisor", "trace_id", c.traceID, "err", err)
		c.close(websocket.CloseInternalServerErr, "internal error")
		return true
	}
	c.bind(sess)
	sess.SetLastAckMessageID(f.LastMessageID)

	// Reconnect has no dedicated ack variant on the wire — reuse
	// ConnectFrame's shape (the client already knows its own session_id,
	// so echoing it back is just the "you're live again" signal) ahead
	// of the replay window so the client can mark itself Connected even
	// when there's nothing queued to replay.
	if ack, err := protocol.Encode(protocol.ConnectFrame{SessionID: sess.ID, ClientVersion: ProtocolVersion}); err == nil {
		c.enqueueDirect(ack)
	}

	for _, df := range sess.ReplayAfter(f.LastMessageID) {
		encoded, err := protocol.Encode(df)
		if err != nil {
			continue
		}
		c.enqueueDirect(encoded)
	}

	if c.srv.cfg.OnConnect != nil {
		c.srv.cfg.OnConnect(ConnectionEvent{SessionID: sess.ID, Resumed: true, RemoteAddr: c.remoteAddr})
	}
	return false
}

func (c *connSupervisor) handleData(f protocol.DataFrame) {
	if c.srv.cfg.OnMessage != nil {
		c.srv.cfg.OnMessage(MessageEvent{
			SessionID: c.sessionID,
			Payload:   f.Payload,
			MessageID: f.MessageID,
			Timestamp: f.Timestamp,
		})
	}
}

// handleHeartbeat treats an inbound Heartbeat as the pong to our most
// recent outstanding ping, if one is outstanding; otherwise it's a
// peer-initiated ping and gets echoed straight back.
func (c *connSupervisor) handleHeartbeat(f protocol.HeartbeatFrame, now time.Time) {
	if c.pingOutstanding {
		rtt := now.Sub(c.pingSentAt)
		c.quality.RecordPong(rtt)
		c.keepalive.OnPongReceived(now)
		c.pingOutstanding = false
		return
	}
	if encoded, err := protocol.Encode(protocol.HeartbeatFrame{Timestamp: f.Timestamp}); err == nil {
		c.enqueueDirect(encoded)
	}
}

func (c *connSupervisor) sendErrorFrame(code uint32, message string) {
	encoded, err := protocol.Encode(protocol.ErrorFrame{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueueDirect(encoded)
}

// enqueueDirect pushes a pre-encoded frame straight onto the outbound
// queue, bypassing Send's replay-buffering (used for control frames —
// Connect acks, Heartbeats, Error frames — that are never part of a
// session's Data replay window).
func (c *connSupervisor) enqueueDirect(frame []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.outbound <- frame:
	default:
		c.srv.log.Warn("slow consumer on control frame, disconnecting", "component", "supervisor", "trace_id", c.traceID, "session_id", c.sessionID)
		c.close(closeSlowConsumer, "slow consumer")
	}
}

// bind records the session this connection has attached to. Only the ID
// is kept as a standing field beyond this call's scope; the *Session
// pointer is kept too purely as a read cache (Registry.Get would resolve
// the same pointer) to avoid a map lookup on every Send.
func (c *connSupervisor) bind(sess *session.Session) {
	c.sessionID = sess.ID
	c.sess = sess
	c.srv.router.Register(c)
}

// protocolViolation closes the connection with 1008 per spec.md §7's
// Protocol error propagation policy: immediate close, no recovery.
func (c *connSupervisor) protocolViolation(reason string) {
	c.srv.log.Warn("protocol violation", "component", "supervisor", "trace_id", c.traceID, "session_id", c.sessionID, "reason", reason)
	if c.srv.cfg.OnError != nil {
		c.srv.cfg.OnError(ErrorEvent{SessionID: c.sessionID, Err: wrapErr(Protocol, errors.New(reason))})
	}
	c.close(websocket.ClosePolicyViolation, reason)
}

func (c *connSupervisor) writeLoop() {
	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.closeErr = err
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			c.keepalive.RecordActivity(time.Now())
			c.quality.RecordSent(len(frame))
			c.srv.metrics.FramesSent.Inc()
			c.srv.metrics.BytesSent.Add(float64(len(frame)))
		case <-c.closed:
			return
		}
	}
}

func (c *connSupervisor) keepaliveLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *connSupervisor) tick(now time.Time) {
	c.keepalive.CheckIdle(now)

	if c.pingOutstanding && now.After(c.pingDeadline) {
		state := c.keepalive.OnPongTimeout()
		c.quality.RecordMissedPing()
		c.pingOutstanding = false
		if state == keepalive.Unhealthy {
			c.srv.metrics.ForcedDisconnects.WithLabelValues("KeepaliveTimeout").Inc()
			c.close(websocket.CloseAbnormalClosure, "keepalive timeout")
			return
		}
	} else if !c.pingOutstanding && c.keepalive.ShouldPing(now) {
		ts := uint64(now.UnixMilli())
		if encoded, err := protocol.Encode(protocol.HeartbeatFrame{Timestamp: ts}); err == nil {
			c.enqueueDirect(encoded)
		}
		c.keepalive.OnPingSent(now)
		c.pingSentAt = now
		c.pingOutstanding = true
		c.pingDeadline = now.Add(pongTimeout)
	}

	sessionID := c.sessionID
	score := c.quality.Score()
	c.keepalive.AdaptInterval(score)
	if sessionID != "" {
		c.srv.metrics.QualityScore.WithLabelValues(sessionID).Set(score)
		c.srv.metrics.RTTSeconds.WithLabelValues(sessionID).Set(c.quality.EMARTT().Seconds())
		c.srv.metrics.LossRatio.WithLabelValues(sessionID).Set(c.quality.LossRatio())
	}
}

// close tears the connection down exactly once: sends a best-effort close
// frame, closes the underlying socket, and signals every loop to exit.
func (c *connSupervisor) close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.keepalive.Close()
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		err = c.conn.Close()
		close(c.closed)
	})
	return err
}
