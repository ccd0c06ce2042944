package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/metrics"
	"github.com/strangerlink/signal-server/internal/ratelimit"
	"github.com/strangerlink/signal-server/internal/session"
)

const (
	wsWriteWait = 1 * time.Second

	// disconnectSubmitTimeout bounds how long a closing connection waits for
	// room in the session queue.
	disconnectSubmitTimeout = 5 * time.Second

	// terminalDrainTimeout bounds how long a failing connection waits for
	// replies to its accepted events before the error frame is written.
	terminalDrainTimeout = 2 * time.Second
)

// closeRequest asks the writer to flush send and then close.
type closeRequest struct {
	code   int
	reason string
}

// wsConn is one /ws client. The read loop runs on the HTTP handler
// goroutine; once authorized a writer goroutine drains send and pings.
type wsConn struct {
	srv     *Server
	id      matching.ConnID
	conn    *websocket.Conn
	req     *http.Request
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	send       chan []byte
	kick       chan struct{}
	closing    chan closeRequest
	done       chan struct{}
	writerDone chan struct{}
	started    bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(s *Server, conn *websocket.Conn, r *http.Request) *wsConn {
	id := s.cfg.NewConnID()
	return &wsConn{
		srv:  s,
		id:   id,
		conn: conn,
		req:  r,
		log:  s.log.With("conn_id", id),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		send:       make(chan []byte, s.cfg.SendQueueSize),
		kick:       make(chan struct{}, 1),
		closing:    make(chan closeRequest, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *wsConn) run(ctx context.Context) {
	defer c.cleanup()

	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)

	authorized := false
	if err := c.srv.authz.Authorize(c.req, nil); err != nil {
		if !IsAuthMissing(err) {
			c.srv.metrics.Inc(metrics.AuthFailure)
			c.fail(CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, messageUnauthorized)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	} else {
		authorized = true
		if !c.start(ctx) {
			return
		}
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readFailed(err, authorized)
			return
		}
		if authorized {
			c.extendReadDeadline()
		}
		// Rate limit after the read so the frame is consumed; closing with
		// unread bytes in the receive buffer turns the close into a reset.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail(CodeRateLimited, messageRateLimited, websocket.ClosePolicyViolation, messageRateLimited)
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(CodeBadMessage, messageNotTextFrame, websocket.CloseUnsupportedData, messageNotTextFrame)
			return
		}

		msg, err := ParseClientMessage(data, c.srv.cfg.StrictSignaling)
		if err != nil {
			c.srv.metrics.Inc(metrics.BadMessage)
			code, message := CodeBadMessage, err.Error()
			var perr *ProtocolError
			if errors.As(err, &perr) {
				code, message = perr.Code, perr.Message
			}
			if !authorized {
				c.fail(code, message, websocket.ClosePolicyViolation, "bad message")
				return
			}
			c.reply(encodeError(code, message))
			continue
		}

		if !authorized {
			if msg.Auth == nil {
				c.srv.metrics.Inc(metrics.AuthFailure)
				c.fail(CodeUnauthorized, messageAuthRequired, websocket.ClosePolicyViolation, messageAuthRequired)
				return
			}
			cred := msg.Auth.APIKey
			if cred == "" {
				cred = msg.Auth.Token
			}
			if err := c.srv.authz.Authorize(c.req, &ClientHello{Credential: cred}); err != nil {
				c.srv.metrics.Inc(metrics.AuthFailure)
				c.fail(CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, messageUnauthorized)
				return
			}
			authorized = true
			c.extendReadDeadline()
			if !c.start(ctx) {
				return
			}
			continue
		}

		ev := msg.Event(c.id)
		if ev == nil {
			// Repeated auth frames are harmless.
			continue
		}
		if err := c.srv.sessions.Submit(ctx, ev); err != nil {
			c.fail(CodeShuttingDown, messageShuttingDown, websocket.CloseGoingAway, messageShuttingDown)
			return
		}
	}
}

// start joins the session layer: the connection becomes addressable through
// the Hub and the writer goroutine begins pinging.
func (c *wsConn) start(ctx context.Context) bool {
	ip, country := c.srv.lookupCountry(ctx, c.req)

	c.srv.hub.register(c.id, c)
	c.started = true
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	go c.writeLoop()

	if err := c.srv.sessions.Submit(ctx, session.Connect{ID: c.id, Country: country, RemoteAddr: ip}); err != nil {
		c.fail(CodeShuttingDown, messageShuttingDown, websocket.CloseGoingAway, messageShuttingDown)
		return false
	}
	c.log.Debug("signaling connection started", "remote_addr", ip, "country", country)
	return true
}

func (c *wsConn) readFailed(err error, authorized bool) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		// gorilla has already sent 1009.
		c.srv.metrics.Inc(metrics.BadMessage)
		c.log.Debug("message too large", "limit", c.srv.cfg.MaxMessageBytes)
	case isTimeout(err) && !authorized:
		c.srv.metrics.Inc(metrics.AuthFailure)
		c.closeWith(websocket.ClosePolicyViolation, messageAuthTimeout)
	case isTimeout(err):
		c.closeWith(websocket.CloseNormalClosure, messageIdleTimeout)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug("websocket read failed", "err", err)
	}
}

func (c *wsConn) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
			c.closeWith(websocket.ClosePolicyViolation, messageSlowConsumer)
			_ = c.conn.Close()
			return
		case req := <-c.closing:
			c.flush()
			c.closeWith(req.code, req.reason)
			_ = c.conn.Close()
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// flush writes whatever is queued in send without waiting for more.
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) overflow() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// reply queues a frame behind pending notifications, or writes it directly
// when the writer is not running yet.
func (c *wsConn) reply(frame []byte) {
	if !c.started {
		_ = c.write(frame)
		return
	}
	if !c.enqueue(frame) {
		c.srv.metrics.Inc(metrics.NotifyDropped)
		c.overflow()
	}
}

func (c *wsConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// fail sends an error frame, then a close frame. Once the writer runs, the
// error is queued behind the replies to events already submitted.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	if !c.started {
		_ = c.write(encodeError(code, message))
		c.closeWith(closeCode, closeReason)
		return
	}

	c.awaitSessions()
	_ = c.enqueue(encodeError(code, message))
	select {
	case c.closing <- closeRequest{code: closeCode, reason: closeReason}:
	default:
	}
	select {
	case <-c.writerDone:
	case <-time.After(terminalDrainTimeout):
	}
}

// awaitSessions waits until the session loop has applied every event this
// connection submitted, so their notifications sit in send.
func (c *wsConn) awaitSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), terminalDrainTimeout)
	defer cancel()
	done := make(chan struct{})
	if err := c.srv.sessions.Submit(ctx, session.Barrier{Done: done}); err != nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) goingAway() {
	c.closeWith(websocket.CloseGoingAway, messageShuttingDown)
	_ = c.conn.Close()
}

func (c *wsConn) cleanup() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.started {
			c.srv.hub.unregister(c.id)
			ctx, cancel := context.WithTimeout(context.Background(), disconnectSubmitTimeout)
			if err := c.srv.sessions.Submit(ctx, session.Disconnect{ID: c.id}); err != nil && !errors.Is(err, session.ErrClosed) {
				c.log.Warn("submit disconnect", "err", err)
			}
			cancel()
			<-c.writerDone
		}
		_ = c.conn.Close()
		c.srv.active.Add(-1)
		c.srv.metrics.Inc(metrics.WSConnectionClosed)
		c.log.Debug("signaling connection closed")
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
