package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/session"
)

// client binds a session to its websocket and runs the two pumps that move
// frames between them.
type client struct {
	conn        *websocket.Conn
	session     *session.Session
	manager     *Manager
	log         *zap.Logger
	rateLimiter *rateLimiter

	// handshakeToken is verified before the first read when handshake
	// authentication is enabled.
	handshakeToken string
}

func newClient(conn *websocket.Conn, m *Manager, addr, token string) (*client, error) {
	cfg := m.cfg
	conn.SetReadLimit(cfg.MaxMessageSize)

	s := session.New(wsHandle{conn: conn, writeWait: cfg.WriteWait}, addr, cfg.SendBufferSize)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return &client{
		conn:           conn,
		session:        s,
		manager:        m,
		log:            m.log.With(zap.String("client_id", s.ID().String()), zap.String("remote_addr", addr)),
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		handshakeToken: token,
	}, nil
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *client) setupReadConnection() {
	pongWait := c.manager.cfg.PongWait
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError reports why the read loop stopped.
func (c *client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", zap.Int64("limit", c.manager.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Info("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.log.Info("WebSocket read stopped", zap.Error(err))
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		metrics.DroppedEnvelopes.WithLabelValues("rate_limited").Inc()
		c.log.Warn("Rate limit exceeded; discarding message",
			zap.Int("burst", c.manager.cfg.RateLimit.Burst),
			zap.Duration("interval", c.manager.cfg.RateLimit.RefillInterval))
		return false
	}
	return true
}

func (c *client) readPump(ctx context.Context) {
	defer c.manager.drop(c)

	c.setupReadConnection()

	if c.handshakeToken != "" && c.manager.cfg.Auth.HandshakeAuth {
		if !c.authenticate(ctx, protocol.AuthPayload{Token: c.handshakeToken}) {
			return
		}
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.dispatch(ctx, raw) {
			return
		}
	}
}

// dispatch decodes one inbound frame and hands it to the component that
// owns its payload type. It returns false when the session must end.
func (c *client) dispatch(ctx context.Context, raw []byte) bool {
	if c.session.State() == session.Closed {
		return false
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		metrics.DroppedEnvelopes.WithLabelValues("decode").Inc()
		c.log.Warn("Dropping invalid envelope", zap.Error(err))
		return true
	}

	switch p := env.Payload.(type) {
	case protocol.AuthPayload:
		return c.authenticate(ctx, p)
	case protocol.ChatMessage:
		c.publish(ctx, p)
	case protocol.Profile:
		metrics.DroppedEnvelopes.WithLabelValues("client_profile").Inc()
		c.log.Warn("Dropping profile envelope sent by client", zap.String("envelope_id", env.ID.String()))
	default:
		metrics.DroppedEnvelopes.WithLabelValues("unknown_type").Inc()
		c.log.Warn("Dropping envelope of unknown type", zap.String("type", string(env.Type())))
	}
	return true
}

func (c *client) authenticate(ctx context.Context, p protocol.AuthPayload) bool {
	_, err := c.manager.gateway.Authenticate(ctx, c.session, p)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errs.ErrTooManyAuthAttempts):
		c.log.Warn("Closing session after repeated authentication failures", zap.Error(err))
		return false
	case errors.Is(err, errs.ErrSessionClosed), errors.Is(err, errs.ErrSendOnClosedConnection):
		return false
	case errors.Is(err, errs.ErrAlreadyAuthenticated):
		metrics.DroppedEnvelopes.WithLabelValues("already_authenticated").Inc()
		c.log.Debug("Ignoring auth envelope on authenticated session")
		return true
	default:
		// Failure already logged by the gateway; the client may retry.
		return true
	}
}

func (c *client) publish(ctx context.Context, msg protocol.ChatMessage) {
	ack, err := c.manager.router.Publish(ctx, c.session, msg)
	if err != nil {
		metrics.DroppedEnvelopes.WithLabelValues("rejected").Inc()
		c.log.Warn("Message rejected",
			zap.String("message_id", msg.MessageID.String()),
			zap.String("channel", msg.Channel),
			zap.Error(err))
		return
	}
	c.session.SetChannel(ack.Channel)
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.manager.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		// A failed write leaves the peer unreachable; closing the session
		// also ends the read pump.
		if err := c.session.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Error closing session in writePump", zap.Error(err))
		}
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.session.Outbound():
		if !ok {
			// Session closed; its handle already sent the close frame.
			return false
		}
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// writeTextMessage writes one encoded envelope as its own text frame.
func (c *client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteWait)); err != nil {
		c.log.Debug("Error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteWait)); err != nil {
		c.log.Debug("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing ping message", zap.Error(err))
		}
		return false
	}
	return true
}
