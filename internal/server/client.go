package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/clock"
	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

// Close codes sent when the server ends a connection on purpose.
const (
	CloseAuthFailed      = 4001
	CloseAuthTimeout     = 4002
	CloseSessionReplaced = 4003
)

// Conn is the subset of *websocket.Conn used by a client. Close and
// WriteControl may be called concurrently with the other methods.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

type clientState int

const (
	statePending clientState = iota
	stateAdmitted
	stateClosed
)

// Client is one WebSocket connection. It is provisionally tracked by the hub
// from the moment it opens and enters the Registry only after authenticating.
type Client struct {
	id             string
	conn           Conn
	hub            *Hub
	addr           string
	send           chan []byte
	done           chan struct{}
	limiter        *rateLimiter
	rateLimit      RateLimitConfig
	maxMessageSize int64
	writeWait      time.Duration

	closeOnce sync.Once
	closeCode int
	closeText string

	// awaitingPong is set by the heartbeat sweep and cleared by a pong.
	awaitingPong atomic.Bool

	mu       sync.Mutex
	state    clientState
	identity auth.Identity
	grace    clock.Timer
	logger   *slog.Logger
}

func newClient(h *Hub, conn Conn, addr string) *Client {
	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		hub:            h,
		addr:           addr,
		send:           make(chan []byte, h.cfg.SendBuffer),
		done:           make(chan struct{}),
		limiter:        newRateLimiter(h.cfg.RateLimit.Burst, h.cfg.RateLimit.RefillInterval, h.clock.Now),
		rateLimit:      h.cfg.RateLimit,
		maxMessageSize: h.cfg.MaxMessageSize,
		writeWait:      h.cfg.WriteWait,
		logger:         h.logger.With("conn_id", id, "remote_addr", addr),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user, or 0 before admission.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.UserID
}

func (c *Client) admitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAdmitted
}

// retire takes c out of the admitted state once a newer session owns its
// user. Its socket closes later; events read until then are rejected.
func (c *Client) retire() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

func (c *Client) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// enqueue queues payload without blocking.
func (c *Client) enqueue(payload []byte) string {
	select {
	case <-c.done:
		return telemetry.DeliverySkipped
	default:
	}

	select {
	case c.send <- payload:
		return telemetry.DeliverySent
	default:
		return telemetry.DeliveryDropped
	}
}

// closeWith asks the write pump to flush, send a close frame with code and
// close the socket. Only the first close request counts.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = reason
		close(c.done)
	})
}

// terminate drops the socket without a close handshake.
func (c *Client) terminate() {
	c.closeOnce.Do(func() { close(c.done) })
	c.closeConnection()
}

func (c *Client) ping() error {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrTransport, err)
	}
	return nil
}

// handleReadError logs the reason the read loop ended.
func (c *Client) handleReadError(err error) {
	logger := c.log()

	// Check for read limit violations
	if errors.Is(err, websocket.ErrReadLimit) {
		logger.Info("message exceeded maximum size", "limit", c.maxMessageSize)
		return
	}

	// Check for expected close scenarios
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		logger.Debug("client disconnected", "error", err)
		return
	}

	// Check for network errors
	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		logger.Debug("connection closed", "error", err)
		return
	}

	logger.Warn("websocket read error", "error", err)
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.allow() {
		c.log().Info("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// readPump handles inbound frames one at a time until the socket fails.
func (c *Client) readPump() {
	defer c.hub.disconnect(c)

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.awaitingPong.Store(false)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.hub.dispatch(c, raw)
	}
}

// writePump writes one frame per queued payload. The send channel is never
// closed; done ends the pump.
func (c *Client) writePump() {
	defer c.closeConnection()

	for {
		select {
		case payload := <-c.send:
			if !c.writeText(payload) {
				c.terminate()
				return
			}
		case <-c.done:
			if c.closeCode != 0 {
				c.flush()
				c.writeClose()
			}
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Client) flush() {
	for {
		select {
		case payload := <-c.send:
			if !c.writeText(payload) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) writeText(payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		c.log().Debug("error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log().Debug("error writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeClose() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.log().Debug("error writing close message", "error", err)
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		// Only log unexpected connection close errors
		if !isExpectedCloseError(err) {
			c.log().Debug("error closing connection", "error", err)
		}
	}
}
