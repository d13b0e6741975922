package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Direction records which side opened a connection.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

const closeGrace = time.Second

// ConnectionOptions controls runtime behavior of Connection.
type ConnectionOptions struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	Limiter        *rate.Limiter
	Logger         *slog.Logger

	// OnMessage runs on the read goroutine for every accepted frame.
	OnMessage func(*Connection, TextMessage)
	// OnDrop runs when a frame is discarded by the limiter.
	OnDrop func(*Connection)
	// OnClose runs exactly once after the socket is closed.
	OnClose func(*Connection, error)
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	out := o
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.PongWait <= 0 {
		out.PongWait = DefaultPongWait
	}
	if out.PingPeriod <= 0 || out.PingPeriod >= out.PongWait {
		out.PingPeriod = (out.PongWait * 9) / 10
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = DefaultMaxMessageSize
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = DefaultSendQueueSize
	}
	if out.Limiter == nil {
		out.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

type outboundFrame struct {
	payload []byte
	result  chan error
}

// Connection is one WebSocket session with a remote address. A read pump and
// a write pump own the socket; everything else talks to them through the
// outbound queue.
type Connection struct {
	ws        *websocket.Conn
	addr      string
	direction Direction
	opts      ConnectionOptions
	logger    *slog.Logger

	outbound chan outboundFrame

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(ws *websocket.Conn, addr string, direction Direction, options ConnectionOptions) *Connection {
	opts := options.withDefaults()
	return &Connection{
		ws:        ws,
		addr:      addr,
		direction: direction,
		opts:      opts,
		logger:    opts.Logger.With("addr", addr, "direction", string(direction)),
		outbound:  make(chan outboundFrame, opts.SendQueueSize),
		closed:    make(chan struct{}),
	}
}

// start launches the pumps. It is separate from newConnection so the owner
// can register the connection before any callback fires.
func (c *Connection) start() {
	go c.readPump()
	go c.writePump()
}

// Addr returns the key this connection is registered under.
func (c *Connection) Addr() string {
	return c.addr
}

// Direction reports which side opened the connection.
func (c *Connection) Direction() Direction {
	return c.direction
}

// Done is closed when the connection is fully closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Connection) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send queues one frame and waits until it is written, the connection closes
// or ctx ends.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	frame := outboundFrame{payload: payload, result: make(chan error, 1)}

	select {
	case <-c.closed:
		return c.closedError()
	default:
	}

	select {
	case c.outbound <- frame:
	case <-c.closed:
		return c.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-frame.result:
		return err
	case <-c.closed:
		select {
		case err := <-frame.result:
			return err
		default:
		}
		return c.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a normal close frame and tears the connection down.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) closedError() error {
	if err := c.LastError(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}

func (c *Connection) readPump() {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWithError(classifyReadError(err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if kind != websocket.TextMessage {
			c.closeWithError(fmt.Errorf("%w: unexpected frame kind %d", ErrProtocol, kind))
			return
		}

		msg, err := DecodeTextMessage(payload)
		if err != nil {
			c.closeWithError(err)
			return
		}

		if !c.opts.Limiter.Allow() {
			c.logger.Warn("inbound message dropped by rate limit", "message_id", msg.MessageID)
			if c.opts.OnDrop != nil {
				c.opts.OnDrop(c)
			}
			continue
		}

		if c.opts.OnMessage != nil {
			c.opts.OnMessage(c, msg)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, frame.payload)
			if err != nil {
				err = fmt.Errorf("%w: write: %v", ErrConnectionClosed, err)
				frame.result <- err
				c.closeWithError(err)
				return
			}
			frame.result <- nil
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.closeWithError(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		code := websocket.CloseNormalClosure
		if errors.Is(err, ErrProtocol) {
			code = websocket.CloseProtocolError
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(closeGrace))
		_ = c.ws.Close()
		close(c.closed)

		switch {
		case err == nil:
			c.logger.Debug("connection closed")
		case errors.Is(err, ErrProtocol):
			c.logger.Warn("connection closed on protocol error", "error", err)
		default:
			c.logger.Debug("connection closed", "error", err)
		}

		if c.opts.OnClose != nil {
			c.opts.OnClose(c, err)
		}
	})
}

// classifyReadError maps a terminal read error to nil for orderly closes and
// to ErrProtocol for frames the peer should never have sent.
func classifyReadError(err error) error {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return nil
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: frame exceeds read limit", ErrProtocol)
	case errors.Is(err, net.ErrClosed):
		return nil
	default:
		return fmt.Errorf("read: %w", err)
	}
}
