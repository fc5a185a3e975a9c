package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"discosync/pkg/interfaces"
	"discosync/pkg/types"
)

// ConnectionOptions tunes one socket.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// DefaultConnectionOptions matches the server defaults.
func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		BufferSize:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	d := DefaultConnectionOptions()
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	return o
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn    *websocket.Conn
	id      string
	opts    ConnectionOptions
	writeCh chan []byte // FUNCTIONAL DISCOVERY: Bounded so a slow client never blocks a broadcaster
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{} // closed when writeLoop exits

	closeOnce sync.Once
	log       zerolog.Logger
}

// NewConnection wraps an upgraded socket and starts its writer goroutine
func NewConnection(conn *websocket.Conn, opts ConnectionOptions, logger zerolog.Logger) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	c := &Connection{
		conn:    conn,
		id:      id,
		opts:    opts,
		writeCh: make(chan []byte, opts.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     logger.With().Str("conn", id).Logger(),
	}

	conn.SetReadLimit(types.MaxMessageSize)
	// TECHNICAL DISCOVERY: Pongs and inbound messages both prove liveness and push the read deadline out
	conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	go c.writeLoop()

	return c
}

// ID returns the process-unique connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races; it also
// owns the heartbeat so pings never interleave with a data frame
func (c *Connection) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) fail(err error) {
	c.log.Debug().Err(err).Msg("write failed, closing connection")
	c.cancel()
	_ = c.conn.Close()
}

// Send queues v for the writer goroutine without blocking
// FUNCTIONAL DISCOVERY: A full buffer is a send failure; the caller evicts the connection
func (c *Connection) Send(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// ReadMessage blocks for the next text frame, refreshing the read deadline.
func (c *Connection) ReadMessage() ([]byte, error) {
	return c.ReadMessageWithin(c.opts.ReadTimeout)
}

// ReadMessageWithin is ReadMessage with an explicit deadline for this frame.
// Binary frames are skipped.
func (c *Connection) ReadMessageWithin(timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close tears the socket down with a normal closure. Safe to call more than once.
func (c *Connection) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason sends a close frame carrying code and text, then closes the socket
// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination;
// WriteControl is safe alongside the writer goroutine
func (c *Connection) CloseWithReason(code int, text string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(c.opts.WriteTimeout),
		)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the writer goroutine has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

var _ interfaces.Connection = (*Connection)(nil)
