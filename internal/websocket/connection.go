package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options tunes one connection's transport behaviour.
type Options struct {
	BufferSize    int           // queued outbound frames before Send reports ErrSendBufferFull
	WriteTimeout  time.Duration // deadline for a single frame write
	PingInterval  time.Duration
	ReadTimeout   time.Duration // read deadline, refreshed by every pong
	MaxFrameBytes int64         // larger frames close the connection with 1009
}

// DefaultMaxFrameBytes sits far above any chat the session would accept so
// oversized text is answered with MESSAGE_TOO_LONG on an open connection.
const DefaultMaxFrameBytes = 1 << 20

// DefaultOptions returns the transport defaults.
func DefaultOptions() Options {
	return Options{
		BufferSize:    100,
		WriteTimeout:  5 * time.Second,
		PingInterval:  30 * time.Second,
		ReadTimeout:   60 * time.Second,
		MaxFrameBytes: DefaultMaxFrameBytes,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
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
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	return o
}

// Connection implements interfaces.Peer over a gorilla WebSocket.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every
// outbound frame goes through writeCh to a single writer goroutine.
type Connection struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	writeCh    chan []byte
	opts       Options
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
}

// NewConnection wraps conn and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, opts Options, logger zerolog.Logger) (*Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	opts = opts.withDefaults()

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         id,
		remoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		writeCh:    make(chan []byte, opts.BufferSize),
		opts:       opts,
		logger:     logger.With().Str("component", "connection").Str("conn_id", id).Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}

	go c.writeLoop()

	return c, nil
}

// ID returns the connection's UUID.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address captured at upgrade time.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// writeLoop is the only goroutine that writes data frames.
// TECHNICAL DISCOVERY: writeCh is never closed; Send may race with Close and
// must not panic. Frames left in the queue at shutdown are dropped.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed, closing connection")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues one text frame. It never blocks: a closed connection returns
// ErrConnectionClosed and a full queue returns ErrSendBufferFull.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// IsOpen reports whether Close has not yet been called.
func (c *Connection) IsOpen() bool {
	return c.ctx.Err() == nil
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// heartbeat pings the peer until the connection closes.
// FUNCTIONAL DISCOVERY: WriteControl is safe alongside the writer goroutine,
// so pings do not go through writeCh and cannot be starved by a full queue.
func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed, closing connection")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// prepareRead applies the read limit and the pong-refreshed read deadline.
func (c *Connection) prepareRead() error {
	c.conn.SetReadLimit(c.opts.MaxFrameBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	return nil
}
