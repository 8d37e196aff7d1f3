// Package network carries beacon control channels over TCP.
package network

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

const (
	// WriteTimeout bounds a single frame write to a slow peer.
	WriteTimeout = 10 * time.Second

	// SendQueueSize is how many outbound packets may be pending per connection.
	SendQueueSize = 128
)

var (
	// ErrConnectionClosed is returned by Send after Close.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrSendQueueFull is returned when the peer is not draining packets.
	ErrSendQueueFull = errors.New("send queue full")
)

// Poster schedules work on the control loop.
type Poster interface {
	Post(fn func()) bool
}

// Conn adapts a net.Conn to protocol.Channel. A reader goroutine decodes
// frames and posts them to the control loop in arrival order; a writer
// goroutine drains the outbound queue so Send never blocks the loop.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	poster Poster
	outbox chan protocol.Packet
	logger zerolog.Logger

	connectedAt  time.Time
	lastActivity time.Time

	started bool
	closed  bool
}

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn, poster Poster) *Conn {
	now := time.Now()
	return &Conn{
		conn:         conn,
		poster:       poster,
		outbox:       make(chan protocol.Packet, SendQueueSize),
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "connection").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// Start implements protocol.Channel.
func (c *Conn) Start(r protocol.Receiver) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.writeLoop()
	go c.readLoop(r)
}

func (c *Conn) readLoop(r protocol.Receiver) {
	for {
		pkt, err := protocol.ReadPacket(c.conn)
		if err != nil {
			c.logger.Debug().Err(err).Msg("read loop ended")
			c.poster.Post(func() { r.TransportClosed(err) })
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		if !c.poster.Post(func() { r.Receive(pkt) }) {
			c.conn.Close()
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.conn.Close()

	for pkt := range c.outbox {
		c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if err := protocol.WritePacket(c.conn, pkt); err != nil {
			c.logger.Warn().
				Err(err).
				Str("command", protocol.CommandName(pkt.Command)).
				Msg("failed to write packet")
			return
		}
	}
}

// Send implements protocol.Channel.
func (c *Conn) Send(pkt protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.outbox <- pkt:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close implements protocol.Channel. Packets already queued are flushed
// before the socket closes.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.outbox)

	if !c.started {
		return c.conn.Close()
	}

	c.logger.Debug().Msg("connection closing")
	return nil
}

// RemoteAddr implements protocol.Channel.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// LastActivity returns the time of the last inbound packet.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}
