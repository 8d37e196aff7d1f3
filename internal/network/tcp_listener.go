package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// AcceptFunc receives each new channel on the control loop.
type AcceptFunc func(ch protocol.Channel)

// TCPListener accepts beacon connections and hands them to the control loop.
type TCPListener struct {
	addr   string
	poster Poster
	accept AcceptFunc

	mu       sync.Mutex
	listener net.Listener
}

// NewTCPListener creates a listener bound to addr once Listen is called.
func NewTCPListener(addr string, poster Poster, accept AcceptFunc) *TCPListener {
	return &TCPListener{
		addr:   addr,
		poster: poster,
		accept: accept,
	}
}

// Listen binds the socket.
func (l *TCPListener) Listen(ctx context.Context) error {
	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start beacon listener on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("beacon listener started")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled.
func (l *TCPListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("beacon listener not bound")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("beacon listener stopping")
				return nil
			default:
				log.Error().Err(err).Msg("failed to accept connection")
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		log.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new beacon connection")

		ch := NewConn(conn, l.poster)
		if !l.poster.Post(func() { l.accept(ch) }) {
			conn.Close()
			return nil
		}
	}
}

// Start binds and serves.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// TCPDialer opens outbound beacon connections.
type TCPDialer struct {
	Timeout time.Duration
	Poster  Poster
}

// Dial connects to address within the dialer's timeout.
func (d *TCPDialer) Dial(ctx context.Context, address string) (protocol.Channel, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}

	return NewConn(conn, d.Poster), nil
}
