// Package loop provides the single control goroutine that owns all beacon
// and lobby state in a process. Network readers, tickers and API handlers
// never touch that state directly; they post closures here.
package loop

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrStopped is returned when work is submitted to a loop that has exited.
var ErrStopped = errors.New("control loop stopped")

// Loop serialises closures onto one goroutine.
type Loop struct {
	inbox chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a loop with the given inbox capacity.
func New(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	return &Loop{
		inbox: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
}

// Run executes posted closures until ctx is cancelled. Work still queued at
// that point is discarded.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.inbox:
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "loop").
				Interface("panic", r).
				Msg("control loop task panicked")
		}
	}()
	fn()
}

// Post queues fn for execution on the loop. It returns false once the loop
// has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.inbox <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
