// Package beacon implements the out-of-band control connection: the
// endpoint state machine with its handshake and failsafe timers, the
// dialing client, host objects that own accepted peers, and the listener
// that routes accepted connections by beacon type.
//
// Nothing in this package locks. Every method must be called from the
// process's control loop.
package beacon

import (
	"time"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// ConnectionState is the lifecycle state of an Endpoint.
type ConnectionState int

const (
	StateInvalid ConnectionState = iota
	StatePending
	StateOpen
	StateClosed
)

var connectionStateStrings = map[ConnectionState]string{
	StateInvalid: "invalid",
	StatePending: "pending",
	StateOpen:    "open",
	StateClosed:  "closed",
}

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	if str, ok := connectionStateStrings[s]; ok {
		return str
	}
	return "invalid"
}

// MarshalJSON serializes ConnectionState as a JSON string (e.g. "open").
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// TimerKind identifies which deadline an Endpoint currently has armed.
// At most one is armed at a time.
type TimerKind int

const (
	TimerNone TimerKind = iota
	TimerInitialConnect
	TimerRPC
	TimerFailsafe
	TimerConnection
)

var timerKindStrings = map[TimerKind]string{
	TimerNone:           "none",
	TimerInitialConnect: "initial_connect",
	TimerRPC:            "rpc",
	TimerFailsafe:       "failsafe",
	TimerConnection:     "connection",
}

// String returns the string representation of TimerKind.
func (k TimerKind) String() string {
	if str, ok := timerKindStrings[k]; ok {
		return str
	}
	return "none"
}

// Timeouts bounds each phase of a connection.
type Timeouts struct {
	// InitialConnect covers Hello until the first reply.
	InitialConnect time.Duration
	// RPC is re-armed on every handshake step.
	RPC time.Duration
	// Failsafe waits for Connected after the id is acknowledged.
	Failsafe time.Duration
	// Connection is the maximum silence tolerated once open.
	Connection time.Duration
	// Heartbeat is how often an open endpoint sends a keepalive.
	Heartbeat time.Duration
}

// DefaultTimeouts returns the stock beacon timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		InitialConnect: 5 * time.Second,
		RPC:            15 * time.Second,
		Failsafe:       15 * time.Second,
		Connection:     45 * time.Second,
		Heartbeat:      10 * time.Second,
	}
}

func (t Timeouts) duration(kind TimerKind) time.Duration {
	switch kind {
	case TimerInitialConnect:
		return t.InitialConnect
	case TimerRPC:
		return t.RPC
	case TimerFailsafe:
		return t.Failsafe
	case TimerConnection:
		return t.Connection
	default:
		return 0
	}
}

// Options configures endpoints created by a Client or Listener.
type Options struct {
	Timeouts Timeouts
	Version  uint32
	Netspeed uint32
	Now      func() time.Time
}

// DefaultOptions returns options using the current protocol version and
// the wall clock.
func DefaultOptions() Options {
	return Options{
		Timeouts: DefaultTimeouts(),
		Version:  protocol.NetworkVersion,
		Netspeed: protocol.DefaultNetspeed,
		Now:      time.Now,
	}
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Version == 0 {
		o.Version = protocol.NetworkVersion
	}
	if o.Netspeed == 0 {
		o.Netspeed = protocol.DefaultNetspeed
	}
	if o.Timeouts == (Timeouts{}) {
		o.Timeouts = DefaultTimeouts()
	}
	return o
}
