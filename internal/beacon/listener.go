package beacon

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// Gate controls whether a Listener accepts new connections.
type Gate int

const (
	AllowRequests Gate = iota
	DenyRequests
)

func (g Gate) String() string {
	if g == DenyRequests {
		return "deny"
	}
	return "allow"
}

// Listener accepts beacon connections and routes them by declared type to
// registered HostObjects.
type Listener struct {
	opts    Options
	hosts   map[string]HostObject
	gate    Gate
	pending map[*Endpoint]struct{}
	logger  zerolog.Logger
}

// NewListener creates a listener with no host objects and an open gate.
func NewListener(opts Options) *Listener {
	return &Listener{
		opts:    opts.withDefaults(),
		hosts:   make(map[string]HostObject),
		pending: make(map[*Endpoint]struct{}),
		logger:  log.With().Str("component", "beacon_listener").Logger(),
	}
}

// RegisterHost makes host reachable under its beacon type.
func (l *Listener) RegisterHost(host HostObject) error {
	beaconType := host.BeaconType()
	if beaconType == "" {
		return ErrInvalidBeaconType
	}
	if _, exists := l.hosts[beaconType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBeaconType, beaconType)
	}
	l.hosts[beaconType] = host
	l.logger.Info().Str("beacon_type", beaconType).Msg("host object registered")
	return nil
}

// UnregisterHost removes a host object. Its open endpoints are torn down.
func (l *Listener) UnregisterHost(beaconType string) {
	host, ok := l.hosts[beaconType]
	if !ok {
		return
	}
	delete(l.hosts, beaconType)
	for _, e := range host.Clients() {
		e.Teardown("service unavailable")
	}
}

// Host returns the host object for a beacon type.
func (l *Listener) Host(beaconType string) (HostObject, bool) {
	h, ok := l.hosts[beaconType]
	return h, ok
}

// BeaconTypes returns the registered types in sorted order.
func (l *Listener) BeaconTypes() []string {
	types := make([]string, 0, len(l.hosts))
	for t := range l.hosts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Accept takes ownership of an incoming channel. While the gate is
// DenyRequests the channel is closed and no endpoint is created.
func (l *Listener) Accept(ch protocol.Channel) *Endpoint {
	if l.gate == DenyRequests {
		l.logger.Debug().Str("remote", ch.RemoteAddr()).Msg("beacon request denied")
		ch.Close()
		return nil
	}

	e := newHostEndpoint(ch, l.opts, pendingObserver{l}, l.join)
	l.pending[e] = struct{}{}
	return e
}

func (l *Listener) join(e *Endpoint, beaconType string) (Observer, bool) {
	host, ok := l.hosts[beaconType]
	if !ok {
		l.logger.Warn().
			Str("beacon_type", beaconType).
			Str("remote", e.RemoteAddr()).
			Msg("join for unknown beacon type")
		return nil, false
	}

	delete(l.pending, e)
	host.RegisterClient(e)
	return hostObserver{host}, true
}

// PauseRequests stops accepting new connections. Open ones are untouched.
func (l *Listener) PauseRequests() {
	if l.gate != DenyRequests {
		l.gate = DenyRequests
		l.logger.Info().Msg("beacon requests paused")
	}
}

// ResumeRequests starts accepting new connections again.
func (l *Listener) ResumeRequests() {
	if l.gate != AllowRequests {
		l.gate = AllowRequests
		l.logger.Info().Msg("beacon requests resumed")
	}
}

// Gate returns the current request gate.
func (l *Listener) Gate() Gate { return l.gate }

// PendingCount returns endpoints that have not yet joined a host object.
func (l *Listener) PendingCount() int { return len(l.pending) }

// ConnectionCount returns every endpoint the listener tracks, pending or
// joined.
func (l *Listener) ConnectionCount() int {
	n := len(l.pending)
	for _, host := range l.hosts {
		n += len(host.Clients())
	}
	return n
}

// Tick evaluates timers on pending and registered endpoints.
func (l *Listener) Tick(now time.Time) {
	for e := range l.pending {
		e.Tick(now)
	}
	for _, host := range l.hosts {
		for _, e := range host.Clients() {
			e.Tick(now)
		}
	}
}

// Shutdown tears down every endpoint the listener knows about.
func (l *Listener) Shutdown(reason string) {
	l.PauseRequests()
	for e := range l.pending {
		e.Teardown(reason)
	}
	for _, host := range l.hosts {
		for _, e := range host.Clients() {
			e.Teardown(reason)
		}
	}
}

// pendingObserver drops endpoints that end before joining a host object.
type pendingObserver struct {
	l *Listener
}

func (o pendingObserver) OnOpen(e *Endpoint) {}

func (o pendingObserver) OnMessage(e *Endpoint, pkt protocol.Packet) {}

func (o pendingObserver) OnFailure(e *Endpoint, err *Error) {
	delete(o.l.pending, e)
}

func (o pendingObserver) OnDisconnected(e *Endpoint, err *Error) {
	delete(o.l.pending, e)
}
