package beacon

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// Observer is told about everything that happens to an Endpoint. Exactly
// one of OnFailure or OnDisconnected is delivered over an endpoint's life.
type Observer interface {
	OnOpen(e *Endpoint)
	OnMessage(e *Endpoint, pkt protocol.Packet)
	OnFailure(e *Endpoint, err *Error)
	OnDisconnected(e *Endpoint, err *Error)
}

// Role distinguishes the dialing side from the accepting side.
type Role int

const (
	RoleClient Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

type phase int

const (
	phaseIdle phase = iota
	phaseAwaitWelcome
	phaseAwaitAssign
	phaseAwaitConnected
	phaseAwaitHello
	phaseAwaitJoin
	phaseAwaitAck
	phaseOpen
)

// joinFunc resolves a declared beacon type to the observer that takes over
// a host endpoint. It reports false for an unknown type.
type joinFunc func(e *Endpoint, beaconType string) (Observer, bool)

var nativeLittleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Endpoint is one side of a beacon connection.
type Endpoint struct {
	role     Role
	opts     Options
	ch       protocol.Channel
	observer Observer
	join     joinFunc

	id         uuid.UUID
	beaconType string
	state      ConnectionState
	phase      phase
	netspeed   uint32

	timer    TimerKind
	deadline time.Time
	lastSent time.Time

	terminated bool
	logger     zerolog.Logger
}

func newEndpoint(role Role, opts Options, observer Observer) *Endpoint {
	return &Endpoint{
		role:     role,
		opts:     opts.withDefaults(),
		observer: observer,
		state:    StateInvalid,
		logger:   log.With().Str("component", "beacon").Str("role", role.String()).Logger(),
	}
}

// newHostEndpoint wraps an accepted channel and waits for Hello.
func newHostEndpoint(ch protocol.Channel, opts Options, observer Observer, join joinFunc) *Endpoint {
	e := newEndpoint(RoleHost, opts, observer)
	e.ch = ch
	e.join = join
	e.logger = e.logger.With().Str("remote", ch.RemoteAddr()).Logger()
	e.state = StatePending
	e.phase = phaseAwaitHello
	e.arm(TimerInitialConnect)
	ch.Start(e)
	return e
}

// ID returns the host-assigned connection id, or uuid.Nil before AssignID.
func (e *Endpoint) ID() uuid.UUID { return e.id }

// BeaconType returns the declared beacon type.
func (e *Endpoint) BeaconType() string { return e.beaconType }

// State returns the current connection state.
func (e *Endpoint) State() ConnectionState { return e.state }

// Role returns which side of the connection this endpoint is.
func (e *Endpoint) Role() Role { return e.role }

// Netspeed returns the rate the client advertised (host side only).
func (e *Endpoint) Netspeed() uint32 { return e.netspeed }

// ArmedTimer returns the kind of the single armed deadline.
func (e *Endpoint) ArmedTimer() TimerKind { return e.timer }

// Deadline returns when the armed timer fires. Zero if none is armed.
func (e *Endpoint) Deadline() time.Time { return e.deadline }

// RemoteAddr describes the peer.
func (e *Endpoint) RemoteAddr() string {
	if e.ch == nil {
		return ""
	}
	return e.ch.RemoteAddr()
}

// Send encodes and sends a control RPC. Only allowed once Open.
func (e *Endpoint) Send(msg protocol.Message) error {
	if e.state != StateOpen {
		return ErrNotOpen
	}
	pkt, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return e.send(pkt)
}

func (e *Endpoint) send(pkt protocol.Packet) error {
	if e.ch == nil {
		return ErrNotOpen
	}
	if err := e.ch.Send(pkt); err != nil {
		e.logger.Warn().
			Err(err).
			Str("command", protocol.CommandName(pkt.Command)).
			Msg("failed to send packet")
		return err
	}
	e.lastSent = e.opts.Now()
	return nil
}

// arm replaces whatever timer is armed.
func (e *Endpoint) arm(kind TimerKind) {
	e.timer = kind
	e.deadline = e.opts.Now().Add(e.opts.Timeouts.duration(kind))
}

func (e *Endpoint) disarm() {
	e.timer = TimerNone
	e.deadline = time.Time{}
}

// Tick fires an expired deadline and sends heartbeats while Open.
func (e *Endpoint) Tick(now time.Time) {
	if e.terminated {
		return
	}

	if e.timer != TimerNone && !now.Before(e.deadline) {
		if e.timer == TimerConnection {
			e.fail(ReasonConnectionTimeout, "no traffic from peer", nil, "timeout")
		} else {
			e.fail(ReasonHandshakeTimeout, fmt.Sprintf("%s timer expired", e.timer), nil, "timeout")
		}
		return
	}

	hb := e.opts.Timeouts.Heartbeat
	if e.state == StateOpen && hb > 0 && now.Sub(e.lastSent) >= hb {
		e.send(protocol.BuildHeartbeat())
	}
}

// Teardown closes the connection on request. It is idempotent and, if the
// endpoint had not already failed, reports OnDisconnected exactly once.
func (e *Endpoint) Teardown(reason string) {
	if e.terminated {
		return
	}
	e.terminated = true
	e.state = StateClosed
	e.disarm()

	if e.ch != nil {
		e.ch.Send(protocol.BuildClose(reason))
		e.ch.Close()
	}

	e.logger.Debug().Str("reason", reason).Msg("beacon torn down")

	if e.observer != nil {
		e.observer.OnDisconnected(e, &Error{Reason: ReasonRequested, Detail: reason})
	}
}

// fail drives the endpoint to Invalid and reports OnFailure once. notify,
// if set, is sent to the peer as a Failure packet first.
func (e *Endpoint) fail(reason FailureReason, detail string, cause error, notify string) {
	if e.terminated {
		return
	}
	e.terminated = true
	e.state = StateInvalid
	e.disarm()

	if e.ch != nil {
		if notify != "" {
			e.ch.Send(protocol.BuildFailure(notify))
		}
		e.ch.Close()
	}

	err := &Error{Reason: reason, Detail: detail, Err: cause}
	e.logger.Info().Err(err).Msg("beacon connection failed")

	if e.observer != nil {
		e.observer.OnFailure(e, err)
	}
}

// closed handles an orderly end while Open: the peer closed or the
// transport went away.
func (e *Endpoint) closed(reason FailureReason, detail string, cause error) {
	if e.terminated {
		return
	}
	e.terminated = true
	e.state = StateClosed
	e.disarm()

	if e.ch != nil {
		e.ch.Close()
	}

	e.logger.Debug().Str("reason", reason.String()).Msg("beacon disconnected")

	if e.observer != nil {
		e.observer.OnDisconnected(e, &Error{Reason: reason, Detail: detail, Err: cause})
	}
}

func (e *Endpoint) violation(format string, args ...interface{}) {
	e.fail(ReasonProtocolViolation, fmt.Sprintf(format, args...), nil, "protocol violation")
}

func (e *Endpoint) open() {
	e.state = StateOpen
	e.phase = phaseOpen
	e.arm(TimerConnection)
	e.lastSent = e.opts.Now()

	e.logger.Info().Msg("beacon connection open")

	if e.observer != nil {
		e.observer.OnOpen(e)
	}
}

// TransportClosed implements protocol.Receiver.
func (e *Endpoint) TransportClosed(err error) {
	if e.terminated {
		return
	}
	if e.state == StateOpen {
		e.closed(ReasonTransportClosed, "", err)
		return
	}
	e.fail(ReasonTransportClosed, "during handshake", err, "")
}

// Receive implements protocol.Receiver.
func (e *Endpoint) Receive(pkt protocol.Packet) {
	if e.terminated {
		return
	}

	if e.state == StateOpen {
		e.arm(TimerConnection)
	}

	switch pkt.Command {
	case protocol.PktUpgrade:
		detail := "peer requires a different version"
		if msg, err := protocol.ParseHandshake(pkt); err == nil {
			detail = fmt.Sprintf("peer version %d, local version %d", msg.(protocol.Upgrade).Version, e.opts.Version)
		}
		e.fail(ReasonIncompatibleVersion, detail, nil, "")
		return

	case protocol.PktFailure:
		reason := ""
		if msg, err := protocol.ParseHandshake(pkt); err == nil {
			reason = msg.(protocol.Failure).Reason
		}
		e.fail(ReasonRemoteFailure, reason, nil, "")
		return

	case protocol.PktClose:
		reason := ""
		if msg, err := protocol.ParseHandshake(pkt); err == nil {
			reason = msg.(protocol.Close).Reason
		}
		if e.state == StateOpen {
			e.closed(ReasonRemoteClosed, reason, nil)
		} else {
			e.fail(ReasonRemoteFailure, reason, nil, "")
		}
		return
	}

	if e.state == StateOpen {
		if pkt.Command == protocol.PktHeartbeat {
			return
		}
		if pkt.IsHandshake() {
			e.violation("%s after open", protocol.CommandName(pkt.Command))
			return
		}
		if e.observer != nil {
			e.observer.OnMessage(e, pkt)
		}
		return
	}

	if !pkt.IsHandshake() {
		e.violation("%s during handshake", protocol.CommandName(pkt.Command))
		return
	}

	msg, err := protocol.ParseHandshake(pkt)
	if err != nil {
		e.violation("%v", err)
		return
	}

	if e.role == RoleClient {
		e.handleClientHandshake(msg)
	} else {
		e.handleHostHandshake(msg)
	}
}

func (e *Endpoint) handleClientHandshake(msg interface{}) {
	switch m := msg.(type) {
	case protocol.Welcome:
		if e.phase != phaseAwaitWelcome {
			e.violation("unexpected Welcome")
			return
		}
		e.send(protocol.BuildNetspeed(e.opts.Netspeed))
		e.send(protocol.BuildJoin(e.beaconType))
		e.phase = phaseAwaitAssign
		e.arm(TimerRPC)

	case protocol.AssignID:
		if e.phase != phaseAwaitAssign {
			e.violation("unexpected AssignID")
			return
		}
		if m.ID == uuid.Nil {
			e.violation("nil connection id")
			return
		}
		e.id = m.ID
		e.logger = e.logger.With().Str("id", m.ID.String()).Logger()
		e.send(protocol.BuildAckID(e.beaconType))
		e.phase = phaseAwaitConnected
		e.arm(TimerFailsafe)

	case protocol.Connected:
		if e.phase != phaseAwaitConnected {
			e.violation("unexpected Connected")
			return
		}
		e.open()

	default:
		e.violation("unexpected %T for client", msg)
	}
}

func (e *Endpoint) handleHostHandshake(msg interface{}) {
	switch m := msg.(type) {
	case protocol.Hello:
		if e.phase != phaseAwaitHello {
			e.violation("unexpected Hello")
			return
		}
		if m.Version != e.opts.Version {
			e.send(protocol.BuildUpgrade(e.opts.Version))
			e.fail(ReasonIncompatibleVersion,
				fmt.Sprintf("peer version %d, local version %d", m.Version, e.opts.Version), nil, "")
			return
		}
		e.send(protocol.BuildWelcome())
		e.phase = phaseAwaitJoin
		e.arm(TimerRPC)

	case protocol.Netspeed:
		if e.phase != phaseAwaitJoin {
			e.violation("unexpected Netspeed")
			return
		}
		e.netspeed = m.Rate

	case protocol.Join:
		if e.phase != phaseAwaitJoin {
			e.violation("unexpected Join")
			return
		}
		if m.BeaconType == "" {
			e.violation("empty beacon type")
			return
		}
		observer, ok := e.join(e, m.BeaconType)
		if !ok {
			e.fail(ReasonUnknownBeaconType, m.BeaconType, nil, ReasonUnknownBeaconType.String())
			return
		}
		e.beaconType = m.BeaconType
		e.observer = observer
		e.id = uuid.New()
		e.logger = e.logger.With().Str("beacon_type", e.beaconType).Str("id", e.id.String()).Logger()
		e.send(protocol.BuildAssignID(e.id))
		e.phase = phaseAwaitAck
		e.arm(TimerRPC)

	case protocol.AckID:
		if e.phase != phaseAwaitAck {
			e.violation("unexpected AckID")
			return
		}
		if m.BeaconType != e.beaconType {
			e.violation("ack for %q, joined %q", m.BeaconType, e.beaconType)
			return
		}
		e.send(protocol.BuildConnected())
		e.open()

	default:
		e.violation("unexpected %T for host", msg)
	}
}
