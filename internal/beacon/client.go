package beacon

import (
	"context"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// Dialer opens the transport for a client endpoint.
type Dialer interface {
	Dial(ctx context.Context, address string) (protocol.Channel, error)
}

// Client is the dialing side of a beacon connection. A Client is single
// use; create a new one to reconnect.
type Client struct {
	*Endpoint
	dialer      Dialer
	destination string
}

// NewClient creates an idle client endpoint.
func NewClient(opts Options, dialer Dialer, observer Observer) *Client {
	return &Client{
		Endpoint: newEndpoint(RoleClient, opts, observer),
		dialer:   dialer,
	}
}

// Destination returns the address passed to InitiateConnection.
func (c *Client) Destination() string { return c.destination }

// InitiateConnection dials destination and starts the handshake for
// beaconType. A dial failure leaves the endpoint Invalid and reports one
// OnFailure with ReasonConnectError.
func (c *Client) InitiateConnection(ctx context.Context, destination, beaconType string) error {
	if beaconType == "" {
		return ErrInvalidBeaconType
	}
	if c.terminated || c.state != StateInvalid || c.ch != nil {
		return ErrAlreadyInitiated
	}

	c.beaconType = beaconType
	c.destination = destination
	c.logger = c.logger.With().Str("destination", destination).Str("beacon_type", beaconType).Logger()

	ch, err := c.dialer.Dial(ctx, destination)
	if err != nil {
		c.fail(ReasonConnectError, destination, err, "")
		return &Error{Reason: ReasonConnectError, Detail: destination, Err: err}
	}

	c.ch = ch
	c.state = StatePending
	c.phase = phaseAwaitWelcome
	ch.Start(c.Endpoint)

	c.send(protocol.BuildHello(nativeLittleEndian, c.opts.Version))
	c.arm(TimerInitialConnect)

	c.logger.Debug().Msg("beacon handshake started")
	return nil
}
