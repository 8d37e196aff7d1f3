// Package beacontest provides in-memory control channels for tests. Nothing
// is delivered until Flush is called, which makes packet interleaving
// deterministic.
package beacontest

import (
	"context"
	"errors"
	"io"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// ErrClosed is returned by Send on a closed channel.
var ErrClosed = errors.New("beacontest: channel closed")

// Channel is one end of an in-memory pipe.
type Channel struct {
	name string
	peer *Channel
	recv protocol.Receiver

	inbox          []protocol.Packet
	closed         bool
	peerClosed     bool
	closeDelivered bool

	// Sent records every packet accepted by Send.
	Sent []protocol.Packet
	// CloseCount counts Close calls, including redundant ones.
	CloseCount int
	// SendErr, if set, fails every Send.
	SendErr error
}

// NewPipe returns two connected channel ends.
func NewPipe(aName, bName string) (*Channel, *Channel) {
	a := &Channel{name: aName}
	b := &Channel{name: bName}
	a.peer, b.peer = b, a
	return a, b
}

// NewDetached returns a channel with no peer; sends are only recorded.
func NewDetached(name string) *Channel {
	return &Channel{name: name}
}

// Start implements protocol.Channel.
func (c *Channel) Start(r protocol.Receiver) { c.recv = r }

// Send implements protocol.Channel.
func (c *Channel) Send(pkt protocol.Packet) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	if c.closed {
		return ErrClosed
	}
	c.Sent = append(c.Sent, pkt)
	if c.peer != nil && !c.peer.closed {
		c.peer.inbox = append(c.peer.inbox, pkt)
	}
	return nil
}

// Close implements protocol.Channel.
func (c *Channel) Close() error {
	c.CloseCount++
	if c.closed {
		return nil
	}
	c.closed = true
	c.inbox = nil
	if c.peer != nil {
		c.peer.peerClosed = true
	}
	return nil
}

// RemoteAddr implements protocol.Channel.
func (c *Channel) RemoteAddr() string {
	if c.peer != nil {
		return c.peer.name
	}
	return c.name + "-peer"
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool { return c.closed }

// Started reports whether a receiver is attached.
func (c *Channel) Started() bool { return c.recv != nil }

// Deliver hands pkt straight to the attached receiver.
func (c *Channel) Deliver(pkt protocol.Packet) {
	if c.recv != nil && !c.closed {
		c.recv.Receive(pkt)
	}
}

// DeliverMessage encodes msg and delivers it.
func (c *Channel) DeliverMessage(msg protocol.Message) error {
	pkt, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.Deliver(pkt)
	return nil
}

// DropTransport simulates the network going away under this end.
func (c *Channel) DropTransport() {
	if c.recv != nil && !c.closeDelivered {
		c.closeDelivered = true
		c.recv.TransportClosed(io.EOF)
	}
}

// SentCommands lists the command bytes of every sent packet.
func (c *Channel) SentCommands() []byte {
	cmds := make([]byte, len(c.Sent))
	for i, p := range c.Sent {
		cmds[i] = p.Command
	}
	return cmds
}

// SentMessages decodes every sent control RPC, skipping link packets.
func (c *Channel) SentMessages() []protocol.Message {
	var out []protocol.Message
	for _, p := range c.Sent {
		if p.IsHandshake() {
			continue
		}
		if msg, err := protocol.Decode(p); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// ResetSent clears the send log.
func (c *Channel) ResetSent() { c.Sent = nil }

// step delivers one queued event. It reports whether anything happened.
func (c *Channel) step() bool {
	if c.recv == nil || c.closed {
		return false
	}
	if len(c.inbox) > 0 {
		pkt := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.recv.Receive(pkt)
		return true
	}
	if c.peerClosed && !c.closeDelivered {
		c.closeDelivered = true
		c.recv.TransportClosed(io.EOF)
		return true
	}
	return false
}

// Flush delivers queued packets on the given channels and their peers
// until nothing is left to deliver.
func Flush(chs ...*Channel) {
	set := make([]*Channel, 0, len(chs)*2)
	seen := make(map[*Channel]bool)
	for _, c := range chs {
		for _, x := range []*Channel{c, c.peer} {
			if x != nil && !seen[x] {
				seen[x] = true
				set = append(set, x)
			}
		}
	}

	for progressed := true; progressed; {
		progressed = false
		for _, c := range set {
			if c.step() {
				progressed = true
			}
		}
	}
}

// Dialer connects clients to an accept callback through in-memory pipes.
type Dialer struct {
	// Accept receives the host end of each new pipe. Nil leaves it unattached.
	Accept func(ch protocol.Channel)
	// Err, if set, fails every Dial.
	Err error

	// Dialed records destinations.
	Dialed []string
	// Pipes records client ends in dial order.
	Pipes []*Channel
	// Hosts records host ends in dial order.
	Hosts []*Channel
}

// Dial implements beacon.Dialer.
func (d *Dialer) Dial(ctx context.Context, address string) (protocol.Channel, error) {
	d.Dialed = append(d.Dialed, address)
	if d.Err != nil {
		return nil, d.Err
	}
	client, host := NewPipe("client", "host:"+address)
	d.Pipes = append(d.Pipes, client)
	d.Hosts = append(d.Hosts, host)
	if d.Accept != nil {
		d.Accept(host)
	}
	return client, nil
}
