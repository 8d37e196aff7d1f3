package beacon

import (
	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// HostObject serves one beacon type on a Listener and owns the host-side
// endpoints that joined it.
type HostObject interface {
	BeaconType() string
	// RegisterClient adds a freshly joined endpoint to the active list.
	RegisterClient(e *Endpoint)
	// Clients returns the active list.
	Clients() []*Endpoint
	// OnClientConnected is called when a registered endpoint opens.
	OnClientConnected(e *Endpoint)
	// HandleMessage receives application packets from an open endpoint.
	HandleMessage(e *Endpoint, pkt protocol.Packet)
	// NotifyClientDisconnected is called once when a registered endpoint
	// fails or closes. Implementations must remove it from the active list.
	NotifyClientDisconnected(e *Endpoint, err *Error)
}

// ClientRoster is the active-client list shared by HostObject
// implementations. Insertion order is preserved.
type ClientRoster struct {
	clients []*Endpoint
}

// RegisterClient appends e.
func (r *ClientRoster) RegisterClient(e *Endpoint) {
	r.clients = append(r.clients, e)
}

// RemoveClient drops e. Removing an absent endpoint is a no-op.
func (r *ClientRoster) RemoveClient(e *Endpoint) bool {
	for i, c := range r.clients {
		if c == e {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			return true
		}
	}
	return false
}

// Clients returns a copy of the active list.
func (r *ClientRoster) Clients() []*Endpoint {
	out := make([]*Endpoint, len(r.clients))
	copy(out, r.clients)
	return out
}

// ClientCount returns the number of active endpoints.
func (r *ClientRoster) ClientCount() int {
	return len(r.clients)
}

// Broadcast sends msg to every open endpoint and returns how many accepted it.
func (r *ClientRoster) Broadcast(msg protocol.Message) int {
	sent := 0
	for _, c := range r.clients {
		if c.Send(msg) == nil {
			sent++
		}
	}
	return sent
}

// hostObserver routes endpoint events to a HostObject.
type hostObserver struct {
	host HostObject
}

func (o hostObserver) OnOpen(e *Endpoint) {
	o.host.OnClientConnected(e)
}

func (o hostObserver) OnMessage(e *Endpoint, pkt protocol.Packet) {
	o.host.HandleMessage(e, pkt)
}

func (o hostObserver) OnFailure(e *Endpoint, err *Error) {
	o.host.NotifyClientDisconnected(e, err)
}

func (o hostObserver) OnDisconnected(e *Endpoint, err *Error) {
	o.host.NotifyClientDisconnected(e, err)
}
