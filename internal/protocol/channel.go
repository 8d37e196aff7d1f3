package protocol

// Receiver consumes what a Channel delivers. Implementations are invoked on
// the owning process's control loop, never concurrently.
type Receiver interface {
	// Receive handles one inbound packet, in send order.
	Receive(pkt Packet)
	// TransportClosed reports that the underlying transport went away.
	// It is delivered at most once and nothing follows it.
	TransportClosed(err error)
}

// Channel is an ordered, reliable, framed byte channel between two
// endpoints.
type Channel interface {
	// Start begins delivery of inbound packets to r.
	Start(r Receiver)
	// Send queues pkt for delivery. It does not block on the peer.
	Send(pkt Packet) error
	// Close releases the transport. Safe to call more than once.
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
