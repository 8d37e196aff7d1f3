package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// PacketBuilder constructs binary handshake packets.
type PacketBuilder struct {
	cmd byte
	buf bytes.Buffer
}

// NewPacketBuilder creates a builder for a packet with the given command.
func NewPacketBuilder(cmd byte) *PacketBuilder {
	return &PacketBuilder{cmd: cmd}
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes a boolean as one byte.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

// WriteString writes a length-prefixed string.
// Format: [length:1][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf.WriteByte(byte(len(data)))
	b.buf.Write(data)
	return b
}

// WriteUUID writes the 16 raw bytes of id.
func (b *PacketBuilder) WriteUUID(id uuid.UUID) *PacketBuilder {
	b.buf.Write(id[:])
	return b
}

// Build returns the constructed packet.
func (b *PacketBuilder) Build() Packet {
	payload := make([]byte, b.buf.Len())
	copy(payload, b.buf.Bytes())
	return Packet{Command: b.cmd, Payload: payload}
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	return fmt.Sprintf("PacketBuilder[%s, %d bytes]: %x", CommandName(b.cmd), b.buf.Len(), b.buf.Bytes())
}

// ---- Pre-built handshake packets ----

// BuildHello creates the client's opening packet.
// Format: [little_endian:1][version:4]
func BuildHello(littleEndian bool, version uint32) Packet {
	return NewPacketBuilder(PktHello).WriteBool(littleEndian).WriteUint32(version).Build()
}

// BuildWelcome creates the host's reply to a compatible Hello.
func BuildWelcome() Packet {
	return Packet{Command: PktWelcome}
}

// BuildUpgrade tells the client its version is not supported.
// Format: [host_version:4]
func BuildUpgrade(version uint32) Packet {
	return NewPacketBuilder(PktUpgrade).WriteUint32(version).Build()
}

// BuildFailure carries a reason for aborting the connection.
func BuildFailure(reason string) Packet {
	return NewPacketBuilder(PktFailure).WriteString(reason).Build()
}

// BuildNetspeed advertises the client's rate.
func BuildNetspeed(rate uint32) Packet {
	return NewPacketBuilder(PktNetspeed).WriteUint32(rate).Build()
}

// BuildJoin declares the beacon type the client wants to talk to.
func BuildJoin(beaconType string) Packet {
	return NewPacketBuilder(PktJoin).WriteString(beaconType).Build()
}

// BuildAssignID hands the client its connection id.
func BuildAssignID(id uuid.UUID) Packet {
	return NewPacketBuilder(PktAssignID).WriteUUID(id).Build()
}

// BuildAckID acknowledges an assigned id and repeats the beacon type.
func BuildAckID(beaconType string) Packet {
	return NewPacketBuilder(PktAckID).WriteString(beaconType).Build()
}

// BuildConnected signals that the host side is fully up.
func BuildConnected() Packet {
	return Packet{Command: PktConnected}
}

// BuildHeartbeat creates a keepalive.
func BuildHeartbeat() Packet {
	return Packet{Command: PktHeartbeat}
}

// BuildClose announces an orderly close.
func BuildClose(reason string) Packet {
	return NewPacketBuilder(PktClose).WriteString(reason).Build()
}
