package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ErrUnknownCommand is returned for a command byte no vocabulary defines.
var ErrUnknownCommand = errors.New("unknown command")

// ReadPacket reads a single length-prefixed packet from a reader.
// Frame format: [2-byte LE length][command:1][payload bytes...]
func ReadPacket(r io.Reader) (Packet, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return Packet{}, fmt.Errorf("failed to read packet length: %w", err)
	}

	if length == 0 {
		return Packet{}, fmt.Errorf("received zero-length packet")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Packet{}, fmt.Errorf("failed to read packet payload (%d bytes): %w", length, err)
	}

	return Packet{Command: data[0], Payload: data[1:]}, nil
}

// WritePacket writes a length-prefixed packet to a writer as one write.
func WritePacket(w io.Writer, pkt Packet) error {
	body := pkt.Bytes()
	if len(body) > MaxPacketSize {
		return fmt.Errorf("packet too large: %d bytes (max %d)", len(body), MaxPacketSize)
	}

	frame := make([]byte, LengthPrefixSize+len(body))
	binary.LittleEndian.PutUint16(frame[:LengthPrefixSize], uint16(len(body)))
	copy(frame[LengthPrefixSize:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write packet data: %w", err)
	}
	return nil
}

// Hello is the first packet a client sends.
type Hello struct {
	LittleEndian bool
	Version      uint32
}

// Welcome accepts a Hello.
type Welcome struct{}

// Upgrade rejects a Hello whose version does not match.
type Upgrade struct {
	Version uint32
}

// Failure aborts a connection with a reason.
type Failure struct {
	Reason string
}

// Netspeed carries the client's advertised rate.
type Netspeed struct {
	Rate uint32
}

// Join declares the beacon type the client wants.
type Join struct {
	BeaconType string
}

// AssignID carries the host-assigned connection id.
type AssignID struct {
	ID uuid.UUID
}

// AckID acknowledges AssignID.
type AckID struct {
	BeaconType string
}

// Connected signals that the host side is fully up.
type Connected struct{}

// Heartbeat is a keepalive.
type Heartbeat struct{}

// Close announces an orderly close.
type Close struct {
	Reason string
}

// ParseHandshake decodes a link-layer packet into one of the handshake
// message types above.
func ParseHandshake(pkt Packet) (interface{}, error) {
	r := bytes.NewReader(pkt.Payload)

	switch pkt.Command {
	case PktHello:
		var msg Hello
		var le uint8
		if err := binary.Read(r, binary.LittleEndian, &le); err != nil {
			return nil, fmt.Errorf("failed to parse hello endianness: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &msg.Version); err != nil {
			return nil, fmt.Errorf("failed to parse hello version: %w", err)
		}
		msg.LittleEndian = le != 0
		return msg, nil

	case PktWelcome:
		return Welcome{}, nil

	case PktUpgrade:
		var msg Upgrade
		if err := binary.Read(r, binary.LittleEndian, &msg.Version); err != nil {
			return nil, fmt.Errorf("failed to parse upgrade: %w", err)
		}
		return msg, nil

	case PktFailure:
		reason, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to parse failure reason: %w", err)
		}
		return Failure{Reason: reason}, nil

	case PktNetspeed:
		var msg Netspeed
		if err := binary.Read(r, binary.LittleEndian, &msg.Rate); err != nil {
			return nil, fmt.Errorf("failed to parse netspeed: %w", err)
		}
		return msg, nil

	case PktJoin:
		beaconType, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to parse join: %w", err)
		}
		return Join{BeaconType: beaconType}, nil

	case PktAssignID:
		var raw [16]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return nil, fmt.Errorf("failed to parse assigned id: %w", err)
		}
		return AssignID{ID: uuid.UUID(raw)}, nil

	case PktAckID:
		beaconType, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to parse id ack: %w", err)
		}
		return AckID{BeaconType: beaconType}, nil

	case PktConnected:
		return Connected{}, nil

	case PktHeartbeat:
		return Heartbeat{}, nil

	case PktClose:
		reason, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to parse close reason: %w", err)
		}
		return Close{Reason: reason}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, CommandName(pkt.Command))
	}
}

// readString reads a 1-byte length-prefixed string.
func readString(r *bytes.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}

	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(bytes.TrimRight(buf, "\x00")), nil
}
