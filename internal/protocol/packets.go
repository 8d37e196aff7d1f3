// Package protocol implements the beacon control channel: packet framing,
// the binary handshake vocabulary, and the CBOR-encoded control RPCs
// exchanged between the hub and game instances. All binary fields use
// little-endian byte order and every packet carries a 2-byte length prefix.
package protocol

import "fmt"

// Handshake and link-maintenance command bytes.
const (
	PktHello     byte = 0x01 // Client hello: endianness + network version
	PktWelcome   byte = 0x02 // Host accepted hello
	PktUpgrade   byte = 0x03 // Host rejects hello, version mismatch
	PktFailure   byte = 0x04 // Explicit failure with reason
	PktNetspeed  byte = 0x05 // Client advertised rate
	PktJoin      byte = 0x06 // Client declares beacon type
	PktAssignID  byte = 0x07 // Host assigns connection id
	PktAckID     byte = 0x08 // Client acknowledges id, repeats beacon type
	PktConnected byte = 0x09 // Host signals the connection is fully up
	PktHeartbeat byte = 0x0A // Keepalive while open
	PktClose     byte = 0x0B // Orderly close with reason
)

// Control RPC command bytes. Payloads are CBOR arrays; see control.go.
const (
	// Instance -> Hub
	PktNotifyInstanceReady           byte = 0x40
	PktUpdateMatch                   byte = 0x41
	PktUpdatePlayer                  byte = 0x42
	PktEndGame                       byte = 0x43
	PktInstanceEmpty                 byte = 0x44
	PktRequestDedicatedAuthorization byte = 0x45
	PktPrimeMapList                  byte = 0x46
	PktSendNextMap                   byte = 0x47
	PktRequestNextBan                byte = 0x48

	// Hub -> Instance
	PktAuthorizeDedicatedInstance byte = 0x50
	PktReceiveMap                 byte = 0x51
	PktRequestFirstBan            byte = 0x52
	PktReceiveBan                 byte = 0x53
	PktForceShutdown              byte = 0x54
	PktKick                       byte = 0x55
	PktReceiveRconMessage         byte = 0x56
	PktAuthorizeAdmin             byte = 0x57

	// Either direction
	PktReceiveUserMessage byte = 0x58

	// Lobby join service
	PktJoinRequest   byte = 0x60
	PktJoinAccepted  byte = 0x61
	PktJoinRejected  byte = 0x62
	PktServerMessage byte = 0x63
)

// NetworkVersion is the beacon protocol version exchanged in Hello.
const NetworkVersion uint32 = 3525

// DefaultNetspeed is the rate a client advertises after Welcome.
const DefaultNetspeed uint32 = 10000

// MaxPacketSize is the maximum allowed size for a single packet.
const MaxPacketSize = 65535

// LengthPrefixSize is the size of the length prefix in bytes.
const LengthPrefixSize = 2

// Packet is one framed unit on a control channel.
type Packet struct {
	Command byte
	Payload []byte
}

// Bytes returns the command byte followed by the payload.
func (p Packet) Bytes() []byte {
	out := make([]byte, 1+len(p.Payload))
	out[0] = p.Command
	copy(out[1:], p.Payload)
	return out
}

// IsHandshake reports whether the packet belongs to the link layer rather
// than to an application RPC vocabulary.
func (p Packet) IsHandshake() bool {
	return p.Command < PktNotifyInstanceReady
}

var commandNames = map[byte]string{
	PktHello:                         "Hello",
	PktWelcome:                       "Welcome",
	PktUpgrade:                       "Upgrade",
	PktFailure:                       "Failure",
	PktNetspeed:                      "Netspeed",
	PktJoin:                          "Join",
	PktAssignID:                      "AssignID",
	PktAckID:                         "AckID",
	PktConnected:                     "Connected",
	PktHeartbeat:                     "Heartbeat",
	PktClose:                         "Close",
	PktNotifyInstanceReady:           "NotifyInstanceReady",
	PktUpdateMatch:                   "UpdateMatch",
	PktUpdatePlayer:                  "UpdatePlayer",
	PktEndGame:                       "EndGame",
	PktInstanceEmpty:                 "InstanceEmpty",
	PktRequestDedicatedAuthorization: "RequestDedicatedAuthorization",
	PktPrimeMapList:                  "PrimeMapList",
	PktSendNextMap:                   "SendNextMap",
	PktRequestNextBan:                "RequestNextBan",
	PktAuthorizeDedicatedInstance:    "AuthorizeDedicatedInstance",
	PktReceiveMap:                    "ReceiveMap",
	PktRequestFirstBan:               "RequestFirstBan",
	PktReceiveBan:                    "ReceiveBan",
	PktForceShutdown:                 "ForceShutdown",
	PktKick:                          "Kick",
	PktReceiveRconMessage:            "ReceiveRconMessage",
	PktAuthorizeAdmin:                "AuthorizeAdmin",
	PktReceiveUserMessage:            "ReceiveUserMessage",
	PktJoinRequest:                   "JoinRequest",
	PktJoinAccepted:                  "JoinAccepted",
	PktJoinRejected:                  "JoinRejected",
	PktServerMessage:                 "ServerMessage",
}

// CommandName returns a readable name for a command byte.
func CommandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", cmd)
}
