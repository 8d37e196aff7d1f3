package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraming(t *testing.T) {
	t.Run("write then read preserves command and payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePacket(&buf, BuildJoin("InstanceControl")))
		require.NoError(t, WritePacket(&buf, BuildHeartbeat()))

		first, err := ReadPacket(&buf)
		require.NoError(t, err)
		assert.Equal(t, PktJoin, first.Command)

		second, err := ReadPacket(&buf)
		require.NoError(t, err)
		assert.Equal(t, PktHeartbeat, second.Command)
		assert.Empty(t, second.Payload)
	})

	t.Run("length prefix is little endian", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePacket(&buf, BuildNetspeed(1)))
		raw := buf.Bytes()
		assert.Equal(t, []byte{5, 0, PktNetspeed, 1, 0, 0, 0}, raw)
	})

	t.Run("zero length rejected", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader([]byte{0, 0}))
		assert.Error(t, err)
	})

	t.Run("truncated payload rejected", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader([]byte{4, 0, PktHello}))
		assert.Error(t, err)
	})

	t.Run("oversized packet rejected", func(t *testing.T) {
		err := WritePacket(&bytes.Buffer{}, Packet{Command: PktClose, Payload: make([]byte, MaxPacketSize)})
		assert.Error(t, err)
	})
}

func TestParseHandshake(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name string
		pkt  Packet
		want interface{}
	}{
		{"hello", BuildHello(true, NetworkVersion), Hello{LittleEndian: true, Version: NetworkVersion}},
		{"welcome", BuildWelcome(), Welcome{}},
		{"upgrade", BuildUpgrade(7), Upgrade{Version: 7}},
		{"failure", BuildFailure("nope"), Failure{Reason: "nope"}},
		{"netspeed", BuildNetspeed(DefaultNetspeed), Netspeed{Rate: DefaultNetspeed}},
		{"join", BuildJoin("LobbyJoin"), Join{BeaconType: "LobbyJoin"}},
		{"assign id", BuildAssignID(id), AssignID{ID: id}},
		{"ack id", BuildAckID("LobbyJoin"), AckID{BeaconType: "LobbyJoin"}},
		{"connected", BuildConnected(), Connected{}},
		{"heartbeat", BuildHeartbeat(), Heartbeat{}},
		{"close", BuildClose("bye"), Close{Reason: "bye"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHandshake(tt.pkt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown command", func(t *testing.T) {
		_, err := ParseHandshake(Packet{Command: 0x3F})
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("short hello", func(t *testing.T) {
		_, err := ParseHandshake(Packet{Command: PktHello, Payload: []byte{1}})
		assert.Error(t, err)
	})
}

func TestStringTruncatedAt255(t *testing.T) {
	long := string(bytes.Repeat([]byte("x"), 300))
	msg, err := ParseHandshake(BuildFailure(long))
	require.NoError(t, err)
	assert.Len(t, msg.(Failure).Reason, 255)
}

func TestControlCodec(t *testing.T) {
	t.Run("update player keeps nested fields", func(t *testing.T) {
		in := UpdatePlayer{
			InstanceID:   4,
			Player:       PlayerInfo{PlayerID: "p1", PlayerName: "Malcolm", PlayerScore: 12, RankCheck: 1500},
			IsLastUpdate: true,
		}
		pkt, err := Encode(in)
		require.NoError(t, err)
		assert.Equal(t, PktUpdatePlayer, pkt.Command)
		assert.False(t, pkt.IsHandshake())

		out, err := Decode(pkt)
		require.NoError(t, err)
		got, ok := out.(*UpdatePlayer)
		require.True(t, ok)
		assert.Equal(t, in, *got)
	})

	t.Run("body is a positional array", func(t *testing.T) {
		pkt, err := Encode(ReceiveBan{BanID: "b", Index: -1, Total: 0, IsFinished: true})
		require.NoError(t, err)
		// array(4), "b", -1, 0, true
		assert.Equal(t, []byte{0x84, 0x61, 'b', 0x20, 0x00, 0xf5}, pkt.Payload)
	})

	t.Run("empty message", func(t *testing.T) {
		pkt, err := Encode(ForceShutdown{})
		require.NoError(t, err)
		out, err := Decode(pkt)
		require.NoError(t, err)
		assert.IsType(t, &ForceShutdown{}, out)
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := Decode(Packet{Command: 0x7F})
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("garbage body", func(t *testing.T) {
		_, err := Decode(Packet{Command: PktKick, Payload: []byte{0xff, 0x00}})
		assert.Error(t, err)
	})
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "NotifyInstanceReady", CommandName(PktNotifyInstanceReady))
	assert.Equal(t, "0x7E", CommandName(0x7E))
}
