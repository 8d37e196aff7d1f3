package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/beacon/beacontest"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/store"
)

type peer struct {
	packets     []protocol.Packet
	disconnects int
}

func (p *peer) OnOpen(e *beacon.Endpoint) {}
func (p *peer) OnMessage(e *beacon.Endpoint, pkt protocol.Packet) {
	p.packets = append(p.packets, pkt)
}
func (p *peer) OnFailure(e *beacon.Endpoint, err *beacon.Error)      { p.disconnects++ }
func (p *peer) OnDisconnected(e *beacon.Endpoint, err *beacon.Error) { p.disconnects++ }

// take decodes and clears the received messages.
func (p *peer) take(t *testing.T) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, pkt := range p.packets {
		msg, err := protocol.Decode(pkt)
		require.NoError(t, err)
		out = append(out, msg)
	}
	p.packets = nil
	return out
}

type hub struct {
	*fixture
	listener  *beacon.Listener
	instances *InstanceHost
	joins     *JoinHost
	dialer    *beacontest.Dialer
}

func newHub(t *testing.T) *hub {
	t.Helper()
	f := newFixture(t)
	opts := beacon.DefaultOptions()
	opts.Now = f.clock.Now

	h := &hub{
		fixture:   f,
		listener:  beacon.NewListener(opts),
		instances: NewInstanceHost(f.orch),
		joins:     NewJoinHost(f.orch),
	}
	require.NoError(t, h.listener.RegisterHost(h.instances))
	require.NoError(t, h.listener.RegisterHost(h.joins))
	h.dialer = &beacontest.Dialer{Accept: func(ch protocol.Channel) { h.listener.Accept(ch) }}
	return h
}

// connect opens a client beacon of the given type and completes the
// handshake.
func (h *hub) connect(t *testing.T, beaconType string) (*beacon.Client, *peer, *beacontest.Channel) {
	t.Helper()
	opts := beacon.DefaultOptions()
	opts.Now = h.clock.Now
	p := &peer{}
	c := beacon.NewClient(opts, h.dialer, p)
	require.NoError(t, c.InitiateConnection(context.Background(), "hub:7787", beaconType))
	pipe := h.dialer.Pipes[len(h.dialer.Pipes)-1]
	beacontest.Flush(pipe)
	require.Equal(t, beacon.StateOpen, c.State())
	return c, p, pipe
}

func (h *hub) send(t *testing.T, c *beacon.Client, pipe *beacontest.Channel, msg protocol.Message) {
	t.Helper()
	require.NoError(t, c.Send(msg))
	beacontest.Flush(pipe)
}

func TestInstanceHost_MapThenBanPagination(t *testing.T) {
	h := newHub(t)
	h.instances.SetMapList([]store.MapEntry{
		{Package: "DM-Deck", Title: "Deck"},
		{Package: "CTF-Face", Title: "Facing Worlds"},
	})
	c, p, pipe := h.connect(t, BeaconInstanceControl)

	h.send(t, c, pipe, &protocol.PrimeMapList{InstanceID: 0})
	h.send(t, c, pipe, &protocol.SendNextMap{LastIndex: 0})
	h.send(t, c, pipe, &protocol.SendNextMap{LastIndex: 1})
	h.send(t, c, pipe, &protocol.RequestNextBan{LastIndex: -1})

	assert.Equal(t, []protocol.Message{
		&protocol.ReceiveMap{MapPackage: "DM-Deck", Title: "Deck", Index: 0},
		&protocol.ReceiveMap{MapPackage: "CTF-Face", Title: "Facing Worlds", Index: 1},
		&protocol.RequestFirstBan{},
		&protocol.ReceiveBan{BanID: "", Index: -1, Total: 0, IsFinished: true},
	}, p.take(t))
}

func TestInstanceHost_BanPagination(t *testing.T) {
	h := newHub(t)
	h.orch.SetHubBans([]string{"cheater", "griefer"})
	c, p, pipe := h.connect(t, BeaconInstanceControl)

	h.send(t, c, pipe, &protocol.PrimeMapList{})
	h.send(t, c, pipe, &protocol.RequestNextBan{LastIndex: -1})
	h.send(t, c, pipe, &protocol.RequestNextBan{LastIndex: 0})

	assert.Equal(t, []protocol.Message{
		&protocol.RequestFirstBan{},
		&protocol.ReceiveBan{BanID: "cheater", Index: 0, Total: 2},
		&protocol.ReceiveBan{BanID: "griefer", Index: 1, Total: 2, IsFinished: true},
	}, p.take(t))
}

func TestInstanceHost_DedicatedAuthorization(t *testing.T) {
	h := newHub(t)
	h.orch.AddAccessKey("secret")

	c, p, pipe := h.connect(t, BeaconInstanceControl)
	h.send(t, c, pipe, &protocol.RequestDedicatedAuthorization{
		InstanceGUID: "g1", HubKey: "wrong", ServerName: "EU #1",
	})
	assert.Empty(t, p.take(t))
	assert.Empty(t, h.orch.Matches())

	req := &protocol.RequestDedicatedAuthorization{
		InstanceGUID: "g1", HubKey: "secret", ServerName: "EU #1",
		GameMode: "DM", MaxPlayers: 12, Address: "10.0.0.5:7777",
	}
	h.send(t, c, pipe, req)

	msgs := p.take(t)
	require.Len(t, msgs, 1)
	auth, ok := msgs[0].(*protocol.AuthorizeDedicatedInstance)
	require.True(t, ok)
	assert.Equal(t, h.orch.HubGUID(), auth.HubGUID)

	first, ok := h.orch.MatchByInstance(auth.InstanceID)
	require.True(t, ok)
	assert.True(t, first.Dedicated)
	assert.Equal(t, StateInProgress, first.CurrentState)
	assert.Nil(t, first.Process)
	assert.Equal(t, "10.0.0.5:7777", first.InstanceAddress)

	// a second instance with the same key replaces the first
	c2, p2, pipe2 := h.connect(t, BeaconInstanceControl)
	h.send(t, c2, pipe2, req)
	require.Len(t, p2.take(t), 1)
	beacontest.Flush(pipe)

	assert.Equal(t, StateDead, first.CurrentState)
	require.Len(t, h.orch.Matches(), 1)
	assert.Equal(t, beacon.StateClosed, c.State())
	assert.Equal(t, beacon.StateOpen, c2.State())
}

func TestInstanceHost_ReadyAndConnectionLoss(t *testing.T) {
	h := newHub(t)
	m := h.launched(t, "alice")
	c, _, pipe := h.connect(t, BeaconInstanceControl)

	h.send(t, c, pipe, &protocol.NotifyInstanceReady{InstanceID: m.GameInstanceID, InstanceGUID: "g", MapName: "DM-Deck"})
	assert.Equal(t, StateInProgress, m.CurrentState)
	require.NotNil(t, m.Endpoint())

	h.send(t, c, pipe, &protocol.UpdatePlayer{
		InstanceID: m.GameInstanceID,
		Player:     protocol.PlayerInfo{PlayerID: "alice", PlayerName: "Alice"},
	})
	require.Len(t, m.PlayersInMatchInstance, 1)

	c.Teardown("instance crashed")
	beacontest.Flush(pipe)

	assert.Equal(t, StateRecycling, m.CurrentState)
	assert.Equal(t, 1, h.spawner.procs[0].terminated)
	assert.Zero(t, h.instances.ClientCount())
}

func TestInstanceHost_BoundInstanceCannotBeClaimed(t *testing.T) {
	h := newHub(t)
	m := h.launched(t, "alice")
	other := h.launched(t, "bob")

	c, _, pipe := h.connect(t, BeaconInstanceControl)
	h.send(t, c, pipe, &protocol.NotifyInstanceReady{InstanceID: m.GameInstanceID})
	require.Equal(t, StateInProgress, m.CurrentState)
	ep := m.Endpoint()
	require.NotNil(t, ep)

	// a second connection speaking for the running instance
	c2, _, pipe2 := h.connect(t, BeaconInstanceControl)
	h.send(t, c2, pipe2, &protocol.UpdateMatch{InstanceID: m.GameInstanceID})
	assert.Equal(t, beacon.StateClosed, c2.State())
	assert.Same(t, ep, m.Endpoint())
	assert.Equal(t, beacon.StateOpen, c.State())

	c3, _, pipe3 := h.connect(t, BeaconInstanceControl)
	h.send(t, c3, pipe3, &protocol.InstanceEmpty{InstanceID: m.GameInstanceID})
	assert.Equal(t, beacon.StateClosed, c3.State())
	assert.Equal(t, StateInProgress, m.CurrentState)

	// the bound connection may not speak for a different instance either
	h.send(t, c, pipe, &protocol.InstanceEmpty{InstanceID: other.GameInstanceID})
	assert.Equal(t, StateLaunching, other.CurrentState)
	assert.Equal(t, beacon.StateClosed, c.State())
}

func TestInstanceHost_RelaysAdminCommands(t *testing.T) {
	h := newHub(t)
	m := h.launched(t, "alice")
	c, p, pipe := h.connect(t, BeaconInstanceControl)
	h.send(t, c, pipe, &protocol.NotifyInstanceReady{InstanceID: m.GameInstanceID})

	require.NoError(t, h.orch.Kick(m, "bob"))
	require.NoError(t, h.orch.Rcon(m, "admin", "status"))
	require.NoError(t, h.orch.AuthorizeAdmin(m, "admin", true))
	require.NoError(t, h.orch.SendUserMessage(m, "", "restarting soon"))
	require.NoError(t, h.orch.ForceShutdown(m))
	beacontest.Flush(pipe)

	assert.Equal(t, []protocol.Message{
		&protocol.Kick{TargetID: "bob"},
		&protocol.ReceiveRconMessage{TargetID: "admin", Text: "status"},
		&protocol.AuthorizeAdmin{AdminID: "admin", IsAdmin: true},
		&protocol.ReceiveUserMessage{Text: "restarting soon"},
		&protocol.ForceShutdown{},
	}, p.take(t))
	assert.True(t, m.IsBanned("bob"))
}

func TestInstanceHost_MalformedMessageClosesConnection(t *testing.T) {
	h := newHub(t)
	c, _, pipe := h.connect(t, BeaconInstanceControl)

	require.NoError(t, pipe.Send(protocol.Packet{Command: protocol.PktUpdateMatch, Payload: []byte{0xff, 0x00}}))
	beacontest.Flush(pipe)

	assert.Equal(t, beacon.StateClosed, c.State())
	assert.Zero(t, h.instances.ClientCount())
}

func TestJoinHost_AcceptAndReject(t *testing.T) {
	h := newHub(t)
	m := h.orch.HostMatch("alice", MatchOptions{MapName: "DM-Deck"})
	m.Banned = []string{"mallory"}

	c, p, pipe := h.connect(t, BeaconLobbyJoin)
	h.send(t, c, pipe, &protocol.JoinRequest{MatchID: m.MatchID.String(), PlayerID: "bob"})
	h.send(t, c, pipe, &protocol.JoinRequest{MatchID: m.MatchID.String(), PlayerID: "mallory"})
	h.send(t, c, pipe, &protocol.JoinRequest{MatchID: "not-a-match", PlayerID: "bob"})

	assert.Equal(t, []protocol.Message{
		&protocol.JoinAccepted{MatchID: m.MatchID.String()},
		&protocol.JoinRejected{MatchID: m.MatchID.String(), Reason: uint8(RejectBanned), Message: "you are banned from this match"},
		&protocol.JoinRejected{MatchID: "not-a-match", Reason: uint8(RejectMatchGone), Message: "match no longer exists"},
	}, p.take(t))
	assert.Equal(t, beacon.StateOpen, c.State())
	assert.True(t, m.HasPlayer("bob"))
}

func TestJoinHost_PlayersCannotOverrideBans(t *testing.T) {
	h := newHub(t)
	m := h.orch.HostMatch("alice", MatchOptions{MapName: "DM-Deck", Private: true, RankLocked: true, RankCheck: 100})
	m.Banned = []string{"mallory"}
	h.orch.BanPlayer("mallory")

	c, p, pipe := h.connect(t, BeaconLobbyJoin)
	h.send(t, c, pipe, &protocol.JoinRequest{MatchID: m.MatchID.String(), PlayerID: "mallory", Rank: 9999})
	assert.Equal(t, []protocol.Message{
		&protocol.JoinRejected{MatchID: m.MatchID.String(), Reason: uint8(RejectBanned), Message: "you are banned from this match"},
	}, p.take(t))

	// an older client shape with a trailing override flag
	body, err := cbor.Marshal([]interface{}{m.MatchID.String(), "mallory", "", 9999, false, true})
	require.NoError(t, err)
	require.NoError(t, pipe.Send(protocol.Packet{Command: protocol.PktJoinRequest, Payload: body}))
	beacontest.Flush(pipe)

	for _, msg := range p.take(t) {
		assert.IsType(t, &protocol.JoinRejected{}, msg)
	}
	assert.False(t, m.HasPlayer("mallory"))
}

func TestJoinHost_LaunchFailureNotice(t *testing.T) {
	h := newHub(t)
	m := h.orch.HostMatch("alice", MatchOptions{MapName: "DM-Deck"})
	c, p, pipe := h.connect(t, BeaconLobbyJoin)
	h.send(t, c, pipe, &protocol.JoinRequest{MatchID: m.MatchID.String(), PlayerID: "alice"})
	p.take(t)

	h.spawner.err = assert.AnError
	h.orch.SetNotifier(h.joins)
	assert.Error(t, h.orch.LaunchMatch(m, "alice"))
	beacontest.Flush(pipe)

	assert.Equal(t, []protocol.Message{&protocol.ServerMessage{Text: MsgLaunchFailed}}, p.take(t))
}

func TestJoinHost_DisconnectLeavesLobby(t *testing.T) {
	h := newHub(t)
	m := h.orch.HostMatch("alice", MatchOptions{MapName: "DM-Deck"})
	c, _, pipe := h.connect(t, BeaconLobbyJoin)
	h.send(t, c, pipe, &protocol.JoinRequest{MatchID: m.MatchID.String(), PlayerID: "bob"})
	require.True(t, m.HasPlayer("bob"))

	c.Teardown("quit")
	beacontest.Flush(pipe)

	assert.False(t, m.HasPlayer("bob"))
	assert.Zero(t, h.joins.ClientCount())
}

func TestShutdown_LetsInstancesReturnPlayers(t *testing.T) {
	h := newHub(t)
	m := h.launched(t, "alice")
	waiting := h.orch.HostMatch("bob", MatchOptions{MapName: "DM-Deck"})
	c, p, pipe := h.connect(t, BeaconInstanceControl)
	h.send(t, c, pipe, &protocol.NotifyInstanceReady{InstanceID: m.GameInstanceID})
	p.take(t)

	assert.Equal(t, 1, h.orch.Shutdown())
	beacontest.Flush(pipe)
	assert.Equal(t, []protocol.Message{&protocol.ForceShutdown{}}, p.take(t))
	assert.Equal(t, StateInProgress, m.CurrentState)
	assert.Zero(t, h.spawner.procs[0].terminated)
	assert.Equal(t, StateDead, waiting.CurrentState)

	// asking again does not repeat the request
	assert.Equal(t, 1, h.orch.Shutdown())
	beacontest.Flush(pipe)
	assert.Empty(t, p.take(t))

	h.send(t, c, pipe, &protocol.InstanceEmpty{InstanceID: m.GameInstanceID})
	assert.Equal(t, StateRecycling, m.CurrentState)
	assert.Equal(t, 1, h.spawner.procs[0].terminated)
	assert.Zero(t, h.orch.Shutdown())

	h.spawner.procs[0].exit(0)
	h.orch.CheckInstanceHealth()
	assert.Empty(t, h.orch.Matches())
	assert.Zero(t, h.orch.ReapingCount())
}

func TestShutdown_GraceExpires(t *testing.T) {
	h := newHub(t)
	m := h.launched(t, "alice")
	c, _, pipe := h.connect(t, BeaconInstanceControl)
	h.send(t, c, pipe, &protocol.NotifyInstanceReady{InstanceID: m.GameInstanceID})

	require.Equal(t, 1, h.orch.Shutdown())
	h.clock.Advance(4 * time.Second)
	h.orch.CheckInstanceHealth()
	assert.Equal(t, StateInProgress, m.CurrentState)

	h.clock.Advance(2 * time.Second)
	h.orch.CheckInstanceHealth()
	assert.Equal(t, StateRecycling, m.CurrentState)
	assert.Equal(t, 1, h.spawner.procs[0].terminated)
	assert.Zero(t, h.orch.Shutdown())
}

func TestShutdown_WithoutGraceStopsAtOnce(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ShutdownGrace = 0 })
	m := f.launched(t, "alice")
	f.orch.InstanceReady(m.GameInstanceID, "g", "DM-Deck")

	assert.Zero(t, f.orch.Shutdown())
	assert.Equal(t, StateDead, m.CurrentState)
	assert.Equal(t, 1, f.spawner.procs[0].terminated)
	assert.Equal(t, 1, f.orch.ReapingCount())
}
