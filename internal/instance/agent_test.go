package instance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/beacon/beacontest"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/store"
)

type fakeGame struct {
	returned int
	kicked   []string
	rcon     []string
	admins   map[string]bool
	messages []string
}

func (g *fakeGame) ReturnPlayersToLobby()              { g.returned++ }
func (g *fakeGame) KickPlayer(id string)                { g.kicked = append(g.kicked, id) }
func (g *fakeGame) ExecuteRcon(adminID, command string) { g.rcon = append(g.rcon, command) }
func (g *fakeGame) SetAdmin(id string, isAdmin bool) {
	if g.admins == nil {
		g.admins = make(map[string]bool)
	}
	g.admins[id] = isAdmin
}
func (g *fakeGame) DeliverMessage(target, text string) { g.messages = append(g.messages, text) }

type stubProcess struct{ terminated bool }

func (p *stubProcess) PID() int                           { return 4242 }
func (p *stubProcess) Running() bool                      { return !p.terminated }
func (p *stubProcess) TryExitCode() (int, bool)           { return 0, p.terminated }
func (p *stubProcess) Terminate() error                   { p.terminated = true; return nil }
func (p *stubProcess) Kill() error                        { p.terminated = true; return nil }
func (p *stubProcess) Stats() (lobby.ProcessStats, error) { return lobby.ProcessStats{}, nil }

type stubSpawner struct {
	specs []lobby.LaunchSpec
	procs []*stubProcess
}

func (s *stubSpawner) Spawn(spec lobby.LaunchSpec) (lobby.ProcessHandle, error) {
	s.specs = append(s.specs, spec)
	p := &stubProcess{}
	s.procs = append(s.procs, p)
	return p, nil
}

type testHub struct {
	clock     time.Time
	orch      *lobby.Orchestrator
	instances *lobby.InstanceHost
	listener  *beacon.Listener
	spawner   *stubSpawner
	dialer    *beacontest.Dialer
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{clock: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), spawner: &stubSpawner{}}
	now := func() time.Time { return h.clock }

	cfg := lobby.DefaultConfig()
	cfg.InstanceExecutable = "/opt/game/instance"
	h.orch = lobby.New(cfg, lobby.Deps{Spawner: h.spawner, Now: now})
	h.instances = lobby.NewInstanceHost(h.orch)

	opts := beacon.DefaultOptions()
	opts.Now = now
	h.listener = beacon.NewListener(opts)
	require.NoError(t, h.listener.RegisterHost(h.instances))
	h.dialer = &beacontest.Dialer{Accept: func(ch protocol.Channel) { h.listener.Accept(ch) }}
	return h
}

func (h *testHub) options() beacon.Options {
	opts := beacon.DefaultOptions()
	opts.Now = func() time.Time { return h.clock }
	return opts
}

func (h *testHub) flush() {
	beacontest.Flush(h.dialer.Pipes...)
}

// spawn launches a match on the hub and starts an agent with the exact
// arguments the hub produced.
func (h *testHub) spawn(t *testing.T, game Game) (*lobby.MatchInfo, *Agent) {
	t.Helper()
	m := h.orch.HostMatch("alice", lobby.MatchOptions{GameMode: "DM", MapName: "DM-Deck"})
	require.NoError(t, h.orch.LaunchMatch(m, "alice"))

	args, err := ParseLaunchArgs(h.spawner.specs[len(h.spawner.specs)-1].Args)
	require.NoError(t, err)

	agent := NewAgent(h.options(), h.dialer, args, game)
	require.NoError(t, agent.Connect(context.Background(), "hub:7787"))
	h.flush()
	require.Equal(t, beacon.StateOpen, agent.State())
	return m, agent
}

func TestAgent_LoadsMapsAndBans(t *testing.T) {
	h := newTestHub(t)
	h.instances.SetMapList([]store.MapEntry{{Package: "DM-Deck"}, {Package: "DM-Codex"}})
	h.orch.SetHubBans([]string{"cheater"})

	_, agent := h.spawn(t, &fakeGame{})

	assert.True(t, agent.MapsLoaded())
	assert.True(t, agent.BansLoaded())
	require.Len(t, agent.Maps(), 2)
	assert.Equal(t, "DM-Codex", agent.Maps()[1].MapPackage)
	assert.True(t, agent.IsBanned("cheater"))
	assert.False(t, agent.IsBanned("alice"))
}

func TestAgent_EmptyListsStillFinish(t *testing.T) {
	h := newTestHub(t)
	_, agent := h.spawn(t, &fakeGame{})

	assert.True(t, agent.MapsLoaded())
	assert.True(t, agent.BansLoaded())
	assert.Empty(t, agent.Maps())
}

func TestAgent_ReportsDriveMatchState(t *testing.T) {
	h := newTestHub(t)
	m, agent := h.spawn(t, &fakeGame{})

	agent.ReportReady()
	agent.ReportReady()
	h.flush()
	assert.Equal(t, lobby.StateInProgress, m.CurrentState)
	assert.Equal(t, agent.GUID(), m.InstanceGUID)

	agent.PlayerJoined(protocol.PlayerInfo{PlayerID: "alice", PlayerName: "Alice"})
	agent.MatchUpdated(protocol.MatchUpdate{GameTime: 30, MapName: "DM-Deck"})
	agent.GameEnded(protocol.MatchUpdate{MatchState: "ended"})
	h.flush()
	require.Len(t, m.PlayersInMatchInstance, 1)
	assert.Equal(t, int32(30), m.MatchUpdate.GameTime)
	assert.Equal(t, 1, m.GamesPlayed)

	agent.PlayerLeft(protocol.PlayerInfo{PlayerID: "alice"})
	agent.NotifyEmpty()
	h.flush()
	assert.Empty(t, m.PlayersInMatchInstance)
	assert.Equal(t, lobby.StateRecycling, m.CurrentState)
	assert.True(t, h.spawner.procs[0].terminated)
}

func TestAgent_ForceShutdownNotifiesOnce(t *testing.T) {
	h := newTestHub(t)
	game := &fakeGame{}
	m, agent := h.spawn(t, game)
	agent.ReportReady()
	h.flush()

	require.NoError(t, h.orch.ForceShutdown(m))
	h.flush()
	assert.Equal(t, 1, game.returned)
	assert.Equal(t, lobby.StateRecycling, m.CurrentState)

	// a repeated shutdown must not produce a second InstanceEmpty
	agent.OnMessage(nil, mustEncode(t, &protocol.ForceShutdown{}))
	assert.Equal(t, 2, game.returned)
	assert.True(t, agent.alreadyNotified)
}

func TestAgent_AdminCommandsAreIdempotent(t *testing.T) {
	h := newTestHub(t)
	game := &fakeGame{}
	m, agent := h.spawn(t, game)
	agent.ReportReady()
	h.flush()

	require.NoError(t, h.orch.Kick(m, "bob"))
	require.NoError(t, h.orch.Kick(m, "bob"))
	require.NoError(t, h.orch.AuthorizeAdmin(m, "carol", true))
	require.NoError(t, h.orch.AuthorizeAdmin(m, "carol", true))
	require.NoError(t, h.orch.Rcon(m, "carol", "status"))
	require.NoError(t, h.orch.SendUserMessage(m, "", "hello"))
	h.flush()

	assert.Equal(t, []string{"bob"}, game.kicked)
	assert.True(t, agent.IsBanned("bob"))
	assert.True(t, agent.IsAdmin("carol"))
	assert.Equal(t, []string{"status"}, game.rcon)
	assert.Equal(t, []string{"hello"}, game.messages)
}

func TestDedicatedAgent_Authorization(t *testing.T) {
	h := newTestHub(t)
	h.orch.AddAccessKey("secret")
	h.instances.SetMapList([]store.MapEntry{{Package: "DM-Deck"}})

	agent := NewDedicatedAgent(h.options(), h.dialer, Dedicated{
		HubKey: "secret", ServerName: "EU #1", GameMode: "DM", MaxPlayers: 16, Address: "10.0.0.5:7777",
	}, "DM-Deck", &fakeGame{})
	require.NoError(t, agent.Connect(context.Background(), "hub:7787"))
	h.flush()

	require.True(t, agent.Authorized())
	assert.Equal(t, h.orch.HubGUID(), agent.HubGUID())
	assert.NotZero(t, agent.InstanceID())
	assert.True(t, agent.MapsLoaded())

	m, ok := h.orch.MatchByInstance(agent.InstanceID())
	require.True(t, ok)
	assert.True(t, m.Dedicated)
	assert.Equal(t, "EU #1", m.ServerName)
}

func TestDedicatedAgent_UnknownKeyStaysUnauthorized(t *testing.T) {
	h := newTestHub(t)
	agent := NewDedicatedAgent(h.options(), h.dialer, Dedicated{HubKey: "nope"}, "DM-Deck", nil)
	require.NoError(t, agent.Connect(context.Background(), "hub:7787"))
	h.flush()

	assert.False(t, agent.Authorized())
	assert.Equal(t, beacon.StateOpen, agent.State())
	assert.Empty(t, h.orch.Matches())
}

func mustEncode(t *testing.T, msg protocol.Message) protocol.Packet {
	t.Helper()
	pkt, err := protocol.Encode(msg)
	require.NoError(t, err)
	return pkt
}
