package lobby

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/protocol"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeProcess struct {
	pid        int
	running    bool
	exited     bool
	exitCode   int
	terminated int
	killed     int
}

func (p *fakeProcess) PID() int                     { return p.pid }
func (p *fakeProcess) Running() bool                { return p.running }
func (p *fakeProcess) TryExitCode() (int, bool)     { return p.exitCode, p.exited }
func (p *fakeProcess) Terminate() error             { p.terminated++; return nil }
func (p *fakeProcess) Kill() error                  { p.killed++; return nil }
func (p *fakeProcess) Stats() (ProcessStats, error) { return ProcessStats{}, nil }

// exit simulates the OS reaping the process.
func (p *fakeProcess) exit(code int) {
	p.running = false
	p.exited = true
	p.exitCode = code
}

type fakeSpawner struct {
	err   error
	specs []LaunchSpec
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(spec LaunchSpec) (ProcessHandle, error) {
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 1000 + len(s.procs), running: true, exitCode: -1}
	s.procs = append(s.procs, p)
	return p, nil
}

type notice struct {
	player string
	text   string
}

type fakeNotifier struct {
	notices []notice
}

func (n *fakeNotifier) NotifyPlayer(playerID, text string) {
	n.notices = append(n.notices, notice{playerID, text})
}

type fixture struct {
	clock    *fakeClock
	spawner  *fakeSpawner
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InstanceExecutable = "/opt/game/instance"
	for _, fn := range mutate {
		fn(&cfg)
	}
	f := &fixture{
		clock:    newFakeClock(),
		spawner:  &fakeSpawner{},
		notifier: &fakeNotifier{},
	}
	f.orch = New(cfg, Deps{Spawner: f.spawner, Now: f.clock.Now})
	f.orch.SetNotifier(f.notifier)
	return f
}

func (f *fixture) launched(t *testing.T, owner string) *MatchInfo {
	t.Helper()
	m := f.orch.HostMatch(owner, MatchOptions{GameMode: "DM", MapName: "DM-Deck"})
	require.NoError(t, f.orch.LaunchMatch(m, owner))
	return m
}

func TestHostMatch(t *testing.T) {
	f := newFixture(t)
	m := f.orch.HostMatch("alice", MatchOptions{GameMode: "CTF", MapName: "CTF-Face", Private: true})

	assert.Equal(t, StateWaitingForPlayers, m.CurrentState)
	assert.Equal(t, []string{"alice"}, m.Players)
	assert.True(t, m.IsAllowed("alice"))
	assert.Equal(t, 10, m.MaxPlayers)
	assert.Zero(t, m.GameInstanceID)

	got, ok := f.orch.Match(m.MatchID)
	require.True(t, ok)
	assert.Same(t, m, got)
}

func TestLaunchMatch_Success(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")

	assert.Equal(t, StateLaunching, m.CurrentState)
	assert.Equal(t, uint32(1), m.GameInstanceID)
	assert.Equal(t, f.clock.Now(), m.InstanceLaunchTime)
	assert.Equal(t, "127.0.0.1:7801", m.InstanceAddress)
	require.NotNil(t, m.Process)

	require.Len(t, f.spawner.specs, 1)
	spec := f.spawner.specs[0]
	assert.Equal(t, "/opt/game/instance", spec.Executable)
	assert.Equal(t, uint32(1), spec.InstanceID)
	assert.Contains(t, spec.Args, "InstanceID=1")
	assert.Contains(t, spec.Args, "HostPort=7787")

	byID, ok := f.orch.MatchByInstance(1)
	require.True(t, ok)
	assert.Same(t, m, byID)
}

func TestLaunchMatch_SpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.spawner.err = errors.New("exec format error")
	m := f.orch.HostMatch("alice", MatchOptions{MapName: "DM-Deck"})

	err := f.orch.LaunchMatch(m, "alice")
	require.ErrorIs(t, err, ErrSpawnFailed)

	assert.Equal(t, StateWaitingForPlayers, m.CurrentState)
	assert.Zero(t, m.GameInstanceID)
	assert.Nil(t, m.Process)
	_, held := f.orch.MatchByInstance(1)
	assert.False(t, held)
	assert.Equal(t, []notice{{"alice", MsgLaunchFailed}}, f.notifier.notices)

	f.spawner.err = nil
	require.NoError(t, f.orch.LaunchMatch(m, "alice"))
	assert.Equal(t, StateLaunching, m.CurrentState)
}

func TestLaunchMatch_Preconditions(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxInstances = 1 })

	assert.ErrorIs(t, f.orch.LaunchMatch(nil, ""), ErrMatchNotFound)

	first := f.launched(t, "alice")
	assert.ErrorIs(t, f.orch.LaunchMatch(first, "alice"), ErrNotWaiting)

	second := f.orch.HostMatch("bob", MatchOptions{MapName: "DM-Deck"})
	assert.False(t, f.orch.CanLaunch())
	assert.ErrorIs(t, f.orch.LaunchMatch(second, "bob"), ErrLaunchCapReached)
	assert.Equal(t, StateWaitingForPlayers, second.CurrentState)
	assert.Equal(t, []notice{{"bob", MsgLaunchFailed}}, f.notifier.notices)
}

func TestInstanceReady(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")

	assert.Nil(t, f.orch.InstanceReady(42, "guid", "DM-Deck"))

	f.orch.InstanceReady(1, "guid-1", "DM-Morpheus")
	assert.Equal(t, StateInProgress, m.CurrentState)
	assert.Equal(t, "guid-1", m.InstanceGUID)
	assert.Equal(t, "DM-Morpheus", m.InitialMap)

	f.orch.InstanceReady(1, "guid-2", "DM-Other")
	assert.Equal(t, StateInProgress, m.CurrentState)
	assert.Equal(t, "guid-1", m.InstanceGUID)
}

func TestInstanceIDAllocation(t *testing.T) {
	t.Run("skips zero on wrap", func(t *testing.T) {
		f := newFixture(t)
		f.orch.nextInstanceID = math.MaxUint32 - 1

		a := f.launched(t, "a")
		b := f.launched(t, "b")
		assert.Equal(t, uint32(math.MaxUint32), a.GameInstanceID)
		assert.Equal(t, uint32(1), b.GameInstanceID)
	})

	t.Run("skips ids held by live and reaping instances", func(t *testing.T) {
		f := newFixture(t)
		a := f.launched(t, "a")
		b := f.launched(t, "b")
		require.Equal(t, uint32(2), b.GameInstanceID)

		f.orch.RemoveMatch(a, "test")
		assert.Equal(t, StateDead, a.CurrentState)
		assert.Equal(t, 1, f.orch.ReapingCount())

		f.orch.nextInstanceID = 0
		c := f.launched(t, "c")
		assert.Equal(t, uint32(3), c.GameInstanceID)

		f.spawner.procs[0].exit(0)
		f.orch.CheckInstanceHealth()
		assert.Zero(t, f.orch.ReapingCount())

		f.orch.nextInstanceID = 0
		d := f.launched(t, "d")
		assert.Equal(t, uint32(1), d.GameInstanceID)
	})
}

func TestCheckInstanceHealth_LaunchBudget(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")
	proc := f.spawner.procs[0]

	f.clock.Advance(599 * time.Second)
	f.orch.CheckInstanceHealth()
	assert.Equal(t, StateLaunching, m.CurrentState)

	f.clock.Advance(2 * time.Second)
	f.orch.CheckInstanceHealth()
	assert.Equal(t, StateRecycling, m.CurrentState)
	assert.Equal(t, 1, proc.killed)
	assert.Nil(t, m.Process)
	assert.Equal(t, []notice{{"alice", MsgLaunchFailed}}, f.notifier.notices)

	// still alive: stays on the reap list and the id stays reserved
	f.orch.CheckInstanceHealth()
	assert.Equal(t, 1, f.orch.ReapingCount())
	assert.True(t, f.orch.instanceIDInUse(1))

	proc.exit(137)
	f.orch.CheckInstanceHealth()
	assert.Zero(t, f.orch.ReapingCount())
	assert.Equal(t, StateDead, m.CurrentState)
	_, ok := f.orch.Match(m.MatchID)
	assert.False(t, ok)
	assert.False(t, f.orch.instanceIDInUse(1))
}

func TestCheckInstanceHealth_ExitedInstance(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")
	f.orch.InstanceReady(1, "guid", "DM-Deck")

	proc := f.spawner.procs[0]
	proc.exit(0)
	f.orch.CheckInstanceHealth()

	assert.Equal(t, StateDead, m.CurrentState)
	assert.Equal(t, 1, proc.terminated)
	assert.Zero(t, f.orch.ReapingCount())
	assert.Empty(t, f.orch.Matches())
}

func TestCheckInstanceHealth_ReapEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")
	f.orch.InstanceEmpty(1)
	proc := f.spawner.procs[0]
	assert.Equal(t, 1, proc.terminated)

	f.orch.CheckInstanceHealth()
	assert.Zero(t, proc.killed)
	f.orch.CheckInstanceHealth()
	assert.Equal(t, 1, proc.killed)
	assert.Equal(t, StateRecycling, m.CurrentState)
}

func TestCheckInstanceHealth_AbandonedLobby(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EmptyMatchTimeout = time.Minute })
	m := f.orch.HostMatch("alice", MatchOptions{})
	require.True(t, f.orch.LeaveMatch(m, "alice"))

	f.clock.Advance(30 * time.Second)
	f.orch.CheckInstanceHealth()
	assert.Equal(t, StateWaitingForPlayers, m.CurrentState)

	f.clock.Advance(31 * time.Second)
	f.orch.CheckInstanceHealth()
	assert.Equal(t, StateDead, m.CurrentState)
	assert.Empty(t, f.orch.Matches())
}

func TestInstanceReports(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")
	f.orch.InstanceReady(1, "guid", "DM-Deck")

	f.orch.UpdatePlayer(1, protocol.PlayerInfo{PlayerID: "p1", PlayerName: "One"}, false)
	f.orch.UpdatePlayer(1, protocol.PlayerInfo{PlayerID: "p2", PlayerName: "Two", Spectator: true}, false)
	f.orch.UpdatePlayer(1, protocol.PlayerInfo{PlayerID: "p1", PlayerName: "One", PlayerScore: 7}, false)
	require.Len(t, m.PlayersInMatchInstance, 2)
	assert.Equal(t, int32(7), m.PlayersInMatchInstance[0].PlayerScore)

	f.orch.UpdatePlayer(1, protocol.PlayerInfo{PlayerID: "p2"}, true)
	require.Len(t, m.PlayersInMatchInstance, 1)

	f.orch.UpdateMatch(1, protocol.MatchUpdate{GameTime: 60, MapName: "DM-Codex", TeamScores: []int32{3, 1}})
	assert.Equal(t, "DM-Codex", m.MapName)
	assert.Equal(t, int32(60), m.MatchUpdate.GameTime)

	f.orch.EndGame(1, protocol.MatchUpdate{MatchState: "ended"})
	f.orch.EndGame(1, protocol.MatchUpdate{MatchState: "ended"})
	assert.Equal(t, 2, m.GamesPlayed)

	f.orch.InstanceEmpty(1)
	assert.Equal(t, StateRecycling, m.CurrentState)
	f.orch.InstanceEmpty(1)
	assert.Equal(t, 1, f.spawner.procs[0].terminated)
}

func TestRemoveMatch_Idempotent(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")

	f.orch.RemoveMatch(m, "")
	f.orch.RemoveMatch(m, "")

	assert.Equal(t, StateDead, m.CurrentState)
	assert.Equal(t, 1, f.spawner.procs[0].terminated)
	assert.Equal(t, 1, f.orch.ReapingCount())
	assert.Empty(t, f.orch.Matches())
}

func TestJoinMatch_Gates(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture, m *MatchInfo)
		req    JoinRequest
		reason RejectReason
	}{
		{
			name:   "match banned",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { m.Banned = []string{"bob"} },
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectBanned,
		},
		{
			name:   "hub banned",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { f.orch.BanPlayer("bob") },
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectBanned,
		},
		{
			name:   "ban checked before privacy",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { m.Private = true; m.Banned = []string{"bob"} },
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectBanned,
		},
		{
			name:   "private",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { m.Private = true },
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectPrivate,
		},
		{
			name:   "rank too high",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { m.RankLocked = true; m.RankCheck = 1000 },
			req:    JoinRequest{PlayerID: "bob", Rank: 1500},
			reason: RejectRankTooHigh,
		},
		{
			name:   "rank too low",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { m.RankLocked = true; m.RankCheck = 1000 },
			req:    JoinRequest{PlayerID: "bob", Rank: 500},
			reason: RejectRankTooLow,
		},
		{
			name: "launching",
			setup: func(t *testing.T, f *fixture, m *MatchInfo) {
				require.NoError(t, f.orch.LaunchMatch(m, "alice"))
			},
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectStarting,
		},
		{
			name: "in progress without join anytime",
			setup: func(t *testing.T, f *fixture, m *MatchInfo) {
				require.NoError(t, f.orch.LaunchMatch(m, "alice"))
				f.orch.InstanceReady(m.GameInstanceID, "g", "DM-Deck")
			},
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectJoinInProgress,
		},
		{
			name: "in progress and full",
			setup: func(t *testing.T, f *fixture, m *MatchInfo) {
				m.JoinAnytime = true
				m.MaxPlayers = 1
				require.NoError(t, f.orch.LaunchMatch(m, "alice"))
				f.orch.InstanceReady(m.GameInstanceID, "g", "DM-Deck")
				f.orch.UpdatePlayer(m.GameInstanceID, protocol.PlayerInfo{PlayerID: "alice"}, false)
			},
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectFull,
		},
		{
			name:   "lobby roster full",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { m.MaxPlayers = 1 },
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectFull,
		},
		{
			name:   "removed",
			setup:  func(t *testing.T, f *fixture, m *MatchInfo) { f.orch.RemoveMatch(m, "test") },
			req:    JoinRequest{PlayerID: "bob"},
			reason: RejectMatchGone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.orch.HostMatch("alice", MatchOptions{MapName: "DM-Deck"})
			tt.setup(t, f, m)

			_, err := f.orch.JoinMatch(m, tt.req)
			var rej *Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, tt.reason.Message(), err.Error())
		})
	}
}

func TestJoinMatch_Accepted(t *testing.T) {
	f := newFixture(t)

	t.Run("waiting adds to roster", func(t *testing.T) {
		m := f.orch.HostMatch("alice", MatchOptions{})
		res, err := f.orch.JoinMatch(m, JoinRequest{PlayerID: "bob"})
		require.NoError(t, err)
		assert.False(t, res.Direct)
		assert.Equal(t, []string{"alice", "bob"}, m.Players)
	})

	t.Run("in progress spectator goes direct", func(t *testing.T) {
		m := f.launched(t, "carol")
		f.orch.InstanceReady(m.GameInstanceID, "g", "DM-Deck")
		res, err := f.orch.JoinMatch(m, JoinRequest{PlayerID: "dave", Spectator: true})
		require.NoError(t, err)
		assert.True(t, res.Direct)
		assert.Equal(t, m.InstanceAddress, res.Address)
	})

	t.Run("spectators skip the skill test", func(t *testing.T) {
		m := f.orch.HostMatch("erin", MatchOptions{RankLocked: true, RankCheck: 100})
		_, err := f.orch.JoinMatch(m, JoinRequest{PlayerID: "frank", Rank: 5000, Spectator: true})
		assert.NoError(t, err)
	})

	t.Run("admin override skips bans", func(t *testing.T) {
		m := f.orch.HostMatch("gina", MatchOptions{})
		m.Banned = []string{"admin"}
		f.orch.BanPlayer("admin")
		defer f.orch.UnbanPlayer("admin")
		_, err := f.orch.JoinMatch(m, JoinRequest{PlayerID: "admin", AdminOverride: true})
		assert.NoError(t, err)
	})
}

func TestJoinMatch_AdminOverrideKeepsOtherGates(t *testing.T) {
	f := newFixture(t)

	private := f.orch.HostMatch("alice", MatchOptions{Private: true})
	_, err := f.orch.JoinMatch(private, JoinRequest{PlayerID: "admin", AdminOverride: true})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectPrivate, rej.Reason)

	locked := f.orch.HostMatch("bob", MatchOptions{RankLocked: true, RankCheck: 100})
	_, err = f.orch.JoinMatch(locked, JoinRequest{PlayerID: "admin", Rank: 5000, AdminOverride: true})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectRankTooHigh, rej.Reason)

	running := f.launched(t, "carol")
	f.orch.InstanceReady(running.GameInstanceID, "g", "DM-Deck")
	_, err = f.orch.JoinMatch(running, JoinRequest{PlayerID: "admin", AdminOverride: true})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, RejectJoinInProgress, rej.Reason)
}

func TestLeaveMatch_PassesOwnership(t *testing.T) {
	f := newFixture(t)
	m := f.orch.HostMatch("alice", MatchOptions{})
	_, err := f.orch.JoinMatch(m, JoinRequest{PlayerID: "bob"})
	require.NoError(t, err)

	assert.True(t, f.orch.LeaveMatch(m, "alice"))
	assert.Equal(t, "bob", m.OwnerID)
	assert.False(t, f.orch.LeaveMatch(m, "alice"))
}

func TestRelays_RequireConnection(t *testing.T) {
	f := newFixture(t)
	m := f.launched(t, "alice")

	assert.ErrorIs(t, f.orch.ForceShutdown(m), ErrNoInstanceConnection)
	assert.ErrorIs(t, f.orch.Kick(m, "bob"), ErrNoInstanceConnection)
	assert.ErrorIs(t, f.orch.Rcon(nil, "admin", "status"), ErrMatchNotFound)
	assert.False(t, m.IsBanned("bob"))
}
