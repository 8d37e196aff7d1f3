package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/config"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/loop"
)

type console struct {
	cli *CLI
	out *bytes.Buffer
	cfg *config.Config
}

func newConsole(t *testing.T) *console {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := loop.New(16)
	go l.Run(ctx)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	orch := lobby.New(lobby.DefaultConfig(), lobby.Deps{Bus: bus})
	listener := beacon.NewListener(beacon.DefaultOptions())
	require.NoError(t, listener.RegisterHost(lobby.NewInstanceHost(orch)))

	cfg := config.DefaultConfig()
	out := &bytes.Buffer{}
	return &console{
		cli: NewCLI(cfg, Deps{Loop: l, Orch: orch, Listener: listener, EventBus: bus}, strings.NewReader(""), out),
		out: out,
		cfg: cfg,
	}
}

func (c *console) run(t *testing.T, line string) string {
	t.Helper()
	c.out.Reset()
	parts := strings.Fields(line)
	require.NoError(t, c.cli.execute(context.Background(), parts[0], parts[1:]))
	return c.out.String()
}

func TestMatchesTable(t *testing.T) {
	c := newConsole(t)
	require.NoError(t, c.cli.Loop.Do(context.Background(), func() {
		c.cli.Orch.HostMatch("alice", lobby.MatchOptions{MapName: "DM-Deck", GameMode: "DM"})
	}))

	out := c.run(t, "matches")
	assert.Contains(t, out, "DM-Deck")
	assert.Contains(t, out, "waiting_for_players")

	out = c.run(t, "matches in_progress")
	assert.NotContains(t, out, "DM-Deck")
}

func TestMatchPrefixLookup(t *testing.T) {
	c := newConsole(t)
	var id string
	require.NoError(t, c.cli.Loop.Do(context.Background(), func() {
		id = c.cli.Orch.HostMatch("alice", lobby.MatchOptions{MapName: "DM-Deck"}).MatchID.String()
	}))

	out := c.run(t, "match "+id[:8])
	assert.Contains(t, out, id)
	assert.Contains(t, out, "alice")

	err := c.cli.execute(context.Background(), "match", []string{"zzzz"})
	assert.ErrorIs(t, err, lobby.ErrMatchNotFound)

	c.run(t, "remove "+id[:8])
	var n int
	require.NoError(t, c.cli.Loop.Do(context.Background(), func() { n = len(c.cli.Orch.Matches()) }))
	assert.Zero(t, n)
}

func TestBanAndGate(t *testing.T) {
	c := newConsole(t)

	c.run(t, "ban griefer spamming chat")
	var banned bool
	require.NoError(t, c.cli.Loop.Do(context.Background(), func() { banned = c.cli.Orch.IsHubBanned("griefer") }))
	assert.True(t, banned)
	assert.Contains(t, c.run(t, "bans"), "griefer")

	c.run(t, "unban griefer")
	require.NoError(t, c.cli.Loop.Do(context.Background(), func() { banned = c.cli.Orch.IsHubBanned("griefer") }))
	assert.False(t, banned)

	assert.Contains(t, c.run(t, "pause"), "deny")
	assert.Contains(t, c.run(t, "status"), "requests paused")
	c.run(t, "resume")
	assert.Contains(t, c.run(t, "status"), "requests open")
}

func TestSetConfig(t *testing.T) {
	c := newConsole(t)
	err := c.cli.execute(context.Background(), "setconfig", []string{"no_such_field", "1"})
	assert.Error(t, err)

	require.NoError(t, c.cli.cfg.UpdateHubField("max_instances", float64(4)))
	assert.Equal(t, 4, c.cfg.GetHub().MaxInstances)
}

func TestQuitEmitsShutdown(t *testing.T) {
	c := newConsole(t)
	got := make(chan struct{}, 1)
	c.cli.EventBus.Subscribe(events.EventShutdown, "test", func(ctx context.Context, e events.Event) error {
		got <- struct{}{}
		return nil
	})

	c.run(t, "quit")
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not emitted")
	}
}

func TestStartStopsAtEndOfInput(t *testing.T) {
	c := newConsole(t)
	c.cli.in = strings.NewReader("help\nbogus\n")

	done := make(chan struct{})
	go func() {
		c.cli.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop at end of input")
	}
	assert.Contains(t, c.out.String(), "Unknown command: 'bogus'")
}
