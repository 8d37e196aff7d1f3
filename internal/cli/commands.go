// Package cli implements the hub's interactive console: match listings,
// bans, the beacon request gate and per-match admin commands.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/config"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/loop"
	"github.com/energizer-project/lobbyhub/internal/store"
)

// Deps are the hub components the console drives. Store may be nil.
type Deps struct {
	Loop     *loop.Loop
	Orch     *lobby.Orchestrator
	Listener *beacon.Listener
	Store    *store.LobbyStore
	EventBus *events.EventBus
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg *config.Config
	Deps

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{cfg: cfg, Deps: deps, in: in, out: out}
}

// Start reads commands until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nlobbyhub console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "lobbyhub> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(ctx)
	case "matches", "ls":
		return c.printMatches(ctx, args)
	case "match", "m":
		return c.printMatch(ctx, args)
	case "remove", "rm":
		return c.cmdRemove(ctx, args)
	case "shutdown":
		return c.withMatch(ctx, args, 1, "usage: shutdown <match>", func(m *lobby.MatchInfo) error {
			return c.Orch.ForceShutdown(m)
		}, "Shutdown requested")
	case "kick":
		return c.withMatch(ctx, args, 2, "usage: kick <match> <player>", func(m *lobby.MatchInfo) error {
			return c.Orch.Kick(m, args[1])
		}, "Player kicked")
	case "message", "msg":
		return c.withMatch(ctx, args, 2, "usage: message <match> <text>", func(m *lobby.MatchInfo) error {
			return c.Orch.SendUserMessage(m, "", strings.Join(args[1:], " "))
		}, "Message sent")
	case "bans":
		return c.printBans(ctx)
	case "ban":
		return c.cmdBan(ctx, args)
	case "unban":
		return c.cmdUnban(ctx, args)
	case "pause":
		return c.setGate(ctx, beacon.DenyRequests)
	case "resume":
		return c.setGate(ctx, beacon.AllowRequests)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down lobbyhub...")
		c.EventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status                   Hub summary
  matches [state]          List matches, optionally by state
  match <id>               Show one match
  remove <id>              Remove a match and stop its instance
  shutdown <id>            Ask an instance to return its players and exit
  kick <id> <player>       Kick and bar a player from a match
  message <id> <text>      Broadcast a chat line to a match
  bans                     List hub bans
  ban <player> [reason]    Ban a player hub-wide
  unban <player>           Lift a hub ban
  pause | resume           Deny or allow new beacon requests
  setconfig <key> <value>  Update a hub setting
  quit                     Shut the hub down`)
}

func (c *CLI) printStatus(ctx context.Context) error {
	var status events.StatusPayload
	err := c.Loop.Do(ctx, func() {
		status = c.Orch.Status()
		status.Connections = c.Listener.ConnectionCount()
		status.Paused = c.Listener.Gate() == beacon.DenyRequests
	})
	if err != nil {
		return err
	}

	gate := "open"
	if status.Paused {
		gate = "paused"
	}
	fmt.Fprintf(c.out, "\n  Hub:         %s (%s)\n", c.cfg.GetHub().Name, status.HubGUID)
	fmt.Fprintf(c.out, "  Beacons:     %d connected, requests %s\n", status.Connections, gate)
	fmt.Fprintf(c.out, "  Matches:     %d\n", status.Matches)
	fmt.Fprintf(c.out, "  Instances:   %d spawned, %d reaping, limit %d\n", status.Spawned, status.Reaping, status.MaxInstances)

	states := make([]string, 0, len(status.ByState))
	for s := range status.ByState {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(c.out, "    %-22s %d\n", s, status.ByState[s])
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printMatches(ctx context.Context, args []string) error {
	state := ""
	if len(args) > 0 {
		state = args[0]
	}

	type row struct {
		lobby.MatchInfo
		pid int
	}
	var rows []row
	err := c.Loop.Do(ctx, func() {
		for _, m := range c.Orch.Matches() {
			if state == "" || m.CurrentState.String() == state {
				r := row{MatchInfo: m.Snapshot()}
				if m.Process != nil {
					r.pid = m.Process.PID()
				}
				rows = append(rows, r)
			}
		}
	})
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Match", "State", "Owner", "Map", "Mode", "Players", "Instance", "PID", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := time.Now()
	for _, m := range rows {
		instance, pid := "-", "-"
		if m.GameInstanceID != 0 {
			instance = strconv.FormatUint(uint64(m.GameInstanceID), 10)
		}
		if m.pid != 0 {
			pid = strconv.Itoa(m.pid)
		}
		owner := m.OwnerID
		if m.Dedicated {
			owner = m.ServerName
		}
		tw.Append([]string{
			shortID(m.MatchID.String()),
			m.CurrentState.String(),
			owner,
			m.MapName,
			m.GameMode,
			strconv.Itoa(m.PlayerCount()),
			instance,
			pid,
			now.Sub(m.CreatedAt).Round(time.Second).String(),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) printMatch(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: match <id>")
	}
	var snap lobby.MatchInfo
	var handle lobby.ProcessHandle
	err := c.withMatchQuiet(ctx, args[0], func(m *lobby.MatchInfo) error {
		snap = m.Snapshot()
		handle = m.Process
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "\n  Match:       %s\n", snap.MatchID)
	fmt.Fprintf(c.out, "  State:       %s\n", snap.CurrentState)
	fmt.Fprintf(c.out, "  Owner:       %s\n", snap.OwnerID)
	fmt.Fprintf(c.out, "  Map / Mode:  %s / %s\n", snap.MapName, snap.GameMode)
	fmt.Fprintf(c.out, "  Dedicated:   %v\n", snap.Dedicated)
	fmt.Fprintf(c.out, "  Instance:    %d %s\n", snap.GameInstanceID, snap.InstanceAddress)
	fmt.Fprintf(c.out, "  Games:       %d\n", snap.GamesPlayed)
	if handle != nil {
		fmt.Fprintf(c.out, "  PID:         %d\n", handle.PID())
		if stats, err := handle.Stats(); err == nil {
			fmt.Fprintf(c.out, "  CPU / Mem:   %.1f%% / %.0f MB\n", stats.CPUPercent, stats.MemoryMB)
		}
	}
	if len(snap.Players) > 0 {
		fmt.Fprintf(c.out, "  Lobby:       %s\n", strings.Join(snap.Players, ", "))
	}
	for _, p := range snap.PlayersInMatchInstance {
		role := "player"
		if p.Spectator {
			role = "spectator"
		}
		fmt.Fprintf(c.out, "    - %s (%s, score %d, %s)\n", p.PlayerName, p.PlayerID, p.PlayerScore, role)
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) cmdRemove(ctx context.Context, args []string) error {
	return c.withMatch(ctx, args, 1, "usage: remove <match>", func(m *lobby.MatchInfo) error {
		c.Orch.RemoveMatch(m, "removed from console")
		return nil
	}, "Match removed")
}

// withMatch resolves args[0] and runs fn on the loop, printing done on
// success.
func (c *CLI) withMatch(ctx context.Context, args []string, need int, usage string, fn func(m *lobby.MatchInfo) error, done string) error {
	if len(args) < need {
		return errors.New(usage)
	}
	if err := c.withMatchQuiet(ctx, args[0], fn); err != nil {
		return err
	}
	fmt.Fprintln(c.out, done)
	return nil
}

// withMatchQuiet finds the match whose id starts with prefix and runs fn on
// it. Ambiguous prefixes are an error.
func (c *CLI) withMatchQuiet(ctx context.Context, prefix string, fn func(m *lobby.MatchInfo) error) error {
	var err error
	loopErr := c.Loop.Do(ctx, func() {
		var found *lobby.MatchInfo
		for _, m := range c.Orch.Matches() {
			if strings.HasPrefix(m.MatchID.String(), prefix) {
				if found != nil {
					err = fmt.Errorf("match id %q is ambiguous", prefix)
					return
				}
				found = m
			}
		}
		if found == nil {
			err = lobby.ErrMatchNotFound
			return
		}
		err = fn(found)
	})
	if loopErr != nil {
		return loopErr
	}
	return err
}

func (c *CLI) printBans(ctx context.Context) error {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Player", "Reason", "By", "Since"})
	tw.SetBorder(true)

	if c.Store != nil {
		bans, err := c.Store.ListBans()
		if err != nil {
			return err
		}
		for _, b := range bans {
			tw.Append([]string{b.PlayerID, b.Reason, b.CreatedBy, b.CreatedAt.Format(time.RFC3339)})
		}
	} else {
		var ids []string
		if err := c.Loop.Do(ctx, func() { ids = c.Orch.HubBans() }); err != nil {
			return err
		}
		for _, id := range ids {
			tw.Append([]string{id, "", "", ""})
		}
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdBan(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: ban <player> [reason]")
	}
	player := args[0]
	if c.Store != nil {
		err := c.Store.AddBan(store.Ban{
			PlayerID:  player,
			Reason:    strings.Join(args[1:], " "),
			CreatedBy: "console",
			CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
	}
	if err := c.Loop.Do(ctx, func() { c.Orch.BanPlayer(player) }); err != nil {
		return err
	}
	log.Info().Str("player", player).Msg("CLI: player banned")
	fmt.Fprintf(c.out, "Banned %s\n", player)
	return nil
}

func (c *CLI) cmdUnban(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: unban <player>")
	}
	player := args[0]
	if c.Store != nil {
		if _, err := c.Store.RemoveBan(player); err != nil {
			return err
		}
	}
	if err := c.Loop.Do(ctx, func() { c.Orch.UnbanPlayer(player) }); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Unbanned %s\n", player)
	return nil
}

func (c *CLI) setGate(ctx context.Context, gate beacon.Gate) error {
	err := c.Loop.Do(ctx, func() {
		if gate == beacon.DenyRequests {
			c.Listener.PauseRequests()
		} else {
			c.Listener.ResumeRequests()
		}
	})
	if err != nil {
		return err
	}
	c.EventBus.Emit(ctx, events.Event{
		Type:    events.EventBeaconGateChanged,
		Source:  "cli",
		Payload: events.GatePayload{Gate: gate.String()},
	})
	fmt.Fprintf(c.out, "Beacon requests: %s\n", gate)
	return nil
}

// cmdSetConfig persists a hub setting. Most settings apply on restart.
func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: setconfig <key> <value>")
	}
	key := args[0]
	value := strings.Join(args[1:], " ")

	// Numbers and booleans are decoded so typed fields accept them.
	var typed interface{} = value
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}
	if err := c.cfg.UpdateHubField(key, typed); err != nil {
		if _, isString := typed.(string); isString {
			return err
		}
		if err := c.cfg.UpdateHubField(key, value); err != nil {
			return err
		}
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Config updated: %s = %s (restart to apply)\n", key, value)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
