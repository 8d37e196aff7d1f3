// lobbyinstance is a stand-in game instance. Launched by the hub it reads
// the hub's launch arguments; started by hand with --dedicated it asks a hub
// to list it. Either way it keeps the control beacon up, reports a short
// simulated match and exits when the hub tells it to shut down.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/instance"
	"github.com/energizer-project/lobbyhub/internal/loop"
	"github.com/energizer-project/lobbyhub/internal/network"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/util"
)

type options struct {
	hub         string
	dedicated   bool
	hubKey      string
	serverName  string
	gameMode    string
	mapName     string
	description string
	address     string
	maxPlayers  int32
	joinAnytime bool
	matchLength time.Duration
	logLevel    string
}

func main() {
	opts, launch, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logCfg := util.DefaultLogConfig()
	logCfg.App = "lobbyinstance"
	logCfg.Level = opts.logLevel
	if launch.InstanceID != 0 {
		logCfg.App = fmt.Sprintf("lobbyinstance_%d", launch.InstanceID)
	}
	if logFile, err := util.InitLogger(logCfg); err != nil {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		log.Warn().Err(err).Msg("file logging disabled")
	} else {
		defer logFile.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ctl := loop.New(256)
	loopDone := make(chan struct{})
	go func() {
		ctl.Run(ctx)
		close(loopDone)
	}()

	game := &standInGame{exit: cancel}
	dialer := &network.TCPDialer{Timeout: 5 * time.Second, Poster: ctl}
	beaconOpts := beacon.DefaultOptions()

	var agent *instance.Agent
	if opts.dedicated {
		agent = instance.NewDedicatedAgent(beaconOpts, dialer, instance.Dedicated{
			HubKey:      opts.hubKey,
			ServerName:  opts.serverName,
			GameMode:    opts.gameMode,
			Description: opts.description,
			MaxPlayers:  opts.maxPlayers,
			JoinAnytime: opts.joinAnytime,
			Address:     opts.address,
		}, opts.mapName, game)
	} else {
		agent = instance.NewAgent(beaconOpts, dialer, launch, game)
	}
	agent.OnLost = func(err *beacon.Error) {
		log.Warn().Msg("lost the hub, exiting")
		cancel()
	}
	game.agent = agent

	var connectErr error
	if err := ctl.Do(ctx, func() { connectErr = agent.Connect(ctx, opts.hub) }); err != nil {
		os.Exit(1)
	}
	if connectErr != nil {
		log.Error().Err(connectErr).Str("hub", opts.hub).Msg("failed to reach hub")
		os.Exit(1)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ctl.Post(func() { agent.Close("instance exiting") })
			<-loopDone
			log.Info().Msg("instance stopped")
			return
		case now := <-ticker.C:
			ctl.Post(func() {
				agent.Tick(now)
				game.step(now, opts.matchLength)
			})
		}
	}
}

func parseArgs(args []string) (options, instance.LaunchArgs, error) {
	var opts options
	fs := pflag.NewFlagSet("lobbyinstance", pflag.ContinueOnError)
	fs.StringVar(&opts.hub, "hub", "", "hub beacon address (host:port)")
	fs.BoolVar(&opts.dedicated, "dedicated", false, "ask the hub to list this instance as a dedicated server")
	fs.StringVar(&opts.hubKey, "hub-key", "", "access key for dedicated authorization")
	fs.StringVar(&opts.serverName, "name", "Dedicated server", "server name shown in the lobby")
	fs.StringVar(&opts.gameMode, "game-mode", "DM", "game mode")
	fs.StringVar(&opts.mapName, "map", "DM-Deck", "initial map")
	fs.StringVar(&opts.description, "description", "", "server description")
	fs.StringVar(&opts.address, "address", "", "address players use to connect")
	fs.Int32Var(&opts.maxPlayers, "max-players", 10, "player capacity")
	fs.BoolVar(&opts.joinAnytime, "join-anytime", true, "allow joining a match in progress")
	fs.DurationVar(&opts.matchLength, "match-length", 10*time.Minute, "length of the simulated match")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level")

	// Hub launches pass the map URL and key=value arguments, not flags.
	if launch, err := instance.ParseLaunchArgs(args); err == nil && launch.Spawned() {
		opts.hub = net.JoinHostPort("127.0.0.1", strconv.Itoa(launch.HostPort))
		opts.mapName = launch.Map
		opts.gameMode = launch.GameMode
		opts.matchLength = 10 * time.Minute
		opts.logLevel = "info"
		return opts, launch, nil
	}

	if err := fs.Parse(args); err != nil {
		return opts, instance.LaunchArgs{}, err
	}
	if !opts.dedicated {
		return opts, instance.LaunchArgs{}, fmt.Errorf("not launched by a hub; use --dedicated with --hub and --hub-key")
	}
	if opts.hub == "" || opts.hubKey == "" {
		return opts, instance.LaunchArgs{}, fmt.Errorf("--hub and --hub-key are required with --dedicated")
	}
	return opts, instance.LaunchArgs{}, nil
}

// standInGame logs the hub's commands and plays one timed match.
type standInGame struct {
	agent      *instance.Agent
	exit       context.CancelFunc
	readyAt    time.Time
	lastUpdate time.Time
	ended      bool
	closing    time.Time
}

func (g *standInGame) step(now time.Time, length time.Duration) {
	if !g.closing.IsZero() {
		if now.After(g.closing) {
			g.exit()
		}
		return
	}
	if g.agent.State() != beacon.StateOpen || !g.agent.Authorized() || !g.agent.BansLoaded() {
		return
	}
	if g.readyAt.IsZero() {
		g.readyAt = now
		g.agent.ReportReady()
		return
	}

	elapsed := int32(now.Sub(g.readyAt) / time.Second)
	update := protocol.MatchUpdate{
		GameTime:   elapsed,
		TimeLimit:  int32(length / time.Second),
		MatchState: "InProgress",
	}
	if !g.ended && now.Sub(g.readyAt) >= length {
		g.ended = true
		update.MatchState = "WaitingPostMatch"
		g.agent.GameEnded(update)
		return
	}
	if !g.ended && now.Sub(g.lastUpdate) >= 5*time.Second {
		g.lastUpdate = now
		g.agent.MatchUpdated(update)
	}
}

func (g *standInGame) ReturnPlayersToLobby() {
	log.Info().Msg("returning players to lobby")
	g.closing = time.Now().Add(time.Second)
}

func (g *standInGame) KickPlayer(playerID string) {
	log.Info().Str("player", playerID).Msg("kicked")
}

func (g *standInGame) ExecuteRcon(adminID, command string) {
	log.Info().Str("admin", adminID).Str("command", command).Msg("rcon")
}

func (g *standInGame) SetAdmin(playerID string, isAdmin bool) {
	log.Info().Str("player", playerID).Bool("admin", isAdmin).Msg("admin rights changed")
}

func (g *standInGame) DeliverMessage(targetID, text string) {
	log.Info().Str("target", targetID).Str("text", text).Msg("chat")
}
