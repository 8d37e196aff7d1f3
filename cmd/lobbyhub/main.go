// lobbyhub is the lobby hub: it accepts beacon connections from players and
// game instances, hosts lobby matches, launches instance processes for them
// and exposes an admin REST API, an MQTT event feed and a console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/energizer-project/lobbyhub/internal/api"
	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/cli"
	"github.com/energizer-project/lobbyhub/internal/config"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/health"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/loop"
	"github.com/energizer-project/lobbyhub/internal/network"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/scheduler"
	"github.com/energizer-project/lobbyhub/internal/store"
	"github.com/energizer-project/lobbyhub/internal/telemetry"
	"github.com/energizer-project/lobbyhub/internal/util"
)

const (
	AppName    = "lobbyhub"
	AppVersion = "1.0.0"
	Banner     = `
  _       _     _           _           _     
 | | ___ | |__ | |__  _   _| |__  _   _| |__  
 | |/ _ \| '_ \| '_ \| | | | '_ \| | | | '_ \ 
 | | (_) | |_) | |_) | |_| | | | | |_| | |_) |
 |_|\___/|_.__/|_.__/ \__, |_| |_|\__,_|_.__/ 
                      |___/  v%s
 Lobby hub & match orchestrator
`
	hubPIDFile = "lobbyhub.pid"
)

func main() {
	configDir := pflag.String("config-dir", config.DefaultConfigDir, "directory holding config.json")
	logLevel := pflag.String("log-level", "", "override the configured log level")
	noCLI := pflag.Bool("no-cli", false, "disable the interactive console")
	pflag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	app := cfg.GetApplication()

	logCfg := util.LogConfig{
		App:        AppName,
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	}
	if *logLevel != "" {
		logCfg.Level = *logLevel
	}
	logFile, err := util.InitLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Str("config", cfg.Path()).
		Msg("starting lobbyhub")

	if cfg.IsFirstRun() {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	hub := cfg.GetHub()
	app = cfg.GetApplication()
	dataDir := filepath.Dir(app.Database.Path)
	if err := util.EnsureDir(dataDir); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	hubPID := filepath.Join(dataDir, hubPIDFile)
	if err := util.WritePIDFile(hubPID); err != nil {
		log.Fatal().Err(err).Str("pid_file", hubPID).Msg("another hub appears to be running")
	}
	defer util.RemovePIDFile(hubPID)

	instancePID := filepath.Join(dataDir, lobby.InstancePIDFile)
	if n := lobby.CleanupLeftoverInstances(instancePID, hub.InstanceExecutable); n > 0 {
		log.Info().Int("count", n).Msg("stopped instances left over from a previous run")
		time.Sleep(2 * time.Second)
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// ---- Persistent state ----
	st, err := store.Open(app.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", app.Database.Path).Msg("failed to open lobby database")
	}
	defer st.Close()

	// ---- Core components ----
	eventBus := events.NewEventBus()
	ctl := loop.New(1024)

	orch := lobby.New(hub.LobbyConfig(), lobby.Deps{
		Spawner: lobby.OSSpawner{KillGrace: 10 * time.Second},
		Bus:     eventBus,
	})
	if err := loadPersisted(st, orch, hub.AccessKeys); err != nil {
		log.Fatal().Err(err).Msg("failed to load bans and access keys")
	}

	listener := beacon.NewListener(cfg.GetBeacon().Options())
	instances := lobby.NewInstanceHost(orch)
	joins := lobby.NewJoinHost(orch)
	for _, h := range []beacon.HostObject{instances, joins} {
		if err := listener.RegisterHost(h); err != nil {
			log.Fatal().Err(err).Msg("failed to register beacon host")
		}
	}
	if maps, err := st.Maps(); err != nil {
		log.Warn().Err(err).Msg("failed to load map list")
	} else {
		instances.SetMapList(maps)
	}

	tcpListener := network.NewTCPListener(hub.ListenAddr(), ctl, func(ch protocol.Channel) {
		listener.Accept(ch)
	})

	recordHistory(eventBus, st)

	sched := scheduler.NewScheduler(app.Maintenance, app.Logging, AppName, st)

	healthMgr := health.NewManager(app.Timers, ctl, listener, orch, eventBus)
	healthMgr.PIDFile = instancePID
	healthMgr.DataDir = dataDir

	apiServer := api.NewServer(cfg, api.Deps{
		Loop:      ctl,
		Orch:      orch,
		Listener:  listener,
		Instances: instances,
		Store:     st,
		EventBus:  eventBus,
	})

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(app.MQTT, hub.Name, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, event feed disabled")
		}
	}

	// ---------------------------------------------------------------
	// Launch the control loop and the services around it
	// ---------------------------------------------------------------
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go ctl.Run(loopCtx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		shutdownOnce.Do(func() { close(shutdownCh) })
		return nil
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", hub.ListenAddr()).Msg("starting beacon listener")
		if err := startWithRetry(ctx, "beacon listener", tcpListener.Start, 10); err != nil {
			log.Error().Err(err).Msg("beacon listener failed after retries")
			errCh <- fmt.Errorf("beacon listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", hub.APIPort).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 10); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("schedule", sched.String()).Msg("starting maintenance scheduler")
		sched.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT event feed")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT event feed failed")
			}
		}()
	}

	if !*noCLI {
		console := cli.NewCLI(cfg, cli.Deps{
			Loop:     ctl,
			Orch:     orch,
			Listener: listener,
			Store:    st,
			EventBus: eventBus,
		}, os.Stdin, os.Stdout)
		// The console blocks on stdin, so it is not waited for.
		go console.Start(ctx)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "main"})
	shutdownHub(ctl, orch, listener, instancePID)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	stopLoop()
	eventBus.Stop()
	log.Info().Msg("lobbyhub stopped")
}

// loadPersisted seeds the orchestrator with stored bans and the union of
// stored and configured access keys.
func loadPersisted(st *store.LobbyStore, orch *lobby.Orchestrator, configKeys []string) error {
	bans, err := st.BanIDs()
	if err != nil {
		return err
	}
	keys, err := st.AccessKeys()
	if err != nil {
		return err
	}
	orch.SetHubBans(bans)
	orch.SetAccessKeys(append(keys, configKeys...))
	log.Info().Int("bans", len(bans)).Int("access_keys", len(keys)+len(configKeys)).Msg("loaded lobby state")
	return nil
}

// recordHistory stores every removed match in the history table.
func recordHistory(bus *events.EventBus, st *store.LobbyStore) {
	bus.Subscribe(events.EventMatchRemoved, "history", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.MatchPayload)
		if !ok {
			return nil
		}
		return st.RecordMatch(store.MatchRecord{
			MatchID:     p.MatchID,
			InstanceID:  p.InstanceID,
			OwnerID:     p.OwnerID,
			GameMode:    p.GameMode,
			MapName:     p.MapName,
			Dedicated:   p.Dedicated,
			Players:     p.Players,
			GamesPlayed: p.GamesPlayed,
			Reason:      p.Reason,
			CreatedAt:   p.CreatedAt,
			EndedAt:     time.Now(),
		})
	})
}

// shutdownHub stops accepting requests and lets running instances return
// their players before their processes are stopped. Processes still
// running at the deadline are left in the instance PID file for the next
// start to clean up.
func shutdownHub(ctl *loop.Loop, orch *lobby.Orchestrator, listener *beacon.Listener, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var draining int
	err := ctl.Do(ctx, func() {
		listener.PauseRequests()
		draining = orch.Shutdown()
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to stop matches")
		return
	}
	if draining > 0 {
		log.Info().Int("instances", draining).Msg("waiting for instances to return players")
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	closed := false
	for ctx.Err() == nil {
		var live, reaping int
		if err := ctl.Do(ctx, func() {
			orch.CheckInstanceHealth()
			if !closed && orch.Shutdown() == 0 {
				listener.Shutdown("hub shutting down")
				closed = true
			}
			live = len(orch.Matches())
			reaping = orch.ReapingCount()
		}); err != nil {
			break
		}
		if closed && live == 0 && reaping == 0 {
			lobby.SavePIDFile(pidFile, nil)
			return
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	// out of time: stop whatever is left and record it for the next start
	final, cancelFinal := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFinal()
	var pids []int
	if err := ctl.Do(final, func() {
		orch.RemoveAll("hub shutdown")
		listener.Shutdown("hub shutting down")
		orch.CheckInstanceHealth()
		pids = orch.InstancePIDs()
	}); err != nil {
		log.Warn().Err(err).Msg("failed to stop remaining matches")
		return
	}
	if len(pids) > 0 {
		log.Warn().Int("remaining", len(pids)).Msg("instances still running at exit")
	}
	lobby.SavePIDFile(pidFile, pids)
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if !util.IsAddrInUse(lastErr) {
			return lastErr
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
