// Package health schedules the hub's periodic work: beacon timer
// evaluation, instance health checks, status reports and disk monitoring.
// Every check that touches lobby state runs on the control loop.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/config"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/loop"
	"github.com/energizer-project/lobbyhub/internal/util"
)

// Manager runs the periodic checks.
type Manager struct {
	timers   config.TimerConfig
	loop     *loop.Loop
	listener *beacon.Listener
	orch     *lobby.Orchestrator
	eventBus *events.EventBus
	logger   zerolog.Logger

	// PIDFile, when set, is rewritten after every instance check.
	PIDFile string
	// DataDir is the volume watched for free space.
	DataDir string
	Now     func() time.Time
}

// NewManager creates a health manager for the hub's control loop.
func NewManager(
	timers config.TimerConfig,
	l *loop.Loop,
	listener *beacon.Listener,
	orch *lobby.Orchestrator,
	eventBus *events.EventBus,
) *Manager {
	return &Manager{
		timers:   timers,
		loop:     l,
		listener: listener,
		orch:     orch,
		eventBus: eventBus,
		logger:   util.ComponentLogger("health"),
		DataDir:  ".",
		Now:      time.Now,
	}
}

// Start launches every check on its own ticker and blocks until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"beacon_tick", time.Duration(m.timers.BeaconTickMillis) * time.Millisecond, m.tickBeacons},
		{"instance_health", time.Duration(m.timers.HealthCheckInterval) * time.Second, m.checkInstances},
		{"status", time.Duration(m.timers.StatusInterval) * time.Second, m.publishStatus},
		{"disk_utilization", 5 * time.Minute, m.checkDiskUtilization},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		go func() {
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// tickBeacons evaluates beacon deadlines. It posts without waiting so a
// busy loop only delays the next evaluation.
func (m *Manager) tickBeacons(ctx context.Context) {
	m.loop.Post(func() {
		m.listener.Tick(m.Now())
	})
}

// checkInstances recycles dead or stuck matches and reaps exited
// processes.
func (m *Manager) checkInstances(ctx context.Context) {
	var pids []int
	err := m.loop.Do(ctx, func() {
		m.orch.CheckInstanceHealth()
		pids = m.orch.InstancePIDs()
	})
	if err != nil {
		return
	}
	if m.PIDFile != "" {
		if err := lobby.SavePIDFile(m.PIDFile, pids); err != nil {
			m.logger.Warn().Err(err).Str("path", m.PIDFile).Msg("failed to write instance PID file")
		}
	}
}

// Status collects the hub summary on the control loop.
func (m *Manager) Status(ctx context.Context) (events.StatusPayload, error) {
	var status events.StatusPayload
	err := m.loop.Do(ctx, func() {
		status = m.orch.Status()
		status.Connections = m.listener.ConnectionCount()
		status.Paused = m.listener.Gate() == beacon.DenyRequests
	})
	status.DroppedEvents = m.eventBus.Dropped()
	return status, err
}

func (m *Manager) publishStatus(ctx context.Context) {
	status, err := m.Status(ctx)
	if err != nil {
		return
	}
	m.logger.Debug().
		Int("matches", status.Matches).
		Int("spawned", status.Spawned).
		Int("connections", status.Connections).
		Msg("hub status")
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHubStatus,
		Source:  "health",
		Payload: status,
	})
}

// checkDiskUtilization warns when the data volume runs low.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	dir, err := filepath.Abs(m.DataDir)
	if err != nil {
		dir = m.DataDir
	}
	usage := util.GetHostUsage(dir)

	var level zerolog.Level
	switch {
	case usage.DiskFreeGB < 1:
		level = zerolog.ErrorLevel
	case usage.DiskFreeGB < 5:
		level = zerolog.WarnLevel
	default:
		return
	}
	m.logger.WithLevel(level).
		Str("path", dir).
		Uint64("free_gb", usage.DiskFreeGB).
		Msg(fmt.Sprintf("low disk space on data volume (%d GB free)", usage.DiskFreeGB))
}
