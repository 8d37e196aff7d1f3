package lobby

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessHandle is a launched game instance as seen by the orchestrator.
// All methods are non-blocking.
type ProcessHandle interface {
	PID() int
	Running() bool
	// TryExitCode returns the exit code once the process has been reaped.
	TryExitCode() (int, bool)
	// Terminate asks the process to exit and escalates to Kill after a grace
	// period.
	Terminate() error
	Kill() error
	Stats() (ProcessStats, error)
}

// ProcessStats is a resource sample of a running instance.
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// LaunchSpec describes one instance process.
type LaunchSpec struct {
	Executable string
	Args       []string
	WorkDir    string
	InstanceID uint32
	Env        map[string]string
}

// Spawner starts instance processes.
type Spawner interface {
	Spawn(spec LaunchSpec) (ProcessHandle, error)
}

// OSSpawner starts real OS processes.
type OSSpawner struct {
	// KillGrace is how long Terminate waits before killing.
	KillGrace time.Duration
}

// Spawn starts the executable detached from the hub's stdio.
func (s OSSpawner) Spawn(spec LaunchSpec) (ProcessHandle, error) {
	if spec.Executable == "" {
		return nil, fmt.Errorf("no instance executable configured")
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), spec.Env)
	}
	setPlatformProcessAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start instance %d: %w", spec.InstanceID, err)
	}

	grace := s.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	p := &OSProcess{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		running:   true,
		exitCode:  -1,
		startedAt: time.Now(),
		killGrace: grace,
		logger: log.With().
			Str("component", "process").
			Uint32("instance_id", spec.InstanceID).
			Logger(),
	}
	if gp, err := process.NewProcess(int32(p.pid)); err == nil {
		p.proc = gp
	}

	p.logger.Info().
		Int("pid", p.pid).
		Str("executable", spec.Executable).
		Strs("args", spec.Args).
		Msg("instance process started")

	go p.monitor()
	return p, nil
}

// mergeEnv overrides keys of base with overrides, case-insensitively.
func mergeEnv(base []string, overrides map[string]string) []string {
	overrideKeys := make(map[string]bool, len(overrides))
	for k := range overrides {
		overrideKeys[strings.ToUpper(k)] = true
	}
	var env []string
	for _, e := range base {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 && overrideKeys[strings.ToUpper(parts[0])] {
			continue
		}
		env = append(env, e)
	}
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// OSProcess is a ProcessHandle over an exec.Cmd.
type OSProcess struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	proc      *process.Process
	pid       int
	running   bool
	exited    bool
	exitCode  int
	startedAt time.Time
	killGrace time.Duration
	killTimer *time.Timer
	logger    zerolog.Logger
}

func (p *OSProcess) PID() int { return p.pid }

func (p *OSProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OSProcess) TryExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

// Terminate sends an interrupt and schedules a kill if the process is still
// alive after the grace period.
func (p *OSProcess) Terminate() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	if p.killTimer == nil {
		p.killTimer = time.AfterFunc(p.killGrace, func() {
			if p.Running() {
				p.logger.Warn().Int("pid", p.pid).Msg("instance did not exit in time, force killing")
				p.Kill()
			}
		})
	}
	p.mu.Unlock()

	p.logger.Info().Int("pid", p.pid).Msg("stopping instance process")
	if err := interruptProcess(p.cmd.Process); err != nil {
		p.logger.Warn().Err(err).Msg("graceful shutdown failed, force killing")
		return p.Kill()
	}
	return nil
}

// Kill terminates the process immediately.
func (p *OSProcess) Kill() error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil
	}
	p.logger.Warn().Int("pid", p.pid).Msg("force killing instance process")
	return p.cmd.Process.Kill()
}

// Stats samples CPU and resident memory through gopsutil.
func (p *OSProcess) Stats() (ProcessStats, error) {
	if p.proc == nil {
		return ProcessStats{}, fmt.Errorf("process not available")
	}
	cpu, err := p.proc.CPUPercent()
	if err != nil {
		return ProcessStats{}, err
	}
	mem, err := p.proc.MemoryInfo()
	if err != nil {
		return ProcessStats{}, err
	}
	return ProcessStats{CPUPercent: cpu, MemoryMB: float64(mem.RSS) / (1024 * 1024)}, nil
}

// monitor waits for the process and records its exit code.
func (p *OSProcess) monitor() {
	p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	p.exited = true
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	exitCode := p.exitCode
	p.mu.Unlock()

	p.logger.Info().
		Int("pid", p.pid).
		Int("exit_code", exitCode).
		Dur("uptime", time.Since(p.startedAt)).
		Msg("instance process exited")
}
