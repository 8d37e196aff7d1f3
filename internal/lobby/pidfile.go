package lobby

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/energizer-project/lobbyhub/internal/events"
)

// InstancePIDFile is the file listing spawned instance processes, read at
// the next start to clean up after a crash.
const InstancePIDFile = "lobbyhub_instances.pid"

// InstancePIDs returns the PIDs of every hub-spawned process that may
// still be running, including ones awaiting reaping.
func (o *Orchestrator) InstancePIDs() []int {
	var pids []int
	for _, m := range o.matches {
		if m.Process != nil && m.Process.Running() {
			pids = append(pids, m.Process.PID())
		}
	}
	for _, r := range o.reaping {
		pids = append(pids, r.handle.PID())
	}
	return pids
}

// Status summarizes the orchestrator for status reports.
func (o *Orchestrator) Status() events.StatusPayload {
	s := events.StatusPayload{
		HubGUID:      o.hubGUID,
		Matches:      len(o.matches),
		ByState:      make(map[string]int),
		Spawned:      o.spawnedCount(),
		Reaping:      len(o.reaping),
		MaxInstances: o.cfg.MaxInstances,
	}
	for _, m := range o.matches {
		s.ByState[m.CurrentState.String()]++
	}
	return s
}

// SavePIDFile writes pids to path, or removes path when there are none.
func SavePIDFile(path string, pids []int) error {
	if len(pids) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	lines := []string{"# lobbyhub instance PIDs - do not edit"}
	for _, pid := range pids {
		lines = append(lines, strconv.Itoa(pid))
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// CleanupLeftoverInstances kills processes listed in the PID file whose
// executable name matches executable, then removes the file. It returns
// the number of processes killed.
func CleanupLeftoverInstances(path, executable string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer os.Remove(path)
	defer f.Close()

	want := filepath.Base(executable)
	killed := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid == os.Getpid() {
			continue
		}
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		// PIDs are reused, so only kill what still looks like an instance.
		if name, err := p.Name(); err != nil || !strings.EqualFold(name, want) {
			continue
		}
		if err := p.Kill(); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("failed to kill leftover instance")
			continue
		}
		killed++
	}
	if killed > 0 {
		log.Info().Int("count", killed).Msg("cleaned up leftover instance processes from PID file")
	}
	return killed
}
