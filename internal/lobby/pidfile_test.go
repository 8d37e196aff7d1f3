package lobby

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancePIDs_IncludesReaping(t *testing.T) {
	f := newFixture(t)
	a := f.launched(t, "alice")
	f.launched(t, "bob")
	f.orch.HostMatch("carol", MatchOptions{MapName: "DM-Deck"})

	assert.ElementsMatch(t, []int{1000, 1001}, f.orch.InstancePIDs())

	f.orch.RemoveMatch(a, "test")
	assert.ElementsMatch(t, []int{1000, 1001}, f.orch.InstancePIDs())

	status := f.orch.Status()
	assert.Equal(t, 2, status.Matches)
	assert.Equal(t, 1, status.Reaping)
	assert.Equal(t, 2, status.Spawned)
	assert.Equal(t, map[string]int{"launching": 1, "waiting_for_players": 1}, status.ByState)
	assert.Equal(t, f.orch.HubGUID(), status.HubGUID)
}

func TestSavePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), InstancePIDFile)

	require.NoError(t, SavePIDFile(path, []int{10, 20}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10\n20\n")

	require.NoError(t, SavePIDFile(path, nil))
	assert.NoFileExists(t, path)
	require.NoError(t, SavePIDFile(path, nil))
}

func TestCleanupLeftoverInstances_SkipsForeignProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), InstancePIDFile)
	// our own pid, a garbage line, and a pid that cannot exist
	content := "# header\n" + strconv.Itoa(os.Getpid()) + "\nbogus\n2147483646\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	assert.Zero(t, CleanupLeftoverInstances(path, "/opt/game/instance"))
	assert.NoFileExists(t, path)

	assert.Zero(t, CleanupLeftoverInstances(path, "/opt/game/instance"))
}
