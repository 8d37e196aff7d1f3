package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/lobbyhub/internal/lobby"
)

func TestParseLaunchArgs_RoundTrip(t *testing.T) {
	m := &lobby.MatchInfo{
		MapName:        "CTF-Face",
		GameMode:       "CTF",
		URLOptions:     []string{"TimeLimit=20"},
		GameInstanceID: 9,
		RankLocked:     true,
		RankCheck:      1350,
		QuickMatch:     true,
		Private:        true,
	}
	built := lobby.BuildCommandLine(m, lobby.CommandLine{
		HubPort:          7787,
		InstanceBasePort: 7800,
		ExtraArgs:        []string{"-unattended"},
		Now:              time.Unix(1700000000, 0),
	})

	args, err := ParseLaunchArgs(built)
	require.NoError(t, err)

	assert.Equal(t, LaunchArgs{
		Map:        "CTF-Face",
		GameMode:   "CTF",
		URLOptions: []string{"TimeLimit=20"},
		Port:       7809,
		InstanceID: 9,
		HostPort:   7787,
		RankCheck:  1350,
		RankLocked: true,
		QuickMatch: true,
		Private:    true,
		LogFile:    "Instance_9_1700000000.log",
		Extra:      []string{"-unattended"},
	}, args)
	assert.True(t, args.Spawned())
}

func TestParseLaunchArgs_Errors(t *testing.T) {
	_, err := ParseLaunchArgs([]string{"-port=7800"})
	assert.Error(t, err)

	_, err = ParseLaunchArgs([]string{"DM-Deck", "InstanceID=abc"})
	assert.Error(t, err)

	args, err := ParseLaunchArgs([]string{"DM-Deck"})
	require.NoError(t, err)
	assert.False(t, args.Spawned())
}
