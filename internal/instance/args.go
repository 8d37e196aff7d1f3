package instance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/energizer-project/lobbyhub/internal/lobby"
)

// LaunchArgs is the parsed command line of a hub-spawned instance.
type LaunchArgs struct {
	Map        string
	GameMode   string
	URLOptions []string
	Port       int
	InstanceID uint32
	HostPort   int
	RankCheck  int32
	RankLocked bool
	QuickMatch bool
	Private    bool
	LogFile    string
	// Extra holds arguments this package does not interpret.
	Extra []string
}

// Spawned reports whether the arguments came from a hub launch.
func (a LaunchArgs) Spawned() bool {
	return a.InstanceID != 0 && a.HostPort != 0
}

// ParseLaunchArgs reads the arguments produced by lobby.BuildCommandLine.
// The first bare argument is the map URL.
func ParseLaunchArgs(args []string) (LaunchArgs, error) {
	var out LaunchArgs
	for _, arg := range args {
		var err error
		switch {
		case strings.HasPrefix(arg, lobby.ArgPort):
			out.Port, err = strconv.Atoi(strings.TrimPrefix(arg, lobby.ArgPort))
		case strings.HasPrefix(arg, lobby.ArgLog):
			out.LogFile = strings.TrimPrefix(arg, lobby.ArgLog)
		case strings.HasPrefix(arg, lobby.ArgInstanceID):
			var id uint64
			id, err = strconv.ParseUint(strings.TrimPrefix(arg, lobby.ArgInstanceID), 10, 32)
			out.InstanceID = uint32(id)
		case strings.HasPrefix(arg, lobby.ArgHostPort):
			out.HostPort, err = strconv.Atoi(strings.TrimPrefix(arg, lobby.ArgHostPort))
		case strings.HasPrefix(arg, lobby.ArgRankCheck):
			var rank int64
			rank, err = strconv.ParseInt(strings.TrimPrefix(arg, lobby.ArgRankCheck), 10, 32)
			out.RankCheck = int32(rank)
			out.RankLocked = true
		case arg == lobby.ArgQuickMatch:
			out.QuickMatch = true
		case arg == lobby.ArgPrivate:
			out.Private = true
		case out.Map == "" && !strings.HasPrefix(arg, "-"):
			out.parseURL(arg)
		default:
			out.Extra = append(out.Extra, arg)
		}
		if err != nil {
			return LaunchArgs{}, fmt.Errorf("invalid launch argument %q: %w", arg, err)
		}
	}
	if out.Map == "" {
		return LaunchArgs{}, fmt.Errorf("no map in launch arguments")
	}
	return out, nil
}

func (a *LaunchArgs) parseURL(url string) {
	parts := strings.Split(url, "?")
	a.Map = parts[0]
	for _, opt := range parts[1:] {
		if opt == "" {
			continue
		}
		if mode, ok := strings.CutPrefix(opt, "game="); ok {
			a.GameMode = mode
			continue
		}
		a.URLOptions = append(a.URLOptions, opt)
	}
}
