package lobby

import (
	"fmt"
	"strings"
	"time"
)

// Launch argument keys shared with the instance side.
const (
	ArgPort       = "-port="
	ArgLog        = "-log="
	ArgInstanceID = "InstanceID="
	ArgHostPort   = "HostPort="
	ArgRankCheck  = "RankCheck="
	ArgQuickMatch = "QuickMatch=1"
	ArgPrivate    = "Private=1"
)

// CommandLine holds what BuildCommandLine needs besides the match itself.
type CommandLine struct {
	HubPort          int
	InstanceBasePort int
	ExtraArgs        []string
	Now              time.Time
}

// InstancePort is the game port assigned to an instance id.
func (c CommandLine) InstancePort(instanceID uint32) int {
	return c.InstanceBasePort + int(instanceID)
}

// BuildCommandLine returns the arguments for launching m's instance:
//
//	<map>?game=<mode>[?opt...] -port=<p> InstanceID=<n> HostPort=<hub>
//	[RankCheck=<r>] [QuickMatch=1] [Private=1] -log=Instance_<n>_<unix>.log
func BuildCommandLine(m *MatchInfo, c CommandLine) []string {
	var url strings.Builder
	url.WriteString(m.MapName)
	if m.GameMode != "" {
		url.WriteString("?game=")
		url.WriteString(m.GameMode)
	}
	for _, opt := range m.URLOptions {
		opt = strings.TrimPrefix(opt, "?")
		if opt == "" {
			continue
		}
		url.WriteString("?")
		url.WriteString(opt)
	}

	id := m.GameInstanceID
	args := []string{
		url.String(),
		fmt.Sprintf("%s%d", ArgPort, c.InstancePort(id)),
		fmt.Sprintf("%s%d", ArgInstanceID, id),
		fmt.Sprintf("%s%d", ArgHostPort, c.HubPort),
	}
	if m.RankLocked {
		args = append(args, fmt.Sprintf("%s%d", ArgRankCheck, m.RankCheck))
	}
	if m.QuickMatch {
		args = append(args, ArgQuickMatch)
	}
	if m.Private {
		args = append(args, ArgPrivate)
	}
	args = append(args, fmt.Sprintf("%sInstance_%d_%d.log", ArgLog, id, c.Now.Unix()))
	return append(args, c.ExtraArgs...)
}
