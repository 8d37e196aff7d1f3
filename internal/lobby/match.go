// Package lobby implements the hub side of the lobby: the set of live
// matches and their lifecycle, instance process supervision, join gating,
// and the beacon services that instances and players connect to.
package lobby

import (
	"time"

	"github.com/google/uuid"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/protocol"
)

// MatchState is the lifecycle state of a MatchInfo.
type MatchState int

const (
	StateWaitingForPlayers MatchState = iota
	StateLaunching
	StateInProgress
	StateRecycling
	StateDead
)

var matchStateStrings = map[MatchState]string{
	StateWaitingForPlayers: "waiting_for_players",
	StateLaunching:         "launching",
	StateInProgress:        "in_progress",
	StateRecycling:         "recycling",
	StateDead:              "dead",
}

// String returns the string representation of MatchState.
func (s MatchState) String() string {
	if str, ok := matchStateStrings[s]; ok {
		return str
	}
	return "dead"
}

// MarshalJSON serializes MatchState as a JSON string (e.g. "launching").
func (s MatchState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Live reports whether an instance is expected to be running.
func (s MatchState) Live() bool {
	return s == StateLaunching || s == StateInProgress
}

// RemotePlayerInfo mirrors one player connected to a running instance.
type RemotePlayerInfo struct {
	PlayerID    string `json:"player_id"`
	PlayerName  string `json:"player_name"`
	PlayerScore int32  `json:"player_score"`
	RankCheck   int32  `json:"rank_check"`
	Spectator   bool   `json:"spectator"`
}

func remotePlayerFrom(p protocol.PlayerInfo) RemotePlayerInfo {
	return RemotePlayerInfo{
		PlayerID:    p.PlayerID,
		PlayerName:  p.PlayerName,
		PlayerScore: p.PlayerScore,
		RankCheck:   p.RankCheck,
		Spectator:   p.Spectator,
	}
}

// MatchOptions are the host's choices when creating a match.
type MatchOptions struct {
	GameMode       string   `json:"game_mode"`
	MapName        string   `json:"map_name"`
	URLOptions     []string `json:"url_options"`
	Description    string   `json:"description"`
	Private        bool     `json:"private"`
	AllowedPlayers []string `json:"allowed_players"`
	RankCheck      int32    `json:"rank_check"`
	RankLocked     bool     `json:"rank_locked"`
	JoinAnytime    bool     `json:"join_anytime"`
	QuickMatch     bool     `json:"quick_match"`
	MaxPlayers     int      `json:"max_players"`
	MaxSpectators  int      `json:"max_spectators"`
}

// MatchInfo is the hub's record of one match. The orchestrator is its only
// writer.
type MatchInfo struct {
	MatchID      uuid.UUID  `json:"match_id"`
	OwnerID      string     `json:"owner_id"`
	CurrentState MatchState `json:"state"`

	Players                []string           `json:"players"`
	PlayersInMatchInstance []RemotePlayerInfo `json:"players_in_instance"`

	Process        ProcessHandle `json:"-"`
	GameInstanceID uint32        `json:"game_instance_id"`

	GameMode       string   `json:"game_mode"`
	MapName        string   `json:"map_name"`
	URLOptions     []string `json:"url_options,omitempty"`
	Description    string   `json:"description,omitempty"`
	RankCheck      int32    `json:"rank_check"`
	RankLocked     bool     `json:"rank_locked"`
	Private        bool     `json:"private"`
	AllowedPlayers []string `json:"allowed_players,omitempty"`
	Banned         []string `json:"banned,omitempty"`
	JoinAnytime    bool     `json:"join_anytime"`
	QuickMatch     bool     `json:"quick_match"`
	MaxPlayers     int      `json:"max_players"`
	MaxSpectators  int      `json:"max_spectators"`

	CreatedAt          time.Time            `json:"created_at"`
	InstanceLaunchTime time.Time            `json:"instance_launch_time,omitempty"`
	InstanceGUID       string               `json:"instance_guid,omitempty"`
	InstanceAddress    string               `json:"instance_address,omitempty"`
	InitialMap         string               `json:"initial_map,omitempty"`
	MatchUpdate        protocol.MatchUpdate `json:"match_update"`
	GamesPlayed        int                  `json:"games_played"`

	Dedicated  bool   `json:"dedicated"`
	HubKey     string `json:"-"`
	ServerName string `json:"server_name,omitempty"`

	requester     string
	emptySince    time.Time
	drainDeadline time.Time
	endpoint      *beacon.Endpoint
}

func newMatch(owner string, opts MatchOptions, now time.Time) *MatchInfo {
	m := &MatchInfo{
		MatchID:        uuid.New(),
		OwnerID:        owner,
		CurrentState:   StateWaitingForPlayers,
		GameMode:       opts.GameMode,
		MapName:        opts.MapName,
		URLOptions:     append([]string(nil), opts.URLOptions...),
		Description:    opts.Description,
		RankCheck:      opts.RankCheck,
		RankLocked:     opts.RankLocked,
		Private:        opts.Private,
		AllowedPlayers: append([]string(nil), opts.AllowedPlayers...),
		JoinAnytime:    opts.JoinAnytime,
		QuickMatch:     opts.QuickMatch,
		MaxPlayers:     opts.MaxPlayers,
		MaxSpectators:  opts.MaxSpectators,
		CreatedAt:      now,
	}
	if owner != "" {
		m.Players = []string{owner}
		if m.Private && !contains(m.AllowedPlayers, owner) {
			m.AllowedPlayers = append(m.AllowedPlayers, owner)
		}
	} else {
		m.emptySince = now
	}
	return m
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func remove(list []string, id string) ([]string, bool) {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}

// IsBanned reports whether player was banned from this match.
func (m *MatchInfo) IsBanned(player string) bool {
	return contains(m.Banned, player)
}

// IsAllowed reports whether player may join a private match.
func (m *MatchInfo) IsAllowed(player string) bool {
	return player == m.OwnerID || contains(m.AllowedPlayers, player)
}

// HasPlayer reports whether player is on the lobby roster.
func (m *MatchInfo) HasPlayer(player string) bool {
	return contains(m.Players, player)
}

// SkillResult is the outcome of SkillTest.
type SkillResult int

const (
	SkillOK SkillResult = iota
	SkillTooHigh
	SkillTooLow
)

// SkillTest compares a player's rank with the match's locked rank. Matches
// that are not rank locked accept everyone.
func (m *MatchInfo) SkillTest(rank, tolerance int32) SkillResult {
	if !m.RankLocked {
		return SkillOK
	}
	switch diff := rank - m.RankCheck; {
	case diff > tolerance:
		return SkillTooHigh
	case diff < -tolerance:
		return SkillTooLow
	default:
		return SkillOK
	}
}

// MatchHasRoom reports whether the running instance can take one more
// player or spectator. A zero limit means unlimited.
func (m *MatchInfo) MatchHasRoom(asSpectator bool) bool {
	players, spectators := 0, 0
	for _, p := range m.PlayersInMatchInstance {
		if p.Spectator {
			spectators++
		} else {
			players++
		}
	}
	if asSpectator {
		return m.MaxSpectators <= 0 || spectators < m.MaxSpectators
	}
	return m.MaxPlayers <= 0 || players < m.MaxPlayers
}

// AddPlayer puts player on the lobby roster. It fails only when the roster
// is at MaxPlayers. Adding a present player succeeds without change.
func (m *MatchInfo) AddPlayer(player string) bool {
	if m.HasPlayer(player) {
		return true
	}
	if m.MaxPlayers > 0 && len(m.Players) >= m.MaxPlayers {
		return false
	}
	m.Players = append(m.Players, player)
	return true
}

// upsertInstancePlayer replaces the entry for p.PlayerID or appends it.
func (m *MatchInfo) upsertInstancePlayer(p RemotePlayerInfo) {
	for i := range m.PlayersInMatchInstance {
		if m.PlayersInMatchInstance[i].PlayerID == p.PlayerID {
			m.PlayersInMatchInstance[i] = p
			return
		}
	}
	m.PlayersInMatchInstance = append(m.PlayersInMatchInstance, p)
}

func (m *MatchInfo) removeInstancePlayer(playerID string) bool {
	for i, p := range m.PlayersInMatchInstance {
		if p.PlayerID == playerID {
			m.PlayersInMatchInstance = append(m.PlayersInMatchInstance[:i], m.PlayersInMatchInstance[i+1:]...)
			return true
		}
	}
	return false
}

// Endpoint returns the instance's control connection, if bound.
func (m *MatchInfo) Endpoint() *beacon.Endpoint {
	return m.endpoint
}

// PlayerCount counts lobby players before launch and instance players after.
func (m *MatchInfo) PlayerCount() int {
	if m.CurrentState == StateWaitingForPlayers {
		return len(m.Players)
	}
	return len(m.PlayersInMatchInstance)
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (m *MatchInfo) Snapshot() MatchInfo {
	c := *m
	c.Process = nil
	c.endpoint = nil
	c.Players = append([]string(nil), m.Players...)
	c.PlayersInMatchInstance = append([]RemotePlayerInfo(nil), m.PlayersInMatchInstance...)
	c.URLOptions = append([]string(nil), m.URLOptions...)
	c.AllowedPlayers = append([]string(nil), m.AllowedPlayers...)
	c.Banned = append([]string(nil), m.Banned...)
	c.MatchUpdate.TeamScores = append([]int32(nil), m.MatchUpdate.TeamScores...)
	return c
}
