// Package events defines the lobby events published on the EventBus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Match lifecycle
	EventMatchCreated        EventType = "match_created"
	EventMatchLaunched       EventType = "match_launched"
	EventLaunchFailed        EventType = "launch_failed"
	EventMatchReady          EventType = "match_ready"
	EventMatchRecycled       EventType = "match_recycled"
	EventMatchRemoved        EventType = "match_removed"
	EventDedicatedAuthorized EventType = "dedicated_authorized"

	// Instance reports
	EventMatchUpdated  EventType = "match_updated"
	EventPlayerUpdated EventType = "player_updated"
	EventGameEnded     EventType = "game_ended"

	// Lobby roster
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"

	// Instance reaping
	EventInstanceReaped EventType = "instance_reaped"

	// Hub
	EventHubStatus         EventType = "hub_status"
	EventBeaconGateChanged EventType = "beacon_gate_changed"
	EventShutdown          EventType = "shutdown"
)

// AllMatchEvents lists the event types that carry a MatchPayload.
var AllMatchEvents = []EventType{
	EventMatchCreated,
	EventMatchLaunched,
	EventLaunchFailed,
	EventMatchReady,
	EventMatchRecycled,
	EventMatchRemoved,
	EventDedicatedAuthorized,
	EventMatchUpdated,
	EventPlayerUpdated,
	EventGameEnded,
	EventPlayerJoined,
	EventPlayerLeft,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// MatchID returns the match an event concerns, or "" for hub-wide events.
func (e Event) MatchID() string {
	switch p := e.Payload.(type) {
	case MatchPayload:
		return p.MatchID
	case ReapPayload:
		return p.MatchID
	}
	return ""
}

// MatchPayload is a point-in-time summary of a match. It is a copy, safe
// to read from any goroutine.
type MatchPayload struct {
	MatchID     string    `json:"match_id"`
	InstanceID  uint32    `json:"instance_id,omitempty"`
	State       string    `json:"state"`
	OwnerID     string    `json:"owner_id,omitempty"`
	GameMode    string    `json:"game_mode,omitempty"`
	MapName     string    `json:"map_name,omitempty"`
	Players     int       `json:"players"`
	Dedicated   bool      `json:"dedicated,omitempty"`
	PlayerID    string    `json:"player_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LaunchedAt  time.Time `json:"launched_at,omitempty"`
	GamesPlayed int       `json:"games_played,omitempty"`
}

// ReapPayload reports the exit of an instance process.
type ReapPayload struct {
	MatchID    string `json:"match_id"`
	InstanceID uint32 `json:"instance_id"`
	PID        int    `json:"pid"`
	ExitCode   int    `json:"exit_code"`
}

// GatePayload reports a beacon gate change.
type GatePayload struct {
	Gate string `json:"gate"`
}

// StatusPayload is the hub's periodic summary.
type StatusPayload struct {
	HubGUID      string         `json:"hub_guid"`
	Matches      int            `json:"matches"`
	ByState      map[string]int `json:"by_state"`
	Spawned      int            `json:"spawned"`
	Reaping      int            `json:"reaping"`
	MaxInstances int            `json:"max_instances"`
	Connections  int            `json:"connections"`
	Paused       bool           `json:"paused"`
	// DroppedEvents counts bus deliveries lost to full subscriber queues.
	DroppedEvents uint64 `json:"dropped_events"`
}
