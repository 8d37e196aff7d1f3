// Package instance is the game-instance end of the hub control protocol:
// launch argument parsing and the Agent that reports match state to the
// hub and applies the hub's commands.
package instance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/lobby"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/util"
)

// Game is the running match as the Agent sees it.
type Game interface {
	// ReturnPlayersToLobby sends every connected player back to the hub.
	ReturnPlayersToLobby()
	KickPlayer(playerID string)
	ExecuteRcon(adminID, command string)
	SetAdmin(playerID string, isAdmin bool)
	DeliverMessage(targetID, text string)
}

// Dedicated describes a self-launched instance asking the hub to list it.
type Dedicated struct {
	HubKey      string
	ServerName  string
	GameMode    string
	Description string
	MaxPlayers  int32
	JoinAnytime bool
	Address     string
}

// Agent speaks the InstanceControl beacon for one instance. Like every
// beacon object it must only be used from the control loop.
type Agent struct {
	client    *beacon.Client
	game      Game
	dedicated *Dedicated
	logger    zerolog.Logger

	instanceID uint32
	guid       string
	mapName    string
	hubGUID    string
	ready      bool

	maps       []protocol.ReceiveMap
	mapsLoaded bool
	bans       map[string]bool
	staged     map[string]bool
	bansLoaded bool
	admins     map[string]bool
	kicked     map[string]bool

	alreadyNotified bool

	// OnLost, if set, is called once when the hub connection ends.
	OnLost func(err *beacon.Error)
}

// NewAgent creates an agent for a hub-spawned instance.
func NewAgent(opts beacon.Options, dialer beacon.Dialer, args LaunchArgs, game Game) *Agent {
	a := newAgent(game)
	a.instanceID = args.InstanceID
	a.mapName = args.Map
	a.client = beacon.NewClient(opts, dialer, a)
	a.logger = a.logger.With().Uint32("instance_id", args.InstanceID).Logger()
	return a
}

// NewDedicatedAgent creates an agent that authorizes itself with a hub key.
func NewDedicatedAgent(opts beacon.Options, dialer beacon.Dialer, d Dedicated, mapName string, game Game) *Agent {
	a := newAgent(game)
	a.dedicated = &d
	a.mapName = mapName
	a.client = beacon.NewClient(opts, dialer, a)
	return a
}

func newAgent(game Game) *Agent {
	return &Agent{
		game:   game,
		guid:   uuid.NewString(),
		bans:   make(map[string]bool),
		admins: make(map[string]bool),
		kicked: make(map[string]bool),
		logger: util.ComponentLogger("instance_agent"),
	}
}

// Connect dials the hub's InstanceControl beacon.
func (a *Agent) Connect(ctx context.Context, hubAddr string) error {
	return a.client.InitiateConnection(ctx, hubAddr, lobby.BeaconInstanceControl)
}

// Tick evaluates the beacon timers.
func (a *Agent) Tick(now time.Time) { a.client.Tick(now) }

// Close ends the hub connection.
func (a *Agent) Close(reason string) { a.client.Teardown(reason) }

// State returns the hub connection state.
func (a *Agent) State() beacon.ConnectionState { return a.client.State() }

// InstanceID is the id assigned by launch arguments or authorization.
func (a *Agent) InstanceID() uint32 { return a.instanceID }

// GUID identifies this instance.
func (a *Agent) GUID() string { return a.guid }

// HubGUID is the hub identity received on dedicated authorization.
func (a *Agent) HubGUID() string { return a.hubGUID }

// Authorized reports whether the hub accepted this instance.
func (a *Agent) Authorized() bool {
	return a.dedicated == nil || a.hubGUID != ""
}

// Maps returns the map list received from the hub.
func (a *Agent) Maps() []protocol.ReceiveMap {
	return append([]protocol.ReceiveMap(nil), a.maps...)
}

// MapsLoaded reports whether the hub finished sending maps.
func (a *Agent) MapsLoaded() bool { return a.mapsLoaded }

// BansLoaded reports whether the ban list has been fully received.
func (a *Agent) BansLoaded() bool { return a.bansLoaded }

// IsBanned reports whether the hub banned playerID.
func (a *Agent) IsBanned(playerID string) bool { return a.bans[playerID] || a.kicked[playerID] }

// IsAdmin reports whether the hub granted playerID admin rights.
func (a *Agent) IsAdmin(playerID string) bool { return a.admins[playerID] }

// ---- beacon.Observer ----

func (a *Agent) OnOpen(e *beacon.Endpoint) {
	a.logger.Info().Str("remote", e.RemoteAddr()).Msg("connected to hub")
	if a.dedicated != nil {
		d := a.dedicated
		a.send(&protocol.RequestDedicatedAuthorization{
			InstanceGUID: a.guid,
			HubKey:       d.HubKey,
			ServerName:   d.ServerName,
			GameMode:     d.GameMode,
			Description:  d.Description,
			MaxPlayers:   d.MaxPlayers,
			JoinAnytime:  d.JoinAnytime,
			Address:      d.Address,
		})
		return
	}
	a.send(&protocol.PrimeMapList{InstanceID: a.instanceID})
}

func (a *Agent) OnFailure(e *beacon.Endpoint, err *beacon.Error) {
	a.logger.Error().Err(err).Msg("hub connection failed")
	if a.OnLost != nil {
		a.OnLost(err)
	}
}

func (a *Agent) OnDisconnected(e *beacon.Endpoint, err *beacon.Error) {
	a.logger.Warn().Str("reason", err.Reason.String()).Msg("hub connection closed")
	if a.OnLost != nil {
		a.OnLost(err)
	}
}

// OnMessage applies one hub command. Every handler tolerates repeats.
func (a *Agent) OnMessage(e *beacon.Endpoint, pkt protocol.Packet) {
	msg, err := protocol.Decode(pkt)
	if err != nil {
		a.logger.Warn().Err(err).Msg("malformed hub message")
		return
	}

	switch m := msg.(type) {
	case *protocol.AuthorizeDedicatedInstance:
		if a.hubGUID == m.HubGUID && a.instanceID == m.InstanceID {
			return
		}
		a.hubGUID = m.HubGUID
		a.instanceID = m.InstanceID
		a.logger = a.logger.With().Uint32("instance_id", m.InstanceID).Logger()
		a.logger.Info().Str("hub", m.HubGUID).Msg("authorized by hub")
		a.maps, a.mapsLoaded = nil, false
		a.send(&protocol.PrimeMapList{InstanceID: a.instanceID})
	case *protocol.ReceiveMap:
		if int(m.Index) == len(a.maps) {
			a.maps = append(a.maps, *m)
		}
		a.send(&protocol.SendNextMap{InstanceID: a.instanceID, LastIndex: m.Index})
	case *protocol.RequestFirstBan:
		a.mapsLoaded = true
		a.staged = make(map[string]bool)
		a.send(&protocol.RequestNextBan{InstanceID: a.instanceID, LastIndex: -1})
	case *protocol.ReceiveBan:
		a.receiveBan(m)
	case *protocol.ForceShutdown:
		a.logger.Info().Msg("hub requested shutdown")
		if a.game != nil {
			a.game.ReturnPlayersToLobby()
		}
		a.NotifyEmpty()
	case *protocol.Kick:
		if a.kicked[m.TargetID] {
			return
		}
		a.kicked[m.TargetID] = true
		if a.game != nil {
			a.game.KickPlayer(m.TargetID)
		}
	case *protocol.ReceiveRconMessage:
		if a.game != nil {
			a.game.ExecuteRcon(m.TargetID, m.Text)
		}
	case *protocol.AuthorizeAdmin:
		if a.admins[m.AdminID] == m.IsAdmin {
			return
		}
		if m.IsAdmin {
			a.admins[m.AdminID] = true
		} else {
			delete(a.admins, m.AdminID)
		}
		if a.game != nil {
			a.game.SetAdmin(m.AdminID, m.IsAdmin)
		}
	case *protocol.ReceiveUserMessage:
		if a.game != nil {
			a.game.DeliverMessage(m.TargetID, m.Text)
		}
	default:
		a.logger.Warn().Str("command", protocol.CommandName(pkt.Command)).Msg("unexpected hub message")
	}
}

func (a *Agent) receiveBan(m *protocol.ReceiveBan) {
	if a.staged == nil {
		a.staged = make(map[string]bool)
	}
	if m.BanID != "" {
		a.staged[m.BanID] = true
	}
	if !m.IsFinished {
		a.send(&protocol.RequestNextBan{InstanceID: a.instanceID, LastIndex: m.Index})
		return
	}
	a.bans = a.staged
	a.staged = nil
	a.bansLoaded = true
	a.logger.Debug().Int("bans", len(a.bans)).Int("maps", len(a.maps)).Msg("hub lists loaded")
}

// ---- reports to the hub ----

func (a *Agent) send(msg protocol.Message) {
	if err := a.client.Send(msg); err != nil {
		a.logger.Debug().Err(err).Str("command", protocol.CommandName(msg.Command())).Msg("report not sent")
	}
}

// ReportReady tells the hub the match has loaded. Only the first call is
// sent.
func (a *Agent) ReportReady() {
	if a.ready {
		return
	}
	a.ready = true
	a.send(&protocol.NotifyInstanceReady{InstanceID: a.instanceID, InstanceGUID: a.guid, MapName: a.mapName})
}

// PlayerJoined reports a player entering or changing.
func (a *Agent) PlayerJoined(p protocol.PlayerInfo) {
	a.send(&protocol.UpdatePlayer{InstanceID: a.instanceID, Player: p})
}

// PlayerLeft reports a player's final update.
func (a *Agent) PlayerLeft(p protocol.PlayerInfo) {
	a.send(&protocol.UpdatePlayer{InstanceID: a.instanceID, Player: p, IsLastUpdate: true})
}

// MatchUpdated reports the current match summary.
func (a *Agent) MatchUpdated(u protocol.MatchUpdate) {
	if u.MapName != "" {
		a.mapName = u.MapName
	}
	a.send(&protocol.UpdateMatch{InstanceID: a.instanceID, Update: u})
}

// GameEnded reports a finished game.
func (a *Agent) GameEnded(u protocol.MatchUpdate) {
	a.send(&protocol.EndGame{InstanceID: a.instanceID, Update: u})
}

// NotifyEmpty tells the hub the instance has no players left. It is sent
// at most once.
func (a *Agent) NotifyEmpty() {
	if a.alreadyNotified {
		return
	}
	a.alreadyNotified = true
	a.send(&protocol.InstanceEmpty{InstanceID: a.instanceID})
}

// SendUserMessage forwards a chat line to a player in the lobby.
func (a *Agent) SendUserMessage(targetID, text string) {
	a.send(&protocol.ReceiveUserMessage{TargetID: targetID, Text: text})
}
