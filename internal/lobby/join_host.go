package lobby

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/util"
)

type lobbySeat struct {
	playerID string
	matchID  uuid.UUID
}

// JoinHost serves the LobbyJoin beacon. Players ask to join matches over
// it and receive hub notices on the same connection.
type JoinHost struct {
	beacon.ClientRoster

	orch    *Orchestrator
	players map[string]*beacon.Endpoint
	seats   map[*beacon.Endpoint][]lobbySeat
	logger  zerolog.Logger
}

// NewJoinHost creates the join service and installs it as orch's notifier.
func NewJoinHost(orch *Orchestrator) *JoinHost {
	h := &JoinHost{
		orch:    orch,
		players: make(map[string]*beacon.Endpoint),
		seats:   make(map[*beacon.Endpoint][]lobbySeat),
		logger:  util.ComponentLogger("join_host"),
	}
	orch.SetNotifier(h)
	return h
}

func (h *JoinHost) BeaconType() string { return BeaconLobbyJoin }

func (h *JoinHost) OnClientConnected(e *beacon.Endpoint) {
	h.logger.Debug().Str("remote", e.RemoteAddr()).Msg("player connected")
}

// NotifyClientDisconnected forgets e and takes its players off the rosters
// of matches that have not launched yet.
func (h *JoinHost) NotifyClientDisconnected(e *beacon.Endpoint, _ *beacon.Error) {
	h.RemoveClient(e)
	for id, pe := range h.players {
		if pe == e {
			delete(h.players, id)
		}
	}
	for _, seat := range h.seats[e] {
		m, ok := h.orch.Match(seat.matchID)
		if ok && m.CurrentState == StateWaitingForPlayers {
			h.orch.LeaveMatch(m, seat.playerID)
		}
	}
	delete(h.seats, e)
}

// HandleMessage answers join requests. Anything else ends the connection.
func (h *JoinHost) HandleMessage(e *beacon.Endpoint, pkt protocol.Packet) {
	msg, err := protocol.Decode(pkt)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", e.RemoteAddr()).Msg("malformed join message")
		e.Teardown("malformed message")
		return
	}
	req, ok := msg.(*protocol.JoinRequest)
	if !ok {
		h.logger.Warn().
			Str("command", protocol.CommandName(pkt.Command)).
			Msg("unexpected message on join beacon")
		e.Teardown("unexpected message")
		return
	}
	h.handleJoin(e, req)
}

func (h *JoinHost) handleJoin(e *beacon.Endpoint, req *protocol.JoinRequest) {
	if req.PlayerID != "" {
		h.players[req.PlayerID] = e
	}

	var m *MatchInfo
	if id, err := uuid.Parse(req.MatchID); err == nil {
		m, _ = h.orch.Match(id)
	}

	res, err := h.orch.JoinMatch(m, JoinRequest{
		PlayerID:   req.PlayerID,
		PlayerName: req.PlayerName,
		Rank:       req.Rank,
		Spectator:  req.Spectator,
	})
	if err != nil {
		var rej *Rejection
		reason := RejectNone
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		e.Send(&protocol.JoinRejected{
			MatchID: req.MatchID,
			Reason:  uint8(reason),
			Message: err.Error(),
		})
		return
	}

	if !res.Direct {
		h.seats[e] = append(h.seats[e], lobbySeat{playerID: req.PlayerID, matchID: m.MatchID})
	}
	e.Send(&protocol.JoinAccepted{
		MatchID: res.MatchID,
		Address: res.Address,
		Direct:  res.Direct,
	})
}

// NotifyPlayer sends a ServerMessage if the player is connected. Delivery
// is best effort.
func (h *JoinHost) NotifyPlayer(playerID, text string) {
	e, ok := h.players[playerID]
	if !ok || e.State() != beacon.StateOpen {
		return
	}
	if err := e.Send(&protocol.ServerMessage{Text: text}); err != nil {
		h.logger.Debug().Err(err).Str("player", playerID).Msg("notice not delivered")
	}
}
