package lobby

import (
	"github.com/rs/zerolog"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/protocol"
	"github.com/energizer-project/lobbyhub/internal/store"
	"github.com/energizer-project/lobbyhub/internal/util"
)

// Beacon types served by the hub.
const (
	BeaconInstanceControl = "InstanceControl"
	BeaconLobbyJoin       = "LobbyJoin"
)

// InstanceHost serves the InstanceControl beacon: the hub end of the
// control protocol spoken by game instances.
type InstanceHost struct {
	beacon.ClientRoster

	orch   *Orchestrator
	bound  map[*beacon.Endpoint]uint32
	maps   []store.MapEntry
	logger zerolog.Logger
}

// NewInstanceHost creates the host object for orch.
func NewInstanceHost(orch *Orchestrator) *InstanceHost {
	return &InstanceHost{
		orch:   orch,
		bound:  make(map[*beacon.Endpoint]uint32),
		logger: util.ComponentLogger("instance_host"),
	}
}

func (h *InstanceHost) BeaconType() string { return BeaconInstanceControl }

// SetMapList replaces the maps offered to instances.
func (h *InstanceHost) SetMapList(maps []store.MapEntry) {
	h.maps = append([]store.MapEntry(nil), maps...)
}

// MapList returns the maps offered to instances.
func (h *InstanceHost) MapList() []store.MapEntry {
	return append([]store.MapEntry(nil), h.maps...)
}

// BoundInstance returns the instance id an endpoint speaks for.
func (h *InstanceHost) BoundInstance(e *beacon.Endpoint) (uint32, bool) {
	id, ok := h.bound[e]
	return id, ok
}

func (h *InstanceHost) OnClientConnected(e *beacon.Endpoint) {
	h.logger.Info().Str("remote", e.RemoteAddr()).Msg("instance connected")
}

// NotifyClientDisconnected drops e and tells the orchestrator if e was the
// control connection of a live instance.
func (h *InstanceHost) NotifyClientDisconnected(e *beacon.Endpoint, err *beacon.Error) {
	h.RemoveClient(e)
	id, ok := h.bound[e]
	if !ok {
		return
	}
	delete(h.bound, e)
	h.logger.Info().
		Uint32("instance_id", id).
		Str("reason", err.Reason.String()).
		Msg("instance disconnected")
	h.orch.InstanceConnectionLost(id, e)
}

// admit binds e to instance id on first contact and reports whether e may
// speak for id. A connection that claims an instance it does not own is
// torn down. Id zero names no instance and is always admitted.
func (h *InstanceHost) admit(e *beacon.Endpoint, id uint32) bool {
	if id == 0 {
		return true
	}
	if prev, ok := h.bound[e]; ok {
		if prev == id {
			return true
		}
		h.logger.Warn().
			Uint32("bound", prev).
			Uint32("instance_id", id).
			Str("remote", e.RemoteAddr()).
			Msg("message for another instance")
		e.Teardown("instance id mismatch")
		return false
	}
	if !h.orch.BindInstanceEndpoint(id, e) {
		e.Teardown("instance not claimable")
		return false
	}
	h.bound[e] = id
	return true
}

// HandleMessage dispatches one instance RPC. Malformed or misdirected
// messages end the connection.
func (h *InstanceHost) HandleMessage(e *beacon.Endpoint, pkt protocol.Packet) {
	msg, err := protocol.Decode(pkt)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", e.RemoteAddr()).Msg("malformed instance message")
		e.Teardown("malformed message")
		return
	}

	switch m := msg.(type) {
	case *protocol.NotifyInstanceReady:
		if h.admit(e, m.InstanceID) {
			h.orch.InstanceReady(m.InstanceID, m.InstanceGUID, m.MapName)
		}
	case *protocol.UpdateMatch:
		if h.admit(e, m.InstanceID) {
			h.orch.UpdateMatch(m.InstanceID, m.Update)
		}
	case *protocol.UpdatePlayer:
		if h.admit(e, m.InstanceID) {
			h.orch.UpdatePlayer(m.InstanceID, m.Player, m.IsLastUpdate)
		}
	case *protocol.EndGame:
		if h.admit(e, m.InstanceID) {
			h.orch.EndGame(m.InstanceID, m.Update)
		}
	case *protocol.InstanceEmpty:
		if h.admit(e, m.InstanceID) {
			h.orch.InstanceEmpty(m.InstanceID)
		}
	case *protocol.RequestDedicatedAuthorization:
		h.authorize(e, m)
	case *protocol.PrimeMapList:
		if h.admit(e, m.InstanceID) {
			h.sendMap(e, 0)
		}
	case *protocol.SendNextMap:
		h.sendMap(e, int(m.LastIndex)+1)
	case *protocol.RequestNextBan:
		h.sendBan(e, int(m.LastIndex)+1)
	case *protocol.ReceiveUserMessage:
		h.orch.NotifyPlayer(m.TargetID, m.Text)
	default:
		h.logger.Warn().
			Str("command", protocol.CommandName(pkt.Command)).
			Str("remote", e.RemoteAddr()).
			Msg("unexpected message on instance beacon")
		e.Teardown("unexpected message")
	}
}

func (h *InstanceHost) authorize(e *beacon.Endpoint, req *protocol.RequestDedicatedAuthorization) {
	if prev, ok := h.bound[e]; ok {
		delete(h.bound, e)
		if m, ok := h.orch.MatchByInstance(prev); ok && m.endpoint == e {
			m.endpoint = nil
		}
	}
	m, ok := h.orch.AuthorizeDedicated(req, e)
	if !ok {
		return
	}
	h.bound[e] = m.GameInstanceID
	e.Send(&protocol.AuthorizeDedicatedInstance{
		HubGUID:    h.orch.HubGUID(),
		InstanceID: m.GameInstanceID,
	})
}

// sendMap sends map index, or RequestFirstBan once the list is exhausted.
func (h *InstanceHost) sendMap(e *beacon.Endpoint, index int) {
	if index < 0 || index >= len(h.maps) {
		e.Send(&protocol.RequestFirstBan{})
		return
	}
	mp := h.maps[index]
	e.Send(&protocol.ReceiveMap{
		MapPackage: mp.Package,
		Title:      mp.Title,
		Screenshot: mp.Screenshot,
		Index:      int32(index),
	})
}

// sendBan sends ban index. An empty list, or a request past the end,
// yields a single finished entry with index -1.
func (h *InstanceHost) sendBan(e *beacon.Endpoint, index int) {
	bans := h.orch.HubBans()
	total := int32(len(bans))
	if index < 0 {
		index = 0
	}
	if index >= len(bans) {
		e.Send(&protocol.ReceiveBan{Index: -1, Total: total, IsFinished: true})
		return
	}
	e.Send(&protocol.ReceiveBan{
		BanID:      bans[index],
		Index:      int32(index),
		Total:      total,
		IsFinished: index == len(bans)-1,
	})
}
