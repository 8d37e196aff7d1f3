package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/store"
)

type banRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
	Reason   string `json:"reason"`
}

type keyRequest struct {
	Key   string `json:"key" binding:"required,min=8"`
	Label string `json:"label"`
}

type mapsRequest struct {
	Maps []store.MapEntry `json:"maps" binding:"required"`
}

func adminName(c *gin.Context) string {
	if v, ok := c.Get("admin"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "api"
}

// ---- Beacon gate ----

func (s *Server) setGate(c *gin.Context, gate beacon.Gate) {
	if !s.onLoop(c, func() {
		if gate == beacon.DenyRequests {
			s.Listener.PauseRequests()
		} else {
			s.Listener.ResumeRequests()
		}
	}) {
		return
	}

	s.EventBus.Emit(c.Request.Context(), events.Event{
		Type:    events.EventBeaconGateChanged,
		Source:  "api",
		Payload: events.GatePayload{Gate: gate.String()},
	})
	log.Info().Str("gate", gate.String()).Str("user", adminName(c)).Msg("API: beacon gate changed")
	c.JSON(http.StatusOK, gin.H{"gate": gate.String()})
}

func (s *Server) handlePauseBeacon(c *gin.Context)  { s.setGate(c, beacon.DenyRequests) }
func (s *Server) handleResumeBeacon(c *gin.Context) { s.setGate(c, beacon.AllowRequests) }

// ---- Bans ----

// handleListBans returns stored ban records, or the bare in-memory list
// when no store is configured.
func (s *Server) handleListBans(c *gin.Context) {
	if s.Store != nil {
		bans, err := s.Store.ListBans()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if bans == nil {
			bans = []store.Ban{}
		}
		c.JSON(http.StatusOK, gin.H{"bans": bans, "total": len(bans)})
		return
	}

	var ids []string
	if !s.onLoop(c, func() { ids = s.Orch.HubBans() }) {
		return
	}
	bans := make([]store.Ban, 0, len(ids))
	for _, id := range ids {
		bans = append(bans, store.Ban{PlayerID: id})
	}
	c.JSON(http.StatusOK, gin.H{"bans": bans, "total": len(bans)})
}

// handleAddBan bans a player hub-wide. Instances pick the list up on their
// next ban sync.
func (s *Server) handleAddBan(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.Store != nil {
		err := s.Store.AddBan(store.Ban{
			PlayerID:  req.PlayerID,
			Reason:    req.Reason,
			CreatedBy: adminName(c),
			CreatedAt: time.Now(),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if !s.onLoop(c, func() { s.Orch.BanPlayer(req.PlayerID) }) {
		return
	}

	log.Info().Str("player", req.PlayerID).Str("user", adminName(c)).Msg("API: player banned")
	c.JSON(http.StatusCreated, gin.H{"status": "banned", "player_id": req.PlayerID})
}

func (s *Server) handleRemoveBan(c *gin.Context) {
	playerID := c.Param("id")

	var wasBanned bool
	if !s.onLoop(c, func() {
		wasBanned = s.Orch.IsHubBanned(playerID)
		s.Orch.UnbanPlayer(playerID)
	}) {
		return
	}
	if s.Store != nil {
		removed, err := s.Store.RemoveBan(playerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		wasBanned = wasBanned || removed
	}
	if !wasBanned {
		c.JSON(http.StatusNotFound, gin.H{"error": "player is not banned"})
		return
	}

	log.Info().Str("player", playerID).Str("user", adminName(c)).Msg("API: player unbanned")
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "player_id": playerID})
}

// ---- Access keys ----

func (s *Server) handleAddKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.Store != nil {
		if err := s.Store.AddAccessKey(store.AccessKey{Key: req.Key, Label: req.Label, CreatedAt: time.Now()}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if !s.onLoop(c, func() { s.Orch.AddAccessKey(req.Key) }) {
		return
	}

	log.Info().Str("label", req.Label).Str("user", adminName(c)).Msg("API: access key added")
	c.JSON(http.StatusCreated, gin.H{"status": "added", "label": req.Label})
}

// handleRemoveKey revokes a stored key. Matches already authorized with it
// stay up.
func (s *Server) handleRemoveKey(c *gin.Context) {
	key := c.Param("key")
	if s.Store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no key store configured"})
		return
	}

	removed, err := s.Store.RemoveAccessKey(key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown key"})
		return
	}

	keys, err := s.Store.AccessKeys()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	keys = append(keys, s.cfg.GetHub().AccessKeys...)
	if !s.onLoop(c, func() { s.Orch.SetAccessKeys(keys) }) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// ---- Maps ----

func (s *Server) handleGetMaps(c *gin.Context) {
	var maps []store.MapEntry
	if !s.onLoop(c, func() { maps = s.Instances.MapList() }) {
		return
	}
	if maps == nil {
		maps = []store.MapEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"maps": maps, "total": len(maps)})
}

// handleSetMaps replaces the map rotation sent to instances.
func (s *Server) handleSetMaps(c *gin.Context) {
	var req mapsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, m := range req.Maps {
		if m.Package == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every map needs a package"})
			return
		}
	}

	if s.Store != nil {
		if err := s.Store.SetMaps(req.Maps); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if !s.onLoop(c, func() { s.Instances.SetMapList(req.Maps) }) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "total": len(req.Maps)})
}

// ---- Config ----

// handleGetConfig returns the configuration with secrets redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	hub := s.cfg.GetHub()
	app := s.cfg.GetApplication()

	hub.AccessKeys = nil
	if app.Security.AdminToken != "" {
		app.Security.AdminToken = "********"
	}

	c.JSON(http.StatusOK, gin.H{
		"hub":         hub,
		"beacon":      s.cfg.GetBeacon(),
		"application": app,
	})
}
