package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/lobbyhub/internal/lobby"
)

type hostMatchRequest struct {
	OwnerID string `json:"owner_id"`
	lobby.MatchOptions
}

type launchRequest struct {
	Requester string `json:"requester"`
}

type joinRequest struct {
	PlayerID      string `json:"player_id" binding:"required"`
	PlayerName    string `json:"player_name"`
	Rank          int32  `json:"rank"`
	Spectator     bool   `json:"spectator"`
	AdminOverride bool   `json:"admin_override"`
}

type playerRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

type rconRequest struct {
	AdminID string `json:"admin_id" binding:"required"`
	Command string `json:"command" binding:"required"`
}

type adminRequest struct {
	AdminID string `json:"admin_id" binding:"required"`
	IsAdmin bool   `json:"is_admin"`
}

type messageRequest struct {
	TargetID string `json:"target_id"`
	Text     string `json:"text" binding:"required"`
}

// matchParam parses the :id path parameter, answering 400 when invalid.
func matchParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	var rejection *lobby.Rejection
	switch {
	case errors.As(err, &rejection):
		if rejection.Reason == lobby.RejectMatchGone {
			return http.StatusNotFound
		}
		return http.StatusForbidden
	case errors.Is(err, lobby.ErrMatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, lobby.ErrNotWaiting), errors.Is(err, lobby.ErrNoInstanceConnection):
		return http.StatusConflict
	case errors.Is(err, lobby.ErrLaunchCapReached):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var rejection *lobby.Rejection
	if errors.As(err, &rejection) {
		body["reason"] = uint8(rejection.Reason)
	}
	c.JSON(statusFor(err), body)
}

// withMatch runs fn on the control loop with the match named by :id. A
// missing match answers 404 and fn is not called.
func (s *Server) withMatch(c *gin.Context, fn func(m *lobby.MatchInfo) error) bool {
	id, ok := matchParam(c)
	if !ok {
		return false
	}
	var err error
	if !s.onLoop(c, func() {
		m, found := s.Orch.Match(id)
		if !found {
			err = lobby.ErrMatchNotFound
			return
		}
		err = fn(m)
	}) {
		return false
	}
	if err != nil {
		respondError(c, err)
		return false
	}
	return true
}

// handleListMatches lists live matches, optionally filtered by ?state=.
func (s *Server) handleListMatches(c *gin.Context) {
	state := c.Query("state")
	var matches []lobby.MatchInfo
	if !s.onLoop(c, func() {
		for _, m := range s.Orch.Matches() {
			if state == "" || m.CurrentState.String() == state {
				matches = append(matches, m.Snapshot())
			}
		}
	}) {
		return
	}
	if matches == nil {
		matches = []lobby.MatchInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"total":   len(matches),
	})
}

// handleGetMatch returns one match with its process usage.
func (s *Server) handleGetMatch(c *gin.Context) {
	var snap lobby.MatchInfo
	var handle lobby.ProcessHandle
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		snap = m.Snapshot()
		handle = m.Process
		return nil
	}) {
		return
	}

	resp := gin.H{"match": snap}
	if handle != nil {
		proc := gin.H{"pid": handle.PID(), "running": handle.Running()}
		// Stats samples the OS and is safe off the control loop.
		if stats, err := handle.Stats(); err == nil {
			proc["cpu_percent"] = stats.CPUPercent
			proc["memory_mb"] = stats.MemoryMB
		}
		resp["process"] = proc
	}
	c.JSON(http.StatusOK, resp)
}

// handleHostMatch creates a lobby match.
func (s *Server) handleHostMatch(c *gin.Context) {
	var req hostMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MapName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "map_name is required"})
		return
	}

	var snap lobby.MatchInfo
	if !s.onLoop(c, func() {
		snap = s.Orch.HostMatch(req.OwnerID, req.MatchOptions).Snapshot()
	}) {
		return
	}

	admin, _ := c.Get("admin")
	log.Info().Str("match_id", snap.MatchID.String()).Interface("user", admin).Msg("API: match created")
	c.JSON(http.StatusCreated, gin.H{"match": snap})
}

// handleLaunchMatch spawns the instance for a waiting match.
func (s *Server) handleLaunchMatch(c *gin.Context) {
	var req launchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var snap lobby.MatchInfo
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		requester := req.Requester
		if requester == "" {
			requester = m.OwnerID
		}
		if err := s.Orch.LaunchMatch(m, requester); err != nil {
			return err
		}
		snap = m.Snapshot()
		return nil
	}) {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "launching",
		"instance_id": snap.GameInstanceID,
		"address":     snap.InstanceAddress,
	})
}

// handleJoinMatch runs a player through the join gates.
func (s *Server) handleJoinMatch(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := matchParam(c)
	if !ok {
		return
	}

	var result lobby.JoinResult
	var err error
	if !s.onLoop(c, func() {
		m, _ := s.Orch.Match(id)
		result, err = s.Orch.JoinMatch(m, lobby.JoinRequest{
			PlayerID:      req.PlayerID,
			PlayerName:    req.PlayerName,
			Rank:          req.Rank,
			Spectator:     req.Spectator,
			AdminOverride: req.AdminOverride,
		})
	}) {
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"match_id": result.MatchID,
		"address":  result.Address,
		"direct":   result.Direct,
	})
}

// handleLeaveMatch takes a player off a lobby roster.
func (s *Server) handleLeaveMatch(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var left bool
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		left = s.Orch.LeaveMatch(m, req.PlayerID)
		return nil
	}) {
		return
	}
	if !left {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not in match"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// handleRemoveMatch removes a match, stopping its instance.
func (s *Server) handleRemoveMatch(c *gin.Context) {
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		s.Orch.RemoveMatch(m, "removed by admin")
		return nil
	}) {
		return
	}

	admin, _ := c.Get("admin")
	log.Info().Str("match_id", c.Param("id")).Interface("user", admin).Msg("API: match removed")
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// handleShutdownMatch asks the instance to return its players and exit.
func (s *Server) handleShutdownMatch(c *gin.Context) {
	if !s.withMatch(c, s.Orch.ForceShutdown) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shutdown requested"})
}

func (s *Server) handleKick(c *gin.Context) {
	var req playerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		return s.Orch.Kick(m, req.PlayerID)
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "player_id": req.PlayerID})
}

func (s *Server) handleRcon(c *gin.Context) {
	var req rconRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		return s.Orch.Rcon(m, req.AdminID, req.Command)
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (s *Server) handleAuthorizeAdmin(c *gin.Context) {
	var req adminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		return s.Orch.AuthorizeAdmin(m, req.AdminID, req.IsAdmin)
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "admin_id": req.AdminID, "is_admin": req.IsAdmin})
}

func (s *Server) handleMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.withMatch(c, func(m *lobby.MatchInfo) error {
		return s.Orch.SendUserMessage(m, req.TargetID, req.Text)
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
