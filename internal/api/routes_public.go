package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/lobbyhub/internal/beacon"
	"github.com/energizer-project/lobbyhub/internal/events"
	"github.com/energizer-project/lobbyhub/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "lobbyhub",
	})
}

// handleStatus returns the hub summary and host load.
func (s *Server) handleStatus(c *gin.Context) {
	var status events.StatusPayload
	ok := s.onLoop(c, func() {
		status = s.Orch.Status()
		status.Connections = s.Listener.ConnectionCount()
		status.Paused = s.Listener.Gate() == beacon.DenyRequests
	})
	if !ok {
		return
	}

	hub := s.cfg.GetHub()
	c.JSON(http.StatusOK, gin.H{
		"name":   hub.Name,
		"status": status,
		"system": util.GetSystemInfo(),
		"usage":  util.GetHostUsage("."),
	})
}
