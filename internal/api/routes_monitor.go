package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/lobbyhub/internal/store"
)

// handleHistory returns recently finished matches, newest first.
func (s *Server) handleHistory(c *gin.Context) {
	if s.Store == nil {
		c.JSON(http.StatusOK, gin.H{"matches": []store.MatchRecord{}, "total": 0})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	records, err := s.Store.RecentMatches(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []store.MatchRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": records, "total": len(records)})
}
