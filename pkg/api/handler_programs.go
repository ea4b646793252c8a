package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mu-ops/mu/pkg/programs"
)

// ListHeartbeats returns all heartbeat programs.
func (s *Server) ListHeartbeats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"heartbeats": s.programs.Heartbeats()})
}

// UpsertHeartbeat creates or replaces a heartbeat program. The path id wins
// over any id in the body.
func (s *Server) UpsertHeartbeat(c *gin.Context) {
	var program programs.HeartbeatProgram
	if err := c.ShouldBindJSON(&program); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	program.ID = c.Param("id")
	if err := s.programs.UpsertHeartbeat(program); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, program)
}

// DeleteHeartbeat removes a heartbeat program.
func (s *Server) DeleteHeartbeat(c *gin.Context) {
	if !s.programs.DeleteHeartbeat(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "program not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListCrons returns all cron programs.
func (s *Server) ListCrons(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"crons": s.programs.Crons()})
}

// UpsertCron creates or replaces a cron program.
func (s *Server) UpsertCron(c *gin.Context) {
	var program programs.CronProgram
	if err := c.ShouldBindJSON(&program); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	program.ID = c.Param("id")
	if err := s.programs.UpsertCron(program); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, program)
}

// DeleteCron removes a cron program.
func (s *Server) DeleteCron(c *gin.Context) {
	if !s.programs.DeleteCron(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "program not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// enableProgram toggles a program in either family.
func (s *Server) enableProgram(kind programs.WakeKind, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.programs.SetEnabled(kind, c.Param("id"), enabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": "program not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": enabled})
	}
}
