package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mu-ops/mu/pkg/run"
)

// ListRuns returns every tracked run job.
func (s *Server) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.runs.List()})
}

// GetRun returns one run snapshot by job id, falling back to root issue id.
func (s *Server) GetRun(c *gin.Context) {
	id := c.Param("job_id")
	snapshot, ok := s.runs.Snapshot(id)
	if !ok {
		snapshot, ok = s.runs.SnapshotByRoot(id)
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetRunOutput returns the buffered stream tails for a run.
func (s *Server) GetRunOutput(c *gin.Context) {
	stdout, stderr, logHints, ok := s.runs.Output(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stdout":    stdout,
		"stderr":    stderr,
		"log_hints": logHints,
	})
}

// InterruptRun requests a graceful stop for a run.
func (s *Server) InterruptRun(c *gin.Context) {
	id := c.Param("job_id")
	result := s.runs.Interrupt(run.InterruptInput{JobID: id, RootIssueID: id})
	if !result.OK {
		c.JSON(http.StatusConflict, gin.H{"error": result.Reason})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"interrupting": id})
}
