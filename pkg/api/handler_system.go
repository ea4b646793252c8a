package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mu-ops/mu/pkg/adapter"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/reload"
)

// StatusResponse is the control-plane status document.
type StatusResponse struct {
	RepoRoot   string               `json:"repo_root"`
	Active     bool                 `json:"active"`
	Adapters   []adapter.Spec       `json:"adapters"`
	Routes     []string             `json:"routes"`
	Generation reload.Generation    `json:"generation"`
	Counters   map[string]int64     `json:"counters"`
	Gate       map[string]any       `json:"gate"`
	Outbox     map[string]int       `json:"outbox"`
	Runs       []models.RunSnapshot `json:"runs"`
}

// Status reports the full control-plane view.
func (s *Server) Status(c *gin.Context) {
	adapters := s.adapterSnapshot()
	specs := make([]adapter.Spec, 0, len(adapters))
	routes := make([]string, 0, len(adapters))
	for _, ch := range models.AllChannels() {
		if a, ok := adapters[ch]; ok {
			spec := a.Spec()
			specs = append(specs, spec)
			routes = append(routes, spec.Route)
		}
	}

	gate := s.counters.EvaluateGate(s.cfg.Gate)
	c.JSON(http.StatusOK, StatusResponse{
		RepoRoot:   s.cfg.RepoRoot,
		Active:     true,
		Adapters:   specs,
		Routes:     routes,
		Generation: s.reloader.Current(),
		Counters:   s.counters.Snapshot(),
		Gate: map[string]any{
			"healthy": gate.Healthy,
			"reasons": gate.Reasons,
		},
		Outbox: map[string]int{
			"pending":      s.outbox.PendingCount(),
			"dead_letters": len(s.outbox.DeadLetters()),
		},
		Runs: s.runs.List(),
	})
}

// Reload triggers a generation reload.
func (s *Server) Reload(c *gin.Context) {
	attempt, err := s.reloader.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if attempt.Phase == reload.PhaseFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, attempt)
}

// Rollback restores the previous generation's configuration.
func (s *Server) Rollback(c *gin.Context) {
	attempt, err := s.reloader.Rollback(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if attempt.Phase == reload.PhaseFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, attempt)
}
