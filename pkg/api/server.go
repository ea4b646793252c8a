// Package api exposes the control-plane HTTP surface: channel webhooks, the
// status and reload endpoints, program management, run inspection, and
// Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mu-ops/mu/pkg/adapter"
	"github.com/mu-ops/mu/pkg/config"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/pipeline"
	"github.com/mu-ops/mu/pkg/programs"
	"github.com/mu-ops/mu/pkg/reload"
	"github.com/mu-ops/mu/pkg/run"
	"github.com/mu-ops/mu/pkg/telemetry"
)

// Server is the control-plane API server.
type Server struct {
	cfg      *config.MuConfig
	pipeline *pipeline.Pipeline
	programs *programs.Registry
	reloader *reload.Supervisor
	runs     *run.Supervisor
	outbox   *outbox.Store
	counters *telemetry.Counters
	logger   *slog.Logger

	// adapters is swapped wholesale on generation cutover; webhook handlers
	// read through adapterFor.
	adaptersMu sync.RWMutex
	adapters   map[models.Channel]*adapter.Adapter

	httpServer *http.Server
}

// NewServer wires the API server.
func NewServer(cfg *config.MuConfig, p *pipeline.Pipeline, adapters map[models.Channel]*adapter.Adapter,
	progs *programs.Registry, reloader *reload.Supervisor, runs *run.Supervisor,
	ob *outbox.Store, counters *telemetry.Counters) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		adapters: adapters,
		programs: progs,
		reloader: reloader,
		runs:     runs,
		outbox:   ob,
		counters: counters,
		logger:   slog.Default().With("component", "api"),
	}
}

// SetAdapters replaces the inbound adapter set, mirroring the outbox
// dispatcher's deliverer swap on generation cutover. Requests already past
// adapterFor finish against the old generation's adapter.
func (s *Server) SetAdapters(adapters map[models.Channel]*adapter.Adapter) {
	s.adaptersMu.Lock()
	defer s.adaptersMu.Unlock()
	s.adapters = adapters
	s.logger.Info("inbound adapters swapped", "count", len(adapters))
}

func (s *Server) adapterFor(channel models.Channel) *adapter.Adapter {
	s.adaptersMu.RLock()
	defer s.adaptersMu.RUnlock()
	return s.adapters[channel]
}

func (s *Server) adapterSnapshot() map[models.Channel]*adapter.Adapter {
	s.adaptersMu.RLock()
	defer s.adaptersMu.RUnlock()
	return s.adapters
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	router.GET("/healthz", s.Healthz)

	registry := prometheus.NewRegistry()
	registry.MustRegister(s.counters)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Routes exist for every channel; unconfigured ones answer 404 until a
	// reload swaps in an adapter for them.
	for _, channel := range models.AllChannels() {
		router.POST("/webhooks/"+string(channel), s.webhookHandler(channel))
	}

	api := router.Group("/api")
	{
		cp := api.Group("/control-plane")
		cp.GET("/status", s.Status)
		cp.POST("/reload", s.Reload)
		cp.POST("/rollback", s.Rollback)

		hb := api.Group("/heartbeats")
		hb.GET("", s.ListHeartbeats)
		hb.PUT("/:id", s.UpsertHeartbeat)
		hb.DELETE("/:id", s.DeleteHeartbeat)
		hb.POST("/:id/enable", s.enableProgram(programs.WakeHeartbeat, true))
		hb.POST("/:id/disable", s.enableProgram(programs.WakeHeartbeat, false))

		cron := api.Group("/cron")
		cron.GET("", s.ListCrons)
		cron.PUT("/:id", s.UpsertCron)
		cron.DELETE("/:id", s.DeleteCron)
		cron.POST("/:id/enable", s.enableProgram(programs.WakeCron, true))
		cron.POST("/:id/disable", s.enableProgram(programs.WakeCron, false))

		runs := api.Group("/runs")
		runs.GET("", s.ListRuns)
		runs.GET("/:job_id", s.GetRun)
		runs.GET("/:job_id/output", s.GetRunOutput)
		runs.POST("/:job_id/interrupt", s.InterruptRun)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return router
}

// Start begins serving in a goroutine and returns once the listener is
// configured. Errors after startup land in the returned channel.
func (s *Server) Start() <-chan error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Healthz is the liveness probe.
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
