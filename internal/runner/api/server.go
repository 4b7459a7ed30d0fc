package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/config"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/runner"
	"github.com/ralphdev/ralph/internal/runner/streaming"
)

// Server wraps the gin engine and the underlying http.Server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	hub    *streaming.Hub
	logger *logger.Logger
}

// NewServer builds the operator API server with all routes registered.
func NewServer(cfg config.ServerConfig, service *runner.Service, hub *streaming.Hub, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := NewHandler(service, log)
	RegisterRoutes(engine, handler)

	if hub != nil {
		ws := streaming.NewWSHandler(hub, log)
		engine.GET("/api/v1/runner/events", ws.StreamEvents)
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		hub:    hub,
		logger: log.WithFields(zap.String("component", "api-server")),
	}
}

// RegisterRoutes attaches the runner routes to an engine.
func RegisterRoutes(engine *gin.Engine, h *Handler) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1/runner")
	{
		api.GET("/executions", h.ListExecutions)
		api.POST("/executions", h.Enqueue)
		api.GET("/executions/archived", h.ListArchivedExecutions)
		api.GET("/executions/:id", h.GetExecution)
		api.POST("/executions/:id/retry", h.Retry)
		api.POST("/executions/:id/stop", h.Stop)
		api.POST("/executions/:id/archive", h.Archive)
		api.PUT("/executions/:id/stories/:storyId/evidence", h.SetStoryEvidence)

		api.GET("/scheduler", h.GetSchedulerStatus)
		api.GET("/config", h.GetRunnerConfig)
		api.PUT("/config/concurrency", h.SetConcurrency)

		api.GET("/merge-queue", h.ListMergeQueue)
		api.POST("/merge-queue", h.QueueMerge)
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	if s.hub != nil {
		if err := s.hub.Start(); err != nil {
			s.logger.Error("could not start streaming hub", zap.Error(err))
		}
	}
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Stop()
	}
	return s.http.Shutdown(ctx)
}
