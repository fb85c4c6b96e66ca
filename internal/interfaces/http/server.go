// Package http exposes the control plane's operator API: presence and
// session streaming, collector and runtime status, config apply and
// rollback, and the update coordinator.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"oneui/internal/application/collector"
	"oneui/internal/application/devices"
	"oneui/internal/application/online"
	"oneui/internal/application/reconcile"
	"oneui/internal/application/stream"
	"oneui/internal/infrastructure/config"
	apperrors "oneui/internal/shared/errors"
	"oneui/internal/shared/logger"
	"oneui/internal/xray/apply"
	"oneui/internal/xray/runtime"
	"oneui/internal/xray/update"
)

// Dependencies carries everything the handlers need, wired by the
// composition root.
type Dependencies struct {
	Collector     *collector.Collector
	Online        *online.Tracker
	Enforcer      *devices.Enforcer
	DeviceTracker *devices.Tracker
	Broadcaster   *stream.Broadcaster
	StreamCfg     config.StreamConfig
	Queue         *reconcile.Queue
	Reconciler    *reconcile.Reconciler
	ApplyEngine   *apply.Engine
	Inspector     *runtime.Inspector
	Updates       *update.Coordinator
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg    config.ServerConfig
	deps   Dependencies
	engine *gin.Engine
	server *http.Server
	logger logger.Interface
}

func NewServer(cfg config.ServerConfig, deps Dependencies, log logger.Interface) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		logger: log.Named("http"),
	}
	s.engine.Use(s.requestLogger(), gin.Recovery())
	s.registerRoutes()
	s.server = &http.Server{
		Addr:              cfg.GetAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.health)

	api := s.engine.Group("/api")
	{
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/stream", s.streamSessions)
		api.POST("/sessions/authorize", s.authorizeSession)
		api.POST("/sessions/heartbeat", s.heartbeat)

		api.GET("/users/:id/devices", s.listDevices)
		api.DELETE("/users/:id/devices", s.disconnectAllDevices)
		api.DELETE("/users/:id/devices/:deviceId", s.revokeDevice)

		api.GET("/collector/status", s.collectorStatus)
		api.POST("/collector/reset", s.collectorReset)

		api.GET("/xray/status", s.xrayStatus)
		api.POST("/xray/apply", s.applyConfig)
		api.GET("/xray/snapshots", s.listSnapshots)
		api.POST("/xray/rollback", s.rollbackConfig)

		api.GET("/update/status", s.updateStatus)
		api.GET("/update/policy", s.updatePolicy)
		api.GET("/update/history", s.updateHistory)
		api.GET("/update/backups", s.updateBackups)
		api.GET("/update/preflight", s.updatePreflight)
		api.POST("/update/canary", s.updateCanary)
		api.POST("/update/full", s.updateFull)
		api.POST("/update/rollback", s.updateRollback)
		api.POST("/update/unlock", s.updateUnlock)
	}
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Infow("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// The SSE endpoint would log once per connection lifetime anyway.
		s.logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// respondError maps application error kinds onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case apperrors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case apperrors.ErrorTypeConflict:
			status = http.StatusConflict
		case apperrors.ErrorTypePrecondition:
			status = http.StatusPreconditionFailed
		case apperrors.ErrorTypeUnavailable:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": appErr})
		return
	}
	c.JSON(status, gin.H{"error": gin.H{"type": "internal_error", "message": err.Error()}})
}
