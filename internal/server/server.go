package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inlet/internal/config"
	"inlet/internal/constants"
	"inlet/internal/logger"
	"inlet/internal/processor"
	"inlet/pkg/health"
	"inlet/pkg/middleware"
	"inlet/pkg/ratelimit"
)

// Server is the ingest HTTP surface: the envelope endpoint plus health
// and metrics.
type Server struct {
	config    config.ServerConfig
	processor *processor.Processor
	checkers  *health.CheckerRegistry
	logger    logger.Logger

	engine *gin.Engine
	http   *http.Server
}

func New(cfg *config.Config, proc *processor.Processor, checkers *health.CheckerRegistry, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.LoggerMiddleware(log))
	engine.Use(middleware.RecoveryMiddleware(log))

	if cfg.Admission.Enabled {
		engine.Use(ratelimit.Middleware(ratelimit.Config{
			RPS:             cfg.Admission.RPS,
			Burst:           cfg.Admission.Burst,
			CleanupInterval: time.Duration(cfg.Admission.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(cfg.Admission.MaxAge) * time.Second,
		}))
	}

	s := &Server{
		config:    cfg.Server,
		processor: proc,
		checkers:  checkers,
		logger:    log,
		engine:    engine,
	}

	engine.POST("/api/:project_id/envelope/", s.handleEnvelope)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutSeconds,
		WriteTimeout: cfg.Server.WriteTimeoutSeconds,
	}
	return s
}

// Engine exposes the router for in-process tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) Start() error {
	s.logger.Infow("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
