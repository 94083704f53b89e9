// Package server provides the gin-based HTTP entrypoint: a thin layer that
// turns inbound Anthropic-shaped HTTP requests into Dispatcher calls and
// renders the result back as JSON or SSE (§10.3).
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/poemonsense/antigravity-proxy-go/internal/accountpool"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/dispatcher"
	"github.com/poemonsense/antigravity-proxy-go/internal/logging"
	"github.com/poemonsense/antigravity-proxy-go/internal/server/handlers"
)

// Server wires the Dispatcher into a gin.Engine and serves it over HTTP.
type Server struct {
	engine *gin.Engine
	cfg    *config.Config
	logger *logging.Logger
}

// New builds a Server. It does not start listening; call Run for that.
func New(cfg *config.Config, pool *accountpool.Pool, d *dispatcher.Dispatcher, logger *logging.Logger) *Server {
	if cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, cfg: cfg, logger: logger}
	s.setupRoutes(pool, d)
	return s
}

func (s *Server) setupRoutes(pool *accountpool.Pool, d *dispatcher.Dispatcher) {
	s.engine.Use(requestIDMiddleware())
	s.engine.Use(corsMiddleware())
	s.engine.Use(silentHandlerMiddleware())
	s.engine.Use(requestLoggingMiddleware(s.logger))
	s.engine.Use(bodySizeLimitMiddleware(config.RequestBodyLimit))

	healthHandler := handlers.NewHealthHandler(pool)
	modelsHandler := handlers.NewModelsHandler()
	messagesHandler := handlers.NewMessagesHandler(d, s.cfg, s.logger)

	s.engine.GET("/healthz", healthHandler.Healthz)
	s.engine.GET("/health", healthHandler.Health)

	v1 := s.engine.Group("/v1")
	v1.Use(apiKeyAuthMiddleware(s.cfg, s.logger))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages", messagesHandler.Messages)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": "Endpoint " + c.Request.Method + " " + c.Request.URL.Path + " not found",
			},
		})
	})
}

// Engine exposes the underlying gin.Engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server on addr and blocks until it exits.
func (s *Server) Run(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long timeout for AI responses, matching the Dispatcher's own client
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("server listening", zap.String("addr", addr))
	return httpServer.ListenAndServe()
}
