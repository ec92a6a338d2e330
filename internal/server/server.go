package server

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/auth"
	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/internal/realtime"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
)

// Server owns the HTTP surface: the WebSocket endpoint, health probes, the
// stats endpoint and metrics.
type Server struct {
	cfg         *config.Config
	engine      *gin.Engine
	httpServer  *http.Server
	logger      *logrus.Entry
	connections *realtime.ConnectionManager
	rooms       *realtime.RoomManager
	presence    *realtime.PresenceManager
	broker      *realtime.MessageBroker
	validator   *auth.Validator
}

func New(cfg *config.Config, connections *realtime.ConnectionManager, rooms *realtime.RoomManager, presence *realtime.PresenceManager, broker *realtime.MessageBroker, validator *auth.Validator) *Server {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:         cfg,
		engine:      gin.New(),
		logger:      logger.Component("server"),
		connections: connections,
		rooms:       rooms,
		presence:    presence,
		broker:      broker,
		validator:   validator,
	}

	s.engine.Use(Recovery())
	s.engine.Use(RequestLogger())
	s.engine.Use(CORS(cfg.WebSocket.AllowedOrigins))

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/health/liveness", s.handleLiveness)
	s.engine.GET("/health/readiness", s.handleReadiness)
	s.engine.GET("/stats", s.handleStats)

	if s.cfg.Metrics.Enabled {
		s.engine.GET(s.cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}
}

// Engine is exposed for handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) Run() error {
	s.logger.WithField("address", s.httpServer.Addr).Info("Server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Server shutting down")
	return s.httpServer.Shutdown(ctx)
}
