package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/richiexuetang/ritcher-map-sub000/internal/models"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

// handleWebSocket is the connection entry point. Authentication and the
// capacity gate run before the upgrade so rejected clients get a plain HTTP
// status instead of a socket that closes immediately.
func (s *Server) handleWebSocket(c *gin.Context) {
	claims, err := s.validator.Authenticate(c.Request)
	if err != nil {
		metrics.RecordError("auth", "websocket_handler")
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	gameID := claims.GameID
	if gameID == "" {
		gameID = c.Query("game_id")
	}
	if gameID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "game_id is required"})
		return
	}

	if s.connections.AtCapacity() {
		metrics.ConnectionsRejected.Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maximum connections reached"})
		return
	}

	upgrader := s.upgrader()
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		metrics.RecordError("upgrade", "websocket_handler")
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := models.NewConnection(
		wsConn,
		claims.UserID,
		gameID,
		claims.Username,
		c.ClientIP(),
		c.Request.UserAgent(),
		s.cfg.WebSocket.SendBufferSize,
	)

	if err := s.connections.AddConnection(conn); err != nil {
		conn.SendError("CAPACITY", "maximum connections reached", "")
		conn.Close()
		return
	}

	s.connections.HandleConnection(conn)
}

func (s *Server) upgrader() websocket.Upgrader {
	wsCfg := s.cfg.WebSocket

	checkOrigin := func(r *http.Request) bool { return true }
	if wsCfg.CheckOrigin {
		allowed := make(map[string]struct{}, len(wsCfg.AllowedOrigins))
		for _, origin := range wsCfg.AllowedOrigins {
			allowed[origin] = struct{}{}
		}
		checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}

	return websocket.Upgrader{
		ReadBufferSize:   wsCfg.ReadBufferSize,
		WriteBufferSize:  wsCfg.WriteBufferSize,
		HandshakeTimeout: wsCfg.HandshakeTimeout,
		CheckOrigin:      checkOrigin,
	}
}
