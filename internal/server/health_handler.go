package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

// handleHealth aggregates the state a fleet dashboard wants in one call.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "UP",
		"uptime":        time.Since(startTime).String(),
		"connections":   s.connections.Count(),
		"rooms":         s.rooms.Count(),
		"online_users":  len(s.presence.OnlineUsers()),
		"subscriptions": s.broker.GetSubscriptionStatus(),
	})
}

// handleLiveness answers as long as the process is serving requests.
func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// handleReadiness reports whether the distributed feeds are live. An instance
// with a dead subscription would silently miss cross-instance messages, so it
// is taken out of rotation instead.
func (s *Server) handleReadiness(c *gin.Context) {
	subscriptions := s.broker.GetSubscriptionStatus()

	ready := len(subscriptions) > 0
	for _, live := range subscriptions {
		if !live {
			ready = false
			break
		}
	}

	status := http.StatusOK
	state := "UP"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "DOWN"
	}

	c.JSON(status, gin.H{
		"status":        state,
		"subscriptions": subscriptions,
	})
}

// handleStats exposes a point-in-time operational snapshot. Prometheus covers
// trends; this endpoint answers "what is connected right now".
func (s *Server) handleStats(c *gin.Context) {
	online := s.presence.OnlineUsers()
	onlineIDs := make([]string, 0, len(online))
	for _, user := range online {
		onlineIDs = append(onlineIDs, user.ID)
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id":         s.broker.InstanceID(),
		"connections":         s.connections.Count(),
		"connections_by_game": s.connections.CountsByGame(),
		"rooms":               s.rooms.Count(),
		"room_details":        s.rooms.AllRoomInfo(),
		"online_users":        len(onlineIDs),
		"online_user_ids":     onlineIDs,
		"tracked_users":       s.presence.Count(),
		"max_connections":     s.cfg.WebSocket.MaxConnections,
		"subscription_status": s.broker.GetSubscriptionStatus(),
	})
}
