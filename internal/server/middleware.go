package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

// CORS allows the configured origins. An empty list allows everything, which
// is only appropriate behind a trusted edge.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || len(allowed) == 0 {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestLogger logs one structured line per request. WebSocket upgrades log
// on connect, not on disconnect, so long-lived sockets show up immediately.
func RequestLogger() gin.HandlerFunc {
	log := logger.Component("http")

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"client_ip": c.ClientIP(),
			"latency":   time.Since(start),
		}).Info("Request")
	}
}

// Recovery converts panics into 500 responses and records them.
func Recovery() gin.HandlerFunc {
	log := logger.Component("http")

	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				metrics.RecordError("panic", "http")
				log.WithFields(logrus.Fields{
					"path":  c.Request.URL.Path,
					"panic": r,
				}).Error("Recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
