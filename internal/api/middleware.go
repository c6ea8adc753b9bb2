package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// requestIDMiddleware stamps every request with an id, echoing one the
// caller already supplied (grounded on the teacher's
// internal/api/middleware.go RequestIDMiddleware).
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// loggingMiddleware emits one structured log line per request.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		entry := log.WithFields(log.Fields{
			"request_id": getRequestID(c),
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("http request completed")
		case c.Writer.Status() >= 400:
			entry.Warn("http request completed")
		default:
			entry.Info("http request completed")
		}
	}
}

// recoveryMiddleware converts a panicking handler into a 500 response
// instead of crashing the daemon (gin.CustomRecovery, per the teacher).
func recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"request_id": getRequestID(c),
			"panic":      recovered,
			"path":       c.Request.URL.Path,
		}).Error("panic recovered in http handler")
		fail(c, 500, "INTERNAL_ERROR", "internal server error")
	})
}
