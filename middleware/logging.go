package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	RequestIDHeader = "X-Request-ID"

	loggerKey = "logger"
)

// RequestLogger tags each request with an id and logs it once it completes.
// Health and metrics probes are logged at debug level.
func RequestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(RequestIDHeader, id)

		entry := log.WithFields(logrus.Fields{
			"request_id": id,
			"user":       GetUser(c),
		})
		c.Set(loggerKey, entry)

		c.Next()

		entry = entry.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Microsecond).String(),
		})
		switch {
		case len(c.Errors) > 0:
			entry.Warnf("Request failed: %s", c.Errors.String())
		case c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics":
			entry.Debug("Request served")
		default:
			entry.Info("Request served")
		}
	}
}
