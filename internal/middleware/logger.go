package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests. Bodies are never
// logged since settle requests forward the caller's token.
func Logger(log *logger.Logger) gin.HandlerFunc {
	zl := log.Zerolog()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		var event *zerolog.Event
		msg := "Request processed"
		switch {
		case statusCode >= 500:
			event, msg = zl.Error(), "Server error"
		case statusCode >= 400:
			event, msg = zl.Warn(), "Client error"
		default:
			event = zl.Info()
		}

		event.
			Str("request_id", c.GetString(ContextRequestID)).
			Str("session_id", c.GetHeader(HeaderSessionID)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Dur("latency", latency).
			Int("bytes", c.Writer.Size()).
			Str("user_agent", c.Request.UserAgent()).
			Msg(msg)
	}
}
