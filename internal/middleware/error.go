package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-liquidation/pkg/errors"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
)

// ErrorHandler logs the errors handlers attached to the context. The
// response itself is written by httputil.RespondWithError, which keeps
// wrapped causes out of the body; they surface here instead.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	zl := log.Zerolog()
	return func(c *gin.Context) {
		c.Next()

		// Only handle errors if they exist
		if len(c.Errors) == 0 {
			return
		}

		for _, e := range c.Errors {
			event := zl.Warn()
			if appErr, ok := errors.As(e.Err); ok && appErr.Code.HTTPStatus() >= 500 {
				event = zl.Error()
			}
			event.
				Err(e.Err).
				Str("request_id", c.GetString(ContextRequestID)).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Str("client_ip", c.ClientIP()).
				Msg("Request error")
		}
	}
}
