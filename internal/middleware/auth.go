package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/pkg/httputil"
)

const ContextCredentials = "credentials"

// Credentials extracts the caller's bearer token so it can be forwarded to
// the record store. The token is not validated here; the record store is
// the authority. Requests without a token pass through unless required is
// set.
func Credentials(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds model.Credentials
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
				abortUnauthorized(c, "invalid authorization format")
				return
			}
			creds.Token = strings.TrimSpace(parts[1])
		}
		if required && creds.Token == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		c.Set(ContextCredentials, creds)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.Response{
		Success: false,
		Error: &httputil.Error{
			Code:    http.StatusUnauthorized,
			Message: message,
		},
	})
}

// CredentialsFrom returns the credentials stored by Credentials.
func CredentialsFrom(c *gin.Context) model.Credentials {
	if v, ok := c.Get(ContextCredentials); ok {
		if creds, ok := v.(model.Credentials); ok {
			return creds
		}
	}
	return model.Credentials{}
}
