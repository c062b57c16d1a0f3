package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ContextKeyAuthenticated = "authenticated"

type TokenAuthConfig struct {
	// Token is the bearer token clients must present. Empty disables auth.
	Token string
}

// TokenAuth checks the bearer token from the Authorization header, or the
// token query parameter for clients that cannot set headers.
func TokenAuth(config TokenAuthConfig) gin.HandlerFunc {
	if config.Token == "" {
		slog.Warn("control plane auth disabled")
		return func(c *gin.Context) {
			c.Next()
		}
	}
	want := []byte(config.Token)

	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			slog.Debug("control plane auth rejected", "ip", c.ClientIP(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "ERR_UNAUTHORIZED",
				"error": "unauthorized",
			})
			return
		}

		c.Set(ContextKeyAuthenticated, true)
		c.Next()
	}
}
