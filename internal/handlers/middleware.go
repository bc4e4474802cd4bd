package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const subscriberKey = "subscriber"

// tokenMiddleware accepts a bearer token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter. It is a no-op when no signing key is configured.
func (h *Handler) tokenMiddleware(c *gin.Context) {
	if h.tokens == nil || !h.tokens.Enabled() {
		c.Next()
		return
	}

	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization header format",
			})
			return
		}
		token = parts[1]
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing token",
		})
		return
	}

	subscriber, err := h.tokens.ParseToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or expired token",
		})
		return
	}

	c.Set(subscriberKey, subscriber)
	c.Next()
}
