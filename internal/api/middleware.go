package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ctxKey string

const requestIDKey ctxKey = "requestID"

// RequestIDMiddleware ensures every request has an X-Request-ID. If absent, generate one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.New().String()
		}
		ctx := context.WithValue(c.Request.Context(), requestIDKey, rid)
		c.Request = c.Request.WithContext(ctx)
		c.Set("requestID", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// BearerToken extracts the Authorization bearer token, empty if absent.
func BearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// MasterTokenMiddleware guards issuance endpoints: callers must present the
// operator master token, not a client access token.
func MasterTokenMiddleware(master string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if master == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token issuance disabled: RELAY_MASTER_TOKEN not set"})
			return
		}
		if BearerToken(c) != master {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "master token required"})
			return
		}
		c.Next()
	}
}
