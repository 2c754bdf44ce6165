// Package middleware provides Gin HTTP middleware for relaybrokerd's main
// HTTP listener (gateway's upgrade endpoints, httpapi; the hookreceiver
// listener does not use it) — request correlation, structured access logging, and rate
// limiting, adapted from the teacher's api/internal/middleware package.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/relaybroker/relaybroker/internal/ids"
)

const (
	// RequestIDHeader is the header carrying the correlation id.
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the Gin context key the id is stored under.
	RequestIDKey = "request_id"
)

// RequestID generates or propagates a correlation id for each request,
// so a client's bug report ("my session hung around 14:02") can be
// traced straight to the matching log lines.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = ids.New()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID retrieves the correlation id stashed by RequestID.
func GetRequestID(c *gin.Context) string {
	if v, exists := c.Get(RequestIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
