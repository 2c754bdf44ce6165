package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/relaybroker/relaybroker/internal/logger"
)

// StructuredLoggerConfig customizes access logging.
type StructuredLoggerConfig struct {
	SkipPaths    []string
	LogQuery     bool
	LogUserAgent bool
}

// DefaultStructuredLoggerConfig mirrors the teacher's defaults, minus the
// product-specific health-check path names.
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths:    []string{"/healthz"},
		LogQuery:     true,
		LogUserAgent: true,
	}
}

// StructuredLogger logs one structured line per request via zerolog,
// under the "http" component, with request_id correlation and a log
// level chosen from the response status (5xx -> error, 4xx -> warn, else
// info) — grounded in the teacher's StructuredLogger, reworked off
// log.Printf onto the teacher's own rs/zerolog component-logger pattern
// (internal/logger), since a production broker logs structured JSON, not
// stdlib-log text.
func StructuredLogger() gin.HandlerFunc {
	return StructuredLoggerWithConfig(DefaultStructuredLoggerConfig())
}

// StructuredLoggerWithConfig is the configurable variant.
func StructuredLoggerWithConfig(cfg StructuredLoggerConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		event := eventForStatus(status)
		event.Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())

		if cfg.LogQuery && raw != "" {
			event.Str("query", raw)
		}
		if cfg.LogUserAgent {
			event.Str("user_agent", c.Request.UserAgent())
		}
		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("http request")
	}
}

func eventForStatus(status int) *zerolog.Event {
	log := logger.Log.With().Str("component", "http").Logger()
	switch {
	case status >= 500:
		return log.Error()
	case status >= 400:
		return log.Warn()
	default:
		return log.Info()
	}
}
