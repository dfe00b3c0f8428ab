package logx

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware makes X-Request-ID the op id of the request context.
// Invalid or missing ids are replaced with a fresh one and echoed back.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		opID := NormalizeOpID(c.GetHeader(requestIDHeader))
		c.Request = c.Request.WithContext(WithOpID(c.Request.Context(), opID))
		c.Writer.Header().Set(requestIDHeader, opID)
		c.Next()
	}
}

// AccessLogMiddleware logs one line per request. Lab routes carry the
// sandbox name so API calls can be matched with ledger events.
func AccessLogMiddleware(component string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []any{
			"component", component,
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if name := c.Param("name"); name != "" {
			attrs = append(attrs, "sandbox", name)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		LoggerFromContext(c.Request.Context()).Log(c.Request.Context(), level, "http request completed", attrs...)
	}
}
