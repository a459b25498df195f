package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginKeyLogger    = "logger"
	ginKeyRequestID = "request_id"

	// maxRequestIDLen bounds caller-supplied ids; longer ones are replaced.
	maxRequestIDLen = 128
)

// Middleware tags every request with a request id and writes one access line
// when it finishes. Routes listed in quiet (health checks, scrapes) log at
// debug unless they fail; 4xx logs at warn and 5xx at error.
func Middleware(l *slog.Logger, quiet ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)
		c.Set(ginKeyRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(ginKeyLogger, reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", float64(time.Since(start).Microseconds()) / 1000,
			"client_ip", c.ClientIP(),
		}

		level := slog.LevelInfo
		switch {
		case len(c.Errors) > 0:
			attrs = append(attrs, "errors", c.Errors.String())
			level = slog.LevelError
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case skip[path]:
			level = slog.LevelDebug
		}
		// Auth may have swapped in a logger that carries the caller.
		From(c.Request.Context()).Log(c.Request.Context(), level, "http request", attrs...)
	}
}

// FromGin returns the request logger, including any caller attributes auth added.
func FromGin(c *gin.Context) *slog.Logger {
	if c.Request != nil {
		if l := From(c.Request.Context()); l != slog.Default() {
			return l
		}
	}
	if v, ok := c.Get(ginKeyLogger); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// RequestID is the id Middleware assigned, or "" outside it.
func RequestID(c *gin.Context) string {
	return c.GetString(ginKeyRequestID)
}
