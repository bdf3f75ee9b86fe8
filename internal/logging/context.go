package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const loggerKey contextKey = "logger"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// SignalContext creates a logger context for a candidate signal
func SignalContext(l *Logger, id, symbol, direction string) *Logger {
	return l.WithFields(map[string]interface{}{
		"signal_id": id,
		"symbol":    symbol,
		"direction": direction,
	})
}

// JobContext creates a logger context for a scheduler job run
func JobContext(l *Logger, job, runID string) *Logger {
	return l.WithFields(map[string]interface{}{
		"job":    job,
		"run_id": runID,
	}).WithComponent("scheduler")
}

// BinanceAPIContext creates a logger context for exchange calls
func BinanceAPIContext(l *Logger, endpoint string, params map[string]string) *Logger {
	fields := map[string]interface{}{"endpoint": endpoint}
	for k, v := range params {
		if k != "signature" && k != "apiKey" {
			fields[k] = v
		}
	}
	return l.WithFields(fields).WithComponent("binance")
}

// DatabaseContext creates a logger context for database operations
func DatabaseContext(l *Logger, operation, table string) *Logger {
	return l.WithFields(map[string]interface{}{
		"operation": operation,
		"table":     table,
	}).WithComponent("database")
}

// NotificationContext creates a logger context for notifications
func NotificationContext(l *Logger, provider string) *Logger {
	return l.WithField("provider", provider).WithComponent("notification")
}

// GinMiddleware logs every request with a trace ID and stores the logger in the request context
func GinMiddleware(base *Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := base.WithTraceID(traceID).WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"remote_addr": c.ClientIP(),
		}).WithComponent("http")

		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), l))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		l.WithDuration(time.Since(start)).WithField("status_code", c.Writer.Status()).Info("Request completed")
	}
}
