package server

import (
	"strconv"
	"time"

	"github.com/YuminosukeSato/respirex/pkg/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
	requestIDCtxKey = "request_id"
	maxRequestIDLen = 128
)

// RequestID reuses a client supplied X-Request-ID or generates a UUID, and
// echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(requestIDCtxKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Observability records Prometheus metrics and one access log line per
// request.
func Observability(m *Metrics, logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		// route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "not_found"
		}
		m.ObserveRequest(c.Request.Method, path, strconv.Itoa(status), elapsed)

		fields := []any{
			log.RequestIDKey, c.GetString(requestIDCtxKey),
			"http.method", c.Request.Method,
			"http.path", path,
			"http.status", status,
			log.DurationMsKey, elapsed.Milliseconds(),
		}
		if status >= 500 {
			logger.Warn("HTTP request failed", fields...)
		} else {
			logger.Info("HTTP request", fields...)
		}
	}
}

func requestLogger(c *gin.Context, logger log.Logger) log.Logger {
	return logger.With(log.RequestIDKey, c.GetString(requestIDCtxKey))
}
