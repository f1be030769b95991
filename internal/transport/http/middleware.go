package http

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"clinicbook/backend/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *slog.Logger, m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		m.InFlight(1)
		defer m.InFlight(-1)

		c.Next()

		took := time.Since(started)
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		m.ObserveRequest(c.Request.Method, path, strconv.Itoa(status), took)

		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("took", took),
			slog.String("request_id", c.GetString("request_id")),
		}
		if r := requester(c); r != "" {
			args = append(args, slog.String("requester_id", r))
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("err", c.Errors.Last().Error()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", args...)
		case path == "/healthz" || path == "/metrics":
			logger.Debug("http request", args...)
		default:
			logger.Info("http request", args...)
		}
	}
}

func recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic recovered",
			slog.String("path", c.Request.URL.Path),
			slog.String("method", c.Request.Method),
			slog.String("request_id", c.GetString("request_id")),
			slog.Any("err", recovered),
			slog.String("stack", string(debug.Stack())),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal"})
	})
}
