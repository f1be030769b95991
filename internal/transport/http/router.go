// Package http exposes the appointment workflows over a JSON API.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clinicbook/backend/internal/metrics"
	"clinicbook/backend/internal/service/appointments"
)

type Options struct {
	Service  *appointments.Service
	Verifier *TokenVerifier
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	// Location interprets the list endpoint's date filter.
	Location *time.Location
	// Ready backs /healthz. Nil reports healthy.
	Ready func(ctx context.Context) error
}

func NewRouter(opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger := opts.Logger.With(slog.String("component", "http"))

	r := gin.New()
	r.Use(requestID(), recovery(logger), accessLog(logger, opts.Metrics))

	r.GET("/healthz", func(c *gin.Context) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	h := &handler{svc: opts.Service, loc: opts.Location}
	api := r.Group("/appointments", requireAuth(opts.Verifier))
	api.POST("", h.book)
	api.GET("", h.list)
	api.GET("/:id", h.get)
	api.GET("/:id/notes", h.history)
	api.PUT("/:id/reschedule", h.reschedule)
	api.PUT("/:id/cancel", h.cancel)
	api.PUT("/:id/status", h.updateStatus)
	api.DELETE("/:id", h.delete)

	return r
}
