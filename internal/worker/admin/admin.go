// Package admin serves a worker's health, status and metrics over HTTP
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/jobq/internal/worker"
)

// StatusSource reports the worker state
type StatusSource interface {
	Status() worker.Status
	ShuttingDown() bool
}

// Dependencies holds what the admin routes read from
type Dependencies struct {
	Logger   *slog.Logger
	Worker   StatusSource
	Gatherer prometheus.Gatherer
	// Health reports whether backing services are reachable
	Health func(ctx context.Context) error
}

// SetupRouter configures the admin routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		if deps.Worker.ShuttingDown() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "shutting_down",
			})
			return
		}
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				deps.Logger.Warn("Health check failed",
					slog.Any("error", err),
				)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "jobs-worker",
		})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Worker.Status())
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	return r
}
