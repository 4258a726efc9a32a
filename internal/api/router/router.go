package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobq/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "jobs-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	workerHandler := handler.NewWorkerHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:uuid", jobHandler.GetJob)
			jobs.GET("/:uuid/history", jobHandler.GetJobHistory)
			jobs.GET("/:uuid/status-request", jobHandler.RequestJobStatus)
			jobs.POST("/:uuid/cancel", jobHandler.CancelJob)
			jobs.POST("/:uuid/pause", jobHandler.PauseJob)
		}

		workers := v1.Group("/workers")
		{
			workers.POST("/shutdown", workerHandler.ShutdownAll)
			workers.POST("/:wid/shutdown", workerHandler.Shutdown)
			workers.POST("/:wid/suspend", workerHandler.Suspend)
			workers.POST("/:wid/resume", workerHandler.Resume)
			workers.POST("/:wid/status", workerHandler.RequestStatus)
		}
	}

	return r
}
