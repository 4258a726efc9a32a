package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobq/internal/api/dto"
	"github.com/cuongbtq/jobq/internal/jobqueue"
)

// ShutdownAll handles POST /api/v1/workers/shutdown
func (h *WorkerHandler) ShutdownAll(c *gin.Context) {
	var req dto.ShutdownRequest
	// the body is optional
	_ = c.ShouldBindJSON(&req)
	h.post(c, "", "shutdown", jobqueue.NewWorkerShutdownMsg(h.senderID, "", req.Reason))
}

// Shutdown handles POST /api/v1/workers/:wid/shutdown
func (h *WorkerHandler) Shutdown(c *gin.Context) {
	var req dto.ShutdownRequest
	_ = c.ShouldBindJSON(&req)
	wid := c.Param("wid")
	h.post(c, wid, "shutdown", jobqueue.NewWorkerShutdownMsg(h.senderID, wid, req.Reason))
}

// Suspend handles POST /api/v1/workers/:wid/suspend
func (h *WorkerHandler) Suspend(c *gin.Context) {
	wid := c.Param("wid")
	h.post(c, wid, "suspend", jobqueue.NewWorkerSuspendMsg(h.senderID, wid))
}

// Resume handles POST /api/v1/workers/:wid/resume
func (h *WorkerHandler) Resume(c *gin.Context) {
	wid := c.Param("wid")
	h.post(c, wid, "resume", jobqueue.NewWorkerResumeMsg(h.senderID, wid))
}

// RequestStatus handles POST /api/v1/workers/:wid/status
// The worker answers on the AllTenants event exchange.
func (h *WorkerHandler) RequestStatus(c *gin.Context) {
	wid := c.Param("wid")
	h.post(c, wid, "status", jobqueue.NewWorkerStatusMsg(h.senderID, wid))
}

func (h *WorkerHandler) post(c *gin.Context, workerUUID, command string, msg jobqueue.Message) {
	if err := h.broker.PostWorkerCommand(c.Request.Context(), workerUUID, msg); err != nil {
		h.logger.Error("Failed to post worker command",
			slog.String("worker_uuid", workerUUID),
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to send " + command + " command",
		})
		return
	}

	h.logger.Info("Worker command sent",
		slog.String("worker_uuid", workerUUID),
		slog.String("command", command),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"worker":  workerUUID,
		"command": command,
	})
}
