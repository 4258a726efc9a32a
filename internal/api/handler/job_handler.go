package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobq/internal/api/domain"
	"github.com/cuongbtq/jobq/internal/api/dto"
	"github.com/cuongbtq/jobq/internal/api/model"
	"github.com/cuongbtq/jobq/internal/api/storage"
	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/queuedef"
	workerdomain "github.com/cuongbtq/jobq/internal/worker/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Stores a PENDING job and submits it to the queue its attributes select
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !h.tenants[req.Tenant] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": domain.ErrUnknownTenant.Error(),
		})
		return
	}

	job := model.Job{
		UUID:         uuid.New().String(),
		Tenant:       req.Tenant,
		Owner:        req.Owner,
		Name:         req.Name,
		AppID:        req.AppID,
		ExecSystemID: req.ExecSystemID,
		Command:      req.Command,
		Status:       string(workerdomain.StatusPending),
	}

	queue := h.queues.Select(queuedef.Attributes{
		Tenant:       job.Tenant,
		Owner:        job.Owner,
		Name:         job.Name,
		AppID:        job.AppID,
		ExecSystemID: job.ExecSystemID,
		Command:      job.Command,
	})

	ctx := c.Request.Context()
	if err := h.store.CreateJob(ctx, &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.broker.PostToQueue(ctx, job.Tenant, queue, jobqueue.NewJobSubmitMsg(h.senderID, job.Tenant, job.UUID)); err != nil {
		h.logger.Error("Failed to submit job",
			slog.String("job_uuid", job.UUID),
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to submit job",
			"uuid":  job.UUID,
		})
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_uuid", job.UUID),
		slog.String("tenant", job.Tenant),
		slog.String("queue", queue),
	)

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		Job:   toJobDTO(&job),
		Queue: queue,
	})
}

// GetJob handles GET /api/v1/jobs/:uuid
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toJobDTO(job))
}

// GetJobHistory handles GET /api/v1/jobs/:uuid/history
func (h *JobHandler) GetJobHistory(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	events, err := h.store.ListEvents(c.Request.Context(), job.UUID)
	if err != nil {
		h.logger.Error("Failed to list job events", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list job events",
		})
		return
	}

	history := make([]dto.JobEventDTO, len(events))
	for i, e := range events {
		history[i] = dto.JobEventDTO{
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Message:    e.Message,
			Created:    e.Created.Format(time.RFC3339Nano),
		}
	}
	c.JSON(http.StatusOK, gin.H{"uuid": job.UUID, "events": history})
}

// ListJobs handles GET /api/v1/jobs
// Lists the jobs of a tenant, newest first, with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	if req.Status != "" {
		if _, err := workerdomain.ParseJobStatus(req.Status); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		Tenant:   req.Tenant,
		Owner:    req.Owner,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{Created: last.Created, UUID: last.UUID})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:uuid/cancel
// A job still waiting in its submit queue is cancelled in place; a job a
// worker holds gets a cancel command on its job topic.
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, ok := h.loadActiveJob(c)
	if !ok {
		return
	}

	cancelled, err := h.store.CancelPending(c.Request.Context(), job, "Job cancelled by request of "+h.senderID)
	if err != nil {
		h.logger.Error("Failed to cancel pending job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}
	if cancelled {
		c.JSON(http.StatusOK, dto.CommandResponse{UUID: job.UUID, Command: "cancel", Status: job.Status})
		return
	}

	h.postJobCommand(c, job, "cancel", jobqueue.NewJobCancelMsg(h.senderID, job.UUID))
}

// PauseJob handles POST /api/v1/jobs/:uuid/pause
func (h *JobHandler) PauseJob(c *gin.Context) {
	job, ok := h.loadActiveJob(c)
	if !ok {
		return
	}
	h.postJobCommand(c, job, "pause", jobqueue.NewJobPauseMsg(h.senderID, job.UUID))
}

// RequestJobStatus handles GET /api/v1/jobs/:uuid/status-request
// The worker holding the job answers on the tenant's event exchange.
func (h *JobHandler) RequestJobStatus(c *gin.Context) {
	job, ok := h.loadActiveJob(c)
	if !ok {
		return
	}
	h.postJobCommand(c, job, "status", jobqueue.NewJobStatusMsg(h.senderID, job.UUID))
}

func (h *JobHandler) postJobCommand(c *gin.Context, job *model.Job, command string, msg jobqueue.Message) {
	if err := h.broker.PostJobCommand(c.Request.Context(), job.Tenant, job.UUID, msg); err != nil {
		h.logger.Error("Failed to post job command",
			slog.String("job_uuid", job.UUID),
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to send " + command + " command",
		})
		return
	}

	h.logger.Info("Job command sent",
		slog.String("job_uuid", job.UUID),
		slog.String("command", command),
	)
	c.JSON(http.StatusAccepted, dto.CommandResponse{UUID: job.UUID, Command: command, Status: job.Status})
}

// loadJob validates the uuid path parameter and reads the job. It writes
// the error response and returns false on failure.
func (h *JobHandler) loadJob(c *gin.Context) (*model.Job, bool) {
	jobUUID := c.Param("uuid")
	if _, err := uuid.Parse(jobUUID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "uuid must be a valid UUID",
		})
		return nil, false
	}

	job, err := h.store.GetJob(c.Request.Context(), jobUUID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": err.Error(),
			})
			return nil, false
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return nil, false
	}
	return job, true
}

// loadActiveJob is loadJob for jobs that can still receive commands
func (h *JobHandler) loadActiveJob(c *gin.Context) (*model.Job, bool) {
	job, ok := h.loadJob(c)
	if !ok {
		return nil, false
	}
	if workerdomain.JobStatus(job.Status).IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":  domain.ErrJobTerminal.Error(),
			"status": job.Status,
		})
		return nil, false
	}
	return job, true
}

func toJobDTO(job *model.Job) dto.JobDTO {
	return dto.JobDTO{
		UUID:         job.UUID,
		Tenant:       job.Tenant,
		Owner:        job.Owner,
		Name:         job.Name,
		AppID:        job.AppID,
		ExecSystemID: job.ExecSystemID,
		Status:       job.Status,
		RemoteJobID:  job.RemoteJobID,
		LastMessage:  job.LastMessage,
		Created:      job.Created.Format(time.RFC3339Nano),
		LastUpdated:  job.LastUpdated.Format(time.RFC3339Nano),
	}
}
