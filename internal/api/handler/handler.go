package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobq/internal/api/model"
	"github.com/cuongbtq/jobq/internal/api/storage"
	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/queuedef"
)

// JobStore is the persistence the handlers need
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobUUID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	ListEvents(ctx context.Context, jobUUID string) ([]model.JobEvent, error)
	CancelPending(ctx context.Context, job *model.Job, message string) (bool, error)
}

// Publisher posts job queue messages
type Publisher interface {
	PostToQueue(ctx context.Context, tenant, queueName string, msg jobqueue.Message) error
	PostJobCommand(ctx context.Context, tenant, jobUUID string, msg jobqueue.Message) error
	PostWorkerCommand(ctx context.Context, workerUUID string, msg jobqueue.Message) error
}

// QueueSelector picks the submit queue of a new job
type QueueSelector interface {
	Select(attrs queuedef.Attributes) string
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Store  JobStore
	Broker Publisher
	Queues QueueSelector
	// SenderID identifies this service in the messages it sends
	SenderID string
	Tenants  []string
	// Health reports whether backing services are reachable
	Health func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	store    JobStore
	broker   Publisher
	queues   QueueSelector
	senderID string
	tenants  map[string]bool
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	tenants := make(map[string]bool, len(deps.Tenants))
	for _, t := range deps.Tenants {
		tenants[t] = true
	}
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		broker:   deps.Broker,
		queues:   deps.Queues,
		senderID: deps.SenderID,
		tenants:  tenants,
	}
}

// WorkerHandler sends commands to workers
type WorkerHandler struct {
	logger   *slog.Logger
	broker   Publisher
	senderID string
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger:   deps.Logger,
		broker:   deps.Broker,
		senderID: deps.SenderID,
	}
}
