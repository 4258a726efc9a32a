// Package worker runs jobs taken from a submit queue.
//
// A Supervisor owns a table of consumer threads: job queue threads that
// drive jobs through their phases, one command topic thread per worker
// and one command listener per job in flight. Threads that die are
// restarted under a sliding window limit; a restart storm shuts the
// worker down.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobq/internal/alert"
	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
)

// JobStore persists jobs. Every call is its own transaction.
type JobStore interface {
	// GetJob returns domain.ErrJobNotFound for an unknown uuid
	GetJob(ctx context.Context, jobUUID string) (*domain.Job, error)

	// SetStatus persists a status change and updates job on success. It
	// returns domain.ErrTerminalStatus if the stored status is terminal.
	SetStatus(ctx context.Context, job *domain.Job, status domain.JobStatus, message string) error

	// FailJob sets the job to FAILED
	FailJob(ctx context.Context, job *domain.Job, message string) error

	UpdateLastMessage(ctx context.Context, job *domain.Job, message string) error
	Close() error
}

// ExecutionContext performs the phases of one job on its execution system
type ExecutionContext interface {
	CreateDirectories(ctx context.Context) error
	StageInputs(ctx context.Context) error
	StageJob(ctx context.Context) error
	SubmitJob(ctx context.Context) error
	MonitorQueuedJob(ctx context.Context) error
	MonitorRunningJob(ctx context.Context) error
	ArchiveOutputs(ctx context.Context) error
	Close() error
}

// ExecutionContextFactory creates the execution context of a job
type ExecutionContextFactory func(job *domain.Job) (ExecutionContext, error)

// Config holds worker configuration
type Config struct {
	Name    string
	UUID    string
	Queue   string
	Workers int
	Tenants []string

	// RestartLimit thread restarts are allowed per RestartWindow
	RestartLimit  int
	RestartWindow time.Duration

	// StartLimit jobs may begin remote submission per StartWindow
	StartLimit  int
	StartWindow time.Duration
	StartPoll   time.Duration

	// ShutdownGrace is waited between a shutdown request and cleanup
	ShutdownGrace time.Duration

	Broker     *jobqueue.Broker
	Store      JobStore
	Alerter    alert.Alerter
	Executions ExecutionContextFactory
	Metrics    *Metrics
	Logger     *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Queue == "" {
		c.Queue = jobqueue.DefaultQueueName
	}
	if c.RestartLimit <= 0 {
		c.RestartLimit = 10
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = time.Minute
	}
	if c.StartLimit <= 0 {
		c.StartLimit = 20
	}
	if c.StartWindow <= 0 {
		c.StartWindow = 10 * time.Second
	}
	if c.StartPoll <= 0 {
		c.StartPoll = 250 * time.Millisecond
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
}

func (c *Config) validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("worker name is required")
	case c.UUID == "":
		return fmt.Errorf("worker uuid is required")
	case len(c.Tenants) == 0:
		return fmt.Errorf("at least one tenant is required")
	case c.Broker == nil:
		return fmt.Errorf("broker is required")
	case c.Store == nil:
		return fmt.Errorf("job store is required")
	case c.Alerter == nil:
		return fmt.Errorf("alerter is required")
	case c.Executions == nil:
		return fmt.Errorf("execution context factory is required")
	case c.Logger == nil:
		return fmt.Errorf("logger is required")
	}
	for _, tenant := range c.Tenants {
		if err := jobqueue.ValidateTenant(tenant); err != nil {
			return err
		}
	}
	return jobqueue.ValidateSubmitQueueName(c.Queue)
}

// ThreadKind is the role of a supervised thread
type ThreadKind int

// Thread kinds
const (
	KindJobQueue ThreadKind = iota + 1
	KindCommandTopic
	KindJobCommand
)

func (k ThreadKind) String() string {
	switch k {
	case KindJobQueue:
		return "job_queue"
	case KindCommandTopic:
		return "command_topic"
	case KindJobCommand:
		return "job_command"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

func (k ThreadKind) known() bool {
	return k >= KindJobQueue && k <= KindJobCommand
}
