package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
)

// phaseResult tells the dispatch loop what to do after a step
type phaseResult int

const (
	phaseContinue phaseResult = iota
	phaseStop
	phaseInterrupted
	phaseFailed
)

// phaseWork is the work done while a job is in a status. When it
// succeeds the job moves to the status's successor on the happy path.
type phaseWork func(ctx context.Context, r *jobRun) error

// PAUSED and BLOCKED have no phase: such jobs are never delivered for
// processing and finding one in the loop is a defect. PENDING has no work.
var phases = map[domain.JobStatus]phaseWork{
	domain.StatusPending:          nil,
	domain.StatusProcessingInputs: func(ctx context.Context, r *jobRun) error { return r.exec.CreateDirectories(ctx) },
	domain.StatusStagingInputs:    func(ctx context.Context, r *jobRun) error { return r.exec.StageInputs(ctx) },
	domain.StatusStagingJob:       func(ctx context.Context, r *jobRun) error { return r.exec.StageJob(ctx) },
	domain.StatusSubmittingJob: func(ctx context.Context, r *jobRun) error {
		if err := r.sup.AwaitStartPermit(ctx); err != nil {
			return err
		}
		return r.exec.SubmitJob(ctx)
	},
	domain.StatusQueued:    func(ctx context.Context, r *jobRun) error { return r.exec.MonitorQueuedJob(ctx) },
	domain.StatusRunning:   func(ctx context.Context, r *jobRun) error { return r.exec.MonitorRunningJob(ctx) },
	domain.StatusArchiving: func(ctx context.Context, r *jobRun) error { return r.exec.ArchiveOutputs(ctx) },
}

// jobRun is the processing of one job by one job queue thread
type jobRun struct {
	sup    *Supervisor
	job    *domain.Job
	exec   ExecutionContext
	logger *slog.Logger

	// set when the job could be neither blocked nor failed
	zombie bool
}

// dispatch runs the phase of the job's current status until one stops
func (r *jobRun) dispatch(ctx context.Context) (phaseResult, error) {
	for {
		result, err := r.step(ctx)
		if result != phaseContinue {
			return result, err
		}
	}
}

func (r *jobRun) step(ctx context.Context) (phaseResult, error) {
	current := r.job.Status
	if current.IsTerminal() {
		return phaseStop, nil
	}

	work, ok := phases[current]
	next, hasNext := current.Next()
	if !ok || !hasNext {
		return r.fail(ctx, fmt.Errorf("unexpected status %s in job processing loop", current))
	}

	// checkpoint
	if _, pending := r.job.AsyncCommand(); pending {
		return r.interrupt(ctx)
	}

	if work != nil {
		r.note(ctx, fmt.Sprintf("Phase %s started", current))

		if err := work(ctx, r); err != nil {
			if errors.Is(err, domain.ErrInterrupted) {
				return r.interrupt(ctx)
			}
			return r.classify(ctx, current, fmt.Errorf("phase %s failed: %w", current, err))
		}
	}

	if err := r.setStatus(ctx, next, fmt.Sprintf("Phase %s completed", current)); err != nil {
		if errors.Is(err, domain.ErrTerminalStatus) {
			r.logger.Warn("Job reached a terminal status outside this worker, stopping",
				slog.Any("error", err),
			)
			return phaseStop, nil
		}
		return r.classify(ctx, current, err)
	}
	return phaseContinue, nil
}

// classify leaves a recoverable job for the recovery manager and fails
// every other job
func (r *jobRun) classify(ctx context.Context, current domain.JobStatus, err error) (phaseResult, error) {
	if domain.IsRecoverable(err) {
		r.recover(ctx, current, err)
		return phaseFailed, err
	}
	return r.fail(ctx, err)
}

// fail forces the job to FAILED
func (r *jobRun) fail(ctx context.Context, cause error) (phaseResult, error) {
	if err := r.sup.store.FailJob(ctx, r.job, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrTerminalStatus) {
			r.logger.Warn("Job reached a terminal status outside this worker before it could be failed",
				slog.Any("cause", cause),
				slog.Any("error", err),
			)
			return phaseFailed, cause
		}
		r.alertZombie(ctx, "hit a fatal error", cause, err)
		return phaseFailed, cause
	}
	r.publishEvent(ctx, cause.Error())
	return phaseFailed, cause
}

// interrupt persists the status requested by the pending async command
func (r *jobRun) interrupt(ctx context.Context) (phaseResult, error) {
	cmd, _ := r.job.AsyncCommand()

	status := domain.StatusCancelled
	if cmd.Kind == domain.CommandPause {
		status = domain.StatusPaused
	}

	r.logger.Info("Job interrupted by async command",
		slog.String("command", string(cmd.Kind)),
		slog.String("msg_id", cmd.MsgID),
		slog.String("sender", cmd.SenderID),
	)

	message := fmt.Sprintf("Job %s by request of %s", strings.ToLower(string(status)), cmd.SenderID)
	if err := r.setStatus(ctx, status, message); err != nil {
		r.logger.Warn("Failed to persist interrupted job status",
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}
	return phaseInterrupted, domain.ErrInterrupted
}

// setStatus persists a status change and publishes it as an event
func (r *jobRun) setStatus(ctx context.Context, status domain.JobStatus, message string) error {
	from := r.job.Status
	if err := r.sup.store.SetStatus(ctx, r.job, status, message); err != nil {
		return fmt.Errorf("failed to set job status %s: %w", status, err)
	}

	r.logger.Info("Job status changed",
		slog.String("from", string(from)),
		slog.String("to", string(status)),
	)
	r.publishEvent(ctx, message)
	return nil
}

// note records a progress message; failures are only logged
func (r *jobRun) note(ctx context.Context, message string) {
	if err := r.sup.store.UpdateLastMessage(ctx, r.job, message); err != nil {
		r.logger.Warn("Failed to update job last message",
			slog.Any("error", err),
		)
	}
}

func (r *jobRun) publishEvent(ctx context.Context, message string) {
	msg := jobqueue.NewJobEventMsg(r.sup.uuid, r.job.Tenant, r.job.UUID, string(r.job.Status), message)
	if err := r.sup.broker.PostEvent(ctx, r.job.Tenant, jobqueue.EventJobKey(r.job.UUID), msg); err != nil {
		r.logger.Warn("Failed to publish job event",
			slog.String("status", string(r.job.Status)),
			slog.Any("error", err),
		)
	}
}
