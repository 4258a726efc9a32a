package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
	applog "github.com/cuongbtq/jobq/shared/logger"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

// JobQueueProcessor takes submit messages and drives each job through its
// phases
type JobQueueProcessor struct {
	sup    *Supervisor
	logger *slog.Logger
}

func newJobQueueProcessor(s *Supervisor, logger *slog.Logger) *JobQueueProcessor {
	return &JobQueueProcessor{sup: s, logger: logger}
}

// Process runs the job named by a submit message. Both finished and
// failed jobs are acked; only undecodable messages and unknown jobs are
// rejected. A job store error ends the thread and leaves the message
// for redelivery.
func (p *JobQueueProcessor) Process(ctx context.Context, d *rabbitmq.Delivery) (bool, error) {
	msg, err := jobqueue.DecodeCommand(d.Body)
	if err != nil {
		p.logger.Error("Failed to decode submit message",
			slog.String("body", string(d.Body)),
			slog.Any("error", err),
		)
		p.sup.metrics.messageRejected(rejectUndecodable)
		return false, nil
	}

	submit, ok := msg.(jobqueue.JobSubmitMsg)
	if !ok {
		p.logger.Error("Unexpected message on submit queue",
			slog.String("type", string(msg.MessageType())),
			slog.String("msg_id", msg.MessageID()),
		)
		p.sup.metrics.messageRejected(rejectUnexpected)
		return false, nil
	}

	// shutdown stops the consume loop, never a job in flight
	jobCtx := context.WithoutCancel(ctx)
	logger := applog.WithJob(p.logger, submit.Tenant, submit.JobUUID)

	job, err := p.sup.store.GetJob(jobCtx, submit.JobUUID)
	if errors.Is(err, domain.ErrJobNotFound) {
		logger.Error("Submitted job does not exist",
			slog.String("msg_id", submit.MsgID),
		)
		p.alertUnknownJob(jobCtx, submit)
		p.sup.metrics.messageRejected(rejectUnknownJob)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load job %s: %w", submit.JobUUID, err)
	}

	if job.Tenant != submit.Tenant {
		logger.Warn("Submit message tenant differs from job tenant",
			slog.String("job_tenant", job.Tenant),
		)
	}

	p.runJob(jobCtx, job, applog.WithJob(p.logger, job.Tenant, job.UUID))
	return true, nil
}

func (p *JobQueueProcessor) runJob(ctx context.Context, job *domain.Job, logger *slog.Logger) {
	if job.Status.IsTerminal() {
		logger.Info("Job already in terminal status, skipping",
			slog.String("status", string(job.Status)),
		)
		p.sup.metrics.jobOutcome(outcomeSkipped)
		return
	}

	logger.Info("Processing job",
		slog.String("status", string(job.Status)),
		slog.String("exec_system", job.ExecSystemID),
	)

	p.sup.trackJob(job)
	defer p.sup.untrackJob(job)

	listener := p.sup.AcquireJobListener(job)
	defer listener.Release(ctx)

	run := &jobRun{sup: p.sup, job: job, logger: logger}

	exec, err := p.sup.executions(job)
	if err != nil {
		run.fail(ctx, fmt.Errorf("failed to create execution context: %w", err))
		p.recordOutcome(run, phaseFailed)
		return
	}
	run.exec = exec
	defer func() {
		if err := exec.Close(); err != nil {
			logger.Warn("Failed to close execution context", slog.Any("error", err))
		}
	}()

	result, err := run.dispatch(ctx)
	switch result {
	case phaseStop:
		logger.Info("Job processing ended",
			slog.String("status", string(job.Status)),
		)
	case phaseInterrupted:
		logger.Info("Job processing interrupted",
			slog.String("status", string(job.Status)),
		)
	default:
		logger.Error("Job processing failed",
			slog.String("status", string(job.Status)),
			slog.Any("error", err),
		)
	}
	p.recordOutcome(run, result)
}

func (p *JobQueueProcessor) recordOutcome(run *jobRun, result phaseResult) {
	switch {
	case run.zombie:
		p.sup.metrics.jobOutcome(outcomeZombie)
	case result == phaseInterrupted:
		p.sup.metrics.jobOutcome(outcomeInterrupted)
	case run.job.Status == domain.StatusFinished:
		p.sup.metrics.jobOutcome(outcomeFinished)
	case run.job.Status == domain.StatusBlocked:
		p.sup.metrics.jobOutcome(outcomeBlocked)
	default:
		p.sup.metrics.jobOutcome(outcomeFailed)
	}
}

func (p *JobQueueProcessor) alertUnknownJob(ctx context.Context, msg jobqueue.JobSubmitMsg) {
	subject := fmt.Sprintf("Unknown job %s submitted", msg.JobUUID)
	body := fmt.Sprintf(
		"Worker %s (%s) received a submit message for job %s of tenant %s that has no database record.\n"+
			"The message was rejected.\nMessage id: %s\nSender: %s\nQueue: %s\n",
		p.sup.name, p.sup.uuid, msg.JobUUID, msg.Tenant, msg.MsgID, msg.SenderID, p.sup.queue)

	if err := p.sup.alerter.Alert(ctx, subject, body); err != nil {
		p.logger.Error("Failed to send unknown job alert",
			slog.String("job_uuid", msg.JobUUID),
			slog.Any("error", err),
		)
	}
}
