package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

// WorkerCommandProcessor handles commands sent to the whole worker.
// Decodable messages are always acked, whatever the command's outcome.
type WorkerCommandProcessor struct {
	sup    *Supervisor
	logger *slog.Logger
}

func newWorkerCommandProcessor(s *Supervisor, logger *slog.Logger) *WorkerCommandProcessor {
	return &WorkerCommandProcessor{sup: s, logger: logger}
}

// Process implements rabbitmq.Processor
func (p *WorkerCommandProcessor) Process(ctx context.Context, d *rabbitmq.Delivery) (bool, error) {
	msg, ok := p.decode(d)
	if !ok {
		return false, nil
	}
	p.dispatch(ctx, msg)
	return true, nil
}

func (p *WorkerCommandProcessor) decode(d *rabbitmq.Delivery) (jobqueue.Message, bool) {
	msg, err := jobqueue.DecodeCommand(d.Body)
	if err != nil {
		p.logger.Error("Failed to decode command message",
			slog.String("routing_key", d.RoutingKey),
			slog.String("body", string(d.Body)),
			slog.Any("error", err),
		)
		p.sup.metrics.messageRejected(rejectUndecodable)
		return nil, false
	}
	p.logger.Info("Command received",
		slog.String("type", string(msg.MessageType())),
		slog.String("msg_id", msg.MessageID()),
		slog.String("routing_key", d.RoutingKey),
	)
	return msg, true
}

// dispatch reports whether msg was a worker command
func (p *WorkerCommandProcessor) dispatch(ctx context.Context, msg jobqueue.Message) bool {
	switch m := msg.(type) {
	case jobqueue.WorkerStatusMsg:
		if p.targeted(m.TargetWorkerUUID) {
			p.replyStatus(ctx, m)
		}
	case jobqueue.WorkerShutdownMsg:
		if p.targeted(m.TargetWorkerUUID) {
			reason := m.Reason
			if reason == "" {
				reason = "shutdown command from " + m.SenderID
			}
			p.sup.Shutdown(reason)
		}
	case jobqueue.WorkerSuspendMsg:
		if p.targeted(m.TargetWorkerUUID) {
			p.sup.Suspend()
		}
	case jobqueue.WorkerResumeMsg:
		if p.targeted(m.TargetWorkerUUID) {
			p.sup.Resume()
		}
	default:
		return false
	}
	return true
}

// targeted reports whether a command with the given target is meant for
// this worker. An empty target means every worker.
func (p *WorkerCommandProcessor) targeted(target string) bool {
	if target == "" || target == p.sup.uuid {
		return true
	}
	p.logger.Debug("Ignoring command for another worker",
		slog.String("target_worker_uuid", target),
	)
	return false
}

func (p *WorkerCommandProcessor) replyStatus(ctx context.Context, req jobqueue.WorkerStatusMsg) {
	reply := jobqueue.NewWorkerEventMsg(p.sup.name, p.sup.uuid, p.sup.Status())
	err := p.sup.broker.PostEvent(ctx, jobqueue.AllTenants, jobqueue.EventWorkerKey(p.sup.uuid), reply)
	if err != nil {
		p.logger.Warn("Failed to publish worker status",
			slog.String("request_msg_id", req.MsgID),
			slog.Any("error", err),
		)
	}
}

// JobCommandProcessor handles the command topic of one job in flight. It
// understands worker commands too.
type JobCommandProcessor struct {
	*WorkerCommandProcessor
	job *domain.Job
}

func newJobCommandProcessor(s *Supervisor, job *domain.Job, logger *slog.Logger) *JobCommandProcessor {
	return &JobCommandProcessor{
		WorkerCommandProcessor: newWorkerCommandProcessor(s, logger.With(slog.String("job_uuid", job.UUID))),
		job:                    job,
	}
}

// Process implements rabbitmq.Processor
func (p *JobCommandProcessor) Process(ctx context.Context, d *rabbitmq.Delivery) (bool, error) {
	msg, ok := p.decode(d)
	if !ok {
		return false, nil
	}
	if p.dispatch(ctx, msg) {
		return true, nil
	}

	switch m := msg.(type) {
	case jobqueue.JobStatusMsg:
		if p.forJob(m.JobUUID) {
			p.replyJobStatus(ctx, m)
		}
	case jobqueue.JobCancelMsg:
		if p.forJob(m.JobUUID) {
			p.setAsync(domain.AsyncCommand{Kind: domain.CommandCancel, MsgID: m.MsgID, SenderID: m.SenderID})
		}
	case jobqueue.JobPauseMsg:
		if p.forJob(m.JobUUID) {
			p.setAsync(domain.AsyncCommand{Kind: domain.CommandPause, MsgID: m.MsgID, SenderID: m.SenderID})
		}
	default:
		p.logger.Warn("Unexpected message on job command topic",
			slog.String("type", string(msg.MessageType())),
			slog.String("msg_id", msg.MessageID()),
		)
	}
	return true, nil
}

func (p *JobCommandProcessor) forJob(jobUUID string) bool {
	if jobUUID == p.job.UUID {
		return true
	}
	p.logger.Warn("Ignoring command for another job",
		slog.String("target_job_uuid", jobUUID),
	)
	return false
}

func (p *JobCommandProcessor) setAsync(cmd domain.AsyncCommand) {
	if !p.job.SetAsyncCommand(cmd) {
		existing, _ := p.job.AsyncCommand()
		p.logger.Info("Job already has a pending command, ignoring",
			slog.String("command", string(cmd.Kind)),
			slog.String("pending", string(existing.Kind)),
		)
		return
	}
	p.logger.Info("Async command set on job",
		slog.String("command", string(cmd.Kind)),
		slog.String("msg_id", cmd.MsgID),
	)
}

// replyJobStatus reads the job from the store rather than the in-flight
// copy, which is owned by the job queue thread
func (p *JobCommandProcessor) replyJobStatus(ctx context.Context, req jobqueue.JobStatusMsg) {
	job, err := p.sup.store.GetJob(ctx, p.job.UUID)
	if err != nil {
		p.logger.Warn("Failed to read job for status request",
			slog.String("request_msg_id", req.MsgID),
			slog.Any("error", err),
		)
		return
	}

	reply := jobqueue.NewJobEventMsg(p.sup.uuid, job.Tenant, job.UUID, string(job.Status), job.LastMessage)
	if err := p.sup.broker.PostEvent(ctx, job.Tenant, jobqueue.EventJobKey(job.UUID), reply); err != nil {
		p.logger.Warn("Failed to publish job status",
			slog.String("request_msg_id", req.MsgID),
			slog.Any("error", err),
		)
	}
}
