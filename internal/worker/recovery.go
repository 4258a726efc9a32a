package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
)

// recover hands a job that hit a recoverable error to the recovery
// manager in two steps: persist BLOCKED, then post a recovery message.
// The steps are not atomic. If either fails the job is failed instead,
// and if that fails too the job is left as a zombie: non-terminal and
// on no queue. Operators are alerted in that case.
func (r *jobRun) recover(ctx context.Context, blocked domain.JobStatus, cause error) {
	reason := cause.Error()

	err := r.setStatus(ctx, domain.StatusBlocked, fmt.Sprintf("Blocked in %s: %s", blocked, reason))
	if err == nil {
		msg := jobqueue.NewJobRecoveryMsg(r.sup.uuid, r.job.Tenant, r.job.UUID, string(blocked), reason)
		if err = r.sup.broker.PostRecovery(ctx, msg); err == nil {
			r.logger.Warn("Job blocked and handed to recovery",
				slog.String("blocked_phase", string(blocked)),
				slog.String("msg_id", msg.MsgID),
				slog.Any("cause", cause),
			)
			return
		}
		err = fmt.Errorf("failed to post recovery message: %w", err)
	}

	r.logger.Error("Recovery hand-off failed, failing job",
		slog.String("blocked_phase", string(blocked)),
		slog.Any("cause", cause),
		slog.Any("error", err),
	)

	failMsg := fmt.Sprintf("Recovery hand-off failed in %s: %v (cause: %s)", blocked, err, reason)
	ferr := r.sup.store.FailJob(ctx, r.job, failMsg)
	if ferr == nil {
		r.publishEvent(ctx, failMsg)
		return
	}

	r.alertZombie(ctx, fmt.Sprintf("could not be handed to recovery from %s (%v)", blocked, err), cause, ferr)
}

// alertZombie records that the job could not be failed and is left
// non-terminal on no queue, then alerts operators
func (r *jobRun) alertZombie(ctx context.Context, what string, cause, failErr error) {
	r.zombie = true
	r.logger.Error("Failed to fail job, job is a zombie",
		slog.String("status", string(r.job.Status)),
		slog.Any("cause", cause),
		slog.Any("error", failErr),
	)

	subject := fmt.Sprintf("Zombie job %s", r.job.UUID)
	body := fmt.Sprintf(
		"Job %s of tenant %s %s and could not be failed.\n"+
			"It is left in status %s and is on no queue.\n"+
			"Worker: %s (%s)\nCause: %v\nFail error: %v\n",
		r.job.UUID, r.job.Tenant, what, r.job.Status, r.sup.name, r.sup.uuid, cause, failErr)
	if aerr := r.sup.alerter.Alert(ctx, subject, body); aerr != nil {
		r.logger.Error("Failed to send zombie job alert",
			slog.Any("error", aerr),
		)
	}
}
