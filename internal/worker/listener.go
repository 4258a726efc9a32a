package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
)

// JobListener is the command subscription of one job in flight. It is
// acquired when processing of the job starts and must be released when
// processing ends.
type JobListener struct {
	sup *Supervisor
	job *domain.Job

	mu       sync.Mutex
	thread   *thread
	released bool
}

// AcquireJobListener starts a command listener bound to the job's topic
func (s *Supervisor) AcquireJobListener(job *domain.Job) *JobListener {
	l := &JobListener{sup: s, job: job}

	l.mu.Lock()
	l.thread = s.spawn(KindJobCommand, job, l)
	l.mu.Unlock()

	return l
}

// replace starts a listener for the same job after old died
func (l *JobListener) replace(old *thread) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released || l.thread != old {
		return
	}
	l.thread = l.sup.spawn(KindJobCommand, l.job, l)
	if l.thread != nil {
		l.sup.logger.Info("Job command listener replaced",
			slog.String("job_uuid", l.job.UUID),
			slog.Int64("old_thread_id", old.id),
			slog.Int64("thread_id", l.thread.id),
		)
	}
}

// Release stops the listener and deletes the job topic. Errors are only
// logged.
func (l *JobListener) Release(ctx context.Context) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	th := l.thread
	l.mu.Unlock()

	if th != nil {
		th.stop()
		select {
		case <-th.done:
		case <-ctx.Done():
		}
	}

	topic := jobqueue.JobCmdTopic(l.job.Tenant, l.job.UUID)
	if err := l.sup.broker.DeleteTopic(ctx, topic); err != nil {
		l.sup.logger.Warn("Failed to delete job command topic",
			slog.String("topic", topic),
			slog.Any("error", err),
		)
	}
}
