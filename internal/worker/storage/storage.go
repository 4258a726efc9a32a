// Package storage persists worker-side job state
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/jobq/internal/worker/domain"
)

const (
	jobsTable   = "jobs"
	eventsTable = "job_events"
)

var jobColumns = []string{
	"uuid", "tenant", "owner", "name", "app_id", "exec_system_id", "command",
	"status", "remote_job_id", "last_message", "created", "last_updated",
}

var terminalStatuses = []string{
	string(domain.StatusFinished),
	string(domain.StatusCancelled),
	string(domain.StatusFailed),
}

type jobRow struct {
	UUID         string    `db:"uuid"`
	Tenant       string    `db:"tenant"`
	Owner        string    `db:"owner"`
	Name         string    `db:"name"`
	AppID        string    `db:"app_id"`
	ExecSystemID string    `db:"exec_system_id"`
	Command      string    `db:"command"`
	Status       string    `db:"status"`
	RemoteJobID  string    `db:"remote_job_id"`
	LastMessage  string    `db:"last_message"`
	Created      time.Time `db:"created"`
	LastUpdated  time.Time `db:"last_updated"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	status, err := domain.ParseJobStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.UUID, err)
	}
	return &domain.Job{
		UUID:         r.UUID,
		Tenant:       r.Tenant,
		Owner:        r.Owner,
		Name:         r.Name,
		AppID:        r.AppID,
		ExecSystemID: r.ExecSystemID,
		Command:      r.Command,
		Status:       status,
		RemoteJobID:  r.RemoteJobID,
		LastMessage:  r.LastMessage,
		Created:      r.Created,
		LastUpdated:  r.LastUpdated,
	}, nil
}

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	sb     sq.StatementBuilderType
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Storage
type Option func(*Storage)

// WithPlaceholder sets the bind variable format, $1 by default
func WithPlaceholder(format sq.PlaceholderFormat) Option {
	return func(s *Storage) {
		s.sb = sq.StatementBuilder.PlaceholderFormat(format)
	}
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger, opts ...Option) *Storage {
	s := &Storage{
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetJob retrieves a job by uuid
func (s *Storage) GetJob(ctx context.Context, jobUUID string) (*domain.Job, error) {
	query, args, err := s.sb.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"uuid": jobUUID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build job query: %w", err)
	}

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

// SetStatus changes the status of a job that is not terminal and records
// the transition in the job's event history, in one transaction. A job
// whose loaded status is terminal is refused without a round trip; the
// update itself re-checks the stored row. On success job is updated to
// match the stored row.
func (s *Storage) SetStatus(ctx context.Context, job *domain.Job, status domain.JobStatus, message string) error {
	if _, err := domain.ParseJobStatus(string(status)); err != nil {
		return err
	}
	if !domain.CanTransition(job.Status, status) {
		return fmt.Errorf("%w: job %s is %s", domain.ErrTerminalStatus, job.UUID, job.Status)
	}

	now := s.now()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		update, args, err := s.sb.Update(jobsTable).
			Set("status", string(status)).
			Set("last_message", message).
			Set("last_updated", now).
			Where(sq.Eq{"uuid": job.UUID}).
			Where(sq.NotEq{"status": terminalStatuses}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build status update: %w", err)
		}

		res, err := tx.ExecContext(ctx, update, args...)
		if err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return s.explainNoUpdate(ctx, tx, job.UUID)
		}

		insert, args, err := s.sb.Insert(eventsTable).
			Columns("job_uuid", "tenant", "from_status", "to_status", "message", "created").
			Values(job.UUID, job.Tenant, string(job.Status), string(status), message, now).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build event insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("failed to insert job event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Job status persisted",
		slog.String("job_uuid", job.UUID),
		slog.String("from", string(job.Status)),
		slog.String("to", string(status)),
	)

	job.Status = status
	job.LastMessage = message
	job.LastUpdated = now
	return nil
}

// explainNoUpdate tells a missing job from a terminal one
func (s *Storage) explainNoUpdate(ctx context.Context, tx *sqlx.Tx, jobUUID string) error {
	query, args, err := s.sb.Select("status").From(jobsTable).Where(sq.Eq{"uuid": jobUUID}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build status query: %w", err)
	}

	var current string
	if err := tx.GetContext(ctx, &current, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrTerminalStatus, jobUUID, current)
}

// FailJob sets the job to FAILED
func (s *Storage) FailJob(ctx context.Context, job *domain.Job, message string) error {
	return s.SetStatus(ctx, job, domain.StatusFailed, message)
}

// UpdateLastMessage records a progress message without a status change
func (s *Storage) UpdateLastMessage(ctx context.Context, job *domain.Job, message string) error {
	now := s.now()
	query, args, err := s.sb.Update(jobsTable).
		Set("last_message", message).
		Set("last_updated", now).
		Where(sq.Eq{"uuid": job.UUID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build last message update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update last message: %w", err)
	}
	job.LastMessage = message
	job.LastUpdated = now
	return nil
}

// Close closes the database handle
func (s *Storage) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when it returns nil
func (s *Storage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("transaction panicked: %v", r)
		}
	}()

	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.logger.Warn("Failed to roll back transaction",
				slog.Any("error", rerr),
			)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
