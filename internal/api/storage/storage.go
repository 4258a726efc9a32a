// Package storage reads and writes jobs for the control API
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/jobq/internal/api/domain"
	"github.com/cuongbtq/jobq/internal/api/model"
	workerdomain "github.com/cuongbtq/jobq/internal/worker/domain"
)

var jobColumns = []string{
	"uuid", "tenant", "owner", "name", "app_id", "exec_system_id", "command",
	"status", "remote_job_id", "last_message", "created", "last_updated",
}

type Storage struct {
	db  *sqlx.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

// Option configures a Storage
type Option func(*Storage)

// WithPlaceholder sets the bind parameter style. PostgreSQL uses
// sq.Dollar, the default.
func WithPlaceholder(format sq.PlaceholderFormat) Option {
	return func(s *Storage) {
		s.sb = sq.StatementBuilder.PlaceholderFormat(format)
	}
}

func NewStorage(db *sqlx.DB, opts ...Option) *Storage {
	s := &Storage{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob inserts job and its first history entry. Created and
// LastUpdated are set on job.
func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	now := s.now()
	job.Created = now
	job.LastUpdated = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sb.Insert("jobs").
		Columns(jobColumns...).
		Values(job.UUID, job.Tenant, job.Owner, job.Name, job.AppID, job.ExecSystemID, job.Command,
			job.Status, job.RemoteJobID, job.LastMessage, job.Created, job.LastUpdated).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.insertEvent(ctx, tx, job, "", job.Status, "Job created", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func (s *Storage) GetJob(ctx context.Context, jobUUID string) (*model.Job, error) {
	query, args, err := s.sb.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"uuid": jobUUID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var job model.Job
	if err := s.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

type JobFilter struct {
	Tenant   string
	Owner    string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	Created time.Time
	UUID    string
}

// ListJobs returns up to PageSize+1 jobs, newest first, so callers can
// tell whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	where := sq.And{sq.Eq{"tenant": filter.Tenant}}
	if filter.Owner != "" {
		where = append(where, sq.Eq{"owner": filter.Owner})
	}
	if filter.Status != "" {
		where = append(where, sq.Eq{"status": filter.Status})
	}
	if filter.Cursor != nil {
		where = append(where, sq.Or{
			sq.Lt{"created": filter.Cursor.Created},
			sq.And{sq.Eq{"created": filter.Cursor.Created}, sq.Lt{"uuid": filter.Cursor.UUID}},
		})
	}

	query, args, err := s.sb.Select(jobColumns...).
		From("jobs").
		Where(where).
		OrderBy("created DESC", "uuid DESC").
		Limit(uint64(filter.PageSize) + 1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var jobs []model.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListEvents returns the status history of a job, oldest first
func (s *Storage) ListEvents(ctx context.Context, jobUUID string) ([]model.JobEvent, error) {
	query, args, err := s.sb.Select("id", "job_uuid", "tenant", "from_status", "to_status", "message", "created").
		From("job_events").
		Where(sq.Eq{"job_uuid": jobUUID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var events []model.JobEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	return events, nil
}

// CancelPending cancels a job no worker has picked up yet. It reports
// whether the job was still PENDING.
func (s *Storage) CancelPending(ctx context.Context, job *model.Job, message string) (bool, error) {
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := s.sb.Update("jobs").
		Set("status", string(workerdomain.StatusCancelled)).
		Set("last_message", message).
		Set("last_updated", now).
		Where(sq.Eq{"uuid": job.UUID, "status": string(workerdomain.StatusPending)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := s.insertEvent(ctx, tx, job, string(workerdomain.StatusPending), string(workerdomain.StatusCancelled), message, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cancel: %w", err)
	}

	job.Status = string(workerdomain.StatusCancelled)
	job.LastMessage = message
	job.LastUpdated = now
	return true, nil
}

func (s *Storage) insertEvent(ctx context.Context, tx *sqlx.Tx, job *model.Job, from, to, message string, at time.Time) error {
	query, args, err := s.sb.Insert("job_events").
		Columns("job_uuid", "tenant", "from_status", "to_status", "message", "created").
		Values(job.UUID, job.Tenant, from, to, message, at).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build event insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record job event: %w", err)
	}
	return nil
}
