package storage

import (
	"context"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/cuongbtq/jobq/internal/api/domain"
	"github.com/cuongbtq/jobq/internal/api/model"
)

// testSchema mirrors the PostgreSQL schema in SQLite types
const testSchema = `
CREATE TABLE jobs (
	uuid TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	app_id TEXT NOT NULL DEFAULT '',
	exec_system_id TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	remote_job_id TEXT NOT NULL DEFAULT '',
	last_message TEXT NOT NULL DEFAULT '',
	created TIMESTAMP NOT NULL,
	last_updated TIMESTAMP NOT NULL
);
CREATE TABLE job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_uuid TEXT NOT NULL,
	tenant TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	message TEXT NOT NULL,
	created TIMESTAMP NOT NULL
);`

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStorage(db, WithPlaceholder(sq.Question))
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s
}

func newJob(id, tenant, owner string) *model.Job {
	return &model.Job{UUID: id, Tenant: tenant, Owner: owner, Command: "true", Status: "PENDING"}
}

func TestStorage_CreateAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := newJob("j1", "dev", "alice")
	job.AppID = "sleep-1.0"
	require.NoError(t, s.CreateJob(ctx, job))
	assert.False(t, job.Created.IsZero())

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "sleep-1.0", got.AppID)
	assert.Equal(t, "PENDING", got.Status)
	assert.True(t, job.Created.Equal(got.Created))

	events, err := s.ListEvents(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].FromStatus)
	assert.Equal(t, "PENDING", events[0].ToStatus)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	assert.Error(t, s.CreateJob(ctx, newJob("j1", "dev", "bob")))
}

func TestStorage_ListJobs(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, j := range []*model.Job{
		newJob("a", "dev", "alice"),
		newJob("b", "dev", "bob"),
		newJob("c", "prod", "alice"),
		newJob("d", "dev", "alice"),
		newJob("e", "dev", "alice"),
	} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	uuids := func(jobs []model.Job) []string {
		out := make([]string, len(jobs))
		for i, j := range jobs {
			out[i] = j.UUID
		}
		return out
	}

	page, err := s.ListJobs(ctx, JobFilter{Tenant: "dev", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "b"}, uuids(page))

	last := page[1]
	page, err = s.ListJobs(ctx, JobFilter{Tenant: "dev", PageSize: 2, Cursor: &JobCursor{Created: last.Created, UUID: last.UUID}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, uuids(page))

	page, err = s.ListJobs(ctx, JobFilter{Tenant: "dev", Owner: "alice", PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "a"}, uuids(page))

	page, err = s.ListJobs(ctx, JobFilter{Tenant: "dev", Status: "RUNNING", PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestStorage_CancelPending(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	job := newJob("j1", "dev", "alice")
	require.NoError(t, s.CreateJob(ctx, job))

	ok, err := s.CancelPending(ctx, job, "cancelled by api")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "CANCELLED", job.Status)

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", got.Status)
	assert.Equal(t, "cancelled by api", got.LastMessage)

	events, err := s.ListEvents(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "PENDING", events[1].FromStatus)
	assert.Equal(t, "CANCELLED", events[1].ToStatus)

	// no longer pending
	ok, err = s.CancelPending(ctx, job, "again")
	require.NoError(t, err)
	assert.False(t, ok)
}
