package postgresql

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return NewClientFromDB(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5433, User: "jobs", Password: "pw", Database: "jobs_db"}
	assert.Equal(t, "host=db port=5433 user=jobs password=pw dbname=jobs_db sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestClient_HealthCheck(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	require.NoError(t, c.HealthCheck(ctx))
	assert.Contains(t, c.Stats(), "MaxOpenConns: 1")

	require.NoError(t, c.Close())
	assert.Error(t, c.HealthCheck(ctx))
}

func TestClient_Exec(t *testing.T) {
	c := testClient(t)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE t (id INTEGER)"))
	err := c.Exec(ctx, "INSERT INTO missing VALUES (1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute query")
}

func TestSchema(t *testing.T) {
	for _, table := range []string{"jobs", "job_events", "job_queues"} {
		assert.Contains(t, Schema, "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}
