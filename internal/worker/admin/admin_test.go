package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobq/internal/worker"
)

type fakeWorker struct {
	status   worker.Status
	stopping bool
}

func (f *fakeWorker) Status() worker.Status { return f.status }
func (f *fakeWorker) ShuttingDown() bool     { return f.stopping }

func newTestRouter(w *fakeWorker, health func(context.Context) error) *gin.Engine {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	worker.NewMetrics(reg)
	return SetupRouter(&Dependencies{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Worker:   w,
		Gatherer: reg,
		Health:   health,
	})
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		worker *fakeWorker
		health func(context.Context) error
		want   int
	}{
		{"healthy", &fakeWorker{}, nil, http.StatusOK},
		{"shutting down", &fakeWorker{stopping: true}, nil, http.StatusServiceUnavailable},
		{"database down", &fakeWorker{}, func(context.Context) error { return errors.New("db down") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(newTestRouter(tt.worker, tt.health), "/health").Code)
		})
	}
}

func TestStatus(t *testing.T) {
	w := &fakeWorker{status: worker.Status{Name: "wkr-1", UUID: "u-1", Workers: 3, ActiveJobs: []string{"j1"}}}

	resp := get(newTestRouter(w, nil), "/status")
	require.Equal(t, http.StatusOK, resp.Code)

	var got worker.Status
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, "wkr-1", got.Name)
	assert.Equal(t, []string{"j1"}, got.ActiveJobs)
}

func TestMetrics(t *testing.T) {
	resp := get(newTestRouter(&fakeWorker{}, nil), "/metrics")

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "jobq_worker_active_jobs")
}
