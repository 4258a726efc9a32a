package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
	"github.com/cuongbtq/jobq/shared/rabbitmq/rabbitmqtest"
)

const (
	testTenant     = "dev"
	testWorkerName = "wkr-test"
	testWorkerUUID = "wkr-uuid-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory JobStore
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	history map[string][]domain.JobStatus
	closed  bool

	getErr    error
	setErr    map[domain.JobStatus]error
	failErr   error
	noteCalls int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    make(map[string]*domain.Job),
		history: make(map[string][]domain.JobStatus),
		setErr:  make(map[domain.JobStatus]error),
	}
}

func cloneJob(j *domain.Job) *domain.Job {
	return &domain.Job{
		UUID:         j.UUID,
		Tenant:       j.Tenant,
		Owner:        j.Owner,
		Name:         j.Name,
		AppID:        j.AppID,
		ExecSystemID: j.ExecSystemID,
		Command:      j.Command,
		Status:       j.Status,
		RemoteJobID:  j.RemoteJobID,
		LastMessage:  j.LastMessage,
		Created:      j.Created,
		LastUpdated:  j.LastUpdated,
	}
}

func (s *memStore) add(uuid string, status domain.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[uuid] = &domain.Job{
		UUID:         uuid,
		Tenant:       testTenant,
		Owner:        "testuser",
		Name:         "job " + uuid,
		ExecSystemID: "local",
		Status:       status,
		Created:      time.Now().UTC(),
	}
}

func (s *memStore) status(uuid string) domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[uuid].Status
}

func (s *memStore) statusHistory(uuid string) []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobStatus(nil), s.history[uuid]...)
}

func (s *memStore) failSetStatus(status domain.JobStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr[status] = err
}

func (s *memStore) failFailJob(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *memStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memStore) GetJob(ctx context.Context, jobUUID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	j, ok := s.jobs[jobUUID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (s *memStore) SetStatus(ctx context.Context, job *domain.Job, status domain.JobStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setErr[status]; err != nil {
		return err
	}
	return s.setLocked(job, status, message)
}

func (s *memStore) FailJob(ctx context.Context, job *domain.Job, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	return s.setLocked(job, domain.StatusFailed, message)
}

func (s *memStore) setLocked(job *domain.Job, status domain.JobStatus, message string) error {
	stored, ok := s.jobs[job.UUID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !domain.CanTransition(stored.Status, status) {
		return domain.ErrTerminalStatus
	}
	stored.Status = status
	stored.LastMessage = message
	job.Status = status
	job.LastMessage = message
	s.history[job.UUID] = append(s.history[job.UUID], status)
	return nil
}

func (s *memStore) UpdateLastMessage(ctx context.Context, job *domain.Job, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noteCalls++
	if stored, ok := s.jobs[job.UUID]; ok {
		stored.LastMessage = message
	}
	job.LastMessage = message
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type phaseHook func(ctx context.Context, job *domain.Job) error

// fakeExec records the phases it runs and calls the hook registered for
// a phase, if any
type fakeExec struct {
	mu     sync.Mutex
	hooks  map[string]phaseHook
	calls  []string
	closed int
}

func newFakeExec() *fakeExec {
	return &fakeExec{hooks: make(map[string]phaseHook)}
}

func (f *fakeExec) on(phase string, hook phaseHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[phase] = hook
}

func (f *fakeExec) phases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExec) factory() ExecutionContextFactory {
	return func(job *domain.Job) (ExecutionContext, error) {
		return &boundExec{fake: f, job: job}, nil
	}
}

type boundExec struct {
	fake *fakeExec
	job  *domain.Job
}

func (b *boundExec) run(ctx context.Context, phase string) error {
	b.fake.mu.Lock()
	b.fake.calls = append(b.fake.calls, phase)
	hook := b.fake.hooks[phase]
	b.fake.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook(ctx, b.job)
}

func (b *boundExec) CreateDirectories(ctx context.Context) error { return b.run(ctx, "CreateDirectories") }
func (b *boundExec) StageInputs(ctx context.Context) error       { return b.run(ctx, "StageInputs") }
func (b *boundExec) StageJob(ctx context.Context) error          { return b.run(ctx, "StageJob") }
func (b *boundExec) SubmitJob(ctx context.Context) error         { return b.run(ctx, "SubmitJob") }
func (b *boundExec) MonitorQueuedJob(ctx context.Context) error  { return b.run(ctx, "MonitorQueuedJob") }
func (b *boundExec) MonitorRunningJob(ctx context.Context) error { return b.run(ctx, "MonitorRunningJob") }
func (b *boundExec) ArchiveOutputs(ctx context.Context) error    { return b.run(ctx, "ArchiveOutputs") }

func (b *boundExec) Close() error {
	b.fake.mu.Lock()
	defer b.fake.mu.Unlock()
	b.fake.closed++
	return nil
}

// countingAlerter records alert subjects
type countingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *countingAlerter) Alert(ctx context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *countingAlerter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects...)
}

type harness struct {
	sup    *Supervisor
	fake   *rabbitmqtest.Broker
	broker *jobqueue.Broker
	store  *memStore
	exec   *fakeExec
	alerts *countingAlerter
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()

	fake := rabbitmqtest.New()
	logger := testLogger()
	mgr := rabbitmq.NewManager(&rabbitmq.Config{RetryAttempts: 1, RetryInterval: time.Millisecond}, logger, rabbitmq.WithDialer(fake.Dial))

	h := &harness{
		fake:   fake,
		broker: jobqueue.NewBroker(mgr, logger),
		store:  newMemStore(),
		exec:   newFakeExec(),
		alerts: &countingAlerter{},
	}

	cfg := Config{
		Name:       testWorkerName,
		UUID:       testWorkerUUID,
		Tenants:    []string{testTenant},
		StartPoll:  time.Millisecond,
		Broker:     h.broker,
		Store:      h.store,
		Alerter:    h.alerts,
		Executions: h.exec.factory(),
		Metrics:    NewMetrics(prometheus.NewRegistry()),
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)
	h.sup = sup

	require.NoError(t, h.broker.InitTopology(context.Background(), cfg.Tenants))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Cleanup(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, jobUUID string) *rabbitmq.Delivery {
	t.Helper()
	body, err := jobqueue.Encode(jobqueue.NewJobSubmitMsg("api-test", testTenant, jobUUID))
	require.NoError(t, err)
	return &rabbitmq.Delivery{DeliveryTag: 1, Body: body}
}

func (h *harness) outcome(outcome string) float64 {
	return testutil.ToFloat64(h.sup.metrics.jobs.WithLabelValues(outcome))
}

func (h *harness) rejected(reason string) float64 {
	return testutil.ToFloat64(h.sup.metrics.rejected.WithLabelValues(reason))
}

func (h *harness) restarted(kind ThreadKind) float64 {
	return testutil.ToFloat64(h.sup.metrics.restarts.WithLabelValues(kind.String()))
}

// recoveryMessages decodes the messages waiting on the tenant recovery queue
func (h *harness) recoveryMessages(t *testing.T) []jobqueue.JobRecoveryMsg {
	t.Helper()
	var msgs []jobqueue.JobRecoveryMsg
	for _, body := range h.fake.Pending(jobqueue.RecoveryQueue(testTenant)) {
		msg, err := jobqueue.DecodeCommand(body)
		require.NoError(t, err)
		msgs = append(msgs, msg.(jobqueue.JobRecoveryMsg))
	}
	return msgs
}

var errBoom = errors.New("boom")
