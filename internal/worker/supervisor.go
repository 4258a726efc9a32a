package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/jobq/internal/alert"
	"github.com/cuongbtq/jobq/internal/jobqueue"
	"github.com/cuongbtq/jobq/internal/worker/domain"
	"github.com/cuongbtq/jobq/shared/rabbitmq"
)

// thread is one supervised consumer goroutine
type thread struct {
	id       int64
	kind     ThreadKind
	job      *domain.Job
	listener *JobListener
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool
}

// stop cancels the thread; its exit is not treated as a crash
func (th *thread) stop() {
	th.stopping.Store(true)
	th.cancel()
}

// Supervisor spawns and restarts the worker's consumer threads and
// coordinates shutdown
type Supervisor struct {
	name      string
	uuid      string
	queue     string
	workers   int
	tenants   []string
	startPoll time.Duration
	grace     time.Duration

	broker     *jobqueue.Broker
	store      JobStore
	alerter    alert.Alerter
	executions ExecutionContextFactory
	metrics    *Metrics
	logger     *slog.Logger

	restarts *Throttle
	starts   *Throttle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cond       *sync.Cond
	threads    map[int64]*thread
	nextID     int64
	activeJobs map[string]*domain.Job
	suspended  bool
	shutdown   bool
	reason     string
	started    time.Time
}

// Status is a snapshot of a worker's state
type Status struct {
	Name         string         `json:"name"`
	UUID         string         `json:"uuid"`
	Queue        string         `json:"queue"`
	Workers      int            `json:"workers"`
	Threads      map[string]int `json:"threads"`
	ActiveJobs   []string       `json:"activeJobs"`
	Suspended    bool           `json:"suspended"`
	ShuttingDown bool           `json:"shuttingDown"`
	Started      time.Time      `json:"started"`
}

// NewSupervisor creates a new Supervisor. No thread runs until Start.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		name:       cfg.Name,
		uuid:       cfg.UUID,
		queue:      cfg.Queue,
		workers:    cfg.Workers,
		tenants:    cfg.Tenants,
		startPoll:  cfg.StartPoll,
		grace:      cfg.ShutdownGrace,
		broker:     cfg.Broker,
		store:      cfg.Store,
		alerter:    cfg.Alerter,
		executions: cfg.Executions,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With(slog.String("worker", cfg.Name)),
		restarts:   NewThrottle(cfg.RestartLimit, cfg.RestartWindow),
		starts:     NewThrottle(cfg.StartLimit, cfg.StartWindow),
		ctx:        ctx,
		cancel:     cancel,
		threads:    make(map[int64]*thread),
		activeJobs: make(map[string]*domain.Job),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Name returns the worker name
func (s *Supervisor) Name() string { return s.name }

// UUID returns the worker uuid
func (s *Supervisor) UUID() string { return s.uuid }

// Start declares the topology and spawns the job queue threads and the
// command topic thread. Cancelling ctx requests a shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("Starting worker",
		slog.String("worker_uuid", s.uuid),
		slog.String("queue", s.queue),
		slog.Int("workers", s.workers),
		slog.Any("tenants", s.tenants),
	)

	if err := s.broker.InitTopology(ctx, s.tenants); err != nil {
		return fmt.Errorf("failed to initialize topology: %w", err)
	}
	if err := s.broker.DeclareSubmitQueue(ctx, s.tenants, s.queue); err != nil {
		return fmt.Errorf("failed to declare submit queue: %w", err)
	}

	context.AfterFunc(ctx, func() {
		s.Shutdown("context canceled")
	})

	s.mu.Lock()
	s.started = time.Now().UTC()
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.spawn(KindJobQueue, nil, nil)
	}
	s.spawn(KindCommandTopic, nil, nil)

	s.logger.Info("Worker started",
		slog.String("worker_uuid", s.uuid),
	)
	return nil
}

// spawn starts a supervised thread. Once shutdown has begun only job
// command listeners are spawned, for jobs still in flight.
func (s *Supervisor) spawn(kind ThreadKind, job *domain.Job, listener *JobListener) *thread {
	s.mu.Lock()
	if s.shutdown && kind != KindJobCommand {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.nextID++
	th := &thread{
		id:       s.nextID,
		kind:     kind,
		job:      job,
		listener: listener,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.threads[th.id] = th
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, th)
	return th
}

func (s *Supervisor) run(ctx context.Context, th *thread) {
	defer s.wg.Done()
	defer close(th.done)
	defer th.cancel()

	err := s.runThread(ctx, th)
	s.onThreadExit(th, err)
}

func (s *Supervisor) runThread(ctx context.Context, th *thread) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thread panicked: %v", r)
		}
	}()

	logger := s.logger.With(
		slog.String("thread", th.kind.String()),
		slog.Int64("thread_id", th.id),
	)

	switch th.kind {
	case KindJobQueue:
		tag := fmt.Sprintf("%s-%d", s.uuid, th.id)
		return rabbitmq.RunProcessor(ctx, s.broker, jobqueue.SubmitConsumerSpec(s.queue, tag), newJobQueueProcessor(s, logger), logger)
	case KindCommandTopic:
		return rabbitmq.RunProcessor(ctx, s.broker, jobqueue.WorkerTopicSpec(s.name, s.uuid), newWorkerCommandProcessor(s, logger), logger)
	case KindJobCommand:
		return rabbitmq.RunProcessor(ctx, s.broker, jobqueue.JobTopicSpec(th.job.Tenant, th.job.UUID), newJobCommandProcessor(s, th.job, logger), logger)
	}
	return fmt.Errorf("unknown thread kind %s", th.kind)
}

// onThreadExit is the crash handler of every supervised thread
func (s *Supervisor) onThreadExit(th *thread, err error) {
	s.mu.Lock()
	delete(s.threads, th.id)
	shuttingDown := s.shutdown
	s.mu.Unlock()

	if err == nil || th.stopping.Load() {
		s.logger.Debug("Thread exited",
			slog.String("thread", th.kind.String()),
			slog.Int64("thread_id", th.id),
		)
		return
	}

	s.logger.Error("Thread died",
		slog.String("thread", th.kind.String()),
		slog.Int64("thread_id", th.id),
		slog.Any("error", err),
	)

	if !th.kind.known() || shuttingDown {
		return
	}

	if !s.restarts.Record() {
		s.logger.Error("Thread restart limit exceeded, shutting down worker",
			slog.Int("limit", s.restarts.limit),
			slog.Duration("window", s.restarts.window),
		)
		s.Shutdown(fmt.Sprintf("more than %d thread restarts within %s", s.restarts.limit, s.restarts.window))
		return
	}

	s.metrics.threadRestarted(th.kind)
	s.logger.Info("Restarting thread",
		slog.String("thread", th.kind.String()),
		slog.Int64("thread_id", th.id),
	)

	switch th.kind {
	case KindJobCommand:
		th.listener.replace(th)
	case KindJobQueue:
		s.mu.Lock()
		suspended := s.suspended
		s.mu.Unlock()
		if !suspended {
			s.spawn(KindJobQueue, nil, nil)
		}
	default:
		s.spawn(th.kind, nil, nil)
	}
}

// Shutdown requests a worker shutdown and wakes Wait. It may be called
// from any goroutine, any number of times.
func (s *Supervisor) Shutdown(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	s.reason = reason

	s.logger.Warn("Worker shutdown requested",
		slog.String("reason", reason),
	)
	s.cond.Broadcast()
}

// Wait blocks until Shutdown is called and returns its reason
func (s *Supervisor) Wait() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.shutdown {
		s.cond.Wait()
	}
	return s.reason
}

// ShuttingDown reports whether Shutdown was called
func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Cleanup stops the consumer threads after the grace period, removes the
// worker's command binding and closes the broker and the job store. Jobs
// in flight are given until ctx is done to finish and keep their command
// listeners until then.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	s.Shutdown("cleanup")

	select {
	case <-time.After(s.grace):
	case <-ctx.Done():
	}

	s.logger.Info("Cleaning up worker")
	// job command threads end with their job's Release
	for _, th := range s.threadsOf(KindJobQueue, KindCommandTopic) {
		th.stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All worker threads stopped")
	case <-ctx.Done():
		s.logger.Warn("Worker threads still running at cleanup deadline",
			slog.Any("active_jobs", s.Status().ActiveJobs),
		)
	}
	s.cancel()

	s.broker.UnbindWorkerTopic(context.WithoutCancel(ctx), s.name, s.uuid)

	var errs []error
	if err := s.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close job store: %w", err))
	}
	return errors.Join(errs...)
}

// Suspend stops the job queue threads. Jobs in flight run to completion.
func (s *Supervisor) Suspend() {
	s.mu.Lock()
	if s.suspended || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.suspended = true
	s.mu.Unlock()

	stopping := s.threadsOf(KindJobQueue)
	for _, th := range stopping {
		th.stop()
	}
	s.logger.Info("Worker suspended",
		slog.Int("stopped_threads", len(stopping)),
	)
}

// threadsOf returns the live threads of the given kinds
func (s *Supervisor) threadsOf(kinds ...ThreadKind) []*thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*thread
	for _, th := range s.threads {
		for _, k := range kinds {
			if th.kind == k {
				out = append(out, th)
				break
			}
		}
	}
	return out
}

// Resume respawns the job queue threads stopped by Suspend
func (s *Supervisor) Resume() {
	s.mu.Lock()
	if !s.suspended || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.suspended = false
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.spawn(KindJobQueue, nil, nil)
	}
	s.logger.Info("Worker resumed",
		slog.Int("workers", s.workers),
	)
}

// Status returns a snapshot of the worker's state
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:         s.name,
		UUID:         s.uuid,
		Queue:        s.queue,
		Workers:      s.workers,
		Threads:      make(map[string]int),
		ActiveJobs:   make([]string, 0, len(s.activeJobs)),
		Suspended:    s.suspended,
		ShuttingDown: s.shutdown,
		Started:      s.started,
	}
	for _, th := range s.threads {
		st.Threads[th.kind.String()]++
	}
	for id := range s.activeJobs {
		st.ActiveJobs = append(st.ActiveJobs, id)
	}
	sort.Strings(st.ActiveJobs)
	return st
}

// AwaitStartPermit blocks until the job start throttle lets another job
// begin remote submission
func (s *Supervisor) AwaitStartPermit(ctx context.Context) error {
	return s.starts.Wait(ctx, s.startPoll)
}

func (s *Supervisor) trackJob(job *domain.Job) {
	s.mu.Lock()
	s.activeJobs[job.UUID] = job
	s.mu.Unlock()
	s.metrics.active.Inc()
}

func (s *Supervisor) untrackJob(job *domain.Job) {
	s.mu.Lock()
	delete(s.activeJobs, job.UUID)
	s.mu.Unlock()
	s.metrics.active.Dec()
}
