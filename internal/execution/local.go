// Package execution runs jobs as processes on the worker's own host
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/jobq/internal/worker"
	"github.com/cuongbtq/jobq/internal/worker/domain"
)

// Config holds local execution settings
type Config struct {
	// WorkRoot holds one directory per job
	WorkRoot string
	// ArchiveRoot receives the outputs of finished jobs
	ArchiveRoot string
	// Shell runs the job command
	Shell string
	// PollInterval is how often a running job checks for async commands
	PollInterval time.Duration
	// TestUser replaces the job owner in the process environment
	TestUser string
}

// Factory creates local execution contexts
type Factory struct {
	config Config
	logger *slog.Logger
}

// NewFactory creates a new Factory
func NewFactory(config Config, logger *slog.Logger) *Factory {
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ArchiveRoot == "" {
		config.ArchiveRoot = filepath.Join(config.WorkRoot, "archive")
	}
	return &Factory{config: config, logger: logger}
}

// New creates the execution context of job. It satisfies
// worker.ExecutionContextFactory.
func (f *Factory) New(job *domain.Job) (worker.ExecutionContext, error) {
	if job.Command == "" {
		return nil, fmt.Errorf("job %s has no command", job.UUID)
	}
	dir := filepath.Join(f.config.WorkRoot, job.Tenant, job.UUID)
	return &LocalContext{
		config:  f.config,
		job:     job,
		dir:     dir,
		input:   filepath.Join(dir, "input"),
		output:  filepath.Join(dir, "output"),
		archive: filepath.Join(f.config.ArchiveRoot, job.Tenant, job.UUID),
		logger:  f.logger.With(slog.String("job_uuid", job.UUID)),
	}, nil
}

// LocalContext runs one job through its phases with os/exec
type LocalContext struct {
	config  Config
	job     *domain.Job
	dir     string
	input   string
	output  string
	archive string
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	done   chan struct{}
	result error
}

// CreateDirectories creates the job's input and output directories
func (c *LocalContext) CreateDirectories(ctx context.Context) error {
	for _, dir := range []string{c.input, c.output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, classify(err))
		}
	}
	return nil
}

// StageInputs writes the job description into the input directory
func (c *LocalContext) StageInputs(ctx context.Context) error {
	desc := map[string]any{
		"uuid":         c.job.UUID,
		"tenant":       c.job.Tenant,
		"owner":        c.owner(),
		"name":         c.job.Name,
		"appId":        c.job.AppID,
		"execSystemId": c.job.ExecSystemID,
		"created":      c.job.Created,
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job description: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.input, "job.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to stage job description: %w", classify(err))
	}
	return nil
}

// StageJob writes the launch script
func (c *LocalContext) StageJob(ctx context.Context) error {
	script := "#!" + c.config.Shell + "\n" + c.job.Command + "\n"
	if err := os.WriteFile(c.script(), []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to stage launch script: %w", classify(err))
	}
	return nil
}

// SubmitJob starts the launch script. The process outlives ctx; it is
// stopped by a cancel or pause command or by Close.
func (c *LocalContext) SubmitJob(ctx context.Context) error {
	stdout, err := os.Create(filepath.Join(c.output, "stdout.log"))
	if err != nil {
		return fmt.Errorf("failed to create stdout log: %w", classify(err))
	}
	stderr, err := os.Create(filepath.Join(c.output, "stderr.log"))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("failed to create stderr log: %w", classify(err))
	}

	cmd := exec.Command(c.config.Shell, c.script())
	cmd.Dir = c.output
	// own process group so a kill reaches the command's children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(),
		"JOBQ_JOB_UUID="+c.job.UUID,
		"JOBQ_TENANT="+c.job.Tenant,
		"JOBQ_OWNER="+c.owner(),
		"JOBQ_INPUT_DIR="+c.input,
	)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("failed to start job process: %w", classify(err))
	}

	c.mu.Lock()
	c.cmd = cmd
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		c.mu.Lock()
		c.result = err
		c.mu.Unlock()
		close(c.done)
	}()

	c.job.RemoteJobID = strconv.Itoa(cmd.Process.Pid)
	c.logger.Info("Job process started",
		slog.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// MonitorQueuedJob waits for the process to be scheduled. A local process
// runs as soon as it is started.
func (c *LocalContext) MonitorQueuedJob(ctx context.Context) error {
	if c.process() == nil {
		return errors.New("job process was never started")
	}
	return nil
}

// MonitorRunningJob waits for the process to exit, checking the job's
// async command slot every poll interval. A pending command kills the
// process and returns domain.ErrInterrupted.
func (c *LocalContext) MonitorRunningJob(ctx context.Context) error {
	cmd := c.process()
	if cmd == nil {
		return errors.New("job process was never started")
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.mu.Lock()
			err := c.result
			c.mu.Unlock()
			if err != nil {
				return fmt.Errorf("job process failed: %w", err)
			}
			return nil
		case <-ticker.C:
			if pending, ok := c.job.AsyncCommand(); ok {
				c.logger.Info("Stopping job process",
					slog.String("command", string(pending.Kind)),
				)
				c.kill()
				return domain.ErrInterrupted
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ArchiveOutputs moves the output directory into the archive
func (c *LocalContext) ArchiveOutputs(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(c.archive), 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", classify(err))
	}
	if err := os.RemoveAll(c.archive); err != nil {
		return fmt.Errorf("failed to clear archive directory: %w", classify(err))
	}
	if err := os.Rename(c.output, c.archive); err != nil {
		return fmt.Errorf("failed to archive outputs: %w", classify(err))
	}
	return nil
}

// Close kills the process if it is still running
func (c *LocalContext) Close() error {
	c.kill()
	return nil
}

func (c *LocalContext) script() string {
	return filepath.Join(c.dir, "launch.sh")
}

func (c *LocalContext) owner() string {
	if c.config.TestUser != "" {
		return c.config.TestUser
	}
	return c.job.Owner
}

func (c *LocalContext) process() *exec.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd
}

func (c *LocalContext) kill() {
	cmd := c.process()
	if cmd == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		c.logger.Warn("Failed to kill job process",
			slog.Any("error", err),
		)
	}
	<-c.done
}

// classify marks resource exhaustion as recoverable
func classify(err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EMFILE):
		return domain.NewRecoverableError(err)
	}
	return err
}
