package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"regexp"

	"github.com/cuongbtq/jobq/internal/jobqueue"
)

// ErrHelp is returned by ParseWorkerArgs when usage was requested
var ErrHelp = errors.New("help requested")

var workerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// WorkerParams holds the worker command line
type WorkerParams struct {
	Name       string
	Queue      string
	Workers    int
	AllowTest  bool
	TestUser   string
	ConfigPath string
}

// ParseWorkerArgs parses the worker command line. Values missing from
// args come from defaults. Usage and parse errors are written to out.
func ParseWorkerArgs(args []string, defaults WorkerParams, out io.Writer) (*WorkerParams, error) {
	p := defaults
	if p.Workers == 0 {
		p.Workers = 1
	}

	fs := flag.NewFlagSet("jobs-worker", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&p.Name, "n", p.Name, "worker name")
	fs.StringVar(&p.Name, "name", p.Name, "worker name")
	fs.StringVar(&p.Queue, "q", p.Queue, "submit queue to read jobs from")
	fs.StringVar(&p.Queue, "queue", p.Queue, "submit queue to read jobs from")
	fs.IntVar(&p.Workers, "w", p.Workers, "number of job queue threads")
	fs.IntVar(&p.Workers, "workers", p.Workers, "number of job queue threads")
	fs.BoolVar(&p.AllowTest, "allowtest", p.AllowTest, "allow test-only parameters")
	fs.StringVar(&p.TestUser, "testuser", p.TestUser, "run every job as this user (requires -allowtest)")
	fs.StringVar(&p.ConfigPath, "config", p.ConfigPath, "path to the config file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the parameter values
func (p *WorkerParams) Validate() error {
	if !workerNamePattern.MatchString(p.Name) {
		return fmt.Errorf("invalid worker name %q: 1 to 64 letters, digits, '_', '.' or '-' required", p.Name)
	}
	if p.Queue == "" {
		p.Queue = jobqueue.DefaultQueueName
	}
	if err := jobqueue.ValidateSubmitQueueName(p.Queue); err != nil {
		return err
	}
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}
	if p.TestUser != "" && !p.AllowTest {
		return fmt.Errorf("-testuser requires -allowtest")
	}
	return nil
}

// ConfigPathArg returns the value of a -config flag in args, or fallback.
// It lets the config file be loaded before the full command line is
// parsed against the defaults it supplies.
func ConfigPathArg(args []string, fallback string) string {
	path := fallback
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		for _, prefix := range []string{"-config", "--config"} {
			switch {
			case arg == prefix && i+1 < len(args):
				path = args[i+1]
				i++
			case len(arg) > len(prefix) && arg[:len(prefix)+1] == prefix+"=":
				path = arg[len(prefix)+1:]
			}
		}
	}
	return path
}
