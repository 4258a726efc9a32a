// Package queuedef selects the submit queue of a new job.
//
// Queue definitions are evaluated in priority order, highest first; the
// first definition whose filter matches the job's attributes wins. When
// none matches, the default queue is used.
package queuedef

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/jobq/internal/jobqueue"
)

// Definition is one submit queue and the jobs it accepts
type Definition struct {
	Name     string `db:"name" json:"name"`
	Priority int    `db:"priority" json:"priority"`
	Filter   string `db:"filter" json:"filter"`
}

// Store lists the queue definitions
type Store interface {
	ListQueues(ctx context.Context) ([]Definition, error)
}

// SQLStore reads queue definitions from the job_queues table
type SQLStore struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

// NewSQLStore creates a new SQLStore. Placeholders default to $1.
func NewSQLStore(db *sqlx.DB, format sq.PlaceholderFormat) *SQLStore {
	if format == nil {
		format = sq.Dollar
	}
	return &SQLStore{db: db, sb: sq.StatementBuilder.PlaceholderFormat(format)}
}

// ListQueues returns every queue definition
func (s *SQLStore) ListQueues(ctx context.Context) ([]Definition, error) {
	query, args, err := s.sb.Select("name", "priority", "filter").
		From("job_queues").
		OrderBy("priority DESC", "name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build queue query: %w", err)
	}

	var defs []Definition
	if err := s.db.SelectContext(ctx, &defs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	return defs, nil
}

// Attributes are the job properties a filter can refer to
type Attributes struct {
	Tenant       string
	Owner        string
	Name         string
	AppID        string
	ExecSystemID string
	Command      string
}

func (a Attributes) env() map[string]any {
	return map[string]any{
		"tenant":       a.Tenant,
		"owner":        a.Owner,
		"name":         a.Name,
		"appId":        a.AppID,
		"execSystemId": a.ExecSystemID,
		"command":      a.Command,
		"like":         like,
	}
}

type compiled struct {
	def     Definition
	program *vm.Program
}

// snapshot is never modified once published
type snapshot struct {
	queues []compiled
	loaded time.Time
}

// Cache holds the current queue definitions. Reload replaces them as a
// whole; readers never lock.
type Cache struct {
	store        Store
	defaultQueue string
	logger       *slog.Logger

	snap   atomic.Pointer[snapshot]
	reload sync.Mutex
}

// NewCache creates an empty Cache. Select returns defaultQueue until the
// first successful Reload.
func NewCache(store Store, defaultQueue string, logger *slog.Logger) *Cache {
	if defaultQueue == "" {
		defaultQueue = jobqueue.DefaultQueueName
	}
	c := &Cache{store: store, defaultQueue: defaultQueue, logger: logger}
	c.snap.Store(&snapshot{})
	return c
}

// Reload reads and compiles all definitions and publishes them. On any
// error the previous definitions stay in place.
func (c *Cache) Reload(ctx context.Context) error {
	c.reload.Lock()
	defer c.reload.Unlock()

	defs, err := c.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue definitions: %w", err)
	}

	queues := make([]compiled, 0, len(defs))
	for _, def := range defs {
		if err := jobqueue.ValidateSubmitQueueName(def.Name); err != nil {
			return fmt.Errorf("queue %q: %w", def.Name, err)
		}
		program, err := compileFilter(def.Filter)
		if err != nil {
			return fmt.Errorf("queue %q: %w", def.Name, err)
		}
		queues = append(queues, compiled{def: def, program: program})
	}

	sort.SliceStable(queues, func(i, j int) bool {
		if queues[i].def.Priority != queues[j].def.Priority {
			return queues[i].def.Priority > queues[j].def.Priority
		}
		return queues[i].def.Name < queues[j].def.Name
	})

	c.snap.Store(&snapshot{queues: queues, loaded: time.Now().UTC()})
	c.logger.Info("Queue definitions loaded",
		slog.Int("count", len(queues)),
	)
	return nil
}

// Definitions returns the current definitions in evaluation order
func (c *Cache) Definitions() []Definition {
	snap := c.snap.Load()
	defs := make([]Definition, len(snap.queues))
	for i, q := range snap.queues {
		defs[i] = q.def
	}
	return defs
}

// Select returns the name of the first queue whose filter accepts attrs,
// or the default queue
func (c *Cache) Select(attrs Attributes) string {
	env := attrs.env()
	for _, q := range c.snap.Load().queues {
		out, err := expr.Run(q.program, env)
		if err != nil {
			c.logger.Warn("Queue filter failed",
				slog.String("queue", q.def.Name),
				slog.String("filter", q.def.Filter),
				slog.Any("error", err),
			)
			continue
		}
		if match, _ := out.(bool); match {
			return q.def.Name
		}
	}
	return c.defaultQueue
}

// StartReloader reloads the definitions on a cron schedule such as
// "@every 5m" until ctx is done. The returned function also stops it.
func (c *Cache) StartReloader(ctx context.Context, spec string) (func(), error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		if err := c.Reload(ctx); err != nil {
			c.logger.Error("Failed to reload queue definitions",
				slog.Any("error", err),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reload schedule %q: %w", spec, err)
	}

	scheduler.Start()
	var once sync.Once
	stop := func() {
		once.Do(func() { <-scheduler.Stop().Done() })
	}
	context.AfterFunc(ctx, stop)
	return stop, nil
}

func compileFilter(filter string) (*vm.Program, error) {
	if strings.TrimSpace(filter) == "" {
		filter = "true"
	}
	program, err := expr.Compile(filter, expr.Env(Attributes{}.env()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return program, nil
}

// like matches value against an SQL LIKE pattern, where % matches any
// run of characters and _ a single one
func like(value, pattern string) bool {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String()).MatchString(value)
}
