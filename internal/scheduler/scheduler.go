package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bryanwahyu/osintscan/internal/domain/identity"
	ilog "github.com/bryanwahyu/osintscan/internal/log"
)

// Task is one periodic maintenance run.
type Task func(ctx context.Context) error

// Scheduler wraps robfig/cron. A task never overlaps with its own previous
// run; a slow reconcile simply skips ticks.
type Scheduler struct {
	mu    sync.Mutex
	c     *cron.Cron
	ctx   context.Context
	names map[cron.EntryID]string
}

// New creates a stopped Scheduler. Call Run to activate it.
func New() *Scheduler {
	return &Scheduler{
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:   context.Background(),
		names: make(map[cron.EntryID]string),
	}
}

// Add registers task under name on the cron expression expr. Standard five
// field specs and descriptors such as "@every 1m" are accepted.
func (s *Scheduler) Add(name, expr string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.c.AddFunc(expr, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}
	s.names[id] = name
	slog.Info("Scheduled job.", slog.String("job", name), slog.String("cron", expr))
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	ctx = identity.WithOperator(ctx, identity.Operator{Name: "scheduler:" + name})
	ctx = ilog.ContextAttrs(ctx, slog.String("job", name))
	start := time.Now()
	if err := task(ctx); err != nil {
		slog.ErrorContext(ctx, "Scheduled job failed.", slog.String("error", err.Error()), slog.Duration("duration", time.Since(start)))
		return
	}
	slog.DebugContext(ctx, "Scheduled job finished.", slog.Duration("duration", time.Since(start)))
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// in-flight jobs. Jobs see ctx and should stop when it is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.c.Start()
	<-ctx.Done()
	<-s.c.Stop().Done()
	return nil
}

// Next reports the next run of each job by name.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, e := range s.c.Entries() {
		out[s.names[e.ID]] = e.Next
	}
	return out
}
