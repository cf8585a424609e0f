// Package scheduler runs named recurring maintenance tasks. Each run first
// claims a lease in the counter store, so across every instance sharing the
// store only one runs a given task at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mtiwari1/gopherscan/internal/counterstore"
)

const (
	minLease       = 30 * time.Second
	releaseTimeout = 2 * time.Second
)

// TaskFunc performs one pass and reports how many records it touched.
type TaskFunc func(ctx context.Context) (int, error)

type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
}

type Scheduler struct {
	store  counterstore.Store
	clock  clockwork.Clock
	tasks  []task
	logger *slog.Logger
}

func New(store counterstore.Store, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, clock: clock, logger: logger}
}

// Add registers fn to run every interval under name. Call before Run.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, run: fn})
}

// Names lists the registered tasks in registration order.
func (s *Scheduler) Names() []string {
	out := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.name
	}
	return out
}

// Run ticks every task until ctx is done. Tasks do not run at start.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			ticker := s.clock.NewTicker(t.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					if _, err := s.runTask(ctx, t); err != nil {
						s.logger.Error("scheduled task failed", slog.String("task", t.name), slog.String("error", err.Error()))
					}
				}
			}
		}(t)
	}
	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	wg.Wait()
	return nil
}

// RunOnce runs the named task now if its lease is free. It reports whether
// the task ran.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (bool, error) {
	for _, t := range s.tasks {
		if t.name == name {
			return s.runTask(ctx, t)
		}
	}
	return false, fmt.Errorf("scheduler: unknown task %q", name)
}

// RunAll runs every task once in registration order and stops at the first
// failure.
func (s *Scheduler) RunAll(ctx context.Context) error {
	for _, t := range s.tasks {
		if _, err := s.runTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, t task) (bool, error) {
	logger := s.logger.With(slog.String("task", t.name))

	lease, err := counterstore.AcquireLease(ctx, s.store, t.name, max(t.interval, minLease))
	if err != nil {
		return false, err
	}
	if lease == nil {
		logger.Debug("task held by another instance")
		return false, nil
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			logger.Warn("release lease", slog.String("error", err.Error()))
		}
	}()

	start := s.clock.Now()
	n, err := t.run(ctx)
	if err != nil {
		return true, fmt.Errorf("task %s: %w", t.name, err)
	}
	if n > 0 {
		logger.Info("task finished", slog.Int("affected", n), slog.Duration("latency", s.clock.Since(start)))
	}
	return true, nil
}
