// Package worker implements a bounded worker pool that drives analysis jobs
// from a buffered intake channel.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mtiwari1/gopherscan/internal/config"
)

// ErrClosed is returned by Enqueue once Shutdown has begun.
var ErrClosed = errors.New("worker pool closed")

// Processor runs one job to a terminal state or back to pending.
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// Result holds the outcome of processing a single job id.
type Result struct {
	JobID    string
	WorkerID int
	Latency  time.Duration
	Err      error
}

// Pool manages a fixed set of worker goroutines that pull job ids from a
// channel and emit Results to another channel.
type Pool struct {
	workers int
	proc    Processor
	tasks   chan string
	results chan Result
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	// mu guards sends on tasks against close.
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	finish    sync.Once
}

// NewPool creates a pool. Call Start to launch the goroutines.
func NewPool(cfg config.WorkerConfig, proc Processor, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: cfg.Count,
		proc:    proc,
		tasks:   make(chan string, cfg.QueueSize),
		results: make(chan Result, cfg.Count*2),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Enqueue hands a job id to the workers. It blocks while the intake is full
// until ctx is done or the pool shuts down.
func (p *Pool) Enqueue(ctx context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.tasks <- jobID:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the read-only results channel. It is closed by Shutdown.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown stops intake and waits for the workers to drain queued ids. If ctx
// ends first, in-flight jobs are cancelled, which returns them to pending, and
// ids still queued are left for the requeue sweep.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		close(p.tasks)
		p.mu.Unlock()
	})

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, cancelling in-flight jobs")
		p.cancel()
		<-drained
		err = ctx.Err()
	}
	p.cancel()
	p.finish.Do(func() { close(p.results) })
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case jobID, ok := <-p.tasks:
			if !ok {
				p.logger.Info("worker exiting", slog.Int("worker_id", id))
				return
			}
			p.process(id, jobID)

		case <-p.ctx.Done():
			p.logger.Info("worker cancelled", slog.Int("worker_id", id))
			return
		}
	}
}

func (p *Pool) process(workerID int, jobID string) {
	start := time.Now()
	logger := p.logger.With(slog.Int("worker_id", workerID), slog.String("job_id", jobID))
	logger.Debug("processing started")

	err := p.proc.Process(p.ctx, jobID)
	latency := time.Since(start)

	if err != nil {
		logger.Error("processing failed",
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("processing finished", slog.Duration("latency", latency))
	}

	select {
	case p.results <- Result{JobID: jobID, WorkerID: workerID, Latency: latency, Err: err}:
	case <-p.ctx.Done():
	}
}
