package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/gopherscan/internal/analysis"
	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/hasher"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type processorFunc func(ctx context.Context, jobID string) error

func (f processorFunc) Process(ctx context.Context, jobID string) error { return f(ctx, jobID) }

func collect(p *Pool) <-chan []Result {
	out := make(chan []Result, 1)
	go func() {
		var rs []Result
		for r := range p.Results() {
			rs = append(rs, r)
		}
		out <- rs
	}()
	return out
}

func TestPoolDrainsQueueOnShutdown(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	p := NewPool(config.WorkerConfig{Count: 2, QueueSize: 10}, processorFunc(func(_ context.Context, id string) error {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		return nil
	}), discard)
	results := collect(p)
	p.Start()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		require.NoError(t, p.Enqueue(context.Background(), id))
	}
	require.NoError(t, p.Shutdown(context.Background()))

	rs := <-results
	require.Len(t, rs, len(ids))
	sort.Strings(seen)
	require.Equal(t, ids, seen)
}

func TestEnqueueAfterShutdown(t *testing.T) {
	p := NewPool(config.WorkerConfig{Count: 1, QueueSize: 1}, processorFunc(func(context.Context, string) error { return nil }), discard)
	p.Start()
	require.NoError(t, p.Shutdown(context.Background()))
	require.ErrorIs(t, p.Enqueue(context.Background(), "late"), ErrClosed)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	p := NewPool(config.WorkerConfig{Count: 1, QueueSize: 1}, processorFunc(func(context.Context, string) error {
		started <- struct{}{}
		<-gate
		return nil
	}), discard)
	results := collect(p)
	p.Start()

	require.NoError(t, p.Enqueue(context.Background(), "a"))
	<-started
	require.NoError(t, p.Enqueue(context.Background(), "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Enqueue(ctx, "c"), context.DeadlineExceeded)

	close(gate)
	<-started
	require.NoError(t, p.Shutdown(context.Background()))
	require.Len(t, <-results, 2)
}

func TestShutdownDeadlineCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan error, 1)
	p := NewPool(config.WorkerConfig{Count: 1, QueueSize: 1}, processorFunc(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return ctx.Err()
	}), discard)
	results := collect(p)
	p.Start()

	require.NoError(t, p.Enqueue(context.Background(), "slow"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, <-cancelled, context.Canceled)
	<-results
}

func TestPoolRunsAnalysisJobs(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewDisk(t.TempDir())
	require.NoError(t, err)
	repo := repository.NewMemory()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	cfg := config.Default()

	analyzer := analysis.AnalyzerFunc(func(context.Context, analysis.AnalyzeRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"verdict":"clean"}`), nil
	})
	proc := analysis.NewProcessor(repo, blobs, analyzer, clock, cfg.Jobs, discard)
	pool := NewPool(config.WorkerConfig{Count: 2, QueueSize: 4}, proc, discard)
	svc := analysis.NewService(repo, blobs, pool, clock, cfg.Jobs, discard)
	results := collect(pool)
	pool.Start()

	data := []byte("hello, analysis")
	job, err := svc.CreateJob(ctx, bytes.NewReader(data), analysis.CreateJobRequest{
		FileName: "hello.txt",
		FileSize: int64(len(data)),
		FileHash: hasher.SumBytes(data),
	})
	require.NoError(t, err)
	require.NoError(t, svc.EnqueueJob(ctx, job))
	require.NoError(t, pool.Shutdown(ctx))

	rs := <-results
	require.Len(t, rs, 1)
	require.NoError(t, rs[0].Err)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, repository.StatusCompleted, got.Status)
	require.True(t, got.TempArtifactCleanedUp)
	require.Contains(t, string(got.ResultPayload), `"verdict":"clean"`)
}
