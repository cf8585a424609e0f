package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/gopherscan/internal/analysis"
	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/hasher"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type env struct {
	clock *clockwork.FakeClock
	repo  *repository.Memory
	blobs *blobstore.Disk
	root  string
	queue *recordingQueue
	mgr   *Manager
}

func newEnv(t *testing.T, tweak func(*config.UploadConfig)) *env {
	t.Helper()
	root := t.TempDir()
	blobs, err := blobstore.NewDisk(root)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Upload.MaxFileSize = 1 << 20
	cfg.Upload.DefaultChunkSize = 100
	cfg.Upload.MaxChunkSize = 200
	cfg.Upload.MaxChunksPerSession = 50
	cfg.Upload.SessionExpiration = time.Hour
	cfg.Upload.MaxConcurrentSessions = 2
	if tweak != nil {
		tweak(&cfg.Upload)
	}

	e := &env{
		clock: clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)),
		repo:  repository.NewMemory(),
		blobs: blobs,
		root:  root,
		queue: &recordingQueue{},
	}
	jobs := analysis.NewService(e.repo, e.blobs, e.queue, e.clock, cfg.Jobs, discard)
	e.mgr = NewManager(e.repo, e.blobs, jobs, e.clock, cfg.Upload, discard)
	return e
}

func (e *env) initiate(t *testing.T, data []byte, chunks int) *repository.Session {
	t.Helper()
	s, err := e.mgr.Initiate(context.Background(), InitiateRequest{
		FileName:    "report.txt",
		FileSize:    int64(len(data)),
		FileHash:    hasher.SumBytes(data),
		TotalChunks: chunks,
		Requester:   "key:k1",
	})
	require.NoError(t, err)
	return s
}

func (e *env) send(t *testing.T, s *repository.Session, data []byte, index int) {
	t.Helper()
	chunk := chunkOf(s, data, index)
	require.NoError(t, e.mgr.AcceptChunk(context.Background(), s.ID, index, chunk, hasher.SumBytes(chunk)))
}

func (e *env) chunkFiles(t *testing.T, sessionID string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(e.root, "uploads", sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func chunkOf(s *repository.Session, data []byte, index int) []byte {
	start := int64(index) * s.ChunkSize
	return data[start : start+s.ChunkLength(index)]
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("gopherscan "), n/11+1)[:n]
}

func TestUploadOutOfOrderAndComplete(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(300)
	s := e.initiate(t, data, 3)
	require.Equal(t, int64(100), s.ChunkSize)

	for _, i := range []int{2, 0, 1} {
		e.send(t, s, data, i)
	}
	st, err := e.mgr.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 3, st.UploadedChunks)
	require.Equal(t, 100.0, st.Progress)
	require.Empty(t, st.Missing)

	job, err := e.mgr.Complete(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, repository.StatusPending, job.Status)
	require.Equal(t, hasher.SumBytes(data), job.FileHash)
	require.Equal(t, int64(300), job.FileSize)
	require.Equal(t, "key:k1", *job.RequesterIdentity)
	require.Equal(t, []string{job.ID}, e.queue.IDs())
	require.Zero(t, e.chunkFiles(t, s.ID))

	rc, err := e.blobs.Open(ctx, *job.TempArtifactPath)
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	require.Equal(t, data, stored)

	st, err = e.mgr.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, st.Completed)
	require.Equal(t, job.ID, st.JobID)
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(120)
	s := e.initiate(t, data, 2)
	e.send(t, s, data, 0)
	e.send(t, s, data, 1)

	first, err := e.mgr.Complete(ctx, s.ID)
	require.NoError(t, err)
	second, err := e.mgr.Complete(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, e.queue.IDs(), 1)

	err = e.mgr.AcceptChunk(ctx, s.ID, 0, chunkOf(s, data, 0), hasher.SumBytes(chunkOf(s, data, 0)))
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCorruptedChunkIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(200)
	s := e.initiate(t, data, 2)

	chunk := chunkOf(s, data, 1)
	corrupted := append([]byte(nil), chunk...)
	corrupted[0] ^= 0xff
	err := e.mgr.AcceptChunk(ctx, s.ID, 1, corrupted, hasher.SumBytes(chunk))
	require.True(t, apperr.Is(err, apperr.KindValidation))

	st, err := e.mgr.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, st.Missing)
	require.Zero(t, e.chunkFiles(t, s.ID))

	e.send(t, s, data, 1)
	st, err = e.mgr.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, []int{0}, st.Missing)
	require.Equal(t, 50.0, st.Progress)
}

func TestResendingChunkIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(300)
	s := e.initiate(t, data, 3)

	e.send(t, s, data, 1)
	e.send(t, s, data, 1)

	st, err := e.mgr.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 1, st.UploadedChunks)
	require.Equal(t, 33.33, st.Progress)
	require.Equal(t, 1, e.chunkFiles(t, s.ID))
}

func TestAcceptChunkValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(151)
	s := e.initiate(t, data, 2)
	good := chunkOf(s, data, 0)
	require.Len(t, good, 76)

	tests := []struct {
		name  string
		id    string
		index int
		data  []byte
		hash  string
		kind  apperr.Kind
	}{
		{"unknown session", "nope", 0, good, hasher.SumBytes(good), apperr.KindNotFound},
		{"negative index", s.ID, -1, good, hasher.SumBytes(good), apperr.KindValidation},
		{"index past end", s.ID, 2, good, hasher.SumBytes(good), apperr.KindValidation},
		{"short chunk", s.ID, 0, good[:10], hasher.SumBytes(good[:10]), apperr.KindValidation},
		{"last chunk wrong length", s.ID, 1, good, hasher.SumBytes(good), apperr.KindValidation},
		{"bad hash", s.ID, 0, good, "abc", apperr.KindValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := e.mgr.AcceptChunk(ctx, tc.id, tc.index, tc.data, tc.hash)
			require.Error(t, err)
			require.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestCancelledChunkLeavesNothing(t *testing.T) {
	e := newEnv(t, nil)
	data := payload(150)
	s := e.initiate(t, data, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunk := chunkOf(s, data, 0)
	err := e.mgr.AcceptChunk(ctx, s.ID, 0, chunk, hasher.SumBytes(chunk))
	require.ErrorIs(t, err, context.Canceled)

	st, err := e.mgr.GetStatus(context.Background(), s.ID)
	require.NoError(t, err)
	require.Zero(t, st.UploadedChunks)
	require.Zero(t, e.chunkFiles(t, s.ID))
}

func TestAbandonedSessionIsSwept(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(300)
	s := e.initiate(t, data, 3)
	e.send(t, s, data, 0)
	e.send(t, s, data, 1)

	e.clock.Advance(time.Hour)
	_, err := e.mgr.GetStatus(ctx, s.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	n, err := e.mgr.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, e.chunkFiles(t, s.ID))

	_, err = e.mgr.Complete(ctx, s.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = e.repo.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCompleteWithMissingChunks(t *testing.T) {
	e := newEnv(t, nil)
	data := payload(300)
	s := e.initiate(t, data, 3)
	e.send(t, s, data, 0)

	_, err := e.mgr.Complete(context.Background(), s.ID)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Contains(t, apperr.Message(err), "2 of 3 chunks missing")
	require.Empty(t, e.queue.IDs())
}

func TestCompleteWithWrongDeclaredHashDiscardsSession(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(150)
	s, err := e.mgr.Initiate(ctx, InitiateRequest{
		FileName:    "report.txt",
		FileSize:    int64(len(data)),
		FileHash:    hasher.SumBytes([]byte("something else")),
		TotalChunks: 2,
	})
	require.NoError(t, err)
	e.send(t, s, data, 0)
	e.send(t, s, data, 1)

	_, err = e.mgr.Complete(ctx, s.ID)
	require.True(t, apperr.Is(err, apperr.KindIntegrity))
	require.Zero(t, e.chunkFiles(t, s.ID))
	require.Empty(t, e.queue.IDs())

	_, err = e.mgr.GetStatus(ctx, s.ID)
	require.True(t, apperr.Is(err, apperr.KindNotFound))
}

// flakyStore fails every Open from the given call onward until healed.
type flakyStore struct {
	*blobstore.Disk
	opens    atomic.Int32
	failFrom int32
	healed   atomic.Bool
}

func (f *flakyStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if n := f.opens.Add(1); n >= f.failFrom && !f.healed.Load() {
		return nil, errors.New("dial tcp 10.0.0.7:9000: connect: connection refused")
	}
	return f.Disk.Open(ctx, key)
}

func TestCompleteDuringStoreOutageIsRetryable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	// the hash pass opens chunks 1-3, job creation fails on its second chunk
	flaky := &flakyStore{Disk: e.blobs, failFrom: 5}
	cfg := config.Default()
	cfg.Upload.MaxFileSize = 1 << 20
	cfg.Upload.DefaultChunkSize = 100
	cfg.Upload.MaxChunkSize = 200
	jobs := analysis.NewService(e.repo, flaky, e.queue, e.clock, cfg.Jobs, discard)
	mgr := NewManager(e.repo, flaky, jobs, e.clock, cfg.Upload, discard)

	data := payload(300)
	s := e.initiate(t, data, 3)
	for i := 0; i < 3; i++ {
		e.send(t, s, data, i)
	}

	_, err := mgr.Complete(ctx, s.ID)
	require.Error(t, err)
	require.Equal(t, apperr.KindInfrastructure, apperr.KindOf(err))
	require.Empty(t, e.queue.IDs())

	st, err := mgr.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, st.Completed)
	require.Equal(t, 3, e.chunkFiles(t, s.ID))
	artifacts, err := os.ReadDir(filepath.Join(e.root, "artifacts"))
	if !errors.Is(err, os.ErrNotExist) {
		require.NoError(t, err)
		require.Empty(t, artifacts)
	}

	flaky.healed.Store(true)
	job, err := mgr.Complete(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, repository.StatusPending, job.Status)
	require.Equal(t, []string{job.ID}, e.queue.IDs())
}

// stuckSessions fails session updates while broken is set.
type stuckSessions struct {
	*repository.Memory
	broken atomic.Bool
}

func (s *stuckSessions) UpdateSession(ctx context.Context, sess *repository.Session) error {
	if s.broken.Load() {
		return errors.New("mysql: connection lost")
	}
	return s.Memory.UpdateSession(ctx, sess)
}

func TestFailedSessionUpdateLeavesNoJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	sessions := &stuckSessions{Memory: e.repo}
	cfg := config.Default()
	jobs := analysis.NewService(e.repo, e.blobs, e.queue, e.clock, cfg.Jobs, discard)
	mgr := NewManager(sessions, e.blobs, jobs, e.clock, cfg.Upload, discard)

	data := payload(300)
	s := e.initiate(t, data, 3)
	for i := 0; i < 3; i++ {
		e.send(t, s, data, i)
	}

	sessions.broken.Store(true)
	_, err := mgr.Complete(ctx, s.ID)
	require.Equal(t, apperr.KindInfrastructure, apperr.KindOf(err))

	pending, err := e.repo.ListJobs(ctx, repository.StatusPending, e.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
	artifacts, err := os.ReadDir(filepath.Join(e.root, "artifacts"))
	if !errors.Is(err, os.ErrNotExist) {
		require.NoError(t, err)
		require.Empty(t, artifacts)
	}
	require.Empty(t, e.queue.IDs())

	sessions.broken.Store(false)
	job, err := mgr.Complete(ctx, s.ID)
	require.NoError(t, err)
	pending, err = e.repo.ListJobs(ctx, repository.StatusPending, e.clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, job.ID, pending[0].ID)
}

func TestInitiateValidation(t *testing.T) {
	hash := hasher.SumBytes([]byte("x"))
	tests := []struct {
		name string
		req  InitiateRequest
		cfg  func(*config.UploadConfig)
	}{
		{name: "empty name", req: InitiateRequest{FileName: " ", FileSize: 10, FileHash: hash}},
		{name: "path in name", req: InitiateRequest{FileName: "../etc/passwd", FileSize: 10, FileHash: hash}},
		{name: "control char", req: InitiateRequest{FileName: "a\nb.txt", FileSize: 10, FileHash: hash}},
		{name: "long name", req: InitiateRequest{FileName: strings.Repeat("a", 256), FileSize: 10, FileHash: hash}},
		{name: "zero size", req: InitiateRequest{FileName: "a.txt", FileSize: 0, FileHash: hash}},
		{name: "too large", req: InitiateRequest{FileName: "a.txt", FileSize: 2 << 20, FileHash: hash}},
		{name: "bad hash", req: InitiateRequest{FileName: "a.txt", FileSize: 10, FileHash: "zz"}},
		{name: "negative chunks", req: InitiateRequest{FileName: "a.txt", FileSize: 10, FileHash: hash, TotalChunks: -1}},
		{name: "too many chunks", req: InitiateRequest{FileName: "a.txt", FileSize: 1000, FileHash: hash, TotalChunks: 51}},
		{name: "chunk too big", req: InitiateRequest{FileName: "a.txt", FileSize: 1000, FileHash: hash, TotalChunks: 2}},
		{name: "empty last chunk", req: InitiateRequest{FileName: "a.txt", FileSize: 10, FileHash: hash, TotalChunks: 6}},
		{
			name: "extension not allowed",
			req:  InitiateRequest{FileName: "a.exe", FileSize: 10, FileHash: hash},
			cfg:  func(c *config.UploadConfig) { c.AllowedExtensions = []string{"txt", ".PDF"} },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, tc.cfg)
			_, err := e.mgr.Initiate(context.Background(), tc.req)
			require.Error(t, err)
			require.True(t, apperr.Is(err, apperr.KindValidation), err)
		})
	}
}

func TestInitiateDerivesChunksAndAllowsListedExtensions(t *testing.T) {
	e := newEnv(t, func(c *config.UploadConfig) { c.AllowedExtensions = []string{"txt", ".PDF"} })
	s, err := e.mgr.Initiate(context.Background(), InitiateRequest{
		FileName: "Scan.pdf",
		FileSize: 250,
		FileHash: strings.ToUpper(hasher.SumBytes([]byte("x"))),
	})
	require.NoError(t, err)
	require.Equal(t, 3, s.TotalChunks)
	require.Equal(t, int64(84), s.ChunkSize)
	require.Equal(t, int64(82), s.ChunkLength(2))
	require.Equal(t, hasher.SumBytes([]byte("x")), s.DeclaredHash)
	require.Equal(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), s.ExpiresAt)
}

func TestConcurrentSessionLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	data := payload(50)
	first := e.initiate(t, data, 1)
	e.initiate(t, data, 1)

	_, err := e.mgr.Initiate(ctx, InitiateRequest{
		FileName: "report.txt", FileSize: 50, FileHash: hasher.SumBytes(data), Requester: "key:k1",
	})
	require.True(t, apperr.Is(err, apperr.KindValidation))

	// other callers are counted separately
	_, err = e.mgr.Initiate(ctx, InitiateRequest{
		FileName: "report.txt", FileSize: 50, FileHash: hasher.SumBytes(data), Requester: "key:k2",
	})
	require.NoError(t, err)

	e.send(t, first, data, 0)
	_, err = e.mgr.Complete(ctx, first.ID)
	require.NoError(t, err)
	e.initiate(t, data, 1)
}
