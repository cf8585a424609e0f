// Package analysis owns the analysis job lifecycle: creation from a
// reassembled file, queueing, processing against the external analyzer and
// the recurring sweeps that time out, requeue and expire jobs.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/hasher"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

// sweepBatch bounds how many records one sweep pass loads at a time.
const sweepBatch = 100

// Enqueuer accepts job ids for processing. Delivery is at-least-once.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// CreateJobRequest describes the file streamed into CreateJob.
type CreateJobRequest struct {
	FileName string
	FileSize int64
	// FileHash is the expected SHA-256. Empty skips the comparison.
	FileHash          string
	RequesterIdentity *string
	Options           map[string]string
}

// Service creates, reads and sweeps analysis jobs.
type Service struct {
	repo   repository.JobRepository
	blobs  blobstore.Store
	queue  Enqueuer
	clock  clockwork.Clock
	cfg    config.JobsConfig
	logger *slog.Logger
}

func NewService(
	repo repository.JobRepository,
	blobs blobstore.Store,
	queue Enqueuer,
	clock clockwork.Clock,
	cfg config.JobsConfig,
	logger *slog.Logger,
) *Service {
	return &Service{repo: repo, blobs: blobs, queue: queue, clock: clock, cfg: cfg, logger: logger}
}

// CreateJob stores r as the job's temporary artifact, hashing it on the way,
// and persists a pending job. The artifact is removed on any failure,
// including cancellation.
func (s *Service) CreateJob(ctx context.Context, r io.Reader, req CreateJobRequest) (*repository.Job, error) {
	const op = "analysis.CreateJob"

	id := uuid.NewString()
	key := blobstore.ArtifactKey(id)
	logger := s.logger.With(slog.String("job_id", id))

	w := hasher.NewWriter()
	src := &sourceReader{r: r}
	_, err := s.blobs.Put(ctx, key, io.TeeReader(src, w), req.FileSize)
	switch {
	case err != nil && ctx.Err() != nil:
		s.discardArtifact(key, logger)
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	case src.err != nil:
		// the source failed mid-stream, so the short size says nothing about the file
		s.discardArtifact(key, logger)
		return nil, apperr.Infrastructure(op, src.err)
	case src.eof && w.Size() != req.FileSize:
		s.discardArtifact(key, logger)
		return nil, apperr.Integrity(op, "file is %d bytes, expected %d", w.Size(), req.FileSize)
	case err != nil:
		s.discardArtifact(key, logger)
		return nil, apperr.Infrastructure(op, err)
	case w.Size() != req.FileSize:
		s.discardArtifact(key, logger)
		return nil, apperr.Integrity(op, "file is %d bytes, expected %d", w.Size(), req.FileSize)
	}

	sum := w.Sum()
	if req.FileHash != "" && !strings.EqualFold(sum, req.FileHash) {
		s.discardArtifact(key, logger)
		return nil, apperr.Integrity(op, "file hash %s does not match expected %s", sum, req.FileHash)
	}

	now := s.clock.Now()
	job := &repository.Job{
		ID:                id,
		Status:            repository.StatusPending,
		FileHash:          sum,
		FileName:          req.FileName,
		FileSize:          w.Size(),
		RequesterIdentity: req.RequesterIdentity,
		Options:           req.Options,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.Expiration),
		TempArtifactPath:  &key,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		s.discardArtifact(key, logger)
		return nil, apperr.Infrastructure(op, err)
	}

	logger.Info("job created",
		slog.String("file_hash", sum),
		slog.Int64("file_size", job.FileSize),
	)
	return job, nil
}

// EnqueueJob hands the job to the worker intake. Enqueuing the same job more
// than once is safe.
func (s *Service) EnqueueJob(ctx context.Context, job *repository.Job) error {
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		return apperr.Infrastructure("analysis.EnqueueJob", err)
	}
	return nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*repository.Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("analysis.GetJob", "job %s not found", id)
	}
	if err != nil {
		return nil, apperr.Infrastructure("analysis.GetJob", err)
	}
	return job, nil
}

// DiscardJob deletes a job that was created but never handed out, together
// with its artifact. It runs detached from ctx so a failed request still
// cleans up.
func (s *Service) DiscardJob(ctx context.Context, job *repository.Job) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := s.repo.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return apperr.Infrastructure("analysis.DiscardJob", err)
	}
	if job.TempArtifactPath != nil {
		s.discardArtifact(*job.TempArtifactPath, s.logger.With(slog.String("job_id", job.ID)))
	}
	return nil
}

// SweepTimedOut moves jobs processing for longer than the configured maximum
// to TimedOut and removes their artifacts. It returns how many it moved.
func (s *Service) SweepTimedOut(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.MaxProcessingDuration)
	msg := fmt.Sprintf("analysis exceeded maximum processing duration of %s", s.cfg.MaxProcessingDuration)

	moved := 0
	for {
		jobs, err := s.repo.ListJobs(ctx, repository.StatusProcessing, cutoff, sweepBatch)
		if err != nil {
			return moved, apperr.Infrastructure("analysis.SweepTimedOut", err)
		}
		progress := 0
		for _, j := range jobs {
			ok, err := s.timeOut(ctx, j.ID, cutoff, msg)
			if err != nil {
				s.logger.Error("time out job", slog.String("job_id", j.ID), slog.String("error", err.Error()))
				continue
			}
			if ok {
				progress++
			}
		}
		moved += progress
		if len(jobs) < sweepBatch || progress == 0 {
			return moved, nil
		}
	}
}

func (s *Service) timeOut(ctx context.Context, id string, cutoff time.Time, msg string) (bool, error) {
	job, moved, err := s.transition(ctx, id, func(j *repository.Job) bool {
		if j.Status != repository.StatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			return false
		}
		now := s.clock.Now()
		j.Status = repository.StatusTimedOut
		j.CompletedAt = &now
		j.ErrorMessage = &msg
		return true
	})
	if err != nil || !moved {
		return false, err
	}
	s.logger.Warn("job timed out", slog.String("job_id", id), slog.Int("retry_count", job.RetryCount))
	s.cleanupArtifact(ctx, job)
	return true, nil
}

// SweepExpired deletes jobs past their expiry in any status, together with
// any artifact still present.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	deleted := 0
	for {
		jobs, err := s.repo.ListExpiredJobs(ctx, s.clock.Now(), sweepBatch)
		if err != nil {
			return deleted, apperr.Infrastructure("analysis.SweepExpired", err)
		}
		progress := 0
		for _, j := range jobs {
			if j.TempArtifactPath != nil && !j.TempArtifactCleanedUp {
				if err := s.blobs.Delete(ctx, *j.TempArtifactPath); err != nil {
					s.logger.Error("delete expired artifact", slog.String("job_id", j.ID), slog.String("error", err.Error()))
					continue
				}
			}
			if err := s.repo.DeleteJob(ctx, j.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				s.logger.Error("delete expired job", slog.String("job_id", j.ID), slog.String("error", err.Error()))
				continue
			}
			progress++
		}
		deleted += progress
		if len(jobs) < sweepBatch || progress == 0 {
			if deleted > 0 {
				s.logger.Info("expired jobs deleted", slog.Int("count", deleted))
			}
			return deleted, nil
		}
	}
}

// RequeueStale re-enqueues pending jobs that have waited longer than the
// configured threshold, recovering jobs whose enqueue was lost. A full queue
// ends the pass early.
func (s *Service) RequeueStale(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListJobs(ctx, repository.StatusPending, s.clock.Now().Add(-s.cfg.StalePendingAfter), sweepBatch)
	if err != nil {
		return 0, apperr.Infrastructure("analysis.RequeueStale", err)
	}
	n := 0
	for _, j := range jobs {
		if err := s.queue.Enqueue(ctx, j.ID); err != nil {
			s.logger.Warn("requeue stopped", slog.String("job_id", j.ID), slog.String("error", err.Error()))
			break
		}
		n++
	}
	if n > 0 {
		s.logger.Info("stale pending jobs requeued", slog.Int("count", n))
	}
	return n, nil
}

func (s *Service) transition(ctx context.Context, id string, mutate func(*repository.Job) bool) (*repository.Job, bool, error) {
	return transition(ctx, s.repo, id, mutate)
}

func (s *Service) cleanupArtifact(ctx context.Context, job *repository.Job) {
	cleanupArtifact(ctx, s.repo, s.blobs, job, s.logger)
}

// discardArtifact removes a partially written artifact. It runs detached from
// the request context so cancellation still cleans up.
func (s *Service) discardArtifact(key string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		logger.Error("discard artifact", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// sourceReader remembers how the wrapped reader ended, so a failing source
// can be told apart from a file of the wrong size.
type sourceReader struct {
	r   io.Reader
	err error
	eof bool
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	switch {
	case err == io.EOF:
		s.eof = true
	case err != nil && s.err == nil:
		s.err = err
	}
	return n, err
}
