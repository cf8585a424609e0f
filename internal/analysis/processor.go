package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/hasher"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

// Processor runs one job from Pending to a terminal state.
type Processor struct {
	repo     repository.JobRepository
	blobs    blobstore.Store
	analyzer Analyzer
	clock    clockwork.Clock
	cfg      config.JobsConfig
	logger   *slog.Logger
}

func NewProcessor(
	repo repository.JobRepository,
	blobs blobstore.Store,
	analyzer Analyzer,
	clock clockwork.Clock,
	cfg config.JobsConfig,
	logger *slog.Logger,
) *Processor {
	return &Processor{repo: repo, blobs: blobs, analyzer: analyzer, clock: clock, cfg: cfg, logger: logger}
}

// result is the stored ResultPayload of a completed job.
type result struct {
	Analysis json.RawMessage `json:"analysis"`
	Content  contentInfo     `json:"content"`
}

type contentInfo struct {
	MIMEType  string         `json:"mimeType"`
	Extension string         `json:"extension,omitempty"`
	Size      int64          `json:"size"`
	Details   map[string]any `json:"details,omitempty"`
}

// Process claims job jobID and drives it to a terminal state. Jobs that are
// missing or not Pending are skipped, so duplicate deliveries are harmless.
//
// Transient analyzer failures are retried on the configured backoff schedule
// with RetryCount persisted per attempt. If ctx is cancelled the job goes
// back to Pending for a later retry and ctx.Err() is returned.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	logger := p.logger.With(slog.String("job_id", jobID))

	job, claimed, err := transition(ctx, p.repo, jobID, func(j *repository.Job) bool {
		if j.Status != repository.StatusPending {
			return false
		}
		now := p.clock.Now()
		j.Status = repository.StatusProcessing
		j.StartedAt = &now
		return true
	})
	if errors.Is(err, repository.ErrNotFound) {
		logger.Warn("job vanished before processing")
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		logger.Debug("job not pending, skipping", slog.String("status", string(job.Status)))
		return nil
	}
	logger.Info("job processing started", slog.Int("retry_count", job.RetryCount))

	content, err := p.inspect(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			p.release(ctx, job, logger)
			return ctx.Err()
		}
		if apperr.Is(err, apperr.KindIntegrity) || errors.Is(err, blobstore.ErrNotFound) {
			return p.fail(ctx, job, err.Error(), logger)
		}
		// the artifact store is unreachable: hand the job back for a later retry
		logger.Error("inspect artifact", slog.String("error", err.Error()))
		p.release(ctx, job, logger)
		return err
	}

	artifact := *job.TempArtifactPath
	req := AnalyzeRequest{
		JobID:    job.ID,
		FileName: job.FileName,
		FileSize: job.FileSize,
		FileHash: job.FileHash,
		Content:  content,
		Options:  job.Options,
		Open: func() (io.ReadCloser, error) {
			return p.blobs.Open(ctx, artifact)
		},
	}

	for attempt := 0; ; attempt++ {
		payload, err := p.analyzer.Analyze(ctx, req)
		if err == nil {
			return p.complete(ctx, job, payload, content, logger)
		}
		if ctx.Err() != nil {
			p.release(ctx, job, logger)
			return ctx.Err()
		}

		transient := apperr.Is(err, apperr.KindTransient)
		logger.Warn("analyzer call failed",
			slog.Int("attempt", attempt+1),
			slog.Bool("transient", transient),
			slog.String("error", err.Error()),
		)
		if !transient {
			return p.fail(ctx, job, "analysis failed: "+err.Error(), logger)
		}
		if attempt >= p.cfg.MaxAnalyzerRetries {
			return p.fail(ctx, job, fmt.Sprintf("analyzer unavailable after %d attempts: %v", attempt+1, err), logger)
		}

		job, err = p.recordRetry(ctx, job.ID)
		if err != nil {
			return err
		}
		if job == nil {
			logger.Info("job left processing during retries, stopping")
			return nil
		}

		if wait := p.backoff(attempt); wait > 0 {
			select {
			case <-ctx.Done():
				p.release(ctx, job, logger)
				return ctx.Err()
			case <-p.clock.After(wait):
			}
		}
	}
}

func (p *Processor) backoff(attempt int) time.Duration {
	if len(p.cfg.Backoff) == 0 {
		return 0
	}
	if attempt >= len(p.cfg.Backoff) {
		attempt = len(p.cfg.Backoff) - 1
	}
	return p.cfg.Backoff[attempt]
}

// inspect streams the artifact through content inspection and checks it
// still matches the job's hash.
func (p *Processor) inspect(ctx context.Context, job *repository.Job) (*hasher.Metadata, error) {
	if job.TempArtifactPath == nil {
		return nil, fmt.Errorf("job %s has no artifact: %w", job.ID, blobstore.ErrNotFound)
	}
	rc, err := p.blobs.Open(ctx, *job.TempArtifactPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	md, err := hasher.Inspect(rc, job.FileName)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(md.Hash, job.FileHash) || md.Size != job.FileSize {
		return nil, apperr.Integrity("analysis.Process", "artifact does not match the uploaded file")
	}
	return md, nil
}

// recordRetry increments RetryCount on a job that is still Processing. It
// returns nil when the job has meanwhile left Processing.
func (p *Processor) recordRetry(ctx context.Context, id string) (*repository.Job, error) {
	job, changed, err := transition(ctx, p.repo, id, func(j *repository.Job) bool {
		if j.Status != repository.StatusProcessing {
			return false
		}
		j.RetryCount++
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("record retry for job %s: %w", id, err)
	}
	if !changed {
		return nil, nil
	}
	return job, nil
}

func (p *Processor) complete(ctx context.Context, job *repository.Job, analysis json.RawMessage, md *hasher.Metadata, logger *slog.Logger) error {
	payload, err := json.Marshal(result{
		Analysis: analysis,
		Content: contentInfo{
			MIMEType:  md.MIMEType,
			Extension: md.Extension,
			Size:      md.Size,
			Details:   md.Extra,
		},
	})
	if err != nil {
		return p.fail(ctx, job, "encode analysis result: "+err.Error(), logger)
	}
	return p.finish(ctx, job.ID, logger, func(j *repository.Job) {
		now := p.clock.Now()
		j.Status = repository.StatusCompleted
		j.CompletedAt = &now
		j.ResultPayload = payload
	})
}

func (p *Processor) fail(ctx context.Context, job *repository.Job, msg string, logger *slog.Logger) error {
	return p.finish(ctx, job.ID, logger, func(j *repository.Job) {
		now := p.clock.Now()
		j.Status = repository.StatusFailed
		j.CompletedAt = &now
		j.ErrorMessage = &msg
		j.RetryCount++
	})
}

// finish applies a terminal transition if the job is still Processing and
// removes its artifact. A job already moved on, e.g. swept to TimedOut,
// keeps its state and the late outcome is dropped.
func (p *Processor) finish(ctx context.Context, id string, logger *slog.Logger, apply func(*repository.Job)) error {
	ctx = context.WithoutCancel(ctx)
	job, changed, err := transition(ctx, p.repo, id, func(j *repository.Job) bool {
		if j.Status != repository.StatusProcessing {
			return false
		}
		apply(j)
		return true
	})
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if !changed {
		logger.Warn("dropping late result", slog.String("status", string(job.Status)))
		return nil
	}

	attrs := []any{slog.String("status", string(job.Status)), slog.Int("retry_count", job.RetryCount)}
	if job.ErrorMessage != nil {
		attrs = append(attrs, slog.String("error", *job.ErrorMessage))
	}
	logger.Info("job finished", attrs...)

	cleanupArtifact(ctx, p.repo, p.blobs, job, logger)
	return nil
}

// release returns a Processing job to Pending after cancellation, counting
// the interrupted attempt.
func (p *Processor) release(ctx context.Context, job *repository.Job, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	_, changed, err := transition(ctx, p.repo, job.ID, func(j *repository.Job) bool {
		if j.Status != repository.StatusProcessing {
			return false
		}
		j.Status = repository.StatusPending
		j.StartedAt = nil
		j.RetryCount++
		return true
	})
	if err != nil {
		logger.Error("release job", slog.String("error", err.Error()))
		return
	}
	if changed {
		logger.Info("job released for retry")
	}
}
