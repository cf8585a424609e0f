package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

// cleanupTimeout bounds cleanup work that must outlive a cancelled caller.
const cleanupTimeout = 10 * time.Second

// transition reloads job id and applies mutate under optimistic concurrency.
// mutate reports whether the job should change; returning false leaves the
// record untouched. The returned job is the stored version after the write.
func transition(ctx context.Context, repo repository.JobRepository, id string, mutate func(*repository.Job) bool) (*repository.Job, bool, error) {
	var (
		job     *repository.Job
		changed bool
	)
	err := repository.RetryOnConflict(ctx, func() error {
		j, err := repo.GetJob(ctx, id)
		if err != nil {
			return err
		}
		job, changed = j, mutate(j)
		if !changed {
			return nil
		}
		return repo.UpdateJob(ctx, j)
	})
	if err != nil {
		return nil, false, err
	}
	return job, changed, nil
}

// cleanupArtifact deletes a terminal job's artifact and records that it is
// gone. Failures are logged; the expiry sweep deletes leftovers.
func cleanupArtifact(ctx context.Context, repo repository.JobRepository, blobs blobstore.Store, job *repository.Job, logger *slog.Logger) {
	if job.TempArtifactPath == nil || job.TempArtifactCleanedUp {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	logger = logger.With(slog.String("job_id", job.ID))
	if err := blobs.Delete(ctx, *job.TempArtifactPath); err != nil {
		logger.Error("delete artifact", slog.String("error", err.Error()))
		return
	}
	_, _, err := transition(ctx, repo, job.ID, func(j *repository.Job) bool {
		if j.TempArtifactCleanedUp {
			return false
		}
		j.TempArtifactCleanedUp = true
		return true
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Error("mark artifact cleaned up", slog.String("error", err.Error()))
	}
}
