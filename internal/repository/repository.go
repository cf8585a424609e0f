package repository

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by an update whose Version no longer matches the
	// stored record. The caller should reload and retry.
	ErrConflict = errors.New("record modified concurrently")
	// ErrDuplicate is returned when creating a record whose id already exists.
	ErrDuplicate = errors.New("record already exists")
)

// SessionRepository persists chunked-upload sessions.
// Implementations must honour the supplied context for cancellation and timeouts.
type SessionRepository interface {
	// CreateSession inserts a new session with Version 1.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by id, expired or not.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession writes s if the stored Version equals s.Version, then
	// increments s.Version. Returns ErrConflict otherwise.
	UpdateSession(ctx context.Context, s *Session) error

	// CountActiveSessions counts incomplete, unexpired sessions of identity.
	CountActiveSessions(ctx context.Context, identity string, now time.Time) (int, error)

	// ListExpiredSessions returns up to limit sessions with ExpiresAt <= now.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	DeleteSession(ctx context.Context, id string) error
}

// JobRepository persists analysis jobs.
type JobRepository interface {
	// CreateJob inserts a new job with Version 1.
	CreateJob(ctx context.Context, j *Job) error

	GetJob(ctx context.Context, id string) (*Job, error)

	// UpdateJob writes j if the stored Version equals j.Version, then
	// increments j.Version. Returns ErrConflict otherwise.
	UpdateJob(ctx context.Context, j *Job) error

	// ListJobs returns up to limit jobs in status whose reference time is
	// before the cutoff: StartedAt for Processing, CreatedAt otherwise.
	ListJobs(ctx context.Context, status JobStatus, before time.Time, limit int) ([]*Job, error)

	// ListExpiredJobs returns up to limit jobs with ExpiresAt <= now.
	ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	DeleteJob(ctx context.Context, id string) error
}

// UsageRepository stores machine-client usage records.
type UsageRepository interface {
	InsertUsage(ctx context.Context, u *UsageRecord) error
}

// CredentialRepository resolves hashed caller credentials. Issuance lives
// elsewhere; this side only reads.
type CredentialRepository interface {
	LookupAPIKey(ctx context.Context, keyHash string) (*APIKey, error)
	LookupUserSession(ctx context.Context, tokenHash string) (*UserSession, error)
}

// Repository bundles every record store the service needs.
type Repository interface {
	SessionRepository
	JobRepository
	UsageRepository
	CredentialRepository

	Ping(ctx context.Context) error
}

const (
	conflictAttempts = 8
	conflictBaseWait = 5 * time.Millisecond
	conflictMaxWait  = 100 * time.Millisecond
)

// RetryOnConflict runs fn until it returns something other than ErrConflict,
// up to a fixed number of attempts, sleeping a jittered exponential delay
// between attempts. fn must reload the record it mutates.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < conflictAttempts; i++ {
		if i > 0 {
			t := time.NewTimer(conflictDelay(i - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(); !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

// conflictDelay returns a full-jitter delay in [0, min(max, base*2^attempt)).
func conflictDelay(attempt int) time.Duration {
	ceiling := conflictMaxWait
	if attempt < 5 {
		ceiling = min(conflictBaseWait<<attempt, conflictMaxWait)
	}
	return time.Duration(rand.Int64N(int64(ceiling)))
}
