package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession(id string) *Session {
	return &Session{
		ID:             id,
		FileName:       "a.bin",
		DeclaredSize:   10,
		DeclaredHash:   strings.Repeat("0", 64),
		ChunkSize:      4,
		TotalChunks:    3,
		Uploaded:       NewBitmap(3),
		ClientIdentity: "ip:10.0.0.1",
		CreatedAt:      t0,
		ExpiresAt:      t0.Add(time.Hour),
	}
}

func newJob(id string) *Job {
	return &Job{
		ID:        id,
		Status:    StatusPending,
		FileHash:  strings.Repeat("a", 64),
		FileName:  "a.bin",
		FileSize:  10,
		CreatedAt: t0,
		ExpiresAt: t0.Add(72 * time.Hour),
	}
}

func TestBitmapPackRoundTrip(t *testing.T) {
	b := NewBitmap(11)
	b[0], b[3], b[8], b[10] = true, true, true, true

	p := b.Pack()
	require.Len(t, p, 2)
	require.Equal(t, byte(0b00001001), p[0])
	require.Equal(t, byte(0b00000101), p[1])

	got, err := UnpackBitmap(p, 11)
	require.NoError(t, err)
	require.Equal(t, b, got)
	require.Equal(t, 4, got.Count())
	require.Equal(t, []int{1, 2, 4, 5, 6, 7, 9}, got.Missing())
	require.False(t, got.Complete())

	_, err = UnpackBitmap(p, 17)
	require.Error(t, err)
}

func TestSessionChunkLength(t *testing.T) {
	s := newSession("s1")
	require.Equal(t, int64(4), s.ChunkLength(0))
	require.Equal(t, int64(4), s.ChunkLength(1))
	require.Equal(t, int64(2), s.ChunkLength(2))
}

func TestSessionOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	s := newSession("s1")
	require.NoError(t, repo.CreateSession(ctx, s))
	require.Equal(t, int64(1), s.Version)

	a, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	b, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)

	a.Uploaded[0] = true
	require.NoError(t, repo.UpdateSession(ctx, a))
	require.Equal(t, int64(2), a.Version)

	b.Uploaded[1] = true
	err = repo.UpdateSession(ctx, b)
	require.ErrorIs(t, err, ErrConflict)

	stored, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, stored.Uploaded.Missing())
}

func TestSessionCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	require.NoError(t, repo.CreateSession(ctx, newSession("s1")))

	got, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	got.Uploaded[0] = true

	again, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, again.Uploaded[0])
}

func TestCountActiveAndListExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	live := newSession("live")
	done := newSession("done")
	done.IsCompleted = true
	old := newSession("old")
	old.ExpiresAt = t0.Add(-time.Minute)
	for _, s := range []*Session{live, done, old} {
		require.NoError(t, repo.CreateSession(ctx, s))
	}

	n, err := repo.CountActiveSessions(ctx, "ip:10.0.0.1", t0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	expired, err := repo.ListExpiredSessions(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "old", expired[0].ID)

	require.NoError(t, repo.DeleteSession(ctx, "old"))
	require.ErrorIs(t, repo.DeleteSession(ctx, "old"), ErrNotFound)
}

func TestJobValidate(t *testing.T) {
	started := t0.Add(time.Second)
	msg := "boom"

	tests := []struct {
		name    string
		mutate  func(j *Job)
		wantErr bool
	}{
		{"pending ok", func(j *Job) {}, false},
		{"pending with started", func(j *Job) { j.StartedAt = &started }, true},
		{"processing ok", func(j *Job) { j.Status = StatusProcessing; j.StartedAt = &started }, false},
		{"processing without started", func(j *Job) { j.Status = StatusProcessing }, true},
		{"completed ok", func(j *Job) {
			j.Status = StatusCompleted
			j.StartedAt, j.CompletedAt = &started, &started
			j.ResultPayload = json.RawMessage(`{}`)
		}, false},
		{"completed without result", func(j *Job) {
			j.Status = StatusCompleted
			j.StartedAt, j.CompletedAt = &started, &started
		}, true},
		{"failed ok", func(j *Job) {
			j.Status = StatusFailed
			j.StartedAt, j.CompletedAt = &started, &started
			j.ErrorMessage = &msg
		}, false},
		{"failed without message", func(j *Job) {
			j.Status = StatusFailed
			j.StartedAt, j.CompletedAt = &started, &started
		}, true},
		{"unknown status", func(j *Job) { j.Status = "queued" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			j := newJob("j1")
			tc.mutate(j)
			if tc.wantErr {
				require.Error(t, j.Validate())
			} else {
				require.NoError(t, j.Validate())
			}
		})
	}
}

func TestJobRepositoryRejectsInvalidWrites(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	j := newJob("j1")
	require.NoError(t, repo.CreateJob(ctx, j))
	require.ErrorIs(t, repo.CreateJob(ctx, newJob("j1")), ErrDuplicate)

	j.Status = StatusCompleted
	err := repo.UpdateJob(ctx, j)
	require.Error(t, err)

	stored, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestListJobsUsesStartedAtForProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	recent := t0.Add(30 * time.Minute)
	j := newJob("j1")
	require.NoError(t, repo.CreateJob(ctx, j))
	j.Status = StatusProcessing
	j.StartedAt = &recent
	require.NoError(t, repo.UpdateJob(ctx, j))

	got, err := repo.ListJobs(ctx, StatusProcessing, t0.Add(20*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = repo.ListJobs(ctx, StatusProcessing, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryOnConflict(ctx, func() error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = RetryOnConflict(ctx, func() error {
		calls++
		return ErrConflict
	})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, conflictAttempts, calls)

	boom := errors.New("boom")
	require.ErrorIs(t, RetryOnConflict(ctx, func() error { return boom }), boom)
}

func TestRetryOnConflictStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryOnConflict(ctx, func() error {
		calls++
		cancel()
		return ErrConflict
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestConflictDelayIsBounded(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		ceiling := conflictMaxWait
		if attempt < 5 {
			ceiling = min(conflictBaseWait<<attempt, conflictMaxWait)
		}
		for i := 0; i < 50; i++ {
			d := conflictDelay(attempt)
			require.GreaterOrEqual(t, d, time.Duration(0))
			require.Less(t, d, ceiling)
		}
	}
}

func TestSchemaDeclaresEveryTable(t *testing.T) {
	for _, table := range []string{"upload_sessions", "analysis_jobs", "api_keys", "user_sessions", "api_key_usage"} {
		require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
