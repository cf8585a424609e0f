// Package upload implements chunked upload sessions: a client declares a
// file, sends its chunks in any order and completes the session, which
// verifies the reassembled bytes and turns them into an analysis job.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mtiwari1/gopherscan/internal/analysis"
	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/blobstore"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/hasher"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

const (
	maxFileNameLen = 255
	sweepBatch     = 100
	cleanupTimeout = 10 * time.Second
)

// Jobs is the part of the analysis service a completed upload feeds.
type Jobs interface {
	CreateJob(ctx context.Context, r io.Reader, req analysis.CreateJobRequest) (*repository.Job, error)
	EnqueueJob(ctx context.Context, job *repository.Job) error
	GetJob(ctx context.Context, id string) (*repository.Job, error)
	DiscardJob(ctx context.Context, job *repository.Job) error
}

// InitiateRequest declares a file to be uploaded in chunks.
type InitiateRequest struct {
	FileName string
	FileSize int64
	FileHash string
	// TotalChunks may be zero to split by the default chunk size.
	TotalChunks int
	Requester   string
}

// Status reports upload progress.
type Status struct {
	SessionID      string
	FileName       string
	UploadedChunks int
	TotalChunks    int
	Progress       float64 // percent, two decimals
	Missing        []int
	Completed      bool
	JobID          string
	ExpiresAt      time.Time
}

// Manager runs upload sessions against the record store and blob storage.
type Manager struct {
	repo       repository.SessionRepository
	blobs      blobstore.Store
	jobs       Jobs
	clock      clockwork.Clock
	cfg        config.UploadConfig
	extensions map[string]bool
	logger     *slog.Logger
}

func NewManager(
	repo repository.SessionRepository,
	blobs blobstore.Store,
	jobs Jobs,
	clock clockwork.Clock,
	cfg config.UploadConfig,
	logger *slog.Logger,
) *Manager {
	exts := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, e := range cfg.AllowedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Manager{repo: repo, blobs: blobs, jobs: jobs, clock: clock, cfg: cfg, extensions: exts, logger: logger}
}

// Initiate validates the declaration and opens a session.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (*repository.Session, error) {
	const op = "upload.Initiate"

	if err := m.validateName(req.FileName); err != nil {
		return nil, err
	}
	if req.FileSize <= 0 {
		return nil, apperr.Validation(op, "file size must be positive")
	}
	if req.FileSize > m.cfg.MaxFileSize {
		return nil, apperr.Validation(op, "file size %d exceeds the maximum of %d bytes", req.FileSize, m.cfg.MaxFileSize)
	}
	if !hasher.ValidDigest(req.FileHash) {
		return nil, apperr.Validation(op, "file hash must be a hex encoded SHA-256 digest")
	}

	total := req.TotalChunks
	if total == 0 {
		total = int(ceilDiv(req.FileSize, m.cfg.DefaultChunkSize))
	}
	chunkSize, err := m.chunkSize(req.FileSize, total)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	active, err := m.repo.CountActiveSessions(ctx, req.Requester, now)
	if err != nil {
		return nil, apperr.Infrastructure(op, err)
	}
	if active >= m.cfg.MaxConcurrentSessions {
		return nil, apperr.Validation(op, "too many active upload sessions (maximum %d)", m.cfg.MaxConcurrentSessions)
	}

	s := &repository.Session{
		ID:             uuid.NewString(),
		FileName:       req.FileName,
		DeclaredSize:   req.FileSize,
		DeclaredHash:   strings.ToLower(req.FileHash),
		ChunkSize:      chunkSize,
		TotalChunks:    total,
		Uploaded:       repository.NewBitmap(total),
		ClientIdentity: req.Requester,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.SessionExpiration),
	}
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return nil, apperr.Infrastructure(op, err)
	}

	m.logger.Info("upload session initiated",
		slog.String("session_id", s.ID),
		slog.Int64("file_size", s.DeclaredSize),
		slog.Int("total_chunks", total),
		slog.Int64("chunk_size", chunkSize),
	)
	return s, nil
}

func (m *Manager) validateName(name string) error {
	const op = "upload.Initiate"
	if strings.TrimSpace(name) == "" {
		return apperr.Validation(op, "file name is required")
	}
	if len(name) > maxFileNameLen {
		return apperr.Validation(op, "file name exceeds %d bytes", maxFileNameLen)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return apperr.Validation(op, "file name must not contain a path")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return apperr.Validation(op, "file name contains control characters")
		}
	}
	if len(m.extensions) > 0 && !m.extensions[strings.ToLower(filepath.Ext(name))] {
		return apperr.Validation(op, "file extension %q is not allowed", filepath.Ext(name))
	}
	return nil
}

// chunkSize derives the per-chunk size for total chunks and checks that the
// split is usable: within limits and with a non-empty last chunk.
func (m *Manager) chunkSize(size int64, total int) (int64, error) {
	const op = "upload.Initiate"
	if total < 1 {
		return 0, apperr.Validation(op, "total chunks must be positive")
	}
	if total > m.cfg.MaxChunksPerSession {
		return 0, apperr.Validation(op, "total chunks %d exceeds the maximum of %d", total, m.cfg.MaxChunksPerSession)
	}
	cs := ceilDiv(size, int64(total))
	if cs > m.cfg.MaxChunkSize {
		return 0, apperr.Validation(op, "chunk size %d exceeds the maximum of %d bytes; use more chunks", cs, m.cfg.MaxChunkSize)
	}
	if size-int64(total-1)*cs <= 0 {
		return 0, apperr.Validation(op, "%d chunks do not evenly cover %d bytes", total, size)
	}
	return cs, nil
}

// AcceptChunk stores chunk index of a session after checking its length and
// hash. Accepting a chunk again overwrites it and succeeds.
func (m *Manager) AcceptChunk(ctx context.Context, sessionID string, index int, data []byte, chunkHash string) error {
	const op = "upload.AcceptChunk"

	s, err := m.load(ctx, op, sessionID)
	if err != nil {
		return err
	}
	if s.IsCompleted {
		return apperr.Validation(op, "session %s is already completed", sessionID)
	}
	if index < 0 || index >= s.TotalChunks {
		return apperr.Validation(op, "chunk index %d out of range [0, %d)", index, s.TotalChunks)
	}
	if want := s.ChunkLength(index); int64(len(data)) != want {
		return apperr.Validation(op, "chunk %d is %d bytes, expected %d", index, len(data), want)
	}
	if !hasher.Verify(data, chunkHash) {
		return apperr.Validation(op, "chunk %d hash mismatch", index)
	}

	logger := m.logger.With(slog.String("session_id", sessionID), slog.Int("chunk_index", index))
	key := blobstore.ChunkKey(sessionID, index)
	if _, err := m.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return apperr.Infrastructure(op, err)
	}

	wasSet := s.Uploaded[index]
	err = repository.RetryOnConflict(ctx, func() error {
		cur, err := m.load(ctx, op, sessionID)
		if err != nil {
			return err
		}
		if cur.IsCompleted {
			return apperr.Validation(op, "session %s is already completed", sessionID)
		}
		wasSet = cur.Uploaded[index]
		if wasSet {
			return nil
		}
		cur.Uploaded[index] = true
		return m.repo.UpdateSession(ctx, cur)
	})
	if err != nil {
		if !wasSet {
			m.discard(key, logger)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if apperr.KindOf(err) != apperr.KindUnknown {
			return err
		}
		return apperr.Infrastructure(op, err)
	}

	logger.Debug("chunk accepted", slog.Bool("repeat", wasSet))
	return nil
}

// Complete verifies the reassembled file and creates its analysis job.
// Completing an already completed session returns the job created the first
// time. A hash mismatch discards the session and its chunks.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*repository.Job, error) {
	const op = "upload.Complete"

	s, err := m.load(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsCompleted {
		return m.jobs.GetJob(ctx, s.JobID)
	}
	if missing := s.Uploaded.Missing(); len(missing) > 0 {
		return nil, apperr.Validation(op, "%d of %d chunks missing, first missing index %d", len(missing), s.TotalChunks, missing[0])
	}

	logger := m.logger.With(slog.String("session_id", sessionID))

	verify := m.reassemble(ctx, s)
	sum, size, err := hasher.SumReader(verify)
	verify.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if errors.Is(err, blobstore.ErrNotFound) {
			m.drop(s, logger)
			return nil, apperr.Integrity(op, "stored chunks are incomplete; restart the upload")
		}
		return nil, apperr.Infrastructure(op, err)
	}
	if size != s.DeclaredSize || sum != s.DeclaredHash {
		logger.Warn("reassembled file does not match declaration",
			slog.String("declared_hash", s.DeclaredHash),
			slog.String("actual_hash", sum),
		)
		m.drop(s, logger)
		return nil, apperr.Integrity(op, "reassembled file hash %s does not match declared hash %s; restart the upload", sum, s.DeclaredHash)
	}

	var requester *string
	if s.ClientIdentity != "" {
		id := s.ClientIdentity
		requester = &id
	}
	content := m.reassemble(ctx, s)
	defer content.Close()
	job, err := m.jobs.CreateJob(ctx, content, analysis.CreateJobRequest{
		FileName:          s.FileName,
		FileSize:          s.DeclaredSize,
		FileHash:          s.DeclaredHash,
		RequesterIdentity: requester,
	})
	if err != nil {
		return nil, err
	}

	var existing string
	err = repository.RetryOnConflict(ctx, func() error {
		cur, err := m.load(ctx, op, sessionID)
		if err != nil {
			return err
		}
		if cur.IsCompleted {
			existing = cur.JobID
			return nil
		}
		now := m.clock.Now()
		cur.IsCompleted = true
		cur.CompletedAt = &now
		cur.JobID = job.ID
		return m.repo.UpdateSession(ctx, cur)
	})
	if err != nil || existing != "" {
		// the job was never attached to the session, so nothing can reach it
		if derr := m.jobs.DiscardJob(ctx, job); derr != nil {
			logger.Error("discard unattached job", slog.String("job_id", job.ID), slog.String("error", derr.Error()))
		}
	}
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, err
		}
		return nil, apperr.Infrastructure(op, err)
	}
	if existing != "" {
		logger.Warn("session completed concurrently", slog.String("job_id", existing), slog.String("discarded_job_id", job.ID))
		return m.jobs.GetJob(ctx, existing)
	}

	logger = logger.With(slog.String("job_id", job.ID))
	if err := m.jobs.EnqueueJob(ctx, job); err != nil {
		logger.Warn("enqueue failed, job left for requeue", slog.String("error", err.Error()))
	}
	if err := m.blobs.DeletePrefix(ctx, blobstore.ChunkPrefix(sessionID)); err != nil {
		logger.Error("delete chunks", slog.String("error", err.Error()))
	}

	logger.Info("upload completed", slog.Int64("file_size", size))
	return job, nil
}

// GetStatus reports the progress of a live session.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	s, err := m.load(ctx, "upload.GetStatus", sessionID)
	if err != nil {
		return nil, err
	}
	uploaded := s.Uploaded.Count()
	return &Status{
		SessionID:      s.ID,
		FileName:       s.FileName,
		UploadedChunks: uploaded,
		TotalChunks:    s.TotalChunks,
		Progress:       math.Round(float64(uploaded)*10000/float64(s.TotalChunks)) / 100,
		Missing:        s.Uploaded.Missing(),
		Completed:      s.IsCompleted,
		JobID:          s.JobID,
		ExpiresAt:      s.ExpiresAt,
	}, nil
}

// SweepExpired deletes every expired session, completed or not, with its
// chunk storage. It returns the number of sessions removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	for {
		sessions, err := m.repo.ListExpiredSessions(ctx, m.clock.Now(), sweepBatch)
		if err != nil {
			return removed, apperr.Infrastructure("upload.SweepExpired", err)
		}
		progress := 0
		for _, s := range sessions {
			if err := m.blobs.DeletePrefix(ctx, blobstore.ChunkPrefix(s.ID)); err != nil {
				m.logger.Error("delete expired chunks", slog.String("session_id", s.ID), slog.String("error", err.Error()))
				continue
			}
			if err := m.repo.DeleteSession(ctx, s.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				m.logger.Error("delete expired session", slog.String("session_id", s.ID), slog.String("error", err.Error()))
				continue
			}
			progress++
		}
		removed += progress
		if len(sessions) < sweepBatch || progress == 0 {
			if removed > 0 {
				m.logger.Info("expired upload sessions removed", slog.Int("count", removed))
			}
			return removed, nil
		}
	}
}

// load fetches a session, reporting missing and expired ones as not found.
func (m *Manager) load(ctx context.Context, op, id string) (*repository.Session, error) {
	s, err := m.repo.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(op, "upload session %s not found", id)
	}
	if err != nil {
		return nil, apperr.Infrastructure(op, err)
	}
	if s.Expired(m.clock.Now()) {
		return nil, apperr.NotFound(op, "upload session %s has expired", id)
	}
	return s, nil
}

// drop deletes a session and its chunks so the client starts over.
func (m *Manager) drop(s *repository.Session, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.blobs.DeletePrefix(ctx, blobstore.ChunkPrefix(s.ID)); err != nil {
		logger.Error("delete chunks", slog.String("error", err.Error()))
	}
	if err := m.repo.DeleteSession(ctx, s.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Error("delete session", slog.String("error", err.Error()))
	}
}

// discard removes a chunk written by a request that did not record it.
func (m *Manager) discard(key string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.blobs.Delete(ctx, key); err != nil {
		logger.Error("discard chunk", slog.String("error", err.Error()))
	}
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }
