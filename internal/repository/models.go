// Package repository holds the durable record types and their stores.
package repository

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bitmap records which chunk indexes have been accepted.
type Bitmap []bool

func NewBitmap(n int) Bitmap { return make(Bitmap, n) }

func (b Bitmap) Count() int {
	n := 0
	for _, set := range b {
		if set {
			n++
		}
	}
	return n
}

func (b Bitmap) Complete() bool { return len(b) > 0 && b.Count() == len(b) }

// Missing returns the unset indexes in ascending order.
func (b Bitmap) Missing() []int {
	var out []int
	for i, set := range b {
		if !set {
			out = append(out, i)
		}
	}
	return out
}

// Pack encodes the bitmap LSB-first, eight indexes per byte.
func (b Bitmap) Pack() []byte {
	out := make([]byte, (len(b)+7)/8)
	for i, set := range b {
		if set {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// UnpackBitmap decodes n indexes packed by Bitmap.Pack.
func UnpackBitmap(p []byte, n int) (Bitmap, error) {
	if len(p) != (n+7)/8 {
		return nil, fmt.Errorf("bitmap: %d bytes cannot hold %d bits", len(p), n)
	}
	b := NewBitmap(n)
	for i := range b {
		b[i] = p[i/8]&(1<<(i%8)) != 0
	}
	return b, nil
}

// Session is a chunked-upload session.
type Session struct {
	ID             string
	FileName       string
	DeclaredSize   int64
	DeclaredHash   string
	ChunkSize      int64
	TotalChunks    int
	Uploaded       Bitmap
	ClientIdentity string
	JobID          string
	IsCompleted    bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
	CompletedAt    *time.Time
	Version        int64
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// ChunkLength returns the expected byte length of chunk index.
func (s *Session) ChunkLength(index int) int64 {
	if index == s.TotalChunks-1 {
		return s.DeclaredSize - int64(s.TotalChunks-1)*s.ChunkSize
	}
	return s.ChunkSize
}

func (s *Session) Clone() *Session {
	c := *s
	c.Uploaded = append(Bitmap(nil), s.Uploaded...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobStatus is the analysis job state.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusTimedOut   JobStatus = "timed_out"
)

// Terminal reports whether no transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Job is an analysis job.
type Job struct {
	ID                    string
	Status                JobStatus
	FileHash              string
	FileName              string
	FileSize              int64
	RequesterIdentity     *string
	Options               map[string]string
	CreatedAt             time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	ExpiresAt             time.Time
	ResultPayload         json.RawMessage
	ErrorMessage          *string
	RetryCount            int
	TempArtifactPath      *string
	TempArtifactCleanedUp bool
	Version               int64
}

// Validate checks the field invariants tied to Status.
func (j *Job) Validate() error {
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if j.Status == StatusPending && j.StartedAt != nil {
		return fmt.Errorf("job %s: pending job has started_at", j.ID)
	}
	if j.Status != StatusPending && j.StartedAt == nil {
		return fmt.Errorf("job %s: %s job has no started_at", j.ID, j.Status)
	}
	if j.Status.Terminal() != (j.CompletedAt != nil) {
		return fmt.Errorf("job %s: completed_at inconsistent with status %s", j.ID, j.Status)
	}
	if (j.Status == StatusCompleted) != (j.ResultPayload != nil) {
		return fmt.Errorf("job %s: result payload inconsistent with status %s", j.ID, j.Status)
	}
	failed := j.Status == StatusFailed || j.Status == StatusTimedOut
	if failed != (j.ErrorMessage != nil) {
		return fmt.Errorf("job %s: error message inconsistent with status %s", j.ID, j.Status)
	}
	return nil
}

func (j *Job) Clone() *Job {
	c := *j
	c.RequesterIdentity = clonePtr(j.RequesterIdentity)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.TempArtifactPath = clonePtr(j.TempArtifactPath)
	if j.ResultPayload != nil {
		c.ResultPayload = append(json.RawMessage(nil), j.ResultPayload...)
	}
	if j.Options != nil {
		c.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// UsageRecord is one request made with a machine credential.
type UsageRecord struct {
	KeyID      string
	EndpointID int
	Endpoint   string
	Method     string
	StatusCode int
	Latency    time.Duration
	ClientIP   string
	ClientTag  string
	CreatedAt  time.Time
}

// Account tiers, matching the quota table rows.
const (
	AccountFree     = "free"
	AccountVerified = "verified"
	AccountPremium  = "premium"
	AccountMachine  = "machine"
)

// APIKey is a machine credential.
type APIKey struct {
	ID          string
	OwnerID     string
	AccountTier string
	IsAdmin     bool
	Revoked     bool
}

// UserSession is a verified interactive session.
type UserSession struct {
	UserID      string
	AccountTier string
	IsAdmin     bool
	ExpiresAt   time.Time
}
