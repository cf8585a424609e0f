package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory implements Repository in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type Memory struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	jobs         map[string]*Job
	usage        []UsageRecord
	apiKeys      map[string]*APIKey
	userSessions map[string]*UserSession
}

func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]*Session),
		jobs:         make(map[string]*Job),
		apiKeys:      make(map[string]*APIKey),
		userSessions: make(map[string]*UserSession),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

// ---------- sessions ----------

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("create session %s: %w", s.ID, ErrDuplicate)
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *Memory) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("update session %s: %w", s.ID, ErrNotFound)
	}
	if cur.Version != s.Version {
		return fmt.Errorf("update session %s: %w", s.ID, ErrConflict)
	}
	s.Version++
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) CountActiveSessions(_ context.Context, identity string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.ClientIdentity == identity && !s.IsCompleted && !s.Expired(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.Expired(now) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	return nil
}

// ---------- jobs ----------

func (m *Memory) CreateJob(_ context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("create job %s: %w", j.ID, ErrDuplicate)
	}
	j.Version = 1
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *Memory) UpdateJob(_ context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.jobs[j.ID]
	if !ok {
		return fmt.Errorf("update job %s: %w", j.ID, ErrNotFound)
	}
	if cur.Version != j.Version {
		return fmt.Errorf("update job %s: %w", j.ID, ErrConflict)
	}
	j.Version++
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) ListJobs(_ context.Context, status JobStatus, before time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Job
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		ref := j.CreatedAt
		if status == StatusProcessing && j.StartedAt != nil {
			ref = *j.StartedAt
		}
		if ref.Before(before) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListExpiredJobs(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Job
	for _, j := range m.jobs {
		if !now.Before(j.ExpiresAt) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExpiresAt.Before(out[b].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("delete job %s: %w", id, ErrNotFound)
	}
	delete(m.jobs, id)
	return nil
}

// ---------- usage ----------

func (m *Memory) InsertUsage(_ context.Context, u *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = append(m.usage, *u)
	return nil
}

// Usage returns a copy of every stored usage record.
func (m *Memory) Usage() []UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]UsageRecord(nil), m.usage...)
}

// ---------- credentials ----------

// PutAPIKey registers a machine credential under its hash.
func (m *Memory) PutAPIKey(keyHash string, k APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[keyHash] = &k
}

// PutUserSession registers a user session under its token hash.
func (m *Memory) PutUserSession(tokenHash string, s UserSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userSessions[tokenHash] = &s
}

func (m *Memory) LookupAPIKey(_ context.Context, keyHash string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.apiKeys[keyHash]
	if !ok {
		return nil, fmt.Errorf("lookup api key: %w", ErrNotFound)
	}
	c := *k
	return &c, nil
}

func (m *Memory) LookupUserSession(_ context.Context, tokenHash string) (*UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.userSessions[tokenHash]
	if !ok {
		return nil, fmt.Errorf("lookup user session: %w", ErrNotFound)
	}
	c := *s
	return &c, nil
}
