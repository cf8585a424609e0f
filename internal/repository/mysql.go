package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const dbTimeout = 2 * time.Second

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

const sessionColumns = `id, file_name, declared_size, declared_hash, chunk_size, total_chunks,
	uploaded_bitmap, client_identity, job_id, is_completed, created_at, expires_at, completed_at, version`

const jobColumns = `id, status, file_hash, file_name, file_size, requester_identity, options,
	created_at, started_at, completed_at, expires_at, result_payload, error_message,
	retry_count, temp_artifact_path, temp_artifact_cleaned_up, version`

// MySQL implements Repository using prepared statements and context timeouts.
type MySQL struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtUpdSession    *sql.Stmt
	stmtCreateJob     *sql.Stmt
	stmtGetJob        *sql.Stmt
	stmtUpdJob        *sql.Stmt
	stmtInsertUsage   *sql.Stmt
}

// NewMySQL prepares the hot-path statements up front. The caller owns the
// *sql.DB lifetime.
func NewMySQL(db *sql.DB) (*MySQL, error) {
	r := &MySQL{db: db}
	prepare := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&r.stmtCreateSession, "createSession", `INSERT INTO upload_sessions (` + sessionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&r.stmtGetSession, "getSession", `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id = ?`},
		{&r.stmtUpdSession, "updateSession", `UPDATE upload_sessions
			SET uploaded_bitmap = ?, job_id = ?, is_completed = ?, completed_at = ?, expires_at = ?, version = version + 1
			WHERE id = ? AND version = ?`},
		{&r.stmtCreateJob, "createJob", `INSERT INTO analysis_jobs (` + jobColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&r.stmtGetJob, "getJob", `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = ?`},
		{&r.stmtUpdJob, "updateJob", `UPDATE analysis_jobs
			SET status = ?, started_at = ?, completed_at = ?, result_payload = ?, error_message = ?,
				retry_count = ?, temp_artifact_path = ?, temp_artifact_cleaned_up = ?, version = version + 1
			WHERE id = ? AND version = ?`},
		{&r.stmtInsertUsage, "insertUsage", `INSERT INTO api_key_usage
			(key_id, endpoint_id, endpoint, method, status_code, latency_ms, client_ip, client_tag, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
	}
	for _, p := range prepare {
		stmt, err := db.Prepare(p.query)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("prepare %s: %w", p.name, err)
		}
		*p.dst = stmt
	}
	return r, nil
}

// Close releases all prepared statements.
func (r *MySQL) Close() error {
	for _, s := range []*sql.Stmt{
		r.stmtCreateSession, r.stmtGetSession, r.stmtUpdSession,
		r.stmtCreateJob, r.stmtGetJob, r.stmtUpdJob, r.stmtInsertUsage,
	} {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

func (r *MySQL) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// ---------- sessions ----------

func (r *MySQL) CreateSession(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	s.Version = 1
	_, err := r.stmtCreateSession.ExecContext(ctx,
		s.ID, s.FileName, s.DeclaredSize, s.DeclaredHash, s.ChunkSize, s.TotalChunks,
		s.Uploaded.Pack(), s.ClientIdentity, s.JobID, s.IsCompleted, s.CreatedAt, s.ExpiresAt,
		nullTime(s.CompletedAt), s.Version,
	)
	if err != nil {
		return fmt.Errorf("repo create session: %w", mapExecError(err))
	}
	return nil
}

func (r *MySQL) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	s, err := scanSession(r.stmtGetSession.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("repo get session: %w", err)
	}
	return s, nil
}

func (r *MySQL) UpdateSession(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmtUpdSession.ExecContext(ctx,
		s.Uploaded.Pack(), s.JobID, s.IsCompleted, nullTime(s.CompletedAt), s.ExpiresAt,
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("repo update session: %w", err)
	}
	if err := r.checkVersioned(ctx, res, "upload_sessions", s.ID); err != nil {
		return fmt.Errorf("repo update session %s: %w", s.ID, err)
	}
	s.Version++
	return nil
}

func (r *MySQL) CountActiveSessions(ctx context.Context, identity string, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_sessions WHERE client_identity = ? AND is_completed = FALSE AND expires_at > ?`,
		identity, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repo count sessions: %w", err)
	}
	return n, nil
}

func (r *MySQL) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repo list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("repo list expired sessions scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *MySQL) DeleteSession(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "upload_sessions", id)
}

// ---------- jobs ----------

func (r *MySQL) CreateJob(ctx context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("repo create job: %w", err)
	}
	opts, err := marshalOptions(j.Options)
	if err != nil {
		return fmt.Errorf("repo create job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	j.Version = 1
	_, err = r.stmtCreateJob.ExecContext(ctx,
		j.ID, string(j.Status), j.FileHash, j.FileName, j.FileSize, nullString(j.RequesterIdentity), opts,
		j.CreatedAt, nullTime(j.StartedAt), nullTime(j.CompletedAt), j.ExpiresAt, nullJSON(j.ResultPayload),
		nullString(j.ErrorMessage), j.RetryCount, nullString(j.TempArtifactPath), j.TempArtifactCleanedUp,
		j.Version,
	)
	if err != nil {
		return fmt.Errorf("repo create job: %w", mapExecError(err))
	}
	return nil
}

func (r *MySQL) GetJob(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	j, err := scanJob(r.stmtGetJob.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("repo get job: %w", err)
	}
	return j, nil
}

func (r *MySQL) UpdateJob(ctx context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("repo update job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.stmtUpdJob.ExecContext(ctx,
		string(j.Status), nullTime(j.StartedAt), nullTime(j.CompletedAt), nullJSON(j.ResultPayload),
		nullString(j.ErrorMessage), j.RetryCount, nullString(j.TempArtifactPath), j.TempArtifactCleanedUp,
		j.ID, j.Version,
	)
	if err != nil {
		return fmt.Errorf("repo update job: %w", err)
	}
	if err := r.checkVersioned(ctx, res, "analysis_jobs", j.ID); err != nil {
		return fmt.Errorf("repo update job %s: %w", j.ID, err)
	}
	j.Version++
	return nil
}

func (r *MySQL) ListJobs(ctx context.Context, status JobStatus, before time.Time, limit int) ([]*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	refColumn := "created_at"
	if status == StatusProcessing {
		refColumn = "started_at"
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE status = ? AND `+refColumn+` < ? ORDER BY created_at LIMIT ?`,
		string(status), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repo list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *MySQL) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repo list expired jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *MySQL) DeleteJob(ctx context.Context, id string) error {
	return r.deleteByID(ctx, "analysis_jobs", id)
}

// ---------- usage ----------

func (r *MySQL) InsertUsage(ctx context.Context, u *UsageRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := r.stmtInsertUsage.ExecContext(ctx,
		u.KeyID, u.EndpointID, u.Endpoint, u.Method, u.StatusCode, u.Latency.Milliseconds(),
		u.ClientIP, u.ClientTag, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repo insert usage: %w", err)
	}
	return nil
}

// ---------- credentials ----------

func (r *MySQL) LookupAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	k := &APIKey{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, account_tier, is_admin, revoked FROM api_keys WHERE key_hash = ?`, keyHash,
	).Scan(&k.ID, &k.OwnerID, &k.AccountTier, &k.IsAdmin, &k.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo lookup api key: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("repo lookup api key: %w", err)
	}
	return k, nil
}

func (r *MySQL) LookupUserSession(ctx context.Context, tokenHash string) (*UserSession, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	s := &UserSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, account_tier, is_admin, expires_at FROM user_sessions WHERE token_hash = ?`, tokenHash,
	).Scan(&s.UserID, &s.AccountTier, &s.IsAdmin, &s.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo lookup user session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("repo lookup user session: %w", err)
	}
	return s, nil
}

// ---------- helpers ----------

// checkVersioned turns a zero-row versioned update into ErrConflict or
// ErrNotFound depending on whether the row still exists.
func (r *MySQL) checkVersioned(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = ?)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *MySQL) deleteByID(ctx context.Context, table, id string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("repo delete %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("repo delete %s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	s := &Session{}
	var bitmap []byte
	var completedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.FileName, &s.DeclaredSize, &s.DeclaredHash, &s.ChunkSize, &s.TotalChunks,
		&bitmap, &s.ClientIdentity, &s.JobID, &s.IsCompleted, &s.CreatedAt, &s.ExpiresAt,
		&completedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}
	if s.Uploaded, err = UnpackBitmap(bitmap, s.TotalChunks); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var (
		status                      string
		requester, errMsg, artifact sql.NullString
		startedAt, completedAt      sql.NullTime
		optionsJSON, resultJSON     []byte
	)
	err := row.Scan(
		&j.ID, &status, &j.FileHash, &j.FileName, &j.FileSize, &requester, &optionsJSON,
		&j.CreatedAt, &startedAt, &completedAt, &j.ExpiresAt, &resultJSON, &errMsg,
		&j.RetryCount, &artifact, &j.TempArtifactCleanedUp, &j.Version,
	)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.RequesterIdentity = fromNullString(requester)
	j.ErrorMessage = fromNullString(errMsg)
	j.TempArtifactPath = fromNullString(artifact)
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if len(resultJSON) > 0 {
		j.ResultPayload = json.RawMessage(resultJSON)
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &j.Options); err != nil {
			return nil, fmt.Errorf("job %s options: %w", j.ID, err)
		}
	}
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("repo scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func mapExecError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return ErrDuplicate
	}
	return err
}

func marshalOptions(opts map[string]string) (any, error) {
	if len(opts) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullJSON(b json.RawMessage) any {
	if b == nil {
		return nil
	}
	return []byte(b)
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
