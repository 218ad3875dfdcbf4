package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

const (
	defaultMaxAttempts = 3
	maxLastErrorBytes  = 8 * 1024
)

type Queue struct {
	db  *storage.DB
	now func() time.Time
}

func New(db *storage.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	cp := *q
	cp.now = now
	return &cp
}

const jobColumns = `id, kind, account_id, payload, status, attempt, max_attempts, submitted_by, dedupe_key,
  created_at, started_at, completed_at, next_retry_at, last_error`

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Kind == "" {
		return "", fmt.Errorf("kind is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	_, err := q.db.ExecContext(ctx, q.db.Rebind(`
INSERT INTO job_queue(
  id, kind, account_id, payload, status, attempt, max_attempts, submitted_by, dedupe_key, created_at
)
VALUES(?, ?, ?, ?, ?, 1, ?, ?, ?, ?);
`), id, req.Kind, req.AccountID, payload, string(StatusQueued), maxAttempts, req.SubmittedBy, req.DedupeKey,
		storage.FormatTime(q.now()))
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j            Job
		payload      sql.NullString
		dedupeKey    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
		statusS      string
	)
	if err := row.Scan(
		&j.ID, &j.Kind, &j.AccountID, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &j.SubmittedBy, &dedupeKey,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	); err != nil {
		return nil, err
	}
	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	j.CreatedAt, _ = storage.ParseTime(createdAtS)
	j.StartedAt = storage.ParseNullTime(startedAtS)
	j.CompletedAt = storage.ParseNullTime(completedAtS)
	j.NextRetryAt = storage.ParseNullTime(nextRetryAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

// Dequeue claims the oldest queued job whose retry time has come and marks
// it running. Returns (nil, nil) if nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := storage.FormatTime(q.now())

	row := q.db.QueryRowContext(ctx, q.db.Rebind(`
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id = (
  SELECT id
  FROM job_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, id ASC
  LIMIT 1`+q.db.Dialect.SkipLocked()+`
)
RETURNING `+jobColumns+`;
`), string(StatusRunning), nowS, string(StatusQueued), nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, q.db.Rebind(`SELECT `+jobColumns+` FROM job_queue WHERE id = ?;`), jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Retry puts a running job back in the queue as attempt nextAttempt, not to
// be claimed before nextRetryAt. The schedule lives in the row so a restart
// keeps it.
func (q *Queue) Retry(ctx context.Context, jobID string, nextAttempt int, nextRetryAt time.Time, lastErr string) error {
	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
UPDATE job_queue
SET status = ?, attempt = ?, next_retry_at = ?, last_error = ?, started_at = NULL
WHERE id = ? AND status = ?;
`), string(StatusQueued), nextAttempt, storage.FormatTime(nextRetryAt), truncate(lastErr), jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Complete marks a job terminal and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		kind        string
		accountID   string
		attempt     int
		submittedBy string
		createdAt   string
	)
	if err := tx.QueryRowContext(ctx, q.db.Rebind(`
SELECT kind, account_id, attempt, submitted_by, created_at
FROM job_queue
WHERE id = ?;
`), jobID).Scan(&kind, &accountID, &attempt, &submittedBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("load job for completion: %w", err)
	}

	var lastErrVal any
	if lastError != nil {
		lastErrVal = truncate(*lastError)
	}
	completedAt := storage.FormatTime(q.now())

	_, err = tx.ExecContext(ctx, q.db.Rebind(`
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`), string(status), completedAt, lastErrVal, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	logID := fmt.Sprintf("%s-%d", jobID, attempt)
	_, err = tx.ExecContext(ctx, q.db.Rebind(`
INSERT INTO job_log(
  id, job_id, kind, account_id, status, attempt, submitted_by, created_at, completed_at, last_error
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`), logID, jobID, kind, accountID, string(status), attempt, submittedBy, createdAt, completedAt, lastErrVal)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FindJobsByStatus returns jobs in status, oldest first.
func (q *Queue) FindJobsByStatus(ctx context.Context, status Status) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, q.db.Rebind(`SELECT `+jobColumns+`
FROM job_queue WHERE status = ? ORDER BY created_at ASC, id ASC;`), string(status))
	if err != nil {
		return nil, fmt.Errorf("find jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Requeue returns a running job to the queue without counting an attempt.
// Used for jobs orphaned by a crash.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, q.db.Rebind(`
UPDATE job_queue SET status = ?, started_at = NULL
WHERE id = ? AND status = ?;
`), string(StatusQueued), jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Depth counts queued jobs, including those waiting on a retry time.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, q.db.Rebind(`SELECT COUNT(*) FROM job_queue WHERE status = ?;`),
		string(StatusQueued)).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func truncate(s string) string {
	if len(s) > maxLastErrorBytes {
		return s[:maxLastErrorBytes]
	}
	return s
}
