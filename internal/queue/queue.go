package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/relaygate/internal/storage"
)

const defaultMaxAttempts = 8

const runColumns = `id, provider, delivery_id, event_type, resource_id, payload, status, attempt, max_attempts,
  dedupe_key, received_at, created_at, started_at, completed_at, next_retry_at, last_error`

// Queue is the durable at-least-once run queue backing the pipeline.
type Queue struct {
	db  *storage.DB
	now func() time.Time
}

func New(db *storage.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// DedupeKey groups runs of the same provider delivery.
func DedupeKey(provider, deliveryID string) string {
	return provider + ":" + deliveryID
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Provider == "" {
		return "", fmt.Errorf("provider is empty")
	}
	if req.DeliveryID == "" {
		return "", fmt.Errorf("delivery id is empty")
	}
	if len(req.Payload) == 0 {
		return "", fmt.Errorf("payload is empty")
	}

	id := uuid.NewString()
	now := q.now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = now
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO pipeline_runs(
  id, provider, delivery_id, event_type, resource_id, payload, status, attempt, max_attempts,
  dedupe_key, received_at, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?);
`, id, req.Provider, req.DeliveryID, req.EventType, req.ResourceID, string(req.Payload), StatusQueued, maxAttempts,
		DedupeKey(req.Provider, req.DeliveryID), storage.FormatTime(req.ReceivedAt), storage.FormatTime(now))
	if err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest due run and marks it running. Returns (nil, nil)
// if nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Run, error) {
	nowS := storage.FormatTime(q.now())

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM pipeline_runs
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, id ASC
  LIMIT 1`+q.db.Dialect.SkipLocked()+`
)
UPDATE pipeline_runs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+runColumns+`;
`, StatusQueued, nowS, StatusRunning, nowS)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue run: %w", err)
	}
	return r, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(q.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// Complete marks a run terminal.
func (q *Queue) Complete(ctx context.Context, id string, status Status, lastError *string) error {
	if id == "" {
		return fmt.Errorf("run id is empty")
	}
	if status != StatusSucceeded && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE pipeline_runs
SET status = ?, completed_at = ?, last_error = ?, next_retry_at = NULL
WHERE id = ?;
`, status, storage.FormatTime(q.now()), lastError, id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return requireRun(res)
}

// Retry puts a running run back in the queue for another attempt at nextAt.
func (q *Queue) Retry(ctx context.Context, id string, nextAt time.Time, lastError string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE pipeline_runs
SET status = ?, attempt = attempt + 1, next_retry_at = ?, last_error = ?, started_at = NULL
WHERE id = ? AND status = ?;
`, StatusQueued, storage.FormatTime(nextAt), lastError, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("retry run: %w", err)
	}
	return requireRun(res)
}

// Depth counts runs not yet terminal.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs WHERE status IN (?, ?);`,
		StatusQueued, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// RequeueStale returns runs stuck in running since before cutoff to the
// queue, recovering work orphaned by a crash. The attempt is not counted.
func (q *Queue) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE pipeline_runs
SET status = ?, started_at = NULL
WHERE status = ? AND started_at < ?;
`, StatusQueued, StatusRunning, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeue stale runs: %w", err)
	}
	return res.RowsAffected()
}

// PruneCompleted deletes terminal runs completed before cutoff.
func (q *Queue) PruneCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM pipeline_runs
WHERE status IN (?, ?) AND completed_at < ?;
`, StatusSucceeded, StatusDead, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func requireRun(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func scanRun(row *sql.Row) (*Run, error) {
	var (
		r            Run
		payload      string
		statusS      string
		receivedAtS  string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.Provider, &r.DeliveryID, &r.EventType, &r.ResourceID, &payload, &statusS, &r.Attempt, &r.MaxAttempts,
		&r.DedupeKey, &receivedAtS, &createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(statusS)
	r.Payload = []byte(payload)
	r.ReceivedAt = storage.ParseTime(receivedAtS)
	r.CreatedAt = storage.ParseTime(createdAtS)
	r.StartedAt = storage.ParseNullTime(startedAtS)
	r.CompletedAt = storage.ParseNullTime(completedAtS)
	r.NextRetryAt = storage.ParseNullTime(nextRetryAtS)
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}
