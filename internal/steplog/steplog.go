// Package steplog memoizes pipeline steps by (run id, step name). A step
// whose output is recorded is never executed again for that run, which
// turns at-least-once run invocation into exactly-once effect per step.
package steplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/relaygate/internal/storage"
)

// Log is the step memo table.
type Log struct {
	db  *storage.DB
	now func() time.Time
}

func New(db *storage.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// Lookup returns the recorded output of a step and whether one exists.
func (l *Log) Lookup(ctx context.Context, runID, step string) (json.RawMessage, bool, error) {
	var out string
	err := l.db.QueryRowContext(ctx, `SELECT output FROM pipeline_steps WHERE run_id = ? AND step = ?;`, runID, step).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup step %s: %w", step, err)
	}
	return json.RawMessage(out), true, nil
}

// Record stores a step's output. The first record wins.
func (l *Log) Record(ctx context.Context, runID, step string, output json.RawMessage) error {
	_, err := l.db.ExecContext(ctx, `
INSERT INTO pipeline_steps(run_id, step, output, completed_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(run_id, step) DO NOTHING;
`, runID, step, string(output), storage.FormatTime(l.now()))
	if err != nil {
		return fmt.Errorf("record step %s: %w", step, err)
	}
	return nil
}

// Entry is one recorded step.
type Entry struct {
	Step        string          `json:"step"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completed_at"`
}

// List returns the steps recorded for a run in completion order.
func (l *Log) List(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT step, output, completed_at FROM pipeline_steps
WHERE run_id = ?
ORDER BY completed_at, step;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			output, at string
		)
		if err := rows.Scan(&e.Step, &output, &at); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		e.Output = json.RawMessage(output)
		e.CompletedAt = storage.ParseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes memos recorded before cutoff.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM pipeline_steps WHERE completed_at < ?;`, storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune steps: %w", err)
	}
	return res.RowsAffected()
}

// Do runs fn unless step already completed for runID, in which case the
// recorded output is decoded and returned without calling fn. A failing fn
// records nothing.
func Do[T any](ctx context.Context, l *Log, runID, step string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	raw, ok, err := l.Lookup(ctx, runID, step)
	if err != nil {
		return zero, err
	}
	if ok {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("decode step %s: %w", step, err)
		}
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encode step %s: %w", step, err)
	}
	if err := l.Record(ctx, runID, step, data); err != nil {
		return zero, err
	}
	return out, nil
}
