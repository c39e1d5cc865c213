package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/relaygate/internal/storage"
)

const deliveryColumns = `id, provider, delivery_id, event_type, resource_id, installation_id, run_id,
  status, dlq_reason, payload, received_at, updated_at`

// InsertDelivery records a delivery unless (provider, delivery_id) already
// exists. It returns the run id that owns the row, which is d.RunID when this
// call inserted it.
func (s *Store) InsertDelivery(ctx context.Context, d Delivery) (string, error) {
	if d.Provider == "" || d.DeliveryID == "" || d.RunID == "" {
		return "", fmt.Errorf("provider, delivery id and run id are required")
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin delivery insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO webhook_deliveries(id, provider, delivery_id, event_type, resource_id, run_id, status, received_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, delivery_id) DO NOTHING;
`, uuid.NewString(), d.Provider, d.DeliveryID, d.EventType, d.ResourceID, d.RunID, DeliveryReceived,
		storage.FormatTime(d.ReceivedAt), s.timestamp())
	if err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT run_id FROM webhook_deliveries WHERE provider = ? AND delivery_id = ?;`,
		d.Provider, d.DeliveryID).Scan(&owner)
	if err != nil {
		return "", fmt.Errorf("read delivery owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit delivery insert: %w", err)
	}
	return owner, nil
}

// MarkDelivered moves a received or dead-lettered delivery to delivered and
// drops its retained payload. Marking an already delivered row is a no-op.
func (s *Store) MarkDelivered(ctx context.Context, provider, deliveryID, installationID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE webhook_deliveries
SET status = ?, installation_id = ?, dlq_reason = NULL, payload = NULL, updated_at = ?
WHERE provider = ? AND delivery_id = ? AND status IN (?, ?);
`, DeliveryDelivered, storage.NullString(installationID), s.timestamp(), provider, deliveryID, DeliveryReceived, DeliveryDLQ)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return s.checkTransition(ctx, res, provider, deliveryID, DeliveryDelivered)
}

// MarkDeadLetter parks a delivery with its full payload for later replay.
// A delivered row is never moved back.
func (s *Store) MarkDeadLetter(ctx context.Context, provider, deliveryID, installationID string, payload json.RawMessage, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE webhook_deliveries
SET status = ?, installation_id = COALESCE(?, installation_id), dlq_reason = ?, payload = ?, updated_at = ?
WHERE provider = ? AND delivery_id = ? AND status IN (?, ?);
`, DeliveryDLQ, storage.NullString(installationID), reason, string(payload), s.timestamp(),
		provider, deliveryID, DeliveryReceived, DeliveryDLQ)
	if err != nil {
		return fmt.Errorf("mark dead letter: %w", err)
	}
	err = s.checkTransition(ctx, res, provider, deliveryID, "")
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("delivery %s/%s already delivered: %w", provider, deliveryID, ErrConflict)
	}
	return err
}

// checkTransition turns a zero-row update into ErrNotFound, ErrConflict, or
// nil when the row already sits in the idempotent target status.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, provider, deliveryID string, target DeliveryStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	d, err := s.FindDelivery(ctx, provider, deliveryID)
	if err != nil {
		return err
	}
	if target != "" && d.Status == target {
		return nil
	}
	return ErrConflict
}

func (s *Store) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?;`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *Store) FindDelivery(ctx context.Context, provider, deliveryID string) (Delivery, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+deliveryColumns+`
FROM webhook_deliveries
WHERE provider = ? AND delivery_id = ?;
`, provider, deliveryID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("find delivery: %w", err)
	}
	return d, nil
}

// ListDeadLetters returns dead-lettered deliveries, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+deliveryColumns+`
FROM webhook_deliveries
WHERE status = ?
ORDER BY received_at ASC
LIMIT ?;
`, DeliveryDLQ, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneDeliveries removes delivered audit rows received before the cutoff.
// Dead letters are kept until replayed.
func (s *Store) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE status = ? AND received_at < ?;`,
		DeliveryDelivered, storage.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var (
		d              Delivery
		installationID sql.NullString
		status         string
		reason         sql.NullString
		payload        sql.NullString
		receivedAt     string
		updatedAt      string
	)
	if err := row.Scan(&d.ID, &d.Provider, &d.DeliveryID, &d.EventType, &d.ResourceID, &installationID, &d.RunID,
		&status, &reason, &payload, &receivedAt, &updatedAt); err != nil {
		return Delivery{}, err
	}
	d.InstallationID = installationID.String
	d.Status = DeliveryStatus(status)
	d.DLQReason = reason.String
	if payload.Valid && payload.String != "" {
		d.Payload = json.RawMessage(payload.String)
	}
	d.ReceivedAt = storage.ParseTime(receivedAt)
	d.UpdatedAt = storage.ParseTime(updatedAt)
	return d, nil
}
