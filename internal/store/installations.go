package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mattjoyce/relaygate/internal/storage"
)

const installationColumns = `id, provider, external_id, account_label, connected_by, org_id, status,
  webhook_secret, webhook_subscription_id, metadata, created_at, updated_at`

// UpsertInstallation inserts or updates the row keyed on (provider,
// external_id). A known external account is updated in place, which also
// revives a revoked installation. An account still held by another org is
// refused with ErrInstallationClaimed. created reports whether a new row was
// made.
func (s *Store) UpsertInstallation(ctx context.Context, in Installation) (Installation, bool, error) {
	if in.Provider == "" || in.ExternalID == "" {
		return Installation{}, false, fmt.Errorf("provider and external id are required")
	}
	if in.Status == "" {
		in.Status = InstallationActive
	}
	meta, err := MarshalMetadata(in.Metadata)
	if err != nil {
		return Installation{}, false, fmt.Errorf("encode metadata: %w", err)
	}

	newID := uuid.NewString()
	now := s.timestamp()

	row := s.db.QueryRowContext(ctx, `
INSERT INTO installations(
  id, provider, external_id, account_label, connected_by, org_id, status,
  webhook_secret, webhook_subscription_id, metadata, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, external_id) DO UPDATE SET
  account_label = excluded.account_label,
  connected_by = excluded.connected_by,
  org_id = excluded.org_id,
  status = excluded.status,
  webhook_secret = COALESCE(excluded.webhook_secret, installations.webhook_secret),
  webhook_subscription_id = COALESCE(excluded.webhook_subscription_id, installations.webhook_subscription_id),
  metadata = excluded.metadata,
  updated_at = excluded.updated_at
WHERE installations.org_id = excluded.org_id OR installations.status = ?
RETURNING `+installationColumns+`;
`, newID, in.Provider, in.ExternalID, in.AccountLabel, in.ConnectedBy, in.OrgID, in.Status,
		storage.NullString(in.WebhookSecret), storage.NullString(in.WebhookSubscriptionID), meta, now, now, InstallationRevoked)

	out, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Installation{}, false, ErrInstallationClaimed
	}
	if err != nil {
		return Installation{}, false, fmt.Errorf("upsert installation: %w", err)
	}
	return out, out.ID == newID, nil
}

func (s *Store) GetInstallation(ctx context.Context, id string) (Installation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE id = ?;`, id)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Installation{}, ErrNotFound
	}
	if err != nil {
		return Installation{}, fmt.Errorf("get installation: %w", err)
	}
	return inst, nil
}

// FindInstallationByExternalID looks an installation up by its provider account.
func (s *Store) FindInstallationByExternalID(ctx context.Context, provider, externalID string) (Installation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+installationColumns+`
FROM installations
WHERE provider = ? AND external_id = ?;
`, provider, externalID)
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Installation{}, ErrNotFound
	}
	if err != nil {
		return Installation{}, fmt.Errorf("find installation: %w", err)
	}
	return inst, nil
}

func (s *Store) UpdateInstallationStatus(ctx context.Context, id string, status InstallationStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE installations SET status = ?, updated_at = ? WHERE id = ?;`, status, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update installation status: %w", err)
	}
	return requireRow(res)
}

// SetWebhookSubscription records a self-registered webhook. secret must already be sealed.
func (s *Store) SetWebhookSubscription(ctx context.Context, id, subscriptionID, secret string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE installations
SET webhook_subscription_id = ?, webhook_secret = ?, updated_at = ?
WHERE id = ?;
`, storage.NullString(subscriptionID), storage.NullString(secret), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set webhook subscription: %w", err)
	}
	return requireRow(res)
}

func scanInstallation(row *sql.Row) (Installation, error) {
	var (
		inst           Installation
		status         string
		secret         sql.NullString
		subscriptionID sql.NullString
		metadata       string
		createdAt      string
		updatedAt      string
	)
	if err := row.Scan(&inst.ID, &inst.Provider, &inst.ExternalID, &inst.AccountLabel, &inst.ConnectedBy, &inst.OrgID,
		&status, &secret, &subscriptionID, &metadata, &createdAt, &updatedAt); err != nil {
		return Installation{}, err
	}
	meta, err := UnmarshalMetadata(metadata)
	if err != nil {
		return Installation{}, err
	}
	inst.Status = InstallationStatus(status)
	inst.WebhookSecret = secret.String
	inst.WebhookSubscriptionID = subscriptionID.String
	inst.Metadata = meta
	inst.CreatedAt = storage.ParseTime(createdAt)
	inst.UpdatedAt = storage.ParseTime(updatedAt)
	return inst, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
