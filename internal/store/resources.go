package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mattjoyce/relaygate/internal/storage"
)

// LinkResource attaches a provider resource to an installation, reviving a
// previously removed link.
func (s *Store) LinkResource(ctx context.Context, installationID, provider, resourceID, label string) (Resource, error) {
	if resourceID == "" {
		return Resource{}, fmt.Errorf("resource id is empty")
	}
	now := s.timestamp()
	var (
		r         Resource
		status    string
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
INSERT INTO resources(id, installation_id, provider, provider_resource_id, label, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(installation_id, provider_resource_id) DO UPDATE SET
  label = excluded.label,
  status = excluded.status,
  updated_at = excluded.updated_at
RETURNING id, installation_id, provider, provider_resource_id, label, status, created_at, updated_at;
`, uuid.NewString(), installationID, provider, resourceID, label, ResourceActive, now, now).Scan(
		&r.ID, &r.InstallationID, &r.Provider, &r.ProviderResourceID, &r.Label, &status, &createdAt, &updatedAt)
	if err != nil {
		return Resource{}, fmt.Errorf("link resource: %w", err)
	}
	r.Status = ResourceStatus(status)
	r.CreatedAt = storage.ParseTime(createdAt)
	r.UpdatedAt = storage.ParseTime(updatedAt)
	return r, nil
}

func (s *Store) UnlinkResource(ctx context.Context, installationID, resourceID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE resources SET status = ?, updated_at = ?
WHERE installation_id = ? AND provider_resource_id = ? AND status = ?;
`, ResourceRemoved, s.timestamp(), installationID, resourceID, ResourceActive)
	if err != nil {
		return fmt.Errorf("unlink resource: %w", err)
	}
	return requireRow(res)
}

// ResolveResource finds the live installation owning a provider resource id.
// When more than one active link exists the most recently linked one wins.
func (s *Store) ResolveResource(ctx context.Context, provider, resourceID string) (Route, error) {
	var route Route
	err := s.db.QueryRowContext(ctx, `
SELECT i.id, i.org_id
FROM resources r
JOIN installations i ON i.id = r.installation_id
WHERE r.provider = ? AND r.provider_resource_id = ? AND r.status = ? AND i.status = ?
ORDER BY r.updated_at DESC
LIMIT 1;
`, provider, resourceID, ResourceActive, InstallationActive).Scan(&route.InstallationID, &route.OrgID)
	if errors.Is(err, sql.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, fmt.Errorf("resolve resource: %w", err)
	}
	return route, nil
}

// ListActiveRoutes returns every routable resource, oldest link first so a
// rebuild that writes them in order leaves the newest link in the cache.
func (s *Store) ListActiveRoutes(ctx context.Context) ([]RouteEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.provider, r.provider_resource_id, i.id, i.org_id
FROM resources r
JOIN installations i ON i.id = r.installation_id
WHERE r.status = ? AND i.status = ?
ORDER BY r.updated_at ASC;
`, ResourceActive, InstallationActive)
	if err != nil {
		return nil, fmt.Errorf("list active routes: %w", err)
	}
	defer rows.Close()

	var out []RouteEntry
	for rows.Next() {
		var e RouteEntry
		if err := rows.Scan(&e.Provider, &e.ResourceID, &e.Route.InstallationID, &e.Route.OrgID); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeactivateResources removes every active link of an installation and
// returns the provider resource ids that were affected.
func (s *Store) DeactivateResources(ctx context.Context, installationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE resources SET status = ?, updated_at = ?
WHERE installation_id = ? AND status = ?
RETURNING provider_resource_id;
`, ResourceRemoved, s.timestamp(), installationID, ResourceActive)
	if err != nil {
		return nil, fmt.Errorf("deactivate resources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CountResources(ctx context.Context, installationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE installation_id = ? AND status = ?;`,
		installationID, ResourceActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count resources: %w", err)
	}
	return n, nil
}
