package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/store"
)

// ConnectionStatus describes an installation without any secret material.
type ConnectionStatus struct {
	ID                string                   `json:"id"`
	Provider          string                   `json:"provider"`
	ExternalID        string                   `json:"external_id"`
	AccountLabel      string                   `json:"account_label"`
	OrgID             string                   `json:"org_id"`
	ConnectedBy       string                   `json:"connected_by"`
	Status            store.InstallationStatus `json:"status"`
	ResourceCount     int                      `json:"resource_count"`
	HasToken          bool                     `json:"has_token"`
	TokenExpiresAt    *time.Time               `json:"token_expires_at,omitempty"`
	Refreshable       bool                     `json:"refreshable"`
	WebhookSubscribed bool                     `json:"webhook_subscribed"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

func (m *Manager) Status(ctx context.Context, installationID string) (ConnectionStatus, error) {
	inst, err := m.store.GetInstallation(ctx, installationID)
	if err != nil {
		return ConnectionStatus{}, err
	}
	count, err := m.store.CountResources(ctx, inst.ID)
	if err != nil {
		return ConnectionStatus{}, err
	}
	out := ConnectionStatus{
		ID:                inst.ID,
		Provider:          inst.Provider,
		ExternalID:        inst.ExternalID,
		AccountLabel:      inst.AccountLabel,
		OrgID:             inst.OrgID,
		ConnectedBy:       inst.ConnectedBy,
		Status:            inst.Status,
		ResourceCount:     count,
		WebhookSubscribed: inst.WebhookSubscriptionID != "",
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
	}
	tok, err := m.store.GetToken(ctx, inst.ID)
	switch {
	case err == nil:
		out.HasToken = true
		out.TokenExpiresAt = tok.ExpiresAt
		out.Refreshable = tok.RefreshToken != ""
	case !errors.Is(err, store.ErrNotFound):
		return ConnectionStatus{}, err
	}
	return out, nil
}

// Teardown disconnects an installation. Remote cleanup is best effort;
// the local revoke, token removal and route invalidation always happen.
func (m *Manager) Teardown(ctx context.Context, installationID string) error {
	inst, err := m.store.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	logger := m.logger.With("installation_id", inst.ID, "provider", inst.Provider)

	if inst.Status != store.InstallationRevoked {
		m.remoteTeardown(ctx, inst)
	}

	if err := m.store.UpdateInstallationStatus(ctx, inst.ID, store.InstallationRevoked); err != nil {
		return err
	}
	if err := m.store.DeleteToken(ctx, inst.ID); err != nil {
		return err
	}
	removed, err := m.store.DeactivateResources(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, resourceID := range removed {
		if err := m.routes.DeleteRoute(ctx, inst.Provider, resourceID); err != nil {
			logger.Warn("failed to invalidate route", "resource_id", resourceID, "error", err)
		}
	}
	logger.Info("installation revoked", "resources_removed", len(removed))
	return nil
}

func (m *Manager) remoteTeardown(ctx context.Context, inst store.Installation) {
	logger := m.logger.With("installation_id", inst.ID, "provider", inst.Provider)
	p, err := m.providers.Get(inst.Provider)
	if err != nil {
		logger.Warn("provider not enabled, skipping remote teardown", "error", err)
		return
	}

	tok, err := m.loadToken(ctx, inst.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to load token for teardown", "error", err)
	}

	if reg, ok := p.(provider.WebhookRegistrar); ok && inst.WebhookSubscriptionID != "" {
		if err := reg.DeregisterWebhook(ctx, m.ref(inst), tok, inst.WebhookSubscriptionID); err != nil {
			logger.Warn("failed to deregister webhook", "subscription_id", inst.WebhookSubscriptionID, "error", err)
		}
	}
	if err := p.RevokeToken(ctx, m.ref(inst), tok); err != nil {
		logger.Warn("failed to revoke token remotely", "error", err)
	}
}

// LinkResource makes a provider resource route to the installation.
func (m *Manager) LinkResource(ctx context.Context, installationID, resourceID, label string) (store.Resource, error) {
	if resourceID == "" {
		return store.Resource{}, fmt.Errorf("%w: resource id is required", ErrInvalidRequest)
	}
	inst, err := m.store.GetInstallation(ctx, installationID)
	if err != nil {
		return store.Resource{}, err
	}
	if inst.Status != store.InstallationActive {
		return store.Resource{}, fmt.Errorf("%w: %s", ErrInstallationInactive, inst.Status)
	}
	res, err := m.store.LinkResource(ctx, inst.ID, inst.Provider, resourceID, label)
	if err != nil {
		return store.Resource{}, err
	}
	route := store.Route{InstallationID: inst.ID, OrgID: inst.OrgID}
	if err := m.routes.SetRoute(ctx, inst.Provider, resourceID, route); err != nil {
		m.logger.Warn("failed to cache route", "resource_id", resourceID, "error", err)
	}
	return res, nil
}

func (m *Manager) UnlinkResource(ctx context.Context, installationID, resourceID string) error {
	inst, err := m.store.GetInstallation(ctx, installationID)
	if err != nil {
		return err
	}
	if err := m.store.UnlinkResource(ctx, inst.ID, resourceID); err != nil {
		return err
	}
	// Dropping the entry lets the next lookup fall back to any other owner.
	if err := m.routes.DeleteRoute(ctx, inst.Provider, resourceID); err != nil {
		m.logger.Warn("failed to invalidate route", "resource_id", resourceID, "error", err)
	}
	return nil
}

// RebuildRoutes repopulates the routing cache from the store and returns
// the number of routes written.
func (m *Manager) RebuildRoutes(ctx context.Context) (int, error) {
	entries, err := m.store.ListActiveRoutes(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.routes.ReplaceRoutes(ctx, entries); err != nil {
		return 0, fmt.Errorf("replace routes: %w", err)
	}
	m.logger.Info("routing cache rebuilt", "routes", len(entries))
	return len(entries), nil
}
