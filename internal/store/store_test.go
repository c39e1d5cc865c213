package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relaygate/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := storage.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "relaygate.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func seedInstallation(t *testing.T, s *Store, provider, externalID string) Installation {
	t.Helper()
	inst, created, err := s.UpsertInstallation(context.Background(), Installation{
		Provider:     provider,
		ExternalID:   externalID,
		AccountLabel: "acme",
		ConnectedBy:  "user-1",
		OrgID:        "org-1",
	})
	if err != nil {
		t.Fatalf("UpsertInstallation: %v", err)
	}
	if !created {
		t.Fatalf("expected new installation for %s/%s", provider, externalID)
	}
	return inst
}

func TestUpsertInstallationReactivatesRevoked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	first, created, err := s.UpsertInstallation(ctx, Installation{
		Provider:      "linear",
		ExternalID:    "org-abc",
		AccountLabel:  "Acme",
		ConnectedBy:   "user-1",
		OrgID:         "org-1",
		WebhookSecret: "v1.sealed",
		Metadata:      LinearMetadata{OrganizationURLKey: "acme"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, InstallationActive, first.Status)

	require.NoError(t, s.UpdateInstallationStatus(ctx, first.ID, InstallationRevoked))

	second, created, err := s.UpsertInstallation(ctx, Installation{
		Provider:     "linear",
		ExternalID:   "org-abc",
		AccountLabel: "Acme Renamed",
		ConnectedBy:  "user-2",
		OrgID:        "org-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, InstallationActive, second.Status)
	assert.Equal(t, "Acme Renamed", second.AccountLabel)
	assert.Equal(t, "v1.sealed", second.WebhookSecret, "existing secret kept")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	var n int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM installations;`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestUpsertInstallationRefusesOtherOrg(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	owned := seedInstallation(t, s, "github", "77")

	_, _, err := s.UpsertInstallation(ctx, Installation{
		Provider:     "github",
		ExternalID:   "77",
		AccountLabel: "mallory",
		ConnectedBy:  "user-9",
		OrgID:        "org-2",
	})
	require.ErrorIs(t, err, ErrInstallationClaimed)

	got, err := s.FindInstallationByExternalID(ctx, "github", "77")
	require.NoError(t, err)
	assert.Equal(t, owned.ID, got.ID)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, "user-1", got.ConnectedBy)
	assert.Equal(t, "acme", got.AccountLabel)

	// Once the first org disconnects the account can move.
	require.NoError(t, s.UpdateInstallationStatus(ctx, owned.ID, InstallationRevoked))
	moved, created, err := s.UpsertInstallation(ctx, Installation{
		Provider:    "github",
		ExternalID:  "77",
		ConnectedBy: "user-9",
		OrgID:       "org-2",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "org-2", moved.OrgID)
	assert.Equal(t, InstallationActive, moved.Status)
}

func TestInstallationMetadataRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	inst, _, err := s.UpsertInstallation(ctx, Installation{
		Provider:    "github",
		ExternalID:  "42",
		ConnectedBy: "user-1",
		OrgID:       "org-1",
		Metadata:    GitHubMetadata{InstallationID: 42, AccountType: "Organization"},
	})
	require.NoError(t, err)

	got, err := s.GetInstallation(ctx, inst.ID)
	require.NoError(t, err)
	meta, ok := got.Metadata.(GitHubMetadata)
	require.True(t, ok, "metadata type %T", got.Metadata)
	assert.Equal(t, int64(42), meta.InstallationID)
	assert.Equal(t, "Organization", meta.AccountType)

	_, err = s.GetInstallation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindInstallationByExternalID(ctx, "github", "43")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnmarshalMetadataRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := UnmarshalMetadata(`{"provider":"bitbucket","data":{}}`)
	assert.Error(t, err)

	m, err := UnmarshalMetadata("{}")
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestTokenUpsertAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	inst := seedInstallation(t, s, "sentry", "inst-1")

	_, err := s.GetToken(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	exp := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveToken(ctx, Token{InstallationID: inst.ID, AccessToken: "v1.a", RefreshToken: "v1.r", ExpiresAt: &exp}))
	require.NoError(t, s.SaveToken(ctx, Token{InstallationID: inst.ID, AccessToken: "v1.b"}))

	tok, err := s.GetToken(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1.b", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.Nil(t, tok.ExpiresAt)
	assert.Equal(t, "bearer", tok.TokenType)

	require.NoError(t, s.DeleteToken(ctx, inst.ID))
	_, err = s.GetToken(ctx, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResourceLinkResolveAndReactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	inst := seedInstallation(t, s, "github", "1001")

	_, err := s.ResolveResource(ctx, "github", "repo-9")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := s.LinkResource(ctx, inst.ID, "github", "repo-9", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, ResourceActive, first.Status)

	route, err := s.ResolveResource(ctx, "github", "repo-9")
	require.NoError(t, err)
	assert.Equal(t, Route{InstallationID: inst.ID, OrgID: "org-1"}, route)

	require.NoError(t, s.UnlinkResource(ctx, inst.ID, "repo-9"))
	assert.ErrorIs(t, s.UnlinkResource(ctx, inst.ID, "repo-9"), ErrNotFound)
	_, err = s.ResolveResource(ctx, "github", "repo-9")
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := s.LinkResource(ctx, inst.ID, "github", "repo-9", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "relink reuses the row")

	n, err := s.CountResources(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolveResourceSkipsRevokedInstallations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	inst := seedInstallation(t, s, "linear", "org-a")

	_, err := s.LinkResource(ctx, inst.ID, "linear", "team-1", "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateInstallationStatus(ctx, inst.ID, InstallationRevoked))

	_, err = s.ResolveResource(ctx, "linear", "team-1")
	assert.ErrorIs(t, err, ErrNotFound)

	routes, err := s.ListActiveRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, routes)
}

func TestDeactivateResources(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	inst := seedInstallation(t, s, "vercel", "icfg_1")
	other := seedInstallation(t, s, "vercel", "icfg_2")

	for _, id := range []string{"prj_1", "prj_2"} {
		_, err := s.LinkResource(ctx, inst.ID, "vercel", id, "")
		require.NoError(t, err)
	}
	_, err := s.LinkResource(ctx, other.ID, "vercel", "prj_3", "")
	require.NoError(t, err)

	ids, err := s.DeactivateResources(ctx, inst.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prj_1", "prj_2"}, ids)

	routes, err := s.ListActiveRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "prj_3", routes[0].ResourceID)
	assert.Equal(t, other.ID, routes[0].Route.InstallationID)
}

func TestInsertDeliveryReturnsOwningRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	owner, err := s.InsertDelivery(ctx, Delivery{Provider: "github", DeliveryID: "d-1", EventType: "push", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", owner)

	owner, err = s.InsertDelivery(ctx, Delivery{Provider: "github", DeliveryID: "d-1", EventType: "push", RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", owner, "second insert must not take ownership")

	owner, err = s.InsertDelivery(ctx, Delivery{Provider: "linear", DeliveryID: "d-1", EventType: "Issue", RunID: "run-3"})
	require.NoError(t, err)
	assert.Equal(t, "run-3", owner, "delivery ids are scoped per provider")
}

func TestDeliveryStatusIsForwardOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	payload := json.RawMessage(`{"team":"t-1"}`)

	_, err := s.InsertDelivery(ctx, Delivery{Provider: "linear", DeliveryID: "d-1", EventType: "Issue.create", RunID: "run-1"})
	require.NoError(t, err)

	require.NoError(t, s.MarkDeadLetter(ctx, "linear", "d-1", "", payload, ReasonUnresolved))
	dead, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonUnresolved, dead[0].DLQReason)
	assert.JSONEq(t, string(payload), string(dead[0].Payload))

	require.NoError(t, s.MarkDelivered(ctx, "linear", "d-1", "inst-1"))
	require.NoError(t, s.MarkDelivered(ctx, "linear", "d-1", "inst-1"), "repeat is a no-op")

	err = s.MarkDeadLetter(ctx, "linear", "d-1", "", payload, ReasonPublishExhausted)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	got, err := s.FindDelivery(ctx, "linear", "d-1")
	require.NoError(t, err)
	assert.Equal(t, DeliveryDelivered, got.Status)
	assert.Equal(t, "inst-1", got.InstallationID)
	assert.Nil(t, got.Payload, "payload only retained while dead-lettered")

	assert.ErrorIs(t, s.MarkDelivered(ctx, "linear", "missing", ""), ErrNotFound)
}

func TestPruneDeliveriesKeepsDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.InsertDelivery(ctx, Delivery{Provider: "github", DeliveryID: "a", EventType: "push", RunID: "r1", ReceivedAt: old})
	require.NoError(t, err)
	_, err = s.InsertDelivery(ctx, Delivery{Provider: "github", DeliveryID: "b", EventType: "push", RunID: "r2", ReceivedAt: old})
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(ctx, "github", "a", "inst"))
	require.NoError(t, s.MarkDeadLetter(ctx, "github", "b", "", json.RawMessage(`{}`), ReasonUnresolved))

	n, err := s.PruneDeliveries(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindDelivery(ctx, "github", "b")
	assert.NoError(t, err)
}
