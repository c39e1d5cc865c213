package e2e

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/relaygate/internal/cache"
	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/connect"
	"github.com/mattjoyce/relaygate/internal/dispatch"
	"github.com/mattjoyce/relaygate/internal/log"
	"github.com/mattjoyce/relaygate/internal/pipeline"
	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/queue"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/steplog"
	"github.com/mattjoyce/relaygate/internal/storage"
	"github.com/mattjoyce/relaygate/internal/store"
	"github.com/mattjoyce/relaygate/internal/webhook"
)

const sentrySecret = "sentry-client-secret"

// recordingPublisher stands in for the downstream queue.
type recordingPublisher struct {
	mu        sync.Mutex
	published []pipeline.Envelope
	dead      []string
}

func (p *recordingPublisher) Publish(_ context.Context, env pipeline.Envelope, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, env)
	return nil
}

func (p *recordingPublisher) DeadLetter(_ context.Context, env pipeline.Envelope, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = append(p.dead, env.DeliveryID+":"+reason)
	return nil
}

func (p *recordingPublisher) snapshot() ([]pipeline.Envelope, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Envelope(nil), p.published...), append([]string(nil), p.dead...)
}

type gateway struct {
	store   *store.Store
	queue   *queue.Queue
	manager *connect.Manager
	pipe    *pipeline.Pipeline
	pub     *recordingPublisher
	ingress http.Handler
}

func newGateway(t *testing.T, ctx context.Context) *gateway {
	t.Helper()

	db, err := storage.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "relaygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sentry, err := provider.NewSentry(config.ProviderConfig{
		Enabled: true, ClientID: "cid", ClientSecret: sentrySecret, Slug: "relaygate",
	}, nil)
	require.NoError(t, err)
	reg := provider.NewRegistry(sentry)

	cipher, err := secure.NewCipher("kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk")
	require.NoError(t, err)

	mem := cache.NewMemory()
	st := store.New(db)
	q := queue.New(db)
	pub := &recordingPublisher{}

	manager := connect.New(reg, st, mem, mem, cipher, connect.Options{PublicURL: "http://localhost:8081"})
	pipe := pipeline.New(pipeline.Deps{
		Store:     st,
		Steps:     steplog.New(db),
		Routes:    mem,
		Dedup:     mem,
		Publisher: pub,
		Logger:    log.Discard(),
	})
	ingress := webhook.New(webhook.Config{
		Listen:      "127.0.0.1:0",
		MaxBodySize: webhook.DefaultMaxBodySize,
		MaxAttempts: 3,
	}, reg, q, manager, log.Discard())

	disp := dispatch.New(q, pipe, dispatch.Options{Workers: 1, PollInterval: 20 * time.Millisecond, BackoffBase: 50 * time.Millisecond})
	dctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = disp.Start(dctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &gateway{store: st, queue: q, manager: manager, pipe: pipe, pub: pub, ingress: ingress.Handler()}
}

func (g *gateway) deliver(t *testing.T, deliveryID, projectID string) {
	t.Helper()
	body := []byte(`{"action":"created","installation":{"uuid":"inst-uuid"},"data":{"issue":{"id":"1","project":{"id":"` + projectID + `"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sentry", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Request-ID", deliveryID)
	req.Header.Set("Sentry-Hook-Resource", "issue")
	req.Header.Set("Sentry-Hook-Signature", secure.SignHMACHex(secure.SHA256, sentrySecret, body))
	rec := httptest.NewRecorder()
	g.ingress.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// waitForStatus polls the audit row until it reaches want.
func (g *gateway) waitForStatus(t *testing.T, ctx context.Context, deliveryID string, want store.DeliveryStatus) store.Delivery {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d, err := g.store.FindDelivery(ctx, "sentry", deliveryID)
		if err == nil && d.Status == want {
			return d
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("FindDelivery(%s): %v", deliveryID, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("delivery %s never reached %s", deliveryID, want)
	return store.Delivery{}
}

func TestEndToEndWebhookDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	g := newGateway(t, ctx)

	inst, _, err := g.store.UpsertInstallation(ctx, store.Installation{
		Provider:   "sentry",
		ExternalID: "inst-uuid",
		OrgID:      "org-1",
		Status:     store.InstallationActive,
	})
	require.NoError(t, err)
	_, err = g.manager.LinkResource(ctx, inst.ID, "proj-linked", "web")
	require.NoError(t, err)

	// 1. A linked resource is published with its owner attached.
	g.deliver(t, "d-1", "proj-linked")
	g.waitForStatus(t, ctx, "d-1", store.DeliveryDelivered)

	published, _ := g.pub.snapshot()
	require.Len(t, published, 1)
	require.Equal(t, inst.ID, published[0].InstallationID)
	require.Equal(t, "org-1", published[0].OrgID)
	require.Equal(t, "issue.created", published[0].EventType)

	// 2. An unlinked resource dead-letters with its payload retained.
	g.deliver(t, "d-2", "proj-orphan")
	dlq := g.waitForStatus(t, ctx, "d-2", store.DeliveryDLQ)
	require.Equal(t, store.ReasonUnresolved, dlq.DLQReason)
	require.NotEmpty(t, dlq.Payload)

	_, err = g.pipe.Replay(ctx, dlq.ID)
	require.ErrorIs(t, err, pipeline.ErrUnresolved)

	// 3. A provider redelivery of d-1 is dropped; d-3 drains behind it.
	g.deliver(t, "d-1", "proj-linked")
	g.deliver(t, "d-3", "proj-linked")
	g.waitForStatus(t, ctx, "d-3", store.DeliveryDelivered)

	published, dead := g.pub.snapshot()
	require.Len(t, published, 2)
	require.Equal(t, "d-3", published[1].DeliveryID)
	require.Equal(t, []string{"d-2:" + store.ReasonUnresolved}, dead)

	// 4. Linking the orphan makes the dead letter replayable.
	_, err = g.manager.LinkResource(ctx, inst.ID, "proj-orphan", "api")
	require.NoError(t, err)
	env, err := g.pipe.Replay(ctx, dlq.ID)
	require.NoError(t, err)
	require.Equal(t, "d-2", env.DeliveryID)
	require.Equal(t, inst.ID, env.InstallationID)
	g.waitForStatus(t, ctx, "d-2", store.DeliveryDelivered)

	published, _ = g.pub.snapshot()
	require.Len(t, published, 3)

	_, err = g.pipe.Replay(ctx, dlq.ID)
	require.ErrorIs(t, err, pipeline.ErrNotDeadLettered)
}

func TestEndToEndRejectsBadSignature(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g := newGateway(t, ctx)

	body := []byte(`{"action":"created"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sentry", bytes.NewReader(body))
	req.Header.Set("Request-ID", "d-bad")
	req.Header.Set("Sentry-Hook-Signature", secure.SignHMACHex(secure.SHA256, "wrong", body))
	rec := httptest.NewRecorder()
	g.ingress.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	depth, err := g.queue.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}
