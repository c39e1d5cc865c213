// Package pipeline runs the durable webhook pipeline: dedup, resolve, then
// publish or dead-letter. Every step is memoized in the step log so a
// retried run only re-executes the step that failed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/relaygate/internal/cache"
	"github.com/mattjoyce/relaygate/internal/queue"
	"github.com/mattjoyce/relaygate/internal/steplog"
	"github.com/mattjoyce/relaygate/internal/store"
)

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks github.com/mattjoyce/relaygate/internal/pipeline Publisher

// Publisher delivers envelopes to the downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, env Envelope, dedupKey string) error
	DeadLetter(ctx context.Context, env Envelope, reason string) error
}

// Step names in the memo log.
const (
	StepDedup   = "dedup"
	StepResolve = "resolve"
	StepPublish = "publish"
)

// Outcomes recorded by the publish step.
const (
	OutcomeDelivered  = "delivered"
	OutcomeDeadLetter = "dead_letter"
	OutcomeDuplicate  = "duplicate"
)

var (
	ErrNotDeadLettered = errors.New("delivery is not dead-lettered")
	ErrUnresolved      = errors.New("resource still unresolved")
)

type Deps struct {
	Store     *store.Store
	Steps     *steplog.Log
	Routes    cache.RoutingCache
	Dedup     cache.DedupCache
	Publisher Publisher
	DedupTTL  time.Duration
	Logger    *slog.Logger
}

type Pipeline struct {
	store    *store.Store
	steps    *steplog.Log
	routes   cache.RoutingCache
	dedup    cache.DedupCache
	pub      Publisher
	dedupTTL time.Duration
	logger   *slog.Logger
}

func New(d Deps) *Pipeline {
	ttl := d.DedupTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    d.Store,
		steps:    d.Steps,
		routes:   d.Routes,
		dedup:    d.Dedup,
		pub:      d.Publisher,
		dedupTTL: ttl,
		logger:   logger,
	}
}

// resolution is the memoized output of the resolve step.
type resolution struct {
	Resolved bool        `json:"resolved"`
	Route    store.Route `json:"route"`
}

// Run executes the pipeline for one run and returns the outcome. Errors are
// transient and mean the run should be retried.
func (p *Pipeline) Run(ctx context.Context, run *queue.Run) (string, error) {
	logger := p.logger.With("run_id", run.ID, "provider", run.Provider, "delivery_id", run.DeliveryID, "attempt", run.Attempt)

	first, err := steplog.Do(ctx, p.steps, run.ID, StepDedup, func(ctx context.Context) (bool, error) {
		return p.claim(ctx, run)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", StepDedup, err)
	}
	if !first {
		logger.Info("duplicate delivery dropped")
		return OutcomeDuplicate, nil
	}

	res, err := steplog.Do(ctx, p.steps, run.ID, StepResolve, func(ctx context.Context) (resolution, error) {
		route, ok, err := p.resolve(ctx, run.Provider, run.ResourceID)
		return resolution{Resolved: ok, Route: route}, err
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", StepResolve, err)
	}

	outcome, err := steplog.Do(ctx, p.steps, run.ID, StepPublish, func(ctx context.Context) (string, error) {
		env := Envelope{
			DeliveryID:     run.DeliveryID,
			InstallationID: res.Route.InstallationID,
			OrgID:          res.Route.OrgID,
			Provider:       run.Provider,
			EventType:      run.EventType,
			Payload:        run.Payload,
			ReceivedAt:     run.ReceivedAt,
		}
		if !res.Resolved {
			return OutcomeDeadLetter, p.deadLetter(ctx, env, store.ReasonUnresolved)
		}
		return OutcomeDelivered, p.deliver(ctx, env)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", StepPublish, err)
	}

	if outcome == OutcomeDeadLetter {
		logger.Warn("delivery dead-lettered", "reason", store.ReasonUnresolved, "resource_id", run.ResourceID)
	} else {
		logger.Info("delivery published", "installation_id", res.Route.InstallationID, "event_type", run.EventType)
	}
	return outcome, nil
}

// claim is the only idempotency boundary. The cache entry holds the owning
// run id so a retry of the same run passes; the durable row catches
// duplicates that outlive the cache TTL.
func (p *Pipeline) claim(ctx context.Context, run *queue.Run) (bool, error) {
	key := "dedup:" + run.Provider + ":" + run.DeliveryID
	stored, holder, err := p.dedup.SetIfAbsent(ctx, key, run.ID, p.dedupTTL)
	if err != nil {
		return false, err
	}
	if !stored && holder != "" && holder != run.ID {
		return false, nil
	}

	owner, err := p.store.InsertDelivery(ctx, store.Delivery{
		Provider:   run.Provider,
		DeliveryID: run.DeliveryID,
		EventType:  run.EventType,
		ResourceID: run.ResourceID,
		RunID:      run.ID,
		ReceivedAt: run.ReceivedAt,
	})
	if err != nil {
		return false, err
	}
	return owner == run.ID, nil
}

// resolve maps a resource id to its owner through the routing cache,
// falling back to the store and repopulating the cache on a hit there.
func (p *Pipeline) resolve(ctx context.Context, provider, resourceID string) (store.Route, bool, error) {
	if resourceID == "" {
		return store.Route{}, false, nil
	}

	route, err := p.routes.GetRoute(ctx, provider, resourceID)
	if err == nil {
		return route, true, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		p.logger.Warn("routing cache read failed, using store", "provider", provider, "error", err)
	}

	route, err = p.store.ResolveResource(ctx, provider, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Route{}, false, nil
	}
	if err != nil {
		return store.Route{}, false, err
	}
	if err := p.routes.SetRoute(ctx, provider, resourceID, route); err != nil {
		p.logger.Warn("routing cache write failed", "provider", provider, "error", err)
	}
	return route, true, nil
}

func (p *Pipeline) deliver(ctx context.Context, env Envelope) error {
	if err := p.pub.Publish(ctx, env, PublishKey(env.Provider, env.DeliveryID)); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return p.store.MarkDelivered(ctx, env.Provider, env.DeliveryID, env.InstallationID)
}

func (p *Pipeline) deadLetter(ctx context.Context, env Envelope, reason string) error {
	if err := p.pub.DeadLetter(ctx, env, reason); err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return p.store.MarkDeadLetter(ctx, env.Provider, env.DeliveryID, env.InstallationID, env.Payload, reason)
}

// recordedRoute returns the owner the resolve step memoized for a run, if
// it got that far.
func (p *Pipeline) recordedRoute(ctx context.Context, runID string) store.Route {
	raw, ok, err := p.steps.Lookup(ctx, runID, StepResolve)
	if err != nil {
		p.logger.Warn("resolve step lookup failed", "run_id", runID, "error", err)
		return store.Route{}
	}
	if !ok {
		return store.Route{}
	}
	var res resolution
	if err := json.Unmarshal(raw, &res); err != nil {
		p.logger.Warn("resolve step output unreadable", "run_id", runID, "error", err)
		return store.Route{}
	}
	if !res.Resolved {
		return store.Route{}
	}
	return res.Route
}

// Exhausted parks a run that ran out of attempts. The audit row keeps the
// payload so the delivery can be replayed. The envelope names the owner
// when an earlier attempt resolved one.
func (p *Pipeline) Exhausted(ctx context.Context, run *queue.Run, cause error) error {
	owner, err := p.store.InsertDelivery(ctx, store.Delivery{
		Provider:   run.Provider,
		DeliveryID: run.DeliveryID,
		EventType:  run.EventType,
		ResourceID: run.ResourceID,
		RunID:      run.ID,
		ReceivedAt: run.ReceivedAt,
	})
	if err != nil {
		return err
	}
	if owner != run.ID {
		return nil
	}

	route := p.recordedRoute(ctx, run.ID)
	env := Envelope{
		DeliveryID:     run.DeliveryID,
		InstallationID: route.InstallationID,
		OrgID:          route.OrgID,
		Provider:       run.Provider,
		EventType:      run.EventType,
		Payload:        run.Payload,
		ReceivedAt:     run.ReceivedAt,
	}
	if err := p.pub.DeadLetter(ctx, env, store.ReasonPublishExhausted); err != nil {
		p.logger.Warn("dead letter publish failed", "delivery_id", run.DeliveryID, "error", err)
	}
	p.logger.Error("run exhausted", "run_id", run.ID, "delivery_id", run.DeliveryID, "attempts", run.Attempt, "error", cause)
	err = p.store.MarkDeadLetter(ctx, run.Provider, run.DeliveryID, route.InstallationID, run.Payload, store.ReasonPublishExhausted)
	if errors.Is(err, store.ErrConflict) {
		// Already delivered by an earlier attempt.
		return nil
	}
	return err
}

// Replay re-resolves a dead-lettered delivery and publishes it. The
// delivery stays dead-lettered if its resource is still unlinked.
func (p *Pipeline) Replay(ctx context.Context, deliveryRowID string) (Envelope, error) {
	d, err := p.store.GetDelivery(ctx, deliveryRowID)
	if err != nil {
		return Envelope{}, err
	}
	if d.Status != store.DeliveryDLQ {
		return Envelope{}, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, d.ID, d.Status)
	}

	route, ok, err := p.resolve(ctx, d.Provider, d.ResourceID)
	if err != nil {
		return Envelope{}, err
	}
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s/%s", ErrUnresolved, d.Provider, d.ResourceID)
	}

	env := Envelope{
		DeliveryID:     d.DeliveryID,
		InstallationID: route.InstallationID,
		OrgID:          route.OrgID,
		Provider:       d.Provider,
		EventType:      d.EventType,
		Payload:        d.Payload,
		ReceivedAt:     d.ReceivedAt,
	}
	if err := p.deliver(ctx, env); err != nil {
		return Envelope{}, err
	}
	p.logger.Info("dead letter replayed", "delivery_id", d.DeliveryID, "installation_id", route.InstallationID)
	return env, nil
}
