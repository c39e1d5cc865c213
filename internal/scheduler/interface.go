package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_maintenance.go -package=mocks github.com/mattjoyce/relaygate/internal/scheduler RouteRebuilder,Recoverer,Pruner

// RouteRebuilder repopulates the routing cache from the store.
type RouteRebuilder interface {
	RebuildRoutes(ctx context.Context) (int, error)
}

// Recoverer returns runs stuck in running since before cutoff to the queue.
type Recoverer interface {
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes terminal records older than cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// PrunerFunc adapts a function to Pruner.
type PrunerFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func (f PrunerFunc) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return f(ctx, cutoff)
}
