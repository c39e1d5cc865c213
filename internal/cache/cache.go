// Package cache holds the process-external caches: one-time OAuth state,
// the routing table from provider resource id to installation, and the
// webhook dedup set. Entries are derived or short-lived; the store stays
// authoritative.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/relaygate/internal/store"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// OAuthState is the pending authorization bound to a state token.
type OAuthState struct {
	Provider       string    `json:"provider"`
	OrgID          string    `json:"org_id"`
	UserID         string    `json:"user_id"`
	RedirectTarget string    `json:"redirect_target,omitempty"`
	Nonce          string    `json:"nonce"`
	CreatedAt      time.Time `json:"created_at"`
}

type StateCache interface {
	PutState(ctx context.Context, key string, st OAuthState, ttl time.Duration) error
	// ConsumeState returns and removes the state in one step; a second call
	// for the same key yields ErrMiss.
	ConsumeState(ctx context.Context, key string) (OAuthState, error)
}

type RoutingCache interface {
	GetRoute(ctx context.Context, provider, resourceID string) (store.Route, error)
	SetRoute(ctx context.Context, provider, resourceID string, route store.Route) error
	DeleteRoute(ctx context.Context, provider, resourceID string) error
	// ReplaceRoutes swaps the whole routing table for entries. Later entries
	// win when a key repeats.
	ReplaceRoutes(ctx context.Context, entries []store.RouteEntry) error
}

type DedupCache interface {
	// SetIfAbsent stores value under key when the key is free. It reports
	// whether it stored, and otherwise the value already held.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error)
}

// Cache is everything the gateway needs from one backend.
type Cache interface {
	StateCache
	RoutingCache
	DedupCache
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend by URL scheme: redis://, rediss:// or memory://.
func Open(ctx context.Context, rawURL string) (Cache, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("cache url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "redis", "rediss":
		return OpenRedis(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported cache scheme %q", u.Scheme)
	}
}

func stateKey(key string) string {
	return "oauth:state:" + key
}

const routePrefix = "route:"

func routeKey(provider, resourceID string) string {
	return routePrefix + provider + ":" + resourceID
}
