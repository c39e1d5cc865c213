package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mattjoyce/relaygate/internal/store"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// memorySweepInterval bounds how often writes scan for expired entries.
const memorySweepInterval = time.Minute

// Memory is an in-process Cache for tests and single-node deployments.
// Expired states and dedup keys are dropped by a sweep that runs on write
// at most once per memorySweepInterval.
type Memory struct {
	lastSweep time.Time
	now       func() time.Time
	states    map[string]memoryState
	routes    map[string]store.Route
	dedup     map[string]memoryEntry
	mu        sync.Mutex
}

type memoryState struct {
	state     OAuthState
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:    time.Now,
		states: make(map[string]memoryState),
		routes: make(map[string]store.Route),
		dedup:  make(map[string]memoryEntry),
	}
}

// SetClock replaces the clock used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) PutState(_ context.Context, key string, st OAuthState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	m.states[key] = memoryState{state: st, expiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) ConsumeState(_ context.Context, key string) (OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.states[key]
	if !ok {
		return OAuthState{}, ErrMiss
	}
	delete(m.states, key)
	if !m.now().Before(entry.expiresAt) {
		return OAuthState{}, ErrMiss
	}
	return entry.state, nil
}

func (m *Memory) GetRoute(_ context.Context, provider, resourceID string) (store.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	route, ok := m.routes[routeKey(provider, resourceID)]
	if !ok {
		return store.Route{}, ErrMiss
	}
	return route, nil
}

func (m *Memory) SetRoute(_ context.Context, provider, resourceID string, route store.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[routeKey(provider, resourceID)] = route
	return nil
}

func (m *Memory) DeleteRoute(_ context.Context, provider, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, routeKey(provider, resourceID))
	return nil
}

func (m *Memory) ReplaceRoutes(_ context.Context, entries []store.RouteEntry) error {
	routes := make(map[string]store.Route, len(entries))
	for _, e := range entries {
		routes[routeKey(e.Provider, e.ResourceID)] = e.Route
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = routes
	return nil
}

// RouteCount reports how many routes are cached.
func (m *Memory) RouteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}

func (m *Memory) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweepLocked(now)
	if entry, ok := m.dedup[key]; ok && now.Before(entry.expiresAt) {
		return false, entry.value, nil
	}
	m.dedup[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, "", nil
}

func (m *Memory) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < memorySweepInterval {
		return
	}
	m.lastSweep = now
	for k, e := range m.states {
		if !now.Before(e.expiresAt) {
			delete(m.states, k)
		}
	}
	for k, e := range m.dedup {
		if !now.Before(e.expiresAt) {
			delete(m.dedup, k)
		}
	}
}
