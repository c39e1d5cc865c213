package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mattjoyce/relaygate/internal/store"
)

// Redis implements Cache on a single Redis client.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects using a redis:// URL and pings once.
func OpenRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) PutState(ctx context.Context, key string, st OAuthState, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode oauth state: %w", err)
	}
	return r.client.Set(ctx, stateKey(key), data, ttl).Err()
}

func (r *Redis) ConsumeState(ctx context.Context, key string) (OAuthState, error) {
	data, err := r.client.GetDel(ctx, stateKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return OAuthState{}, ErrMiss
	}
	if err != nil {
		return OAuthState{}, fmt.Errorf("consume oauth state: %w", err)
	}
	var st OAuthState
	if err := json.Unmarshal(data, &st); err != nil {
		return OAuthState{}, fmt.Errorf("decode oauth state: %w", err)
	}
	return st, nil
}

func (r *Redis) GetRoute(ctx context.Context, provider, resourceID string) (store.Route, error) {
	data, err := r.client.Get(ctx, routeKey(provider, resourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Route{}, ErrMiss
	}
	if err != nil {
		return store.Route{}, fmt.Errorf("get route: %w", err)
	}
	var route store.Route
	if err := json.Unmarshal(data, &route); err != nil {
		return store.Route{}, fmt.Errorf("decode route: %w", err)
	}
	return route, nil
}

func (r *Redis) SetRoute(ctx context.Context, provider, resourceID string, route store.Route) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("encode route: %w", err)
	}
	return r.client.Set(ctx, routeKey(provider, resourceID), data, 0).Err()
}

func (r *Redis) DeleteRoute(ctx context.Context, provider, resourceID string) error {
	return r.client.Del(ctx, routeKey(provider, resourceID)).Err()
}

// ReplaceRoutes writes every entry, then deletes route keys that were not
// part of the rebuild. Readers see either the old or the new route per key.
func (r *Redis) ReplaceRoutes(ctx context.Context, entries []store.RouteEntry) error {
	keep := make(map[string]struct{}, len(entries))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			data, err := json.Marshal(e.Route)
			if err != nil {
				return fmt.Errorf("encode route: %w", err)
			}
			key := routeKey(e.Provider, e.ResourceID)
			keep[key] = struct{}{}
			pipe.Set(ctx, key, data, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write routes: %w", err)
	}

	var stale []string
	iter := r.client.Scan(ctx, 0, routePrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		if _, ok := keep[iter.Val()]; !ok {
			stale = append(stale, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan routes: %w", err)
	}
	for len(stale) > 0 {
		n := min(len(stale), 500)
		if err := r.client.Del(ctx, stale[:n]...).Err(); err != nil {
			return fmt.Errorf("delete stale routes: %w", err)
		}
		stale = stale[n:]
	}
	return nil
}

func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("setnx %s: %w", key, err)
	}
	if ok {
		return true, "", nil
	}
	existing, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; the holder is gone.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("get %s: %w", key, err)
	}
	return false, existing, nil
}
