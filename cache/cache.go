// Package cache holds short-lived copies of the raw settings rows so a
// settlement does not hit the settings table every time.
//
// Cached values are never authoritative: a miss or a cache failure falls
// back to the store, and every write through Provider.Update invalidates.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how stale a settings snapshot can be.
const DefaultTTL = 30 * time.Second

// SettingsCache stores one settings map.
type SettingsCache interface {
	// Get returns the cached rows and whether there was a fresh entry.
	Get(ctx context.Context) (map[string]string, bool, error)
	Set(ctx context.Context, values map[string]string) error
	Invalidate(ctx context.Context) error
}

// =============================================================================
// IN-PROCESS
// =============================================================================

// Memory is a single-entry TTL cache.
type Memory struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	values  map[string]string
	expires time.Time
}

var (
	_ SettingsCache = (*Memory)(nil)
	_ SettingsCache = (*Redis)(nil)
)

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{TTL: ttl}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Get(context.Context) (map[string]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil || !m.now().Before(m.expires) {
		return nil, false, nil
	}
	return maps.Clone(m.values), true, nil
}

func (m *Memory) Set(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = maps.Clone(values)
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.expires = m.now().Add(m.TTL)
	return nil
}

func (m *Memory) Invalidate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = nil
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

// RedisKey is where the settings rows live.
const RedisKey = "loyalty:settings"

// Redis shares the cached rows between server instances. Rows are stored
// as one JSON document with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context) (map[string]string, bool, error) {
	data, err := r.client.Get(ctx, RedisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached settings: %w", err)
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached settings: %w", err)
	}
	return values, true, nil
}

func (r *Redis) Set(ctx context.Context, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return r.client.Set(ctx, RedisKey, data, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context) error {
	return r.client.Del(ctx, RedisKey).Err()
}

// HealthCheck pings the server.
func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}
