// Package counters stores the per-keyword round-robin positions used to break
// dispatch ties. Counters start at zero and only ever grow.
package counters

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Memory is a process-local counter store.
type Memory struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemory() *Memory {
	return &Memory{values: map[string]int64{}}
}

// Next returns the current value for key and increments it.
func (m *Memory) Next(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[key]
	m.values[key] = v + 1
	return v, nil
}

func (m *Memory) Peek(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

// Redis keeps counters in Redis so that every replica shares one sequence.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "dispatch:rr:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Next(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Incr(ctx, r.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr round robin counter: %w", err)
	}
	return v - 1, nil
}

func (r *Redis) Peek(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read round robin counter: %w", err)
	}
	return v, nil
}
