package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

// ProgressStore caches the streamed step events of each execution so that
// a client can catch up after disconnecting.
type ProgressStore interface {
	Append(ctx context.Context, executionID string, event json.RawMessage) error
	Events(ctx context.Context, executionID string) ([]json.RawMessage, error)
	Last(ctx context.Context, executionID string) (json.RawMessage, error)
}

// RedisProgress implements ProgressStore using a Redis list per execution
type RedisProgress struct {
	client *redis.Client
	prefix string // Key prefix for namespacing
	ttl    time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string        // Redis server address (e.g., "localhost:6379")
	Password string        // Redis password (if any)
	DB       int           // Redis database number
	Prefix   string        // Key prefix for namespacing
	TTL      time.Duration // Time-to-live for keys (0 means no expiration)
}

// NewRedisProgress creates a Redis-backed progress cache
func NewRedisProgress(config *RedisConfig) *RedisProgress {
	if config == nil {
		config = &RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "conditions-agent:progress:",
			TTL:    24 * time.Hour,
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisProgress{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}
}

func (s *RedisProgress) eventsKey(executionID string) string {
	return fmt.Sprintf("%s%s:events", s.prefix, executionID)
}

func (s *RedisProgress) lastKey(executionID string) string {
	return fmt.Sprintf("%s%s:last", s.prefix, executionID)
}

// Append pushes an event and refreshes the last-event key
func (s *RedisProgress) Append(ctx context.Context, executionID string, event json.RawMessage) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.eventsKey(executionID), []byte(event))
	pipe.Set(ctx, s.lastKey(executionID), []byte(event), s.ttl)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.eventsKey(executionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record progress in Redis: %w", err)
	}
	return nil
}

// Events returns every cached event in order
func (s *RedisProgress) Events(ctx context.Context, executionID string) ([]json.RawMessage, error) {
	items, err := s.client.LRange(ctx, s.eventsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("progress for %s: %w", executionID, errorskg.ErrNotFound)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, json.RawMessage(item))
	}
	return out, nil
}

// Last returns the most recent event
func (s *RedisProgress) Last(ctx context.Context, executionID string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.lastKey(executionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("progress for %s: %w", executionID, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read last progress: %w", err)
	}
	return json.RawMessage(data), nil
}

// Ping checks if Redis connection is alive
func (s *RedisProgress) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisProgress) Close() error {
	return s.client.Close()
}

// MemoryProgress implements ProgressStore in process memory
type MemoryProgress struct {
	mu     sync.RWMutex
	events map[string][]json.RawMessage
}

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{events: make(map[string][]json.RawMessage)}
}

func (s *MemoryProgress) Append(_ context.Context, executionID string, event json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[executionID] = append(s.events[executionID], slices.Clone(event))
	return nil
}

func (s *MemoryProgress) Events(_ context.Context, executionID string) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.events[executionID]
	if !ok {
		return nil, fmt.Errorf("progress for %s: %w", executionID, errorskg.ErrNotFound)
	}
	return slices.Clone(events), nil
}

func (s *MemoryProgress) Last(_ context.Context, executionID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[executionID]
	if len(events) == 0 {
		return nil, fmt.Errorf("progress for %s: %w", executionID, errorskg.ErrNotFound)
	}
	return events[len(events)-1], nil
}
