package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for unknown or expired task ids.
var ErrNotFound = errors.New("task not found")

// StoreConfig holds task store configuration.
type StoreConfig struct {
	// KeyPrefix is prepended to all keys (default "task:")
	KeyPrefix string

	// TTL bounds a task's lifetime in the KV store (default 24h)
	TTL time.Duration
}

// DefaultStoreConfig returns a StoreConfig with default values.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		KeyPrefix: "task:",
		TTL:       24 * time.Hour,
	}
}

// Store persists tasks in Redis as JSON values with a TTL.
type Store struct {
	client redis.UniversalClient
	config StoreConfig
}

// NewStore creates a task store on an existing Redis client.
func NewStore(client redis.UniversalClient, config StoreConfig) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "task:"
	}
	if config.TTL == 0 {
		config.TTL = 24 * time.Hour
	}
	return &Store{client: client, config: config}, nil
}

func (s *Store) key(id string) string {
	return s.config.KeyPrefix + id
}

// Put writes the task record. The executor is the task's sole writer,
// so a plain SET keeps updates strictly sequential per task.
func (s *Store) Put(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := s.client.Set(ctx, s.key(t.ID), data, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to write task: %w", err)
	}
	return nil
}

// Get returns the task record or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &t, nil
}
