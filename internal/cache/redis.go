package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohit83k/gatekeeper/internal/model"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix prefixes every snapshot key; the device hostname follows it.
const KeyPrefix = "gatekeeper:sessions:"

// RedisStore implements the Store interface using go-redis.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore returns a new RedisStore with auto-reconnect and retry.
func NewRedisStore(addr, password string, db int, device string, ttl time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		MaxRetries:      5,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
	})
	return &RedisStore{client: client, key: KeyPrefix + device, ttl: ttl}
}

// Load fetches the snapshot stored for the device.
func (r *RedisStore) Load(ctx context.Context) (model.Sessions, error) {
	value, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot from redis: %w", err)
	}

	var sessions model.Sessions
	if err := json.Unmarshal([]byte(value), &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return sessions, nil
}

// Save stores the snapshot in Redis with a TTL.
func (r *RedisStore) Save(ctx context.Context, sessions model.Sessions) error {
	value, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	err = r.client.Set(ctx, r.key, string(value), r.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to save snapshot in redis: %w", err)
	}

	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
