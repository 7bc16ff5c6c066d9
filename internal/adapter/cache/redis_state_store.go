package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/searchlift/searchlift/internal/domain/console"
	"github.com/searchlift/searchlift/internal/repository"
)

const statePrefix = "console:state:"

// RedisStateStore implements StateStore backed by Redis with key TTLs.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Save persists the authorization state under its token with a TTL.
func (s *RedisStateStore) Save(ctx context.Context, state console.AuthState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, statePrefix+state.Token, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Get loads the state for a token. A missing key returns (nil, nil).
func (s *RedisStateStore) Get(ctx context.Context, token string) (*console.AuthState, error) {
	bytes, err := s.client.Get(ctx, statePrefix+token).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state console.AuthState
	if err := json.Unmarshal(bytes, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// Delete consumes the state token. Deleting an absent key is not an error.
func (s *RedisStateStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, statePrefix+token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
