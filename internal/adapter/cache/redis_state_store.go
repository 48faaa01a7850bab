package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rayonlabs/squad-api/internal/domain/oauth"
	"github.com/rayonlabs/squad-api/internal/repository"
)

const stateKeyPrefix = "xstate:"

// RedisStateStore implements StateStore backed by Redis.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Put stores the session with TTL unless a live entry already owns the state.
func (s *RedisStateStore) Put(ctx context.Context, session oauth.PKCESession, ttl time.Duration) error {
	if strings.TrimSpace(session.State) == "" {
		return fmt.Errorf("%w: empty state", oauth.ErrInvalidRequest)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", oauth.ErrInvalidRequest)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetNX(ctx, stateKey(session.State), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: persist state: %v", oauth.ErrStoreUnavailable, err)
	}
	if !ok {
		return oauth.ErrStateConflict
	}
	return nil
}

// Take loads and deletes the session in a single round trip.
func (s *RedisStateStore) Take(ctx context.Context, state string) (oauth.PKCESession, error) {
	if strings.TrimSpace(state) == "" {
		return oauth.PKCESession{}, oauth.ErrStateNotFound
	}
	raw, err := s.client.GetDel(ctx, stateKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return oauth.PKCESession{}, oauth.ErrStateNotFound
		}
		return oauth.PKCESession{}, fmt.Errorf("%w: take state: %v", oauth.ErrStoreUnavailable, err)
	}
	var session oauth.PKCESession
	if err := json.Unmarshal(raw, &session); err != nil {
		return oauth.PKCESession{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func stateKey(state string) string {
	return stateKeyPrefix + state
}
