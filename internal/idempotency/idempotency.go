// Package idempotency remembers checkout responses by the client's
// Idempotency-Key so a retried submit returns the first answer instead of
// placing a second order.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const Header = "Idempotency-Key"

const inFlight = "in_flight"

var ErrInFlight = errors.New("request with this idempotency key is still in progress")

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// Record is a stored response.
type Record struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func redisKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// Begin claims key within scope. It returns the stored record when the key
// was already completed, nil when the caller now owns the key, and
// ErrInFlight when another request holds it.
func (s *Store) Begin(ctx context.Context, scope, key string) (*Record, error) {
	k := redisKey(scope, key)

	claimed, err := s.rdb.SetNX(ctx, k, inFlight, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	raw, err := s.rdb.Get(ctx, k).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between the two calls; claim again.
			return s.Begin(ctx, scope, key)
		}
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if raw == inFlight {
		return nil, ErrInFlight
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Complete stores the response for a claimed key.
func (s *Store) Complete(ctx context.Context, scope, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKey(scope, key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// Abandon releases a claimed key so the client may retry.
func (s *Store) Abandon(ctx context.Context, scope, key string) error {
	if err := s.rdb.Del(ctx, redisKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
