// Package redisstore implements the coordination store on Redis.
//
// Reservations and rate counters rely on SETNX and a compare-and-delete Lua
// script; both are atomic on the server so the at-most-one invariant holds
// across engine replicas sharing one Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// Store implements domain.CoordStore on a Redis client.
type Store struct {
	rdb       *redis.Client
	cadScript *redis.Script
}

// compare-and-delete: remove the key only when its value matches.
const cadLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// New constructs a Store around an existing client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, cadScript: redis.NewScript(cadLua)}
}

// NewClient dials Redis with the given settings.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Get returns the value and whether the key exists.
func (s *Store) Get(ctx domain.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=coord.get: %w", err)
	}
	return v, true, nil
}

// SetNX stores value only when key is absent, with ttl.
func (s *Store) SetNX(ctx domain.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=coord.setnx: %w", err)
	}
	return ok, nil
}

// Incr increments the integer at key, creating it at 1.
func (s *Store) Incr(ctx domain.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=coord.incr: %w", err)
	}
	return n, nil
}

// Expire sets the key's TTL.
func (s *Store) Expire(ctx domain.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("op=coord.expire: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime; zero when the key is missing or has
// no expiry.
func (s *Store) TTL(ctx domain.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=coord.ttl: %w", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Del removes the key.
func (s *Store) Del(ctx domain.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("op=coord.del: %w", err)
	}
	return nil
}

// CompareAndDelete removes key only when its current value equals value.
func (s *Store) CompareAndDelete(ctx domain.Context, key, value string) (bool, error) {
	n, err := s.cadScript.Run(ctx, s.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("op=coord.cad: %w", err)
	}
	return n == 1, nil
}

// KeysByPrefix scans for keys under prefix.
func (s *Store) KeysByPrefix(ctx domain.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=coord.keys: %w", err)
	}
	return out, nil
}

// Ping verifies connectivity at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=coord.ping: %w", err)
	}
	return nil
}

var _ domain.CoordStore = (*Store)(nil)
