package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TecharoHQ/commenthash/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

type Store struct {
	rdb    *valkey.Client
	prefix string
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

// ttl maps store expiry semantics onto valkey's: zero means no expiry, and
// go-redis treats negative durations as KEEPTTL which is not what we want.
func ttl(expiry time.Duration) time.Duration {
	if expiry <= 0 {
		return 0
	}

	return expiry
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("can't delete from valkey: %w", err)
	}

	switch n {
	case 0:
		return fmt.Errorf("%w: %d key(s) deleted", store.ErrNotFound, n)
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return nil, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return result, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if _, err := s.rdb.Set(ctx, s.key(key), value, ttl(expiry)).Result(); err != nil {
		return fmt.Errorf("can't set %q in valkey: %w", key, err)
	}

	return nil
}

// SetIfAbsent uses SET NX, so every instance pointed at the same valkey
// server agrees on which one stored the value first.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, expiry time.Duration) (bool, error) {
	stored, err := s.rdb.SetNX(ctx, s.key(key), value, ttl(expiry)).Result()
	if err != nil {
		return false, fmt.Errorf("can't set %q in valkey: %w", key, err)
	}

	return stored, nil
}
