package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix    = "idem:"
	redisWatchRetries = 3
)

// RedisStore keeps keys in Redis with native expiry, so Purge has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key string) string { return redisKeyPrefix + documentID(key) }

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	var result Reservation
	txf := func(tx *redis.Tx) error {
		existing, err := readRecord(ctx, tx, redisKey(key))
		if err != nil {
			return err
		}
		reservation, write, err := decide(existing, key, fingerprint, now.UTC(), ttl)
		if err != nil {
			return err
		}
		if write != nil {
			if err := writeRecord(ctx, tx, redisKey(key), *write, now); err != nil {
				return err
			}
		}
		result = reservation
		return nil
	}
	if err := s.watch(ctx, txf, redisKey(key)); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return Reservation{State: StateInFlight}, nil
		}
		return Reservation{}, err
	}
	return result, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := readRecord(ctx, tx, redisKey(key))
		if err != nil {
			return err
		}
		record, err := completed(existing, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return writeRecord(ctx, tx, redisKey(key), record, now)
	}, redisKey(key))
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

func (s *RedisStore) Purge(context.Context, time.Time, int) (int, error) { return 0, nil }

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, key string) error {
	var err error
	for attempt := 0; attempt < redisWatchRetries; attempt++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func readRecord(ctx context.Context, tx *redis.Tx, key string) (*Record, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return &record, nil
}

func writeRecord(ctx context.Context, tx *redis.Tx, key string, record Record, now time.Time) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	ttl := record.ExpiresAt.Sub(now.UTC())
	if ttl <= 0 {
		ttl = time.Second
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, ttl)
		return nil
	})
	return err
}
