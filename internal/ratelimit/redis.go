package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists buckets in Redis, one key per (account, window).
// Conditional updates ride on WATCH: a concurrent write to any of the
// account's keys between read and write fails the transaction, which
// surfaces as ErrVersionConflict for the limiter to retry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "folio"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(account string, w Window) string {
	return fmt.Sprintf("%s:rl:%s:%s", s.prefix, account, w)
}

func (s *RedisStore) keys(account string) []string {
	out := make([]string, len(Windows))
	for i, w := range Windows {
		out[i] = s.key(account, w)
	}
	return out
}

func (s *RedisStore) GetAll(ctx context.Context, account string) (map[Window]Bucket, error) {
	vals, err := s.client.MGet(ctx, s.keys(account)...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[Window]Bucket, len(Windows))
	for i, w := range Windows {
		b, err := decodeBucket(vals[i])
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", s.key(account, w), err)
		}
		out[w] = b
	}
	return out, nil
}

func (s *RedisStore) UpdateAll(ctx context.Context, account string, prev, next map[Window]Bucket) error {
	watch := make([]string, 0, len(prev))
	for w := range prev {
		watch = append(watch, s.key(account, w))
	}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for w, p := range prev {
			val, err := tx.Get(ctx, s.key(account, w)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			current, err := decodeBucket(stringOrNil(val, err))
			if err != nil {
				return err
			}
			if current.Version != p.Version {
				return ErrVersionConflict
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for w, n := range next {
				data, err := json.Marshal(n)
				if err != nil {
					return err
				}
				// Keys expire well past the window so stale accounts
				// clean themselves up.
				ttl := time.Until(n.WindowResetAt) + time.Hour
				pipe.Set(ctx, s.key(account, w), data, ttl)
			}
			return nil
		})
		return err
	}, watch...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func stringOrNil(val string, err error) interface{} {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return val
}

// decodeBucket maps a raw MGET value to a Bucket. A nil value means
// the account never acquired in that window; it reads as version 0.
func decodeBucket(raw interface{}) (Bucket, error) {
	if raw == nil {
		return Bucket{}, nil
	}
	str, ok := raw.(string)
	if !ok {
		return Bucket{}, fmt.Errorf("unexpected value type %T", raw)
	}
	var b Bucket
	if err := json.Unmarshal([]byte(str), &b); err != nil {
		return Bucket{}, fmt.Errorf("corrupt bucket: %w", err)
	}
	return b, nil
}
