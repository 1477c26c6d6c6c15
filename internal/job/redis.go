package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists jobs in Redis so multiple processes can share
// one job's state. Conditional updates use optimistic locking: WATCH
// the job key, validate the precondition, write in a transaction, and
// retry on interference.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

const redisTxAttempts = 8

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "folio"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) jobKey(id string) string     { return s.prefix + ":job:" + id }
func (s *RedisStore) chunksKey(id string) string  { return s.prefix + ":chunks:" + id }
func (s *RedisStore) creditsKey(id string) string { return s.prefix + ":credits:" + id }
func (s *RedisStore) ownerKey(o string) string    { return s.prefix + ":owner:" + o }

func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	stored := j.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.jobKey(j.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis create: %w", err)
	}
	if !ok {
		return ErrExists
	}
	if err := s.client.SAdd(ctx, s.ownerKey(stored.Owner), stored.ID).Err(); err != nil {
		return fmt.Errorf("redis owner index: %w", err)
	}
	*j = *stored
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return &j, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Job)) (*Job, error) {
	var result *Job
	err := s.withTx(ctx, s.jobKey(id), func(tx *redis.Tx) error {
		j, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.State != from {
			return fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, from, j.State)
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: no transition %s -> %s", ErrStateConflict, from, to)
		}
		j.State = to
		j.UpdatedAt = s.now()
		j.Version++
		if to == StateCompleted {
			j.CompletedAt = j.UpdatedAt
		}
		if mutate != nil {
			mutate(j)
		}
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(id), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) CreditChunk(ctx context.Context, id string, index int, tokensIn, tokensOut int64) (*Job, bool, error) {
	var (
		result   *Job
		credited bool
	)
	err := s.withTx(ctx, s.jobKey(id), func(tx *redis.Tx) error {
		j, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		already, err := tx.SIsMember(ctx, s.creditsKey(id), index).Result()
		if err != nil {
			return err
		}
		if already {
			result, credited = j, false
			return nil
		}
		j.TranslatedChunks++
		j.TokensIn += tokensIn
		j.TokensOut += tokensOut
		j.UpdatedAt = s.now()
		j.Version++
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, s.creditsKey(id), index)
			pipe.Set(ctx, s.jobKey(id), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result, credited = j, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, credited, nil
}

func (s *RedisStore) PutChunks(ctx context.Context, id string, chunks []Chunk) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.chunksKey(id), data, 0).Err()
}

func (s *RedisStore) GetChunks(ctx context.Context, id string) ([]Chunk, error) {
	data, err := s.client.Get(ctx, s.chunksKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get chunks: %w", err)
	}
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("corrupt chunk manifest %s: %w", id, err)
	}
	return chunks, nil
}

func (s *RedisStore) GetChunk(ctx context.Context, id string, index int) (*Chunk, error) {
	chunks, err := s.GetChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(chunks) {
		return nil, ErrNotFound
	}
	c := chunks[index]
	return &c, nil
}

func (s *RedisStore) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	ids, err := s.client.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis owner index: %w", err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].UpdatedAt.After(out[k].UpdatedAt)
	})
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	j, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(id), s.chunksKey(id), s.creditsKey(id))
		pipe.SRem(ctx, s.ownerKey(j.Owner), id)
		return nil
	})
	return err
}

func (s *RedisStore) getTx(ctx context.Context, tx *redis.Tx, id string) (*Job, error) {
	data, err := tx.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("corrupt job record %s: %w", id, err)
	}
	return &j, nil
}

// withTx runs fn under WATCH on key, retrying a bounded number of
// times when a concurrent writer invalidates the transaction.
func (s *RedisStore) withTx(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < redisTxAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction contention on %s: %w", key, err)
}
