package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeBuildsKey  = "builds:active"
	anonymousOwnerID = "~anonymous"
)

// RedisStore keeps build records as JSON documents in Redis.
type RedisStore struct {
	redis     *redis.Client
	retention time.Duration
}

// NewRedisStore connects to redisURL. A zero retention keeps records forever.
func NewRedisStore(redisURL string, retention time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{redis: client, retention: retention}, nil
}

func buildKey(id string) string {
	return fmt.Sprintf("build:%s", id)
}

func ownerKey(ownerID string) string {
	if ownerID == "" {
		ownerID = anonymousOwnerID
	}
	return fmt.Sprintf("builds:owner:%s", ownerID)
}

func (s *RedisStore) Create(ctx context.Context, job Job) error {
	job.Version = 1
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, buildKey(job.ID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("store build: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, ownerKey(job.OwnerID), redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		})
		pipe.SAdd(ctx, activeBuildsKey, job.ID)
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (Job, error) {
	return s.get(ctx, s.redis, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (Job, error) {
	data, err := c.Get(ctx, buildKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("decode build %s: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expected, next Job) (Job, error) {
	key := buildKey(expected.ID)
	var stored Job

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, expected.ID)
		if err != nil {
			return err
		}
		if current.Version != expected.Version {
			return ErrConflict
		}

		next.ID = expected.ID
		next.Version = current.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention)
			if next.Status.Terminal() {
				pipe.SRem(ctx, activeBuildsKey, next.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		stored = next
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return Job{}, ErrConflict
	}
	if err != nil {
		return Job{}, err
	}
	return stored, nil
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	ids, err := s.redis.ZRevRange(ctx, ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) ListActive(ctx context.Context) ([]Job, error) {
	ids, err := s.redis.SMembers(ctx, activeBuildsKey).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	active := jobs[:0]
	for _, job := range jobs {
		if !job.Status.Terminal() {
			active = append(active, job)
		}
	}
	sortNewestFirst(active)
	return active, nil
}

// load skips ids whose records expired.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Job, error) {
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}
