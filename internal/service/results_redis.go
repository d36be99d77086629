package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisStoreConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	// TTL applies to the result hash as a whole and is refreshed on every
	// write. Zero disables expiry.
	TTL time.Duration
}

// RedisStore keeps results in one Redis hash so several frontends can share a
// completed set. Drains run HGETALL and DEL inside MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "embedq:"
	}
	return &RedisStore{
		client: client,
		key:    prefix + "results",
		ttl:    cfg.TTL,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, result Result) error {
	return s.PutAll(ctx, []Result{result})
}

func (s *RedisStore) PutAll(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	fields := make([]any, 0, len(results)*2)
	for _, result := range results {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result %q: %w", result.ID, err)
		}
		fields = append(fields, result.ID, raw)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, fields...)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store %d result(s): %w", len(results), err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Result, error) {
	raw, err := s.client.HGet(ctx, s.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to read result %q: %w", id, err)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("failed to decode result %q: %w", id, err)
	}
	return result, nil
}

func (s *RedisStore) Contains(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check result %q: %w", id, err)
	}
	return ok, nil
}

func (s *RedisStore) DrainAll(ctx context.Context) ([]Result, error) {
	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, s.key)
		pipe.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain results: %w", err)
	}
	entries := all.Val()
	out := make([]Result, 0, len(entries))
	for id, raw := range entries {
		var result Result
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			// the entry is already gone from redis; keep it visible as an error result
			out = append(out, Result{ID: id, Error: fmt.Sprintf("corrupt stored result: %v", err)})
			continue
		}
		out = append(out, result)
	}
	return out, nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
