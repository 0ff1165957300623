package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "casebot:credentials:"

// RedisStore keeps each record as a JSON string under casebot:credentials:<id>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis. An unreachable server is logged, not fatal,
// so the bot can start before Redis does.
func NewRedisStore(addr, password string, db int, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.String("addr", addr), zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", addr))
	}

	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, chatUserID string) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+chatUserID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get credential: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode credential for %s: %w", chatUserID, err)
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.ChatUserID == "" {
		return fmt.Errorf("credential record has no chat user id")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.ChatUserID, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set credential: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
