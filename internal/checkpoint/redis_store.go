package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// RedisStore 基于 Redis KV 的位点存储
// 键：<prefix><source_id>，值：CheckpointState JSON
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore 创建 Redis 位点存储
func NewRedisStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (s *RedisStore) key(sourceID string) string {
	return s.keyPrefix + sourceID
}

// Load 返回已提交位点，无记录返回零位点
func (s *RedisStore) Load(ctx context.Context, sourceID string) (models.Offset, error) {
	val, err := s.client.Get(ctx, s.key(sourceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.ZeroOffset, nil
		}
		return models.ZeroOffset, fmt.Errorf("failed to load checkpoint for %s: %w", sourceID, err)
	}

	var state models.CheckpointState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return models.ZeroOffset, fmt.Errorf("failed to decode checkpoint for %s: %w", sourceID, err)
	}
	return state.LastCommittedOffset, nil
}

// Commit 持久化进度
// WATCH 事务保证并发提交下位点只单调前进；陈旧位点提交为 no-op
func (s *RedisStore) Commit(ctx context.Context, sourceID string, offset models.Offset) error {
	key := s.key(sourceID)

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var state models.CheckpointState
			if decodeErr := json.Unmarshal([]byte(current), &state); decodeErr == nil {
				if models.CompareOffsets(offset, state.LastCommittedOffset) <= 0 {
					return nil
				}
			}
		}

		payload, err := json.Marshal(models.CheckpointState{
			SourceID:            sourceID,
			LastCommittedOffset: offset,
			CommittedAt:         time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// 并发提交撞上 WATCH，重读后再试
			continue
		}
		return fmt.Errorf("failed to commit checkpoint for %s: %w", sourceID, err)
	}
	return fmt.Errorf("failed to commit checkpoint for %s: too many watch conflicts", sourceID)
}

// Close 无操作（客户端由装配层持有）
func (s *RedisStore) Close() error { return nil }
