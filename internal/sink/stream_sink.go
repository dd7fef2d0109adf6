package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// StreamSink 将告警发布到 Redis Stream（下游消费者的追加日志）
type StreamSink struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStreamSink 创建流告警输出
func NewStreamSink(client *redis.Client, stream string, logger *zap.Logger) *StreamSink {
	return &StreamSink{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Emit 发布一条告警
func (s *StreamSink) Emit(ctx context.Context, anomaly *models.Anomaly) error {
	payload, err := json.Marshal(anomaly)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"data":      string(payload),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", s.stream, err)
	}

	s.logger.Debug("Alert published to stream",
		zap.String("stream", s.stream),
		zap.String("message_id", id),
		zap.String("event_id", anomaly.EventID),
	)
	return nil
}

// Close 无操作（客户端由装配层持有）
func (s *StreamSink) Close() error { return nil }
