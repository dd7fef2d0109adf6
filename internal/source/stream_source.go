package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// StreamSource 从 Redis Stream（追加日志语义的 partition）读取记录
// 以显式游标 XREAD 消费：checkpoint 是位置的唯一事实来源，
// Seek 之后严格从给定位点之后恢复。
type StreamSource struct {
	client    *redis.Client
	stream    string
	lastID    string
	offset    models.Offset
	pending   []redis.XMessage
	readBlock time.Duration
	batchSize int64
	logger    *zap.Logger
}

// NewStreamSource 创建流来源
func NewStreamSource(client *redis.Client, stream string, readBlock time.Duration, batchSize int64, logger *zap.Logger) *StreamSource {
	if readBlock <= 0 {
		readBlock = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &StreamSource{
		client:    client,
		stream:    stream,
		lastID:    "0",
		offset:    models.ZeroOffset,
		readBlock: readBlock,
		batchSize: batchSize,
		logger:    logger,
	}
}

// SourceID 返回来源标识（流键）
func (s *StreamSource) SourceID() string { return s.stream }

// Seek 将游标移动到 offset 之后（checkpoint 恢复入口）
func (s *StreamSource) Seek(_ context.Context, offset models.Offset) error {
	if offset.IsZero() {
		s.lastID = "0"
	} else {
		s.lastID = string(offset)
	}
	s.pending = nil
	s.logger.Info("Stream source positioned",
		zap.String("stream", s.stream),
		zap.String("after_id", s.lastID),
	)
	return nil
}

// Next 返回下一条记录
// 无新数据时在 readBlock 内阻塞后重试；连接类错误按瞬时/致命分类返回。
func (s *StreamSource) Next(ctx context.Context) (*models.VitalRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(s.pending) == 0 {
			if err := s.fill(ctx); err != nil {
				return nil, err
			}
			continue
		}

		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.lastID = msg.ID

		rec, err := parseStreamMessage(msg)
		if err != nil {
			// 损坏消息跳过并推进游标，避免卡死在同一条上
			s.logger.Warn("Skipping malformed stream message",
				zap.String("stream", s.stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}

		rec.SourceID = s.stream
		rec.Offset = models.Offset(msg.ID)
		s.offset = rec.Offset
		return rec, nil
	}
}

// fill 从流中批量拉取到本地缓冲
func (s *StreamSource) fill(ctx context.Context) error {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   s.batchSize,
		Block:   s.readBlock,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 阻塞窗口内无新数据，回到循环顶部检查取消后再读
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyRedisError(err)
	}

	for _, stream := range streams {
		s.pending = append(s.pending, stream.Messages...)
	}
	return nil
}

// CurrentOffset 返回最近产出记录的流 ID
func (s *StreamSource) CurrentOffset() models.Offset { return s.offset }

// Close 关闭来源（客户端由装配层持有，这里不关闭连接）
func (s *StreamSource) Close() error { return nil }

// parseStreamMessage 解析流消息的 data 字段（JSONL 互换格式）
func parseStreamMessage(msg redis.XMessage) (*models.VitalRecord, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("stream message missing data field")
	}
	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("stream message data field is not a string")
	}
	return models.ParseRecordLine([]byte(str))
}

// classifyRedisError 区分瞬时与致命的 Redis 错误
func classifyRedisError(err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"),
		strings.HasPrefix(msg, "WRONGPASS"),
		strings.HasPrefix(msg, "NOPERM"):
		return &FatalError{Err: err}
	default:
		// 网络抖动、超时、主从切换等按瞬时处理，由调用方退避重试
		return &TransientError{Err: err}
	}
}
