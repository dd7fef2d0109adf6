package generator

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// FileWriter 把记录追加写入 JSONL 文件，batch 模式可直接消费
type FileWriter struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// NewFileWriter 创建（或追加打开）JSONL 输出文件
func NewFileWriter(path string, logger *zap.Logger) (*FileWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file %s: %w", path, err)
	}
	return &FileWriter{file: file, logger: logger}, nil
}

func (w *FileWriter) Write(_ context.Context, record *models.VitalRecord) error {
	line, err := record.MarshalLine()
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// StreamWriter 把记录按病人哈希发布到 Redis Stream 分区
// 同一病人总是落到同一分区，保证 partition 内该病人读数有序
type StreamWriter struct {
	client     *redis.Client
	streamKey  string
	partitions int
	logger     *zap.Logger
}

// NewStreamWriter 创建 Redis Stream 记录发布器
func NewStreamWriter(client *redis.Client, streamKey string, partitions int, logger *zap.Logger) *StreamWriter {
	if partitions <= 0 {
		partitions = 1
	}
	return &StreamWriter{
		client:     client,
		streamKey:  streamKey,
		partitions: partitions,
		logger:     logger,
	}
}

func (w *StreamWriter) Write(ctx context.Context, record *models.VitalRecord) error {
	payload, err := record.MarshalLine()
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	stream := w.streamKey + ":" + strconv.Itoa(w.partitionFor(record.PatientID))
	if err := w.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish record to stream %s: %w", stream, err)
	}
	return nil
}

// partitionFor FNV-1a 哈希取模
func (w *StreamWriter) partitionFor(patientID string) int {
	h := fnv.New64a()
	h.Write([]byte(patientID))
	return int(h.Sum64() % uint64(w.partitions))
}

func (w *StreamWriter) Close() error {
	return nil
}
