package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// FileSink 追加写 JSONL 告警文件
// 每条告警一行，写后 fsync 保证落盘（Emit 返回即已确认）
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// NewFileSink 打开（或创建）告警文件
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open alerts file: %w", err)
	}
	return &FileSink{file: file, logger: logger}, nil
}

// Emit 追加一条告警
func (s *FileSink) Emit(_ context.Context, anomaly *models.Anomaly) error {
	payload, err := json.Marshal(anomaly)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync alerts file: %w", err)
	}
	return nil
}

// Close 关闭告警文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
