package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"vitals-pipeline/internal/models"
)

// ErrCheckpointMiss 表示该 source 尚无位点记录（首次运行）
var ErrCheckpointMiss = errors.New("checkpoint miss")

// Store 每个来源 partition 的持久化位点存储
// Commit 必须幂等且永不回退：提交等于或早于当前位点的值是 no-op。
type Store interface {
	// Load 返回已提交位点；无记录时返回零位点（不是错误）
	Load(ctx context.Context, sourceID string) (models.Offset, error)
	// Commit 持久化进度
	Commit(ctx context.Context, sourceID string, offset models.Offset) error
	Close() error
}

// MemoryStore 进程内位点存储（单元测试与 generate 模式使用）
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]models.CheckpointState
}

// NewMemoryStore 创建内存位点存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]models.CheckpointState)}
}

// Load 返回已提交位点
func (s *MemoryStore) Load(_ context.Context, sourceID string) (models.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.cursors[sourceID]
	if !ok {
		return models.ZeroOffset, nil
	}
	return state.LastCommittedOffset, nil
}

// Commit 持久化进度（幂等、不回退）
func (s *MemoryStore) Commit(_ context.Context, sourceID string, offset models.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.cursors[sourceID]; ok {
		if models.CompareOffsets(offset, state.LastCommittedOffset) <= 0 {
			return nil
		}
	}
	s.cursors[sourceID] = models.CheckpointState{
		SourceID:            sourceID,
		LastCommittedOffset: offset,
		CommittedAt:         time.Now(),
	}
	return nil
}

// Close 无操作
func (s *MemoryStore) Close() error { return nil }

// State 返回当前位点状态（诊断用）
func (s *MemoryStore) State(sourceID string) (models.CheckpointState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.cursors[sourceID]
	return state, ok
}
