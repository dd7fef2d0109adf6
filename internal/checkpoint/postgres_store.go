package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// PostgresStore 基于 PostgreSQL 的位点存储
// 位点同时存原始字符串与拆分后的数值对，
// upsert 的 WHERE 条件用数值对比较保证只单调前进。
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewPostgresStore 创建 Postgres 位点存储
func NewPostgresStore(db *sql.DB, table string, logger *zap.Logger) *PostgresStore {
	if table == "" {
		table = "pipeline_checkpoints"
	}
	return &PostgresStore{
		db:     db,
		table:  table,
		logger: logger,
	}
}

// Load 返回已提交位点，无记录返回零位点
func (s *PostgresStore) Load(ctx context.Context, sourceID string) (models.Offset, error) {
	query := fmt.Sprintf(
		`SELECT last_committed_offset FROM %s WHERE source_id = $1`, s.table)

	var offset string
	err := s.db.QueryRowContext(ctx, query, sourceID).Scan(&offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ZeroOffset, nil
		}
		return models.ZeroOffset, fmt.Errorf("failed to load checkpoint for %s: %w", sourceID, err)
	}
	return models.Offset(offset), nil
}

// Commit 持久化进度（幂等、不回退）
func (s *PostgresStore) Commit(ctx context.Context, sourceID string, offset models.Offset) error {
	major, seq := offset.Parts()

	query := fmt.Sprintf(`
		INSERT INTO %s (source_id, last_committed_offset, offset_major, offset_seq, committed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (source_id) DO UPDATE
		SET last_committed_offset = EXCLUDED.last_committed_offset,
		    offset_major = EXCLUDED.offset_major,
		    offset_seq = EXCLUDED.offset_seq,
		    committed_at = EXCLUDED.committed_at
		WHERE (%s.offset_major, %s.offset_seq) < (EXCLUDED.offset_major, EXCLUDED.offset_seq)`,
		s.table, s.table, s.table)

	if _, err := s.db.ExecContext(ctx, query, sourceID, string(offset), major, seq); err != nil {
		return fmt.Errorf("failed to commit checkpoint for %s: %w", sourceID, err)
	}
	return nil
}

// Close 无操作（连接池由装配层持有）
func (s *PostgresStore) Close() error { return nil }
