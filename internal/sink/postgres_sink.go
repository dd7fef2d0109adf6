package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// PostgresSink 将告警写入 alert_events 表
// (event_id) 主键冲突时忽略：崩溃恢复重放产生的重复告警不报错
type PostgresSink struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// NewPostgresSink 创建数据库告警输出
func NewPostgresSink(db *sql.DB, table string, logger *zap.Logger) *PostgresSink {
	if table == "" {
		table = "alert_events"
	}
	return &PostgresSink{
		db:     db,
		table:  table,
		logger: logger,
	}
}

// Emit 插入一条告警
func (s *PostgresSink) Emit(ctx context.Context, anomaly *models.Anomaly) error {
	triggerData, err := json.Marshal(struct {
		Vital     string            `json:"vital"`
		Value     float64           `json:"value"`
		Threshold *models.Threshold `json:"threshold,omitempty"`
	}{anomaly.Vital, anomaly.Value, anomaly.Threshold})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			event_id, patient_id, source_id, record_offset, record_timestamp,
			kind, severity, trigger_data, detected_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (event_id) DO NOTHING`, s.table)

	detectedAt := anomaly.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query,
		anomaly.EventID,
		anomaly.RecordRef.PatientID,
		anomaly.RecordRef.SourceID,
		string(anomaly.RecordRef.Offset),
		anomaly.RecordRef.Timestamp,
		string(anomaly.Kind),
		anomaly.Severity.String(),
		string(triggerData),
		detectedAt,
	); err != nil {
		return fmt.Errorf("failed to insert alert event: %w", err)
	}

	s.logger.Debug("Alert event stored",
		zap.String("event_id", anomaly.EventID),
		zap.String("kind", string(anomaly.Kind)),
		zap.String("patient_id", anomaly.RecordRef.PatientID),
	)
	return nil
}

// Close 无操作（连接池由装配层持有）
func (s *PostgresSink) Close() error { return nil }
