package sink

import (
	"context"

	"vitals-pipeline/internal/models"
)

// AlertSink 持久化告警输出
// Emit 成功返回视为已确认（Ack）；失败由调用方重试，实现 at-least-once：
// 崩溃恢复边界上同一告警可能重复发出，下游按 (record_ref, kind) 去重，
// 但已检出的告警绝不允许被静默丢弃。
// 多个 partition pipeline 会并发调用 Emit，实现必须并发安全。
type AlertSink interface {
	Emit(ctx context.Context, anomaly *models.Anomaly) error
	Close() error
}
