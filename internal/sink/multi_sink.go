package sink

import (
	"context"

	"go.uber.org/multierr"

	"vitals-pipeline/internal/models"
)

// MultiSink 把同一条告警扇出到多个落地端
// 任何一个落地端失败即整体失败，由管道重试整条扇出；
// 已成功的落地端会收到重复告警（at-least-once，按 event_id 去重）
type MultiSink struct {
	sinks []AlertSink
}

// NewMultiSink 创建扇出告警输出
func NewMultiSink(sinks ...AlertSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Emit(ctx context.Context, anomaly *models.Anomaly) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, anomaly); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
