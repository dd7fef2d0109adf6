package detector

import (
	"fmt"

	"vitals-pipeline/internal/models"
)

// Detector 异常检测策略
// Evaluate 必须是输入的纯函数：同样的 record + history 永远得到同样的判定，
// 崩溃恢复后的重放依赖这一点。history 为该病人最近的记录（旧→新），
// 不包含当前记录。每条记录至多返回一条 Anomaly（多项越界取最严重者），
// 无异常返回 nil。
type Detector interface {
	Name() string
	Evaluate(record *models.VitalRecord, history []*models.VitalRecord) *models.Anomaly
}

// New 按名称构建检测器（装配期一次性选择）
func New(name string) (Detector, error) {
	switch name {
	case "threshold":
		return NewThresholdDetector(), nil
	case "statistical":
		return NewWindowedStatsDetector(), nil
	default:
		return nil, fmt.Errorf("unknown detector: %q", name)
	}
}
