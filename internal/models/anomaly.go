package models

import (
	"time"
)

// AnomalyKind 异常类型
type AnomalyKind string

const (
	KindTachycardia          AnomalyKind = "tachycardia"
	KindBradycardia          AnomalyKind = "bradycardia"
	KindHypoxia              AnomalyKind = "hypoxia"
	KindHypothermia          AnomalyKind = "hypothermia"
	KindHyperthermia         AnomalyKind = "hyperthermia"
	KindHypotension          AnomalyKind = "hypotension"
	KindHypertension         AnomalyKind = "hypertension"
	KindTachypnea            AnomalyKind = "tachypnea"
	KindBradypnea            AnomalyKind = "bradypnea"
	KindSensorDropout        AnomalyKind = "sensor_dropout"
	KindStatisticalDeviation AnomalyKind = "statistical_deviation"
)

// Severity 告警严重度（有序）
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String 返回严重度名称
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity 从名称解析严重度，未知名称回落到 LOW
func ParseSeverity(name string) Severity {
	switch name {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// MarshalJSON 序列化为名称字符串
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON 从名称字符串解析
func (s *Severity) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"LOW"`:
		*s = SeverityLow
	case `"MEDIUM"`:
		*s = SeverityMedium
	case `"HIGH"`:
		*s = SeverityHigh
	case `"CRITICAL"`:
		*s = SeverityCritical
	default:
		*s = SeverityLow
	}
	return nil
}

// RecordRef 被告警记录的定位信息
// 下游按 (record_ref, kind) 去重实现 at-least-once 消费
type RecordRef struct {
	PatientID string    `json:"patient_id"`
	SourceID  string    `json:"source_id"`
	Offset    Offset    `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
}

// Threshold 触发阈值快照
type Threshold struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Anomaly 检测器对一条记录的判定结果
type Anomaly struct {
	EventID    string      `json:"event_id"`
	RecordRef  RecordRef   `json:"record_ref"`
	Kind       AnomalyKind `json:"kind"`
	Severity   Severity    `json:"severity"`
	Vital      string      `json:"vital"`
	Value      float64     `json:"value"`
	Threshold  *Threshold  `json:"threshold,omitempty"`
	DetectedAt time.Time   `json:"detected_at"`
}

// CheckpointState 每个来源 partition 的持久化游标
type CheckpointState struct {
	SourceID            string    `json:"source_id"`
	LastCommittedOffset Offset    `json:"last_committed_offset"`
	CommittedAt         time.Time `json:"committed_at"`
}
