package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Offset 记录在其来源 partition 内的位置
// 两种格式：
//   - 文件来源：十进制行号（"42"）
//   - Redis Stream 来源：流 ID（"1699999999999-0"）
type Offset string

// ZeroOffset 表示"无位点"（首次运行，从头消费）
const ZeroOffset Offset = ""

// IsZero 是否为零位点
func (o Offset) IsZero() bool {
	return o == ZeroOffset
}

// CompareOffsets 比较两个位点，返回 -1/0/1
// 零位点小于任何非零位点
func CompareOffsets(a, b Offset) int {
	if a == b {
		return 0
	}
	if a.IsZero() {
		return -1
	}
	if b.IsZero() {
		return 1
	}

	am, as := a.Parts()
	bm, bs := b.Parts()
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if as < bs {
		return -1
	}
	if as > bs {
		return 1
	}
	return 0
}

// Parts 解析位点为数值对："<major>-<seq>" 或纯数字形式
func (o Offset) Parts() (int64, int64) {
	s := string(o)
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		major, _ := strconv.ParseInt(s[:idx], 10, 64)
		seq, _ := strconv.ParseInt(s[idx+1:], 10, 64)
		return major, seq
	}
	major, _ := strconv.ParseInt(s, 10, 64)
	return major, 0
}

// VitalRecord 一条病人生命体征观测记录
// 由 RecordSource 解析生成后只读
type VitalRecord struct {
	PatientID        string    `json:"patient_id"`
	Timestamp        time.Time `json:"timestamp"`
	HeartRate        float64   `json:"heart_rate"`
	SystolicBP       float64   `json:"systolic_bp"`
	DiastolicBP      float64   `json:"diastolic_bp"`
	OxygenSaturation float64   `json:"oxygen_saturation"`
	Temperature      float64   `json:"temperature"`
	RespiratoryRate  float64   `json:"respiratory_rate"`

	// 来源定位（不参与 JSONL 互换格式）
	SourceID string `json:"-"`
	Offset   Offset `json:"-"`
}

// 传感器物理量程（超出视为 invalid reading，与临床异常是两回事）
const (
	sensorHeartRateMin   = 0
	sensorHeartRateMax   = 300
	sensorBPMin          = 0
	sensorBPMax          = 300
	sensorSpO2Min        = 0
	sensorSpO2Max        = 100
	sensorTemperatureMin = 25
	sensorTemperatureMax = 45
	sensorRespRateMin    = 0
	sensorRespRateMax    = 80
)

// InvalidReadingError 表示某项测量超出传感器物理量程
type InvalidReadingError struct {
	Field string
	Value float64
}

func (e *InvalidReadingError) Error() string {
	return fmt.Sprintf("invalid reading: %s=%g out of sensor range", e.Field, e.Value)
}

// Validate 校验记录
// 返回的 InvalidReadingError 不是 anomaly，由调用方决定如何处理
func (r *VitalRecord) Validate() error {
	if r.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	checks := []struct {
		field    string
		value    float64
		min, max float64
	}{
		{"heart_rate", r.HeartRate, sensorHeartRateMin, sensorHeartRateMax},
		{"systolic_bp", r.SystolicBP, sensorBPMin, sensorBPMax},
		{"diastolic_bp", r.DiastolicBP, sensorBPMin, sensorBPMax},
		{"oxygen_saturation", r.OxygenSaturation, sensorSpO2Min, sensorSpO2Max},
		{"temperature", r.Temperature, sensorTemperatureMin, sensorTemperatureMax},
		{"respiratory_rate", r.RespiratoryRate, sensorRespRateMin, sensorRespRateMax},
	}
	for _, c := range checks {
		if c.value < c.min || c.value > c.max {
			return &InvalidReadingError{Field: c.field, Value: c.value}
		}
	}
	return nil
}

// MarshalLine 序列化为 JSONL 互换格式的一行（不带换行符）
func (r *VitalRecord) MarshalLine() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecordLine 解析 JSONL 互换格式的一行
func ParseRecordLine(line []byte) (*VitalRecord, error) {
	var rec VitalRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record line: %w", err)
	}
	if rec.PatientID == "" {
		return nil, fmt.Errorf("failed to parse record line: patient_id is empty")
	}
	return &rec, nil
}
