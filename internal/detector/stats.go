package detector

import (
	"math"

	"vitals-pipeline/internal/models"
)

const (
	// DefaultMinSamples 历史样本不足时不判定（避免冷启动误报）
	DefaultMinSamples = 10
	// DefaultZThreshold 判定为异常的 z-score 门槛
	DefaultZThreshold = 3.0
)

// WindowedStatsDetector 滑动窗口统计检测器
// 对每项体征计算该病人历史窗口的均值与标准差，
// 当前值偏离超过 z-score 门槛即判定为统计异常。
// 窗口由调用方维护并随调用传入，检测器自身无状态。
type WindowedStatsDetector struct {
	MinSamples int
	ZThreshold float64
}

// NewWindowedStatsDetector 创建默认参数的统计检测器
func NewWindowedStatsDetector() *WindowedStatsDetector {
	return &WindowedStatsDetector{
		MinSamples: DefaultMinSamples,
		ZThreshold: DefaultZThreshold,
	}
}

// Name 返回检测器名称
func (d *WindowedStatsDetector) Name() string { return "statistical" }

// Evaluate 对单条记录做统计判定
func (d *WindowedStatsDetector) Evaluate(record *models.VitalRecord, history []*models.VitalRecord) *models.Anomaly {
	if len(history) < d.MinSamples {
		return nil
	}

	fields := []struct {
		vital   string
		value   float64
		extract func(*models.VitalRecord) float64
	}{
		{"heart_rate", record.HeartRate, func(r *models.VitalRecord) float64 { return r.HeartRate }},
		{"temperature", record.Temperature, func(r *models.VitalRecord) float64 { return r.Temperature }},
		{"oxygen_saturation", record.OxygenSaturation, func(r *models.VitalRecord) float64 { return r.OxygenSaturation }},
		{"respiratory_rate", record.RespiratoryRate, func(r *models.VitalRecord) float64 { return r.RespiratoryRate }},
		{"systolic_bp", record.SystolicBP, func(r *models.VitalRecord) float64 { return r.SystolicBP }},
		{"diastolic_bp", record.DiastolicBP, func(r *models.VitalRecord) float64 { return r.DiastolicBP }},
	}

	var worstVital string
	var worstValue, worstZ float64

	for _, f := range fields {
		mean, stddev := meanStddev(history, f.extract)
		if stddev < 1e-9 {
			// 历史完全平稳，无法归一，跳过该项
			continue
		}
		z := math.Abs(f.value-mean) / stddev
		if z > worstZ {
			worstVital, worstValue, worstZ = f.vital, f.value, z
		}
	}

	if worstZ < d.ZThreshold {
		return nil
	}

	severity := models.SeverityMedium
	if worstZ >= 2*d.ZThreshold {
		severity = models.SeverityHigh
	}

	return &models.Anomaly{
		RecordRef: models.RecordRef{
			PatientID: record.PatientID,
			SourceID:  record.SourceID,
			Offset:    record.Offset,
			Timestamp: record.Timestamp,
		},
		Kind:     models.KindStatisticalDeviation,
		Severity: severity,
		Vital:    worstVital,
		Value:    worstValue,
	}
}

func meanStddev(history []*models.VitalRecord, extract func(*models.VitalRecord) float64) (float64, float64) {
	n := float64(len(history))
	var sum float64
	for _, r := range history {
		sum += extract(r)
	}
	mean := sum / n

	var sq float64
	for _, r := range history {
		d := extract(r) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}
