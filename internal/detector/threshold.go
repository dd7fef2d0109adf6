package detector

import (
	"vitals-pipeline/internal/models"
)

// VitalBand 单项体征的正常带与临界带
type VitalBand struct {
	Min         float64
	Max         float64
	CriticalMin float64
	CriticalMax float64
}

// DefaultBands 默认生理带
var DefaultBands = map[string]VitalBand{
	"heart_rate":        {Min: 60, Max: 100, CriticalMin: 40, CriticalMax: 130},
	"temperature":       {Min: 36.0, Max: 37.5, CriticalMin: 35.0, CriticalMax: 38.5},
	"oxygen_saturation": {Min: 95, Max: 100, CriticalMin: 90, CriticalMax: 100},
	"respiratory_rate":  {Min: 12, Max: 20, CriticalMin: 10, CriticalMax: 25},
	"systolic_bp":       {Min: 90, Max: 120, CriticalMin: 80, CriticalMax: 180},
	"diastolic_bp":      {Min: 60, Max: 80, CriticalMin: 50, CriticalMax: 110},
}

// ThresholdDetector 阈值检测器
// 每项测量对照固定生理带；越临界带越多严重度越高；
// 多项同时越界时只保留最严重的一条
type ThresholdDetector struct {
	bands map[string]VitalBand
}

// NewThresholdDetector 创建默认带的阈值检测器
func NewThresholdDetector() *ThresholdDetector {
	return NewThresholdDetectorWithBands(DefaultBands)
}

// NewThresholdDetectorWithBands 创建自定义带的阈值检测器
func NewThresholdDetectorWithBands(bands map[string]VitalBand) *ThresholdDetector {
	return &ThresholdDetector{bands: bands}
}

// Name 返回检测器名称
func (d *ThresholdDetector) Name() string { return "threshold" }

// breachKinds 每项体征越界方向对应的异常类型
var breachKinds = map[string][2]models.AnomalyKind{
	// [低于下界, 高于上界]
	"heart_rate":        {models.KindBradycardia, models.KindTachycardia},
	"temperature":       {models.KindHypothermia, models.KindHyperthermia},
	"oxygen_saturation": {models.KindHypoxia, ""},
	"respiratory_rate":  {models.KindBradypnea, models.KindTachypnea},
	"systolic_bp":       {models.KindHypotension, models.KindHypertension},
	"diastolic_bp":      {models.KindHypotension, models.KindHypertension},
}

// Evaluate 对单条记录做阈值判定
func (d *ThresholdDetector) Evaluate(record *models.VitalRecord, _ []*models.VitalRecord) *models.Anomaly {
	measurements := []struct {
		vital string
		value float64
	}{
		{"heart_rate", record.HeartRate},
		{"temperature", record.Temperature},
		{"oxygen_saturation", record.OxygenSaturation},
		{"respiratory_rate", record.RespiratoryRate},
		{"systolic_bp", record.SystolicBP},
		{"diastolic_bp", record.DiastolicBP},
	}

	var worst *models.Anomaly
	var worstDeviation float64

	for _, m := range measurements {
		band, ok := d.bands[m.vital]
		if !ok {
			continue
		}

		kind, severity, deviation := classify(m.vital, m.value, band)
		if kind == "" {
			continue
		}

		if worst != nil && (severity < worst.Severity ||
			(severity == worst.Severity && deviation <= worstDeviation)) {
			continue
		}

		threshold := &models.Threshold{}
		if m.value < band.Min {
			min := band.Min
			threshold.Min = &min
		} else {
			max := band.Max
			threshold.Max = &max
		}

		worst = &models.Anomaly{
			RecordRef: models.RecordRef{
				PatientID: record.PatientID,
				SourceID:  record.SourceID,
				Offset:    record.Offset,
				Timestamp: record.Timestamp,
			},
			Kind:      kind,
			Severity:  severity,
			Vital:     m.vital,
			Value:     m.value,
			Threshold: threshold,
		}
		worstDeviation = deviation
	}

	return worst
}

// classify 判定单项体征：返回异常类型、严重度和相对偏离量
// 传感器失联（平线零值）优先于临床判定
func classify(vital string, value float64, band VitalBand) (models.AnomalyKind, models.Severity, float64) {
	if value == 0 {
		return models.KindSensorDropout, models.SeverityCritical, 1e9
	}
	if value >= band.Min && value <= band.Max {
		return "", 0, 0
	}

	kinds := breachKinds[vital]
	var kind models.AnomalyKind
	var deviation float64

	switch {
	case value < band.CriticalMin:
		kind = kinds[0]
		// 超临界下界的幅度，按正常带到临界带的距离归一
		deviation = 1 + (band.CriticalMin-value)/(band.Min-band.CriticalMin)
	case value < band.Min:
		kind = kinds[0]
		deviation = (band.Min - value) / (band.Min - band.CriticalMin)
	case value > band.CriticalMax:
		kind = kinds[1]
		deviation = 1 + (value-band.CriticalMax)/(band.CriticalMax-band.Max)
	default: // value > band.Max
		kind = kinds[1]
		deviation = (value - band.Max) / (band.CriticalMax - band.Max)
	}

	if kind == "" {
		// 该方向无临床意义（如 SpO2 上界），不产生异常
		return "", 0, 0
	}

	var severity models.Severity
	switch {
	case deviation >= 2:
		severity = models.SeverityCritical
	case deviation >= 1:
		severity = models.SeverityHigh
	default:
		severity = models.SeverityMedium
	}

	return kind, severity, deviation
}
