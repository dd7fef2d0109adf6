package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitals-pipeline/internal/models"
)

func normalRecord() *models.VitalRecord {
	return &models.VitalRecord{
		PatientID:        "patient-001",
		Timestamp:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		HeartRate:        75,
		SystolicBP:       115,
		DiastolicBP:      72,
		OxygenSaturation: 98,
		Temperature:      36.9,
		RespiratoryRate:  16,
		SourceID:         "vitals:stream:0",
		Offset:           "1700000000000-0",
	}
}

func TestThresholdDetector_NormalRecord(t *testing.T) {
	d := NewThresholdDetector()
	assert.Nil(t, d.Evaluate(normalRecord(), nil))
}

func TestThresholdDetector_SingleBreach(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*models.VitalRecord)
		kind     models.AnomalyKind
		vital    string
		severity models.Severity
	}{
		{
			name:     "heart rate 180 is critical tachycardia",
			mutate:   func(r *models.VitalRecord) { r.HeartRate = 180 },
			kind:     models.KindTachycardia,
			vital:    "heart_rate",
			severity: models.SeverityCritical,
		},
		{
			name:     "heart rate 110 is medium tachycardia",
			mutate:   func(r *models.VitalRecord) { r.HeartRate = 110 },
			kind:     models.KindTachycardia,
			vital:    "heart_rate",
			severity: models.SeverityMedium,
		},
		{
			name:     "heart rate 50 is bradycardia",
			mutate:   func(r *models.VitalRecord) { r.HeartRate = 50 },
			kind:     models.KindBradycardia,
			vital:    "heart_rate",
			severity: models.SeverityMedium,
		},
		{
			name:     "oxygen 88 is high hypoxia",
			mutate:   func(r *models.VitalRecord) { r.OxygenSaturation = 88 },
			kind:     models.KindHypoxia,
			vital:    "oxygen_saturation",
			severity: models.SeverityHigh,
		},
		{
			name:     "temperature 34.2 is hypothermia",
			mutate:   func(r *models.VitalRecord) { r.Temperature = 34.2 },
			kind:     models.KindHypothermia,
			vital:    "temperature",
			severity: models.SeverityHigh,
		},
		{
			name:     "temperature 39.2 is hyperthermia",
			mutate:   func(r *models.VitalRecord) { r.Temperature = 39.2 },
			kind:     models.KindHyperthermia,
			vital:    "temperature",
			severity: models.SeverityHigh,
		},
		{
			name:     "systolic 190 is hypertension",
			mutate:   func(r *models.VitalRecord) { r.SystolicBP = 190 },
			kind:     models.KindHypertension,
			vital:    "systolic_bp",
			severity: models.SeverityHigh,
		},
		{
			name:     "respiratory 28 is tachypnea",
			mutate:   func(r *models.VitalRecord) { r.RespiratoryRate = 28 },
			kind:     models.KindTachypnea,
			vital:    "respiratory_rate",
			severity: models.SeverityHigh,
		},
		{
			name:     "flatline heart rate is sensor dropout",
			mutate:   func(r *models.VitalRecord) { r.HeartRate = 0 },
			kind:     models.KindSensorDropout,
			vital:    "heart_rate",
			severity: models.SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewThresholdDetector()
			rec := normalRecord()
			tt.mutate(rec)

			anomaly := d.Evaluate(rec, nil)

			require.NotNil(t, anomaly)
			assert.Equal(t, tt.kind, anomaly.Kind)
			assert.Equal(t, tt.vital, anomaly.Vital)
			assert.Equal(t, tt.severity, anomaly.Severity)
			assert.Equal(t, rec.PatientID, anomaly.RecordRef.PatientID)
			assert.Equal(t, rec.Offset, anomaly.RecordRef.Offset)
		})
	}
}

func TestThresholdDetector_MultipleBreaches_WorstWins(t *testing.T) {
	d := NewThresholdDetector()
	rec := normalRecord()
	rec.HeartRate = 110         // medium
	rec.OxygenSaturation = 85   // critical-band breach
	rec.RespiratoryRate = 22    // medium

	anomaly := d.Evaluate(rec, nil)

	// 多项越界只产生一条最严重的告警
	require.NotNil(t, anomaly)
	assert.Equal(t, models.KindHypoxia, anomaly.Kind)
	assert.Equal(t, "oxygen_saturation", anomaly.Vital)
}

func TestThresholdDetector_Deterministic(t *testing.T) {
	d := NewThresholdDetector()
	rec := normalRecord()
	rec.HeartRate = 135

	first := d.Evaluate(rec, nil)
	require.NotNil(t, first)

	for i := 0; i < 20; i++ {
		again := d.Evaluate(rec, nil)
		require.NotNil(t, again)
		assert.Equal(t, first.Kind, again.Kind)
		assert.Equal(t, first.Severity, again.Severity)
		assert.Equal(t, first.Vital, again.Vital)
		assert.Equal(t, first.Value, again.Value)
	}
}

func TestThresholdDetector_ThresholdSnapshot(t *testing.T) {
	d := NewThresholdDetector()
	rec := normalRecord()
	rec.HeartRate = 180

	anomaly := d.Evaluate(rec, nil)

	require.NotNil(t, anomaly)
	require.NotNil(t, anomaly.Threshold)
	require.NotNil(t, anomaly.Threshold.Max)
	assert.Equal(t, 100.0, *anomaly.Threshold.Max)
}

func TestNew_SelectsDetector(t *testing.T) {
	d, err := New("threshold")
	require.NoError(t, err)
	assert.Equal(t, "threshold", d.Name())

	d, err = New("statistical")
	require.NoError(t, err)
	assert.Equal(t, "statistical", d.Name())

	_, err = New("isolation-forest")
	assert.Error(t, err)
}
