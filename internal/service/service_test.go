package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vitals-pipeline/internal/config"
	"vitals-pipeline/internal/models"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Run.Detector = "threshold"
	cfg.Alerts.FilePath = filepath.Join(t.TempDir(), "alerts.jsonl")
	return cfg
}

func TestNewPipelineService_RejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Run.Mode = config.Mode("bogus")

	_, err := NewPipelineService(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestNewPipelineService_RejectsResumableBatch(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Run.Mode = config.ModeBatch
	cfg.Run.InputPath = "whatever.jsonl"
	cfg.Run.ResumableBatch = true

	_, err := NewPipelineService(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resumable batch is not supported")
}

func TestPipelineService_BatchEndToEnd(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "vitals.jsonl")

	records := []*models.VitalRecord{
		testRecord("patient-a", 0, 75),
		testRecord("patient-a", 1, 180), // 危急心动过速
		testRecord("patient-b", 2, 72),
		testRecord("patient-b", 3, 50), // 心动过缓
	}
	writeInputFile(t, inputPath, records)

	cfg := baseConfig(t)
	cfg.Run.Mode = config.ModeBatch
	cfg.Run.InputPath = inputPath
	cfg.MQTT.Broker = "" // 不接 MQTT

	svc, err := NewPipelineService(cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc.Stop()

	require.NoError(t, svc.Start(context.Background()))

	alerts := readAlertFile(t, cfg.Alerts.FilePath)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.KindTachycardia, alerts[0].Kind)
	assert.Equal(t, "patient-a", alerts[0].RecordRef.PatientID)
	assert.Equal(t, models.KindBradycardia, alerts[1].Kind)
	assert.Equal(t, "patient-b", alerts[1].RecordRef.PatientID)
}

func TestPipelineService_BatchMissingInputFails(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Run.Mode = config.ModeBatch
	cfg.Run.InputPath = filepath.Join(t.TempDir(), "missing.jsonl")

	svc, err := NewPipelineService(cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc.Stop()

	require.Error(t, svc.Start(context.Background()))
}

func TestPipelineService_GeneratePublishesToFileAndStream(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseConfig(t)
	cfg.Run.Mode = config.ModeGenerate
	cfg.Run.PatientCount = 2
	cfg.Run.Duration = 150 * time.Millisecond
	cfg.Run.InputPath = filepath.Join(t.TempDir(), "generated.jsonl")
	cfg.Run.Partitions = []string{cfg.Run.StreamKey + ":0", cfg.Run.StreamKey + ":1"}
	cfg.Redis.Addr = mr.Addr()

	svc, err := NewPipelineService(cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc.Stop()

	// 时长压到首个 tick 之前：验证时长耗尽后干净退出、输出文件已建好
	require.NoError(t, svc.Start(context.Background()))

	_, statErr := os.Stat(cfg.Run.InputPath)
	require.NoError(t, statErr)
}

func testRecord(patientID string, offsetSeconds int, hr float64) *models.VitalRecord {
	return &models.VitalRecord{
		PatientID:        patientID,
		Timestamp:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(offsetSeconds) * time.Second),
		HeartRate:        hr,
		SystolicBP:       115,
		DiastolicBP:      72,
		OxygenSaturation: 98,
		Temperature:      36.8,
		RespiratoryRate:  16,
	}
}

func writeInputFile(t *testing.T, path string, records []*models.VitalRecord) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, rec := range records {
		line, err := rec.MarshalLine()
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
}

func readAlertFile(t *testing.T, path string) []*models.Anomaly {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var alerts []*models.Anomaly
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				alerts = append(alerts, parseAlert(t, data[start:i]))
			}
			start = i + 1
		}
	}
	return alerts
}

func parseAlert(t *testing.T, line []byte) *models.Anomaly {
	t.Helper()
	var a models.Anomaly
	require.NoError(t, json.Unmarshal(line, &a))
	return &a
}
