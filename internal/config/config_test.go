package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "vitals:stream", cfg.Run.StreamKey)
	assert.Equal(t, 50, cfg.Run.CommitEveryN)
	assert.Equal(t, 5*time.Second, cfg.Run.CommitInterval)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, "vitals:alerts:stream", cfg.Alerts.Stream)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis-prod:6379")
	t.Setenv("COMMIT_EVERY_N", "10")
	t.Setenv("COMMIT_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.Run.CommitEveryN)
	assert.Equal(t, 250*time.Millisecond, cfg.Run.CommitInterval)
}

func validRunConfig(mode Mode) PipelineRunConfig {
	return PipelineRunConfig{
		Mode:           mode,
		Detector:       "threshold",
		PatientCount:   5,
		Duration:       time.Minute,
		InputPath:      "patient_data.jsonl",
		Partitions:     []string{"vitals:stream:0"},
		CommitEveryN:   50,
		CommitInterval: 5 * time.Second,
		QueueSize:      64,
		MaxRetries:     3,
	}
}

func TestPipelineRunConfig_Validate(t *testing.T) {
	for _, mode := range []Mode{ModeGenerate, ModeBatch, ModeStream} {
		cfg := validRunConfig(mode)
		assert.NoError(t, cfg.Validate(), "mode %s", mode)
	}
}

func TestPipelineRunConfig_Validate_Errors(t *testing.T) {
	cfg := validRunConfig(ModeBatch)
	cfg.InputPath = ""
	assert.Error(t, cfg.Validate())

	cfg = validRunConfig(ModeBatch)
	cfg.ResumableBatch = true
	assert.ErrorContains(t, cfg.Validate(), "resumable batch")

	cfg = validRunConfig(ModeStream)
	cfg.Partitions = nil
	assert.Error(t, cfg.Validate())

	cfg = validRunConfig(ModeStream)
	cfg.Detector = "neural"
	assert.ErrorContains(t, cfg.Validate(), "unknown detector")

	cfg = validRunConfig(ModeStream)
	cfg.CommitEveryN = 0
	assert.Error(t, cfg.Validate())

	cfg = validRunConfig(ModeGenerate)
	cfg.PatientCount = 0
	assert.Error(t, cfg.Validate())

	cfg = PipelineRunConfig{Mode: "replay"}
	assert.ErrorContains(t, cfg.Validate(), "unknown mode")
}
