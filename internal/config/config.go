package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Mode 管道运行模式
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeBatch    Mode = "batch"
	ModeStream   Mode = "stream"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Topic    string
}

// PipelineRunConfig 单次运行参数，启动时构建一次，不再修改
type PipelineRunConfig struct {
	Mode     Mode
	Detector string // "threshold" 或 "statistical"

	// generate / batch 模式参数
	PatientCount int
	Duration     time.Duration
	InputPath    string

	// stream 模式参数
	StreamKey     string   // 流键前缀，如 "vitals:stream"
	Partitions    []string // partition 流键列表（每个独立 pipeline）
	ConsumerName  string
	ReadBlock     time.Duration // XREAD 阻塞时长（取消响应上限）
	ReadBatchSize int64

	// checkpoint 提交节奏（崩溃重放窗口 = max(CommitEveryN 条, CommitInterval 内流量)）
	CommitEveryN   int
	CommitInterval time.Duration

	// 批量模式是否持久化位点（当前版本固定 false：批量运行有界，总是从文件头重放）
	ResumableBatch bool

	// 背压与重试预算
	QueueSize      int
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxRetryBackoff time.Duration
}

// Config 服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	Run PipelineRunConfig

	// 告警输出配置
	Alerts struct {
		Stream       string // 告警输出流
		FilePath     string // 告警 JSONL 文件
		Table        string // 告警表名
		MQTTMinLevel string // 达到该严重度才走 MQTT 通道
	}

	Checkpoint struct {
		Backend   string // "redis" 或 "postgres"
		KeyPrefix string // Redis 位点键前缀
		Table     string // Postgres 位点表名
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（默认值可直接本地运行）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "vitals")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "vitals-pipeline")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.Topic = getEnv("MQTT_ALERT_TOPIC", "vitals/alerts")

	cfg.Run.StreamKey = getEnv("STREAM_VITALS", "vitals:stream")
	cfg.Run.ConsumerName = getEnv("CONSUMER_NAME", "vitals-pipeline-1")
	cfg.Run.ReadBlock = getEnvDuration("STREAM_READ_BLOCK", 2*time.Second)
	cfg.Run.ReadBatchSize = int64(getEnvInt("STREAM_READ_BATCH", 10))
	cfg.Run.CommitEveryN = getEnvInt("COMMIT_EVERY_N", 50)
	cfg.Run.CommitInterval = getEnvDuration("COMMIT_INTERVAL", 5*time.Second)
	cfg.Run.QueueSize = getEnvInt("PIPELINE_QUEUE_SIZE", 64)
	cfg.Run.MaxRetries = getEnvInt("MAX_RETRIES", 5)
	cfg.Run.RetryBackoff = getEnvDuration("RETRY_BACKOFF", time.Second)
	cfg.Run.MaxRetryBackoff = getEnvDuration("MAX_RETRY_BACKOFF", 30*time.Second)

	cfg.Alerts.Stream = getEnv("STREAM_ALERTS", "vitals:alerts:stream")
	cfg.Alerts.FilePath = getEnv("ALERTS_FILE", "patient_alerts.jsonl")
	cfg.Alerts.Table = getEnv("ALERTS_TABLE", "alert_events")
	cfg.Alerts.MQTTMinLevel = getEnv("MQTT_ALERT_MIN_LEVEL", "HIGH")

	cfg.Checkpoint.Backend = getEnv("CHECKPOINT_BACKEND", "redis")
	cfg.Checkpoint.KeyPrefix = getEnv("CHECKPOINT_KEY_PREFIX", "vitals:checkpoint:")
	cfg.Checkpoint.Table = getEnv("CHECKPOINT_TABLE", "pipeline_checkpoints")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// Validate 在进入运行态之前校验运行参数
func (r *PipelineRunConfig) Validate() error {
	switch r.Mode {
	case ModeGenerate:
		if r.PatientCount <= 0 {
			return fmt.Errorf("generate mode requires a positive patient count")
		}
		if r.Duration <= 0 {
			return fmt.Errorf("generate mode requires a positive duration")
		}
	case ModeBatch:
		if r.InputPath == "" {
			return fmt.Errorf("batch mode requires an input file path")
		}
		if r.ResumableBatch {
			// 显式拒绝：当前设计批量模式总是从文件头开始
			return fmt.Errorf("resumable batch is not supported")
		}
	case ModeStream:
		if len(r.Partitions) == 0 {
			return fmt.Errorf("stream mode requires at least one partition")
		}
	default:
		return fmt.Errorf("unknown mode: %q", r.Mode)
	}

	if r.Detector != "threshold" && r.Detector != "statistical" {
		return fmt.Errorf("unknown detector: %q", r.Detector)
	}
	if r.Mode != ModeGenerate {
		if r.CommitEveryN <= 0 {
			return fmt.Errorf("commit_every_n must be positive")
		}
		if r.CommitInterval <= 0 {
			return fmt.Errorf("commit_interval must be positive")
		}
		if r.QueueSize <= 0 {
			return fmt.Errorf("queue_size must be positive")
		}
		if r.MaxRetries <= 0 {
			return fmt.Errorf("max_retries must be positive")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
