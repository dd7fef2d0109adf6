package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"vitals-pipeline/internal/checkpoint"
	"vitals-pipeline/internal/config"
	"vitals-pipeline/internal/database"
	"vitals-pipeline/internal/detector"
	"vitals-pipeline/internal/generator"
	"vitals-pipeline/internal/models"
	"vitals-pipeline/internal/pipeline"
	"vitals-pipeline/internal/sink"
	"vitals-pipeline/internal/source"
)

// PipelineService 按模式组装并运行管道（整合各层）
type PipelineService struct {
	config      *config.Config
	logger      *zap.Logger
	redisClient *redis.Client
	db          *sql.DB
}

// NewPipelineService 创建管道服务并建立所需外部连接
// batch 模式不接 Redis/Postgres；stream 模式两者都要
func NewPipelineService(cfg *config.Config, logger *zap.Logger) (*PipelineService, error) {
	if err := cfg.Run.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	s := &PipelineService{
		config: cfg,
		logger: logger,
	}

	if cfg.Run.Mode != config.ModeBatch {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := s.redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	if cfg.Run.Mode == config.ModeStream {
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return nil, err
		}
		s.db = db
	}

	return s, nil
}

// Start 运行到来源读尽、时长耗尽或取消，返回聚合错误
func (s *PipelineService) Start(ctx context.Context) error {
	switch s.config.Run.Mode {
	case config.ModeGenerate:
		return s.runGenerate(ctx)
	case config.ModeBatch:
		return s.runBatch(ctx)
	case config.ModeStream:
		return s.runStream(ctx)
	default:
		return fmt.Errorf("unknown mode: %q", s.config.Run.Mode)
	}
}

// runGenerate 模拟数据，同时写 JSONL 文件与 Redis Stream 分区
func (s *PipelineService) runGenerate(ctx context.Context) error {
	writers := []generator.RecordWriter{}

	fileWriter, err := generator.NewFileWriter(s.config.Run.InputPath, s.logger)
	if err != nil {
		return err
	}
	writers = append(writers, fileWriter)
	writers = append(writers, generator.NewStreamWriter(
		s.redisClient,
		s.config.Run.StreamKey,
		len(s.config.Run.Partitions),
		s.logger,
	))

	sim := generator.New(generator.Options{
		PatientCount: s.config.Run.PatientCount,
		Duration:     s.config.Run.Duration,
	}, writers, s.logger)
	defer sim.Close()

	return sim.Run(ctx)
}

// runBatch 读 JSONL 文件跑一遍完整检测
// 批量运行有界且总是从文件头开始，位点只在内存里走完整个提交流程
func (s *PipelineService) runBatch(ctx context.Context) error {
	src, err := source.NewBatchFileSource(s.config.Run.InputPath, s.logger)
	if err != nil {
		return err
	}

	det, err := detector.New(s.config.Run.Detector)
	if err != nil {
		return err
	}

	alertSink, err := s.buildBatchSink()
	if err != nil {
		return err
	}

	p := pipeline.New(src, det, alertSink, checkpoint.NewMemoryStore(), s.pipelineOptions(false), s.logger)
	defer p.Close()

	err = p.Run(ctx)
	s.logSummary(p)
	return err
}

// runStream 每个 partition 一条独立管道，公用告警落地端
func (s *PipelineService) runStream(ctx context.Context) error {
	store, err := s.buildCheckpointStore()
	if err != nil {
		return err
	}

	alertSink, err := s.buildStreamSink()
	if err != nil {
		return err
	}

	pipelines := make([]*pipeline.Pipeline, 0, len(s.config.Run.Partitions))
	sources := make([]*source.StreamSource, 0, len(s.config.Run.Partitions))
	for _, stream := range s.config.Run.Partitions {
		det, derr := detector.New(s.config.Run.Detector)
		if derr != nil {
			return derr
		}
		src := source.NewStreamSource(
			s.redisClient,
			stream,
			s.config.Run.ReadBlock,
			s.config.Run.ReadBatchSize,
			s.logger,
		)
		sources = append(sources, src)
		pipelines = append(pipelines, pipeline.New(src, det, alertSink, store, s.pipelineOptions(true), s.logger))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var runErr error

	for _, p := range pipelines {
		wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				mu.Lock()
				runErr = multierr.Append(runErr, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	for _, p := range pipelines {
		s.logSummary(p)
	}

	// store 与 alertSink 被各管道共享，这里统一关闭
	for _, src := range sources {
		runErr = multierr.Append(runErr, src.Close())
	}
	runErr = multierr.Append(runErr, alertSink.Close())
	runErr = multierr.Append(runErr, store.Close())
	return runErr
}

func (s *PipelineService) pipelineOptions(resume bool) pipeline.Options {
	return pipeline.Options{
		Resume:          resume,
		CommitEveryN:    s.config.Run.CommitEveryN,
		CommitInterval:  s.config.Run.CommitInterval,
		QueueSize:       s.config.Run.QueueSize,
		MaxRetries:      s.config.Run.MaxRetries,
		RetryBackoff:    s.config.Run.RetryBackoff,
		MaxRetryBackoff: s.config.Run.MaxRetryBackoff,
	}
}

// buildBatchSink 批量模式：告警写 JSONL 文件，可选 MQTT 通知
func (s *PipelineService) buildBatchSink() (sink.AlertSink, error) {
	fileSink, err := sink.NewFileSink(s.config.Alerts.FilePath, s.logger)
	if err != nil {
		return nil, err
	}
	return s.maybeWrapMQTT(fileSink)
}

// buildStreamSink 流模式：告警同时落 Redis Stream、Postgres 与 JSONL 文件
func (s *PipelineService) buildStreamSink() (sink.AlertSink, error) {
	fileSink, err := sink.NewFileSink(s.config.Alerts.FilePath, s.logger)
	if err != nil {
		return nil, err
	}
	combined := sink.NewMultiSink(
		sink.NewStreamSink(s.redisClient, s.config.Alerts.Stream, s.logger),
		sink.NewPostgresSink(s.db, s.config.Alerts.Table, s.logger),
		fileSink,
	)
	return s.maybeWrapMQTT(combined)
}

// maybeWrapMQTT 配置了 broker 时套上 MQTT 通知层
func (s *PipelineService) maybeWrapMQTT(inner sink.AlertSink) (sink.AlertSink, error) {
	if s.config.MQTT.Broker == "" {
		return inner, nil
	}
	minLevel := models.ParseSeverity(s.config.Alerts.MQTTMinLevel)
	return sink.NewMQTTNotifier(&s.config.MQTT, inner, minLevel, s.logger)
}

func (s *PipelineService) buildCheckpointStore() (checkpoint.Store, error) {
	switch s.config.Checkpoint.Backend {
	case "redis":
		return checkpoint.NewRedisStore(s.redisClient, s.config.Checkpoint.KeyPrefix, s.logger), nil
	case "postgres":
		return checkpoint.NewPostgresStore(s.db, s.config.Checkpoint.Table, s.logger), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %q", s.config.Checkpoint.Backend)
	}
}

func (s *PipelineService) logSummary(p *pipeline.Pipeline) {
	stats := p.Stats()
	s.logger.Info("Pipeline finished",
		zap.String("state", string(p.State())),
		zap.String("last_committed_offset", string(p.LastCommitted())),
		zap.Int64("processed", stats.Processed),
		zap.Int64("invalid_readings", stats.InvalidReadings),
		zap.Int64("anomalies", stats.Anomalies),
		zap.Int64("commits", stats.Commits),
	)
}

// Stop 释放外部连接
func (s *PipelineService) Stop() error {
	s.logger.Info("Stopping pipeline service")

	var err error
	if s.redisClient != nil {
		err = multierr.Append(err, s.redisClient.Close())
	}
	if s.db != nil {
		err = multierr.Append(err, s.db.Close())
	}
	return err
}
