package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"vitals-pipeline/internal/checkpoint"
	"vitals-pipeline/internal/detector"
	"vitals-pipeline/internal/models"
	"vitals-pipeline/internal/sink"
	"vitals-pipeline/internal/source"
)

// State 管道状态机
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

// Options 单条管道的运行参数
type Options struct {
	// Resume 启动时从 checkpoint 恢复（stream 模式；batch 总是从文件头开始）
	Resume bool

	CommitEveryN   int
	CommitInterval time.Duration

	QueueSize       int
	HistoryWindow   int
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	DrainTimeout    time.Duration
}

func (o *Options) applyDefaults() {
	if o.CommitEveryN <= 0 {
		o.CommitEveryN = 50
	}
	if o.CommitInterval <= 0 {
		o.CommitInterval = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 32
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = 30 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
}

// Stats 管道运行计数
type Stats struct {
	Processed       int64
	InvalidReadings int64
	Anomalies       int64
	Commits         int64
}

// Pipeline 单个来源 partition 的处理管道
// 拉取 goroutine 与处理循环之间用有界队列衔接：
// 下游 emit 阻塞时队列充满，拉取随之停顿（背压），不做无界缓冲。
// partition 内按位点非降序处理，多 partition 各自独立一条管道。
type Pipeline struct {
	src    source.RecordSource
	det    detector.Detector
	sink   sink.AlertSink
	store  checkpoint.Store
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	lastCommitted models.Offset
	stats         Stats

	// per-patient 处理状态（仅处理循环访问）
	histories map[string][]*models.VitalRecord
	lastSeen  map[string]time.Time

	drainOnce   sync.Once
	drainCtx    context.Context
	drainCancel context.CancelFunc
}

// New 创建管道
func New(src source.RecordSource, det detector.Detector, alertSink sink.AlertSink, store checkpoint.Store, opts Options, logger *zap.Logger) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{
		src:       src,
		det:       det,
		sink:      alertSink,
		store:     store,
		opts:      opts,
		logger:    logger.With(zap.String("source_id", src.SourceID())),
		state:     StateInitializing,
		histories: make(map[string][]*models.VitalRecord),
		lastSeen:  make(map[string]time.Time),
	}
}

// State 返回当前状态
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastCommitted 返回最近一次成功提交的位点
func (p *Pipeline) LastCommitted() models.Offset {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommitted
}

// Stats 返回运行计数快照
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.logger.Info("Pipeline state changed", zap.String("state", string(s)))
}

// Run 执行管道直到来源读尽、取消或致命错误
// 返回 nil 表示干净停止（Stopped）；返回错误表示 Failed，
// 此时已提交位点之前的进度已保全。
func (p *Pipeline) Run(ctx context.Context) error {
	defer func() {
		if p.drainCancel != nil {
			p.drainCancel()
		}
	}()

	if err := p.initialize(ctx); err != nil {
		p.setState(StateFailed)
		return err
	}

	p.setState(StateRunning)

	records := make(chan *models.VitalRecord, p.opts.QueueSize)
	fatalCh := make(chan error, 1)

	go p.pull(ctx, records, fatalCh)

	err := p.processLoop(ctx, records, fatalCh)
	if err != nil {
		p.setState(StateFailed)
		p.logger.Error("Pipeline failed",
			zap.Error(err),
			zap.String("last_committed_offset", string(p.LastCommitted())),
		)
		return err
	}

	p.setState(StateStopped)
	return nil
}

// initialize 解析恢复点
func (p *Pipeline) initialize(ctx context.Context) error {
	if !p.opts.Resume {
		return nil
	}

	seekable, ok := p.src.(source.Seekable)
	if !ok {
		return fmt.Errorf("resume requested but source %s is not seekable", p.src.SourceID())
	}

	offset, err := p.store.Load(ctx, p.src.SourceID())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := seekable.Seek(ctx, offset); err != nil {
		return fmt.Errorf("failed to seek source: %w", err)
	}

	p.mu.Lock()
	p.lastCommitted = offset
	p.mu.Unlock()

	p.logger.Info("Pipeline resuming",
		zap.String("after_offset", string(offset)),
	)
	return nil
}

// pull 拉取阶段：从来源读记录送入有界队列
// 瞬时错误带退避重试；预算耗尽或致命错误经 fatalCh 上报
func (p *Pipeline) pull(ctx context.Context, records chan<- *models.VitalRecord, fatalCh chan<- error) {
	defer close(records)

	retries := 0
	backoff := p.opts.RetryBackoff

	for {
		rec, err := p.src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, source.ErrEndOfSource):
				return
			case ctx.Err() != nil:
				// 取消：停止拉取，已入队记录由处理循环收尾
				return
			case source.IsTransient(err):
				retries++
				if retries > p.opts.MaxRetries {
					fatalCh <- fmt.Errorf("source retry budget exhausted: %w", err)
					return
				}
				p.logger.Warn("Transient source error, backing off",
					zap.Int("attempt", retries),
					zap.Duration("backoff", backoff),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > p.opts.MaxRetryBackoff {
					backoff = p.opts.MaxRetryBackoff
				}
				continue
			default:
				fatalCh <- err
				return
			}
		}

		retries = 0
		backoff = p.opts.RetryBackoff

		select {
		case records <- rec:
		case <-ctx.Done():
			// 该记录未入队即被取消：未评估也未提交，下次运行会重新拉到
			return
		}
	}
}

// processLoop 处理阶段：评估、告警、按节奏提交
func (p *Pipeline) processLoop(ctx context.Context, records <-chan *models.VitalRecord, fatalCh <-chan error) error {
	commitTicker := time.NewTicker(p.opts.CommitInterval)
	defer commitTicker.Stop()

	var lastProcessed models.Offset
	sinceCommit := 0

	for {
		select {
		case err := <-fatalCh:
			return err

		case <-commitTicker.C:
			if err := p.maybeCommit(p.opCtx(ctx), lastProcessed); err != nil {
				return err
			}

		case rec, ok := <-records:
			if !ok {
				// 来源读尽或取消：进入排空，最终位点必须覆盖最后一条已处理记录
				select {
				case err := <-fatalCh:
					return err
				default:
				}
				return p.drain(ctx, lastProcessed)
			}

			if err := p.processRecord(p.opCtx(ctx), rec); err != nil {
				return err
			}
			lastProcessed = rec.Offset
			sinceCommit++

			if sinceCommit >= p.opts.CommitEveryN {
				if err := p.maybeCommit(p.opCtx(ctx), lastProcessed); err != nil {
					return err
				}
				sinceCommit = 0
			}
		}
	}
}

// drain 排空阶段：提交最终位点后停止
func (p *Pipeline) drain(ctx context.Context, lastProcessed models.Offset) error {
	p.setState(StateDraining)

	if err := p.maybeCommit(p.opCtx(ctx), lastProcessed); err != nil {
		return err
	}

	p.logger.Info("Pipeline drained",
		zap.String("last_committed_offset", string(p.LastCommitted())),
		zap.Int64("processed", p.Stats().Processed),
		zap.Int64("anomalies", p.Stats().Anomalies),
	)
	return nil
}

// processRecord 处理单条记录：校验、检测、必要时告警
func (p *Pipeline) processRecord(ctx context.Context, rec *models.VitalRecord) error {
	p.mu.Lock()
	p.stats.Processed++
	p.mu.Unlock()

	if err := rec.Validate(); err != nil {
		var invalid *models.InvalidReadingError
		if errors.As(err, &invalid) {
			// 超物理量程是 invalid reading，不进入临床判定，但位点照常推进
			p.mu.Lock()
			p.stats.InvalidReadings++
			p.mu.Unlock()
			p.logger.Warn("Invalid reading skipped",
				zap.String("patient_id", rec.PatientID),
				zap.String("offset", string(rec.Offset)),
				zap.String("vital", invalid.Field),
				zap.Float64("value", invalid.Value),
			)
			return nil
		}
		p.logger.Warn("Malformed record skipped",
			zap.String("offset", string(rec.Offset)),
			zap.Error(err),
		)
		return nil
	}

	// 同一病人时间戳应非降序，违例只记日志
	if last, ok := p.lastSeen[rec.PatientID]; ok && rec.Timestamp.Before(last) {
		p.logger.Warn("Out-of-order timestamp for patient",
			zap.String("patient_id", rec.PatientID),
			zap.Time("record_timestamp", rec.Timestamp),
			zap.Time("previous_timestamp", last),
		)
	} else {
		p.lastSeen[rec.PatientID] = rec.Timestamp
	}

	history := p.histories[rec.PatientID]
	anomaly := p.det.Evaluate(rec, history)
	p.appendHistory(rec)

	if anomaly == nil {
		return nil
	}

	anomaly.EventID = uuid.New().String()
	anomaly.DetectedAt = time.Now().UTC()

	p.mu.Lock()
	p.stats.Anomalies++
	p.mu.Unlock()

	if err := p.emitWithRetry(ctx, anomaly); err != nil {
		return err
	}

	p.logger.Info("Anomaly detected",
		zap.String("patient_id", rec.PatientID),
		zap.String("kind", string(anomaly.Kind)),
		zap.String("severity", anomaly.Severity.String()),
		zap.String("vital", anomaly.Vital),
		zap.Float64("value", anomaly.Value),
		zap.String("offset", string(rec.Offset)),
	)
	return nil
}

func (p *Pipeline) appendHistory(rec *models.VitalRecord) {
	history := append(p.histories[rec.PatientID], rec)
	if len(history) > p.opts.HistoryWindow {
		history = history[len(history)-p.opts.HistoryWindow:]
	}
	p.histories[rec.PatientID] = history
}

// emitWithRetry 发出告警，重试预算耗尽返回错误（触发 Failed）
// 告警一旦检出绝不静默丢弃
func (p *Pipeline) emitWithRetry(ctx context.Context, anomaly *models.Anomaly) error {
	var lastErr error
	backoff := p.opts.RetryBackoff

	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		lastErr = p.sink.Emit(ctx, anomaly)
		if lastErr == nil {
			return nil
		}
		p.logger.Warn("Failed to emit alert, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("alert emission interrupted: %w", lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.opts.MaxRetryBackoff {
			backoff = p.opts.MaxRetryBackoff
		}
	}
	return fmt.Errorf("sink retry budget exhausted: %w", lastErr)
}

// maybeCommit 提交位点（有新进度时），重试预算耗尽返回错误
// 提交失败不允许静默继续：假装进度已保存会在崩溃时造成不可见的告警丢失
func (p *Pipeline) maybeCommit(ctx context.Context, offset models.Offset) error {
	if offset.IsZero() {
		return nil
	}
	if models.CompareOffsets(offset, p.LastCommitted()) <= 0 {
		return nil
	}

	var lastErr error
	backoff := p.opts.RetryBackoff

	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		lastErr = p.store.Commit(ctx, p.src.SourceID(), offset)
		if lastErr == nil {
			p.mu.Lock()
			p.lastCommitted = offset
			p.stats.Commits++
			p.mu.Unlock()
			return nil
		}
		p.logger.Warn("Failed to commit checkpoint, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("checkpoint commit interrupted: %w", lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.opts.MaxRetryBackoff {
			backoff = p.opts.MaxRetryBackoff
		}
	}
	return fmt.Errorf("checkpoint retry budget exhausted: %w", lastErr)
}

// opCtx 在运行 ctx 存活时用它，取消后切换到限时排空 ctx，
// 保证收尾的 emit 与最终提交不被取消立即打断
func (p *Pipeline) opCtx(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	p.drainOnce.Do(func() {
		p.drainCtx, p.drainCancel = context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	})
	return p.drainCtx
}

// Close 释放管道持有的组件
func (p *Pipeline) Close() error {
	return multierr.Combine(p.src.Close(), p.sink.Close(), p.store.Close())
}
