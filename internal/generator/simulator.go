package generator

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// RecordWriter 生成记录的落地端（文件 / Redis Stream）
type RecordWriter interface {
	Write(ctx context.Context, record *models.VitalRecord) error
	Close() error
}

// Options 模拟器参数
type Options struct {
	PatientCount       int
	Interval           time.Duration
	Duration           time.Duration // 0 表示一直运行到取消
	AnomalyProbability float64
	Seed               int64 // 0 表示按时间播种
}

func (o *Options) applyDefaults() {
	if o.PatientCount <= 0 {
		o.PatientCount = 5
	}
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.AnomalyProbability <= 0 {
		o.AnomalyProbability = 0.1
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
}

// patientState 单个病人的游走状态
type patientState struct {
	heartRate   float64
	temperature float64
	systolic    float64
	diastolic   float64
	spo2        float64
	respiratory float64
}

// Simulator 病人生命体征模拟器
// 每个病人维持上一次读数，按随机游走生成连续数据；
// 以固定概率把某一项体征推到异常区间
type Simulator struct {
	opts     Options
	rng      *rand.Rand
	patients map[string]*patientState
	order    []string // 稳定的输出顺序
	writers  []RecordWriter
	logger   *zap.Logger
}

// New 创建模拟器并初始化病人基线
func New(opts Options, writers []RecordWriter, logger *zap.Logger) *Simulator {
	opts.applyDefaults()
	s := &Simulator{
		opts:     opts,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		patients: make(map[string]*patientState),
		writers:  writers,
		logger:   logger,
	}
	for i := 0; i < opts.PatientCount; i++ {
		id := uuid.New().String()
		s.patients[id] = &patientState{
			heartRate:   s.uniform(70, 85),
			temperature: s.uniform(36.5, 37.2),
			systolic:    s.uniform(110, 120),
			diastolic:   s.uniform(70, 80),
			spo2:        s.uniform(95, 99),
			respiratory: s.uniform(14, 18),
		}
		s.order = append(s.order, id)
	}
	return s
}

// Run 按间隔生成数据直到取消或时长耗尽
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("Simulation started",
		zap.Int("patient_count", s.opts.PatientCount),
		zap.Duration("interval", s.opts.Interval),
		zap.Float64("anomaly_probability", s.opts.AnomalyProbability),
	)

	if s.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Duration)
		defer cancel()
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	generated := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Simulation stopped", zap.Int("records_generated", generated))
			return nil
		case <-ticker.C:
			for _, id := range s.order {
				record := s.NextRecord(id)
				for _, w := range s.writers {
					if err := w.Write(ctx, record); err != nil {
						return err
					}
				}
				generated++
			}
		}
	}
}

// NextRecord 为指定病人生成下一条读数并推进游走状态
func (s *Simulator) NextRecord(patientID string) *models.VitalRecord {
	prev := s.patients[patientID]

	next := &patientState{
		heartRate:   clamp(prev.heartRate+s.uniform(-5, 5), 40, 150),
		temperature: clamp(prev.temperature+s.uniform(-0.5, 0.5), 34, 40),
		systolic:    clamp(prev.systolic+s.uniform(-5, 5), 80, 180),
		diastolic:   clamp(prev.diastolic+s.uniform(-3, 3), 50, 100),
		spo2:        clamp(prev.spo2+s.uniform(-2, 2), 85, 100),
		respiratory: clamp(prev.respiratory+s.uniform(-1, 1), 8, 30),
	}

	if s.rng.Float64() < s.opts.AnomalyProbability {
		s.injectAnomaly(next)
	}

	s.patients[patientID] = next

	return &models.VitalRecord{
		PatientID:        patientID,
		Timestamp:        time.Now().UTC(),
		HeartRate:        round1(next.heartRate),
		SystolicBP:       round1(next.systolic),
		DiastolicBP:      round1(next.diastolic),
		OxygenSaturation: round1(next.spo2),
		Temperature:      round1(next.temperature),
		RespiratoryRate:  round1(next.respiratory),
	}
}

// PatientIDs 返回模拟的病人列表
func (s *Simulator) PatientIDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// injectAnomaly 随机挑一项体征推到异常区间
func (s *Simulator) injectAnomaly(st *patientState) {
	switch s.rng.Intn(6) {
	case 0:
		st.heartRate = s.either(s.uniform(30, 40), s.uniform(130, 150))
	case 1:
		st.temperature = s.either(s.uniform(33, 35), s.uniform(39, 40.5))
	case 2:
		st.systolic = s.either(s.uniform(70, 80), s.uniform(160, 200))
	case 3:
		st.diastolic = s.either(s.uniform(40, 50), s.uniform(95, 120))
	case 4:
		st.spo2 = s.uniform(80, 90) // 血氧只会偏低
	case 5:
		st.respiratory = s.either(s.uniform(5, 9), s.uniform(25, 35))
	}
}

func (s *Simulator) uniform(min, max float64) float64 {
	return min + s.rng.Float64()*(max-min)
}

func (s *Simulator) either(a, b float64) float64 {
	if s.rng.Intn(2) == 0 {
		return a
	}
	return b
}

// Close 关闭所有落地端
func (s *Simulator) Close() error {
	var err error
	for _, w := range s.writers {
		err = multierr.Append(err, w.Close())
	}
	return err
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
