package source

import (
	"context"
	"errors"
	"fmt"

	"vitals-pipeline/internal/models"
)

// ErrEndOfSource 有限来源读尽后由 Next 返回
var ErrEndOfSource = errors.New("end of source")

// TransientError 可重试的来源错误（连接抖动等），调用方带退避重试
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError 不可恢复的来源错误（认证失败、流不存在等），终止本次运行
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal source error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal 判断错误是否不可恢复
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// RecordSource 统一批量文件与实时流的记录来源
// Next 逐条产出记录；有限来源读尽返回 ErrEndOfSource；
// 流来源无数据时阻塞（受 ctx 取消约束）后返回 TransientError 让调用方重试。
// 格式损坏的条目在来源内部记日志跳过，不会中断 Next。
type RecordSource interface {
	// Next 返回下一条记录
	Next(ctx context.Context) (*models.VitalRecord, error)
	// CurrentOffset 返回最近一条已产出记录的位点
	CurrentOffset() models.Offset
	// SourceID 返回来源（partition）标识
	SourceID() string
	Close() error
}

// Seekable 支持按位点恢复的来源（流模式启动时从 checkpoint 恢复）
type Seekable interface {
	// Seek 将读取游标移动到 offset 之后（不含 offset 本身）
	Seek(ctx context.Context, offset models.Offset) error
}
