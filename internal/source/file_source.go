package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

// BatchFileSource 从 JSONL 文件读取有限、有序的记录序列
// 重新打开同一文件会产出同样的序列；位点为行号（从 1 开始）。
// 损坏的行记日志跳过，不中断读取。
type BatchFileSource struct {
	path    string
	file    *os.File
	scanner *bufio.Scanner
	line    int64
	offset  models.Offset
	logger  *zap.Logger
}

// NewBatchFileSource 打开批量文件来源
func NewBatchFileSource(path string, logger *zap.Logger) (*BatchFileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &FatalError{Err: fmt.Errorf("input file not found: %s", path)}
		}
		return nil, &FatalError{Err: fmt.Errorf("failed to open input file: %w", err)}
	}

	scanner := bufio.NewScanner(file)
	// 单条记录上限 1MB，远大于一行 vitals JSON
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &BatchFileSource{
		path:    path,
		file:    file,
		scanner: scanner,
		offset:  models.ZeroOffset,
		logger:  logger,
	}, nil
}

// SourceID 返回来源标识（文件路径）
func (s *BatchFileSource) SourceID() string { return "file:" + s.path }

// Next 返回下一条记录，文件读尽返回 ErrEndOfSource
func (s *BatchFileSource) Next(ctx context.Context) (*models.VitalRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, &FatalError{Err: fmt.Errorf("failed to read %s: %w", s.path, err)}
			}
			return nil, ErrEndOfSource
		}
		s.line++

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := models.ParseRecordLine(line)
		if err != nil {
			// 损坏行只跳过，不中断批量
			s.logger.Warn("Skipping malformed record line",
				zap.String("path", s.path),
				zap.Int64("line", s.line),
				zap.Error(err),
			)
			continue
		}

		rec.SourceID = s.SourceID()
		rec.Offset = models.Offset(strconv.FormatInt(s.line, 10))
		s.offset = rec.Offset
		return rec, nil
	}
}

// CurrentOffset 返回最近产出记录的行号位点
func (s *BatchFileSource) CurrentOffset() models.Offset { return s.offset }

// Close 关闭底层文件
func (s *BatchFileSource) Close() error {
	return s.file.Close()
}
