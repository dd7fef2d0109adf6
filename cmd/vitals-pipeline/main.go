package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vitals-pipeline/internal/config"
	"vitals-pipeline/internal/logger"
	"vitals-pipeline/internal/service"
)

func main() {
	// 1. 命令行参数（覆盖环境变量配置）
	mode := flag.String("mode", "stream", "run mode: generate|batch|stream")
	detectorName := flag.String("detector", "threshold", "detector: threshold|statistical")
	patients := flag.Int("patients", 5, "generate mode: number of simulated patients")
	duration := flag.Duration("duration", time.Hour, "generate mode: how long to run the simulator")
	input := flag.String("input", "patient_data.jsonl", "batch mode: input JSONL file (generate mode: output file)")
	partitions := flag.Int("partitions", 1, "stream mode: number of stream partitions to consume")
	flag.Parse()

	// 2. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	cfg.Run.Mode = config.Mode(*mode)
	cfg.Run.Detector = *detectorName
	cfg.Run.PatientCount = *patients
	cfg.Run.Duration = *duration
	cfg.Run.InputPath = *input
	for i := 0; i < *partitions; i++ {
		cfg.Run.Partitions = append(cfg.Run.Partitions, cfg.Run.StreamKey+":"+strconv.Itoa(i))
	}

	// 3. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "vitals-pipeline")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 4. 创建服务
	svc, err := service.NewPipelineService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create pipeline service",
			zap.Error(err),
		)
	}
	defer svc.Stop()

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- svc.Start(ctx)
	}()

	// 7. 等待信号或运行结束（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
		// 等待管道排空并提交最终位点
		if err := <-serviceErrChan; err != nil {
			log.Error("Pipeline service exited with error",
				zap.Error(err),
			)
			svc.Stop()
			log.Sync()
			os.Exit(1)
		}
	case err := <-serviceErrChan:
		if err != nil {
			log.Error("Pipeline service exited with error",
				zap.Error(err),
			)
			svc.Stop()
			log.Sync()
			os.Exit(1)
		}
	}

	log.Info("Pipeline service stopped")
}
