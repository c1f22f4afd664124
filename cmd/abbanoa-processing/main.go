package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/config"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/service"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/pkg/logger"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "abbanoa-processing")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting abbanoa-processing service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建服务
	svc, err := service.NewProcessingService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create processing service", zap.Error(err))
	}

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start processing service", zap.Error(err))
	}

	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	svc.Stop(context.Background())
	log.Info("Service stopped")
}
