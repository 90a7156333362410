package main

import (
	"context"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nft-pulse/internal/pipeline"
	"nft-pulse/internal/pipeline/config"
	"nft-pulse/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// 初始化配置文件
	cfg := config.InitConfig()

	// 初始化 trace provider
	logger.InitTrace("nft-pulse", "dashboard")
	// 启动主 span
	ctx, span := logger.StartSpan(context.Background(), "main", "main")
	defer span.End()

	// 创建 root logger 并注入 trace 上下文
	rootLogger := logger.NewLogger("dashboard")
	logger.SetLogLevel(cfg.Log.Level)
	tl := logger.WithTrace(ctx, rootLogger)

	// 启动配置热加载监听
	go config.WatchConfig(&cfg)

	core := pipeline.New(cfg, tl)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := core.Start(ctx); err != nil {
		tl.Fatal("failed to start pipeline", zap.Error(err))
	}

	// 挂载交易与告警 feed
	txFeed := core.NewTransactionFeed(ctx, cfg.API.Collection, 24*time.Hour)
	defer txFeed.Close()
	alertFeed := core.NewAlertFeed(ctx, cfg.API.Collection, 24*time.Hour)
	defer alertFeed.Close()

	go func() {
		for n := range core.Notices() {
			tl.Info("notice",
				zap.String("severity", string(n.Severity)),
				zap.String("message", n.Message),
			)
		}
	}()

	// 监听操作系统信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	tl.Info("Received shutdown signal, starting graceful shutdown...")

	// 关闭资源
	core.Stop(ctx)

	tl.Info("Shutting down dashboard pipeline...")
}
