package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"FinAssist/internal/api"
	"FinAssist/internal/auth"
	"FinAssist/internal/bootstrap"
	"FinAssist/internal/config"
	"FinAssist/pkg/logger"
)

// main 是 FinAssist 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("finassistd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 初始化日志。
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.L().Warn("释放资源失败", "error", err)
		}
	}()

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := app.Metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务退出", "addr", addr, "error", err)
			}
		}()
		logger.L().Info("指标服务已启动", "addr", addr)
	}

	server := api.NewServer(cfg.Server.Address, app.Coordinator,
		api.WithAuth(authSvc),
		api.WithMetrics(app.Metrics),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout, cfg.Server.RequestTimeout),
	)
	return server.Start(ctx)
}

// loadConfig 读取配置文件，默认路径下没有文件时仅使用默认值与环境变量。
func loadConfig() (*config.Config, error) {
	path := config.Locate()
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultPath {
		return config.Default(".")
	}
	return cfg, err
}
