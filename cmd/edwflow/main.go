// edwflow 服务入口：装配配置、日志、检查点存储与工作流引擎，
// 并启动 HTTP/WebSocket 服务。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/edwflow/collab"
	"github.com/BaSui01/edwflow/config"
	"github.com/BaSui01/edwflow/graph"
	"github.com/BaSui01/edwflow/internal/metrics"
	"github.com/BaSui01/edwflow/internal/server"
	"github.com/BaSui01/edwflow/service"
)

func main() {
	configPath := flag.String("config", "", "config file path (yaml)")
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, logLevel, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *configPath, logger, logLevel); err != nil {
		logger.Fatal("edwflow exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, configPath string, logger *zap.Logger, logLevel zap.AtomicLevel) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("edwflow")

	store, err := buildCheckpointStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	engine := service.NewEngine(cfg, service.Deps{
		Invoker:         buildInvoker(cfg, logger),
		Repo:            buildRepository(),
		Sinks:           []collab.NotificationSink{&collab.LogSink{Logger: logger}},
		CheckpointStore: store,
		Metrics:         collector,
		Logger:          logger,
	})
	defer engine.Close()

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitPerSec: cfg.Server.RateLimitPerSec,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
	}, engine, collector, logger)

	// 配置热重载：日志级别与会话限流随文件变更生效
	if configPath != "" {
		reloader, rerr := config.NewReloader(configPath,
			config.WithReloaderLogger(logger))
		if rerr != nil {
			logger.Warn("config hot reload disabled", zap.Error(rerr))
		} else {
			reloader.OnReload(func(next *config.Config) {
				if level, perr := zapcore.ParseLevel(next.Log.Level); perr == nil {
					logLevel.SetLevel(level)
				}
				srv.SetRateLimit(next.Server.RateLimitPerSec, next.Server.RateLimitBurst)
			})
			reloader.Start(ctx)
			defer reloader.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return srv.Shutdown(context.Background())
	}
}

// buildCheckpointStore 按配置选择 Redis 或内存检查点存储。
func buildCheckpointStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (graph.CheckpointStore, error) {
	if !cfg.Redis.Enabled {
		logger.Info("checkpoints in memory, sessions lost on restart")
		return graph.NewMemoryCheckpointStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("checkpoints in redis", zap.String("addr", cfg.Redis.Addr))
	return graph.NewRedisCheckpointStore(client), nil
}

// buildInvoker 按配置选择真实模型端点或内置应答桩。
func buildInvoker(cfg *config.Config, logger *zap.Logger) collab.ModelInvoker {
	if cfg.Model.BaseURL != "" {
		return collab.NewOpenAIInvoker(collab.OpenAIConfig{
			BaseURL: cfg.Model.BaseURL,
			APIKey:  cfg.Model.APIKey,
			Model:   cfg.Model.Name,
			Timeout: cfg.Model.Timeout,
		})
	}
	logger.Warn("model.base_url not set, using canned responses")
	return collab.NewScriptedInvoker("收到，本地冒烟模式暂不接入模型服务")
}

// buildRepository 预置一张示例表，便于本地冒烟演示完整流水线。
func buildRepository() collab.CodeRepository {
	repo := collab.NewInMemoryRepository()
	repo.AddTable(&collab.CodeResult{
		TableName: "dwd.user_order_detail",
		Path:      "models/dwd/user_order_detail.sql",
		SourceCode: `SELECT order_id, user_id, email, order_amount, order_date
FROM ods.orders;`,
		Fields: []string{"order_id", "user_id", "email", "order_amount", "order_date"},
	})
	return repo
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	// 热重载通过这个 AtomicLevel 调整运行中的日志级别
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	return logger, zc.Level, err
}
