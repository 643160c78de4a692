// Package main 是任务队列 worker 进程的入口点。
// 多个 worker 进程可以同时运行，认领互不重叠。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ragbot-go/internal/config"
	"ragbot-go/internal/repository"
	"ragbot-go/internal/worker"
	"ragbot-go/pkg/database"
	"ragbot-go/pkg/llm"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/messenger"
	"ragbot-go/pkg/ratelimit"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer logger.Sync()

	db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		logger.Fatalf("MySQL 初始化失败: %v", err)
	}
	rdb, err := database.NewRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		logger.Fatalf("Redis 初始化失败: %v", err)
	}

	jobRepo := repository.NewJobRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	// 限流租约在 Redis 上共享，server 与所有 worker 进程同受约束
	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.RateLimit.MinInterval > 0 {
		limiter = ratelimit.NewRedisLimiter(rdb, "ragbot:llm_api_lease", cfg.RateLimit.MinInterval)
	}
	llmClient := llm.NewClient(cfg.LLM, limiter, logger)
	msgClient := messenger.NewClient(cfg.Messaging, logger)

	w := worker.New(jobRepo, messageRepo, llmClient, msgClient, rdb, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("接收到停机信号，worker 正在退出...")
		cancel()
	}()

	w.Run(ctx, cfg.Worker.BatchSize, cfg.Worker.PollInterval)
	logger.Info("worker 已退出")
}
