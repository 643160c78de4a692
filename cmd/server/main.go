// Package main 是机器人后端服务的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ragbot-go/internal/config"
	"ragbot-go/internal/handler"
	"ragbot-go/internal/middleware"
	"ragbot-go/internal/model"
	"ragbot-go/internal/pipeline"
	"ragbot-go/internal/repository"
	"ragbot-go/internal/service"
	"ragbot-go/internal/worker"
	"ragbot-go/pkg/database"
	"ragbot-go/pkg/es"
	"ragbot-go/pkg/kafka"
	"ragbot-go/pkg/llm"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/messenger"
	"ragbot-go/pkg/ratelimit"
	"ragbot-go/pkg/storage"
	"ragbot-go/pkg/tika"
	"ragbot-go/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	logger := log.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer logger.Sync()
	logger.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		logger.Fatalf("MySQL 初始化失败: %v", err)
	}
	if err := db.AutoMigrate(
		&model.Session{}, &model.Message{},
		&model.Document{}, &model.Chunk{}, &model.Embedding{},
		&model.Job{}, &model.Setting{},
	); err != nil {
		logger.Fatalf("数据库迁移失败: %v", err)
	}

	rdb, err := database.NewRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		logger.Fatalf("Redis 初始化失败: %v", err)
	}

	blobStore, err := storage.NewStore(cfg.MinIO, logger)
	if err != nil {
		logger.Fatalf("MinIO 初始化失败: %v", err)
	}

	// Elasticsearch 可选：未启用时检索走数据库余弦兜底
	var index service.VectorIndex
	if cfg.Elasticsearch.Enabled {
		esStore, err := es.NewStore(cfg.Elasticsearch, cfg.LLM.Dimensions, logger)
		if err != nil {
			logger.Fatalf("Elasticsearch 初始化失败: %v", err)
		}
		index = esStore
	} else {
		logger.Info("Elasticsearch 未启用，检索使用数据库余弦相似度兜底")
	}

	producer := kafka.NewProducer(cfg.Kafka, logger)
	defer producer.Close()

	// 4. 初始化 Repository
	sessionRepo := repository.NewSessionRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	jobRepo := repository.NewJobRepository(db)
	settingRepo := repository.NewSettingRepository(db)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.Ops.JWTSecret, cfg.Ops.TokenExpireHours)
	tikaClient := tika.NewClient(cfg.Tika)

	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.RateLimit.MinInterval > 0 {
		limiter = ratelimit.NewRedisLimiter(rdb, "ragbot:llm_api_lease", cfg.RateLimit.MinInterval)
	}
	llmClient := llm.NewClient(cfg.LLM, limiter, logger)
	msgClient := messenger.NewClient(cfg.Messaging, logger)

	retrievalService := service.NewRetrievalService(llmClient, documentRepo, index, cfg.LLM.EmbeddingModel, logger)
	conversationService := service.NewConversationService(sessionRepo, messageRepo, settingRepo, jobRepo, retrievalService, cfg, logger)

	// 6. 初始化文件处理管道 (Processor) 并启动后台 Kafka 消费者
	processor := pipeline.NewProcessor(tikaClient, blobStore, documentRepo, settingRepo, retrievalService, index, logger)
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	consumer := kafka.NewConsumer(cfg.Kafka, rdb, logger)
	go consumer.Run(consumerCtx, processor)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(logger), gin.Recovery())

	// 8. 注册路由
	webhookHandler := handler.NewWebhookHandler(conversationService, msgClient, cfg.Messaging, logger)
	opsHandler := handler.NewOpsHandler(jobRepo, settingRepo, jwtManager, cfg.Ops, logger)
	documentHandler := handler.NewDocumentHandler(documentRepo, blobStore, producer, retrievalService, index, logger)
	streamHandler := handler.NewStreamHandler(rdb, logger)

	apiV1 := r.Group("/api/v1")
	{
		// 消息平台回调，用 HMAC 签名而非 JWT 认证
		apiV1.POST("/webhook", webhookHandler.Handle)

		ops := apiV1.Group("/ops")
		{
			ops.POST("/login", opsHandler.Login)

			authed := ops.Group("/")
			authed.Use(middleware.OpsAuth(jwtManager))
			{
				authed.GET("/jobs", opsHandler.ListJobs)
				authed.POST("/jobs/:id/requeue", opsHandler.RequeueJob)
				authed.DELETE("/jobs", opsHandler.PurgeJobs)

				authed.GET("/settings", opsHandler.GetSettings)
				authed.PUT("/settings", opsHandler.PutSetting)

				documents := authed.Group("/documents")
				{
					documents.POST("", documentHandler.Upload)
					documents.GET("", documentHandler.List)
					documents.POST("/:id/reprocess", documentHandler.Reprocess)
					documents.DELETE("/:id", documentHandler.Delete)
				}
				authed.POST("/search", documentHandler.Search)
			}
		}
	}
	// 任务事件流 (WebSocket)，token 经 query 传入由升级前校验
	r.GET("/api/v1/ops/stream/jobs", func(c *gin.Context) {
		tokenString := c.Query("token")
		if _, err := jwtManager.VerifyToken(tokenString); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}
		streamHandler.JobEvents(c)
	})

	// 9. 可选启动内嵌 worker（单进程部署模式；生产建议独立运行 cmd/worker）
	if cfg.Worker.BatchSize > 0 && os.Getenv("RAGBOT_EMBEDDED_WORKER") == "1" {
		w := worker.New(jobRepo, messageRepo, llmClient, msgClient, rdb, logger)
		go w.Run(consumerCtx, cfg.Worker.BatchSize, cfg.Worker.PollInterval)
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		logger.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP 服务监听失败: %s", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("接收到停机信号，正在关闭服务...")

	cancelConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	logger.Info("服务已优雅关闭")
}
