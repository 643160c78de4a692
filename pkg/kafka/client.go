// Package kafka 提供了与 Kafka 消息队列交互的功能，
// 承载文档向量化处理任务的分发与消费。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	kafkago "github.com/segmentio/kafka-go"

	"ragbot-go/internal/config"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/tasks"
)

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.DocumentProcessingTask) error
}

// Producer 发送文档处理任务到 Kafka。
type Producer struct {
	writer *kafkago.Writer
	logger *log.Logger
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig, logger *log.Logger) *Producer {
	return &Producer{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.Brokers),
			Topic:    cfg.Topic,
			Balancer: &kafkago.LeastBytes{},
		},
		logger: logger,
	}
}

// ProduceDocumentTask 发送一个文档处理任务。
func (p *Producer) ProduceDocumentTask(ctx context.Context, task tasks.DocumentProcessingTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{Value: taskBytes})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费文档处理任务并交给 processor 执行。
type Consumer struct {
	cfg    config.KafkaConfig
	rdb    *redis.Client
	logger *log.Logger
}

// NewConsumer 创建一个消费者。失败次数计入 Redis，
// 同一任务失败达到阈值后提交 offset 终止重试。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, logger *log.Logger) *Consumer {
	return &Consumer{cfg: cfg, rdb: rdb, logger: logger}
}

// Run 启动消费循环，直到 ctx 取消或读取出错。
func (c *Consumer) Run(ctx context.Context, processor TaskProcessor) {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  []string{c.cfg.Brokers},
		Topic:    c.cfg.Topic,
		GroupID:  c.cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			c.logger.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	c.logger.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("从 Kafka 读取消息失败", err)
			return
		}

		var task tasks.DocumentProcessingTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			c.logger.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				c.logger.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		c.logger.Infof("开始处理文档任务: MD5=%s, FileName=%s", task.FileMD5, task.FileName)
		if err := processor.Process(ctx, task); err != nil {
			c.logger.Errorf("处理文档任务失败: MD5=%s, Error: %v", task.FileMD5, err)
			// 使用 Redis 计数失败次数，达到阈值后提交 offset 终止重试
			attemptsKey := fmt.Sprintf("kafka:attempts:%s", task.FileMD5)
			attempts, incErr := c.rdb.Incr(ctx, attemptsKey).Result()
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			_ = c.rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()
			if attempts >= 3 {
				c.logger.Errorf("文档任务多次失败(>=3)，提交 offset 终止重试: MD5=%s", task.FileMD5)
				if err := r.CommitMessages(ctx, m); err != nil {
					c.logger.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
		} else {
			c.logger.Infof("文档任务处理成功: MD5=%s", task.FileMD5)
			// 清理失败计数
			_ = c.rdb.Del(ctx, fmt.Sprintf("kafka:attempts:%s", task.FileMD5)).Err()
			if err := r.CommitMessages(ctx, m); err != nil {
				c.logger.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}
