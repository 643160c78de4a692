// Package worker 实现任务队列的执行端：认领 pending 任务、
// 调用 LLM 网关、落库并投递回复。
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ragbot-go/internal/model"
	"ragbot-go/internal/repository"
	"ragbot-go/pkg/llm"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/messenger"
)

// JobEventChannel 是任务状态事件发布到 Redis 的频道名。
const JobEventChannel = "ragbot:job_events"

// Worker 是队列的消费者。多个 Worker 进程可以并行运行，
// 批量认领互不重叠；一批内的任务由单个 Worker 顺序处理。
type Worker struct {
	jobRepo     repository.JobRepository
	messageRepo repository.MessageRepository
	llmClient   llm.Client
	msgClient   messenger.Client
	// rdb 仅用于发布任务状态事件，可以为 nil
	rdb    *redis.Client
	logger *log.Logger
}

// New 创建一个 Worker 实例。
func New(
	jobRepo repository.JobRepository,
	messageRepo repository.MessageRepository,
	llmClient llm.Client,
	msgClient messenger.Client,
	rdb *redis.Client,
	logger *log.Logger,
) *Worker {
	return &Worker{
		jobRepo:     jobRepo,
		messageRepo: messageRepo,
		llmClient:   llmClient,
		msgClient:   msgClient,
		rdb:         rdb,
		logger:      logger,
	}
}

// Run 以固定间隔轮询队列，直到 ctx 取消。
func (w *Worker) Run(ctx context.Context, batchSize int, pollInterval time.Duration) {
	w.logger.Infof("[Worker] 启动, batchSize: %d, pollInterval: %s", batchSize, pollInterval)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.ProcessQueue(ctx, batchSize)
		if err != nil {
			w.logger.Error("[Worker] 队列处理出错", err)
		}
		if processed > 0 {
			// 队列非空时继续处理，不等下一个轮询周期
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("[Worker] 收到停止信号，退出")
			return
		case <-ticker.C:
		}
	}
}

// ProcessQueue 认领至多 limit 条 pending 任务并顺序处理，
// 返回本批处理的任务数。认领即租约：行在事务内被标记为
// processing；任务失败只记录 error_message，不会自动重新入队，
// 也不影响同批其他任务。
func (w *Worker) ProcessQueue(ctx context.Context, limit int) (int, error) {
	jobs, err := w.jobRepo.ClaimPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("认领任务失败: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	w.logger.Infof("[Worker] 认领到 %d 条任务", len(jobs))

	for i := range jobs {
		job := &jobs[i]
		if err := w.processJob(ctx, job); err != nil {
			w.logger.Errorf("[Worker] 任务 %d 执行失败: %v", job.ID, err)
			if markErr := w.jobRepo.MarkFailed(job.ID, err.Error()); markErr != nil {
				w.logger.Errorf("[Worker] 标记任务 %d 失败状态出错: %v", job.ID, markErr)
			}
			w.publishEvent(ctx, job, model.JobStatusFailed, err.Error())
			continue
		}
		if err := w.jobRepo.MarkCompleted(job.ID); err != nil {
			w.logger.Errorf("[Worker] 标记任务 %d 完成状态出错: %v", job.ID, err)
		}
		w.publishEvent(ctx, job, model.JobStatusCompleted, "")
	}
	return len(jobs), nil
}

// processJob 在认领事务之外执行单条任务：
// 调用 LLM → 落 assistant 消息 → 向平台投递回复。
func (w *Worker) processJob(ctx context.Context, job *model.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return fmt.Errorf("任务负载解析失败: %w", err)
	}

	messages := make([]llm.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := w.llmClient.ChatCompletion(ctx, llm.ChatRequest{
		Model:       payload.Model,
		Messages:    messages,
		Temperature: payload.Temperature,
	})
	if err != nil {
		return fmt.Errorf("LLM 调用失败: %w", err)
	}

	assistantMsg := &model.Message{
		UserID:   payload.UserID,
		TargetID: payload.TargetID,
		Role:     model.RoleAssistant,
		Content:  resp.Content,
	}
	if err := w.messageRepo.Append(assistantMsg); err != nil {
		return fmt.Errorf("保存 assistant 消息失败: %w", err)
	}

	if err := w.msgClient.SendReply(ctx, payload.TargetID, payload.ReplyTo, resp.Content); err != nil {
		return fmt.Errorf("回复投递失败: %w", err)
	}
	return nil
}

// publishEvent 将任务状态变更发布到 Redis，供运维事件流订阅。
// 发布失败只记日志，不影响任务处理。
func (w *Worker) publishEvent(ctx context.Context, job *model.Job, status, errMsg string) {
	if w.rdb == nil {
		return
	}
	event := model.JobEvent{
		JobID:     job.ID,
		Status:    status,
		Attempts:  job.Attempts,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := w.rdb.Publish(ctx, JobEventChannel, b).Err(); err != nil {
		w.logger.Warnf("[Worker] 发布任务事件失败: %v", err)
	}
}
