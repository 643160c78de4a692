package model

import (
	"encoding/json"
	"time"
)

// 任务状态。pending 行由 worker 以 lock-then-skip 方式批量认领，
// 认领即转为 processing；最终落到 completed 或 failed，不会自动重新入队。
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job 对应 jobs 表，是持久化的延迟生成任务。
type Job struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Payload      string    `gorm:"type:text;not null" json:"-"`
	Status       string    `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Attempts     int       `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage string    `gorm:"type:text" json:"errorMessage"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Job) TableName() string {
	return "jobs"
}

// JobPayload 携带恢复执行所需的全部信息，worker 处理时
// 不重新读取会话状态。
type JobPayload struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TargetID    string        `json:"target_id"`
	UserID      string        `json:"user_id"`
	ReplyTo     string        `json:"reply_to"`
	Secret      string        `json:"secret"`
}

// DecodePayload 解析任务负载。
func (j *Job) DecodePayload() (*JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodePayload 序列化负载写入任务行。
func (j *Job) EncodePayload(p *JobPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	j.Payload = string(b)
	return nil
}

// JobEvent 是发布到 Redis 并推送给运维 websocket 的状态变更事件。
type JobEvent struct {
	JobID     uint      `json:"jobId"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
