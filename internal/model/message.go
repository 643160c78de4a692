package model

import "time"

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message 对应 messages 表，按会话追加写入，重置时整体删除。
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:varchar(64);not null;index" json:"userId"`
	TargetID  string    `gorm:"type:varchar(64);not null;index" json:"targetId"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"` // user 或 assistant
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// ChatMessage 是发送给 LLM 的 role-based 消息。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
