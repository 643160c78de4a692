package repository

import (
	"gorm.io/gorm"

	"ragbot-go/internal/model"
)

// MessageRepository 定义了消息历史的操作接口。消息只追加，
// 仅在会话重置时按 target_id 批量删除。
type MessageRepository interface {
	Append(msg *model.Message) error
	// RecentHistory 返回最近 limit 条消息，按时间升序。
	// 单聊按 (target_id, user_id) 过滤，群聊只按 target_id。
	RecentHistory(targetID, userID string, isGroupChat bool, limit int) ([]model.Message, error)
	DeleteByTargetID(targetID string) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Append(msg *model.Message) error {
	return r.db.Create(msg).Error
}

func (r *messageRepository) RecentHistory(targetID, userID string, isGroupChat bool, limit int) ([]model.Message, error) {
	q := r.db.Where("target_id = ?", targetID)
	if !isGroupChat && userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	// 先取最近的 limit 条（按时间倒序），再反转为升序
	var messages []model.Message
	if err := q.Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *messageRepository) DeleteByTargetID(targetID string) error {
	return r.db.Where("target_id = ?", targetID).Delete(&model.Message{}).Error
}
