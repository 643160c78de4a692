// Package repository 提供了数据访问层的实现。
package repository

import (
	"errors"

	"gorm.io/gorm"

	"ragbot-go/internal/model"
)

// SessionRepository 定义了会话记录的操作接口。
type SessionRepository interface {
	// FindByTargetID 按会话 ID 查找，不存在时返回 (nil, nil)。
	FindByTargetID(targetID string) (*model.Session, error)
	Create(session *model.Session) error
	// Save 持久化完整的会话记录（每次状态迁移后调用）。
	Save(session *model.Session) error
	// DeleteByTargetID 硬删除会话（重置确认时调用）。
	DeleteByTargetID(targetID string) error
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) FindByTargetID(targetID string) (*model.Session, error) {
	var session model.Session
	err := r.db.Where("target_id = ?", targetID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) Create(session *model.Session) error {
	return r.db.Create(session).Error
}

func (r *sessionRepository) Save(session *model.Session) error {
	return r.db.Save(session).Error
}

func (r *sessionRepository) DeleteByTargetID(targetID string) error {
	return r.db.Where("target_id = ?", targetID).Delete(&model.Session{}).Error
}
