package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ragbot-go/internal/model"
)

// SettingRepository 定义了 settings 表的操作接口。
// 管理面板写入，会话引擎在每条消息处理开始时读取一次快照。
type SettingRepository interface {
	All() ([]model.Setting, error)
	Upsert(key, value string) error
}

type settingRepository struct {
	db *gorm.DB
}

// NewSettingRepository 创建一个新的 SettingRepository 实例。
func NewSettingRepository(db *gorm.DB) SettingRepository {
	return &settingRepository{db: db}
}

func (r *settingRepository) All() ([]model.Setting, error) {
	var rows []model.Setting
	err := r.db.Find(&rows).Error
	return rows, err
}

func (r *settingRepository) Upsert(key, value string) error {
	row := model.Setting{Key: key, Value: value}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"setting_value"}),
	}).Create(&row).Error
}
