package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Setting 对应 settings 表的一行 key/value 配置。
// 管理面板写入，会话引擎在每条消息处理开始时读取一次快照。
type Setting struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Key       string    `gorm:"type:varchar(64);not null;uniqueIndex;column:setting_key" json:"key"`
	Value     string    `gorm:"type:text;column:setting_value" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Setting) TableName() string {
	return "settings"
}

// settings 表中被识别的键。其余键被忽略。
const (
	SettingSystemPrompt   = "system_prompt"
	SettingModel          = "model"
	SettingGroupQuestions = "onboarding_group_questions"
	SettingDMQuestions    = "onboarding_dm_questions"
	SettingBotMention     = "bot_mention"
	SettingChunkSize      = "rag_chunk_size"
	SettingChunkOverlap   = "rag_chunk_overlap"
)

// ValidSettingKey 判断 key 是否为被识别的设置键。
func ValidSettingKey(key string) bool {
	switch key {
	case SettingSystemPrompt, SettingModel, SettingGroupQuestions,
		SettingDMQuestions, SettingBotMention, SettingChunkSize, SettingChunkOverlap:
		return true
	}
	return false
}

// BotSettings 是从 settings 表取出的类型化只读快照，
// 每条消息/每个任务处理时填充一次。
type BotSettings struct {
	SystemPrompt   string
	Model          string
	GroupQuestions []string
	DMQuestions    []string
	BotMention     string
	ChunkSize      int
	ChunkOverlap   int
}

// BotSettingsFromRows 将 key/value 行解析为类型化快照，
// 未出现或非法的键保持传入的默认值。
func BotSettingsFromRows(rows []Setting, defaults BotSettings) BotSettings {
	s := defaults
	for _, row := range rows {
		switch row.Key {
		case SettingSystemPrompt:
			s.SystemPrompt = row.Value
		case SettingModel:
			s.Model = row.Value
		case SettingGroupQuestions:
			if qs := parseQuestionList(row.Value); qs != nil {
				s.GroupQuestions = qs
			}
		case SettingDMQuestions:
			if qs := parseQuestionList(row.Value); qs != nil {
				s.DMQuestions = qs
			}
		case SettingBotMention:
			s.BotMention = row.Value
		case SettingChunkSize:
			if n, err := strconv.Atoi(row.Value); err == nil && n > 0 {
				s.ChunkSize = n
			}
		case SettingChunkOverlap:
			if n, err := strconv.Atoi(row.Value); err == nil && n >= 0 {
				s.ChunkOverlap = n
			}
		}
	}
	return s
}

// parseQuestionList 解析 JSON 数组形式的问题列表，失败返回 nil。
func parseQuestionList(v string) []string {
	if v == "" {
		return nil
	}
	var qs []string
	if err := json.Unmarshal([]byte(v), &qs); err != nil {
		return nil
	}
	return qs
}
