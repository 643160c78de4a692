// Package model 包含了应用的数据模型定义。
package model

import (
	"encoding/json"
	"time"
)

// Step 表示会话引导流程所处的状态。
type Step int

const (
	// StepResetConfirm 是收到重置指令后的瞬态确认状态，可从任意状态进入。
	StepResetConfirm Step = -1
	// StepNew 表示刚创建、尚未开始引导的会话。
	StepNew Step = 0
	// StepAskMentionPolicy 正在询问触发策略（回复所有消息还是仅被提及时）。
	StepAskMentionPolicy Step = 1
	// StepAskChatType 正在询问会话类型（单聊还是群聊）。
	StepAskChatType Step = 2
	// StepCustomQuestions 正在逐条收集自定义引导问题的回答。
	StepCustomQuestions Step = 3
	// StepActive 引导完成，正常问答状态（终态，可重入）。
	StepActive Step = 4
)

// String 返回状态名，便于日志输出。
func (s Step) String() string {
	switch s {
	case StepResetConfirm:
		return "RESET_CONFIRM"
	case StepNew:
		return "NEW"
	case StepAskMentionPolicy:
		return "ASK_MENTION_POLICY"
	case StepAskChatType:
		return "ASK_CHAT_TYPE"
	case StepCustomQuestions:
		return "CUSTOM_QUESTIONS"
	case StepActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

// QA 是一条引导问题及其回答，保持提问顺序。
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Session 对应 sessions 表，按 target_id（房间/会话 ID）唯一。
type Session struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TargetID         string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"targetId"`
	IsGroupChat      bool      `gorm:"not null;default:false" json:"isGroupChat"`
	RequiresMention  bool      `gorm:"not null;default:false" json:"requiresMention"`
	OnboardingStep   Step      `gorm:"not null;default:0" json:"onboardingStep"`
	PrevStep         Step      `gorm:"not null;default:0" json:"prevStep"` // 进入 RESET_CONFIRM 前所处的状态
	QuestionIndex    int       `gorm:"not null;default:0" json:"questionIndex"`
	AnswersJSON      string    `gorm:"type:text;column:answers_json" json:"-"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Session) TableName() string {
	return "sessions"
}

// Answers 反序列化已收集的问答对，顺序与提问顺序一致。
func (s *Session) Answers() []QA {
	if s.AnswersJSON == "" {
		return nil
	}
	var qas []QA
	if err := json.Unmarshal([]byte(s.AnswersJSON), &qas); err != nil {
		return nil
	}
	return qas
}

// SetAnswers 序列化问答对写回 AnswersJSON。
func (s *Session) SetAnswers(qas []QA) {
	b, err := json.Marshal(qas)
	if err != nil {
		return
	}
	s.AnswersJSON = string(b)
}

// AppendAnswer 追加一条问答记录。
func (s *Session) AppendAnswer(question, answer string) {
	s.SetAnswers(append(s.Answers(), QA{Question: question, Answer: answer}))
}
