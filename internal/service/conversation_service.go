package service

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"ragbot-go/internal/config"
	"ragbot-go/internal/model"
	"ragbot-go/internal/repository"
	"ragbot-go/pkg/log"
)

// 引导流程与兜底回复文案。
const (
	replyAskMentionPolicy = "你好，我是知识库助手，先做几项设置。我应该何时回复？回答「every」表示回复所有消息，回答「mentioned」表示仅在被提及时回复。"
	replyAskChatType      = "这是什么类型的会话？回答「one-on-one」（单聊）或「group」（群聊）。"
	replyRetryMention     = "没有听懂。请回答「every」或「mentioned」。"
	replyRetryChatType    = "没有听懂。请回答「one-on-one」或「group」。"
	replyOnboardingDone   = "设置完成，现在可以开始对话了。"
	replyResetConfirm     = "确定要重置会话吗？所有设置与历史记录将被删除。回复「YES」确认，回复其他内容取消。"
	replyResetDone        = "会话已重置。"
	replyResetCancelled   = "已取消重置，会话保持不变。"
	replyApology          = "抱歉，服务暂时不可用，请稍后重试。"
)

var (
	reEvery     = regexp.MustCompile(`(?i)every`)
	reMentioned = regexp.MustCompile(`(?i)mentioned`)
	reOneOnOne  = regexp.MustCompile(`(?i)one-on-one`)
	reGroup     = regexp.MustCompile(`(?i)group`)
)

// InboundMessage 是 webhook 送入的一条平台消息。
type InboundMessage struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	TargetID  string `json:"target_id"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationService 是会话引擎：把入站消息送入状态机，
// 产出即时回复或入队一个生成任务。
type ConversationService interface {
	// HandleMessage 处理一条入站消息并返回要发出的回复。
	// 回复为空字符串表示静默（消息仍会被记录）。
	// 处理过程中的任何 panic 都会被捕获并转换为通用致歉回复，
	// 不会向调用方传播。
	HandleMessage(ctx context.Context, in InboundMessage) (reply string)
}

type conversationService struct {
	sessionRepo repository.SessionRepository
	messageRepo repository.MessageRepository
	settingRepo repository.SettingRepository
	jobRepo     repository.JobRepository
	retrieval   RetrievalService
	botCfg      config.BotConfig
	llmCfg      config.LLMConfig
	msgCfg      config.MessagingConfig
	logger      *log.Logger
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(
	sessionRepo repository.SessionRepository,
	messageRepo repository.MessageRepository,
	settingRepo repository.SettingRepository,
	jobRepo repository.JobRepository,
	retrieval RetrievalService,
	cfg *config.Config,
	logger *log.Logger,
) ConversationService {
	return &conversationService{
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		settingRepo: settingRepo,
		jobRepo:     jobRepo,
		retrieval:   retrieval,
		botCfg:      cfg.Bot,
		llmCfg:      cfg.LLM,
		msgCfg:      cfg.Messaging,
		logger:      logger,
	}
}

// turn 聚合一轮消息处理所需的全部上下文。
type turn struct {
	ctx      context.Context
	in       InboundMessage
	text     string
	session  *model.Session
	settings model.BotSettings
}

// stepHandler 处理一个状态下的输入，返回回复文案。
// 会话记录的持久化由 HandleMessage 统一完成。
type stepHandler func(s *conversationService, t *turn) (string, error)

// transitions 是显式的状态迁移表：状态 × 输入 → 次态与副作用。
var transitions = map[model.Step]stepHandler{
	model.StepResetConfirm:     (*conversationService).onResetConfirm,
	model.StepNew:              (*conversationService).onNew,
	model.StepAskMentionPolicy: (*conversationService).onAskMentionPolicy,
	model.StepAskChatType:      (*conversationService).onAskChatType,
	model.StepCustomQuestions:  (*conversationService).onCustomQuestions,
	model.StepActive:           (*conversationService).onActive,
}

func (s *conversationService) HandleMessage(ctx context.Context, in InboundMessage) (reply string) {
	// 任何处理异常都收敛为通用致歉回复，绝不向 webhook 传播
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("[Conversation] 消息处理 panic: %v, target: %s", r, in.TargetID)
			reply = replyApology
		}
	}()

	reply, err := s.process(ctx, in)
	if err != nil {
		s.logger.Error("[Conversation] 消息处理失败", err)
		return replyApology
	}
	return reply
}

func (s *conversationService) process(ctx context.Context, in InboundMessage) (string, error) {
	text := unwrapMessageBody(in.Message)

	settings := s.loadSettings()

	session, err := s.sessionRepo.FindByTargetID(in.TargetID)
	if err != nil {
		return "", err
	}
	if session == nil {
		session = &model.Session{TargetID: in.TargetID, OnboardingStep: model.StepNew}
		if err := s.sessionRepo.Create(session); err != nil {
			return "", err
		}
		s.logger.Infof("[Conversation] 新会话已创建, target: %s", in.TargetID)
	}

	// 先落用户消息，再计算任何回复
	userMsg := &model.Message{
		UserID:   in.UserID,
		TargetID: in.TargetID,
		Role:     model.RoleUser,
		Content:  text,
	}
	if err := s.messageRepo.Append(userMsg); err != nil {
		return "", err
	}

	t := &turn{ctx: ctx, in: in, text: text, session: session, settings: settings}

	// 重置指令可在除确认态外的任意状态触发
	if session.OnboardingStep != model.StepResetConfirm && strings.TrimSpace(text) == s.botCfg.ResetCommand {
		session.PrevStep = session.OnboardingStep
		session.OnboardingStep = model.StepResetConfirm
		if err := s.sessionRepo.Save(session); err != nil {
			return "", err
		}
		return s.finishTurn(t, replyResetConfirm)
	}

	handler, ok := transitions[session.OnboardingStep]
	if !ok {
		// 未知状态视为数据损坏，回到引导起点
		s.logger.Warnf("[Conversation] 未知的引导状态 %d, target: %s", session.OnboardingStep, in.TargetID)
		session.OnboardingStep = model.StepNew
		handler = transitions[model.StepNew]
	}

	reply, err := handler(s, t)
	if err != nil {
		return "", err
	}

	// 确认重置会删除会话行，此时不再回写
	if t.session != nil {
		if err := s.sessionRepo.Save(t.session); err != nil {
			return "", err
		}
	}
	return s.finishTurn(t, reply)
}

// finishTurn 将非空回复落为 assistant 消息。
func (s *conversationService) finishTurn(t *turn, reply string) (string, error) {
	if reply == "" || t.session == nil {
		return reply, nil
	}
	assistantMsg := &model.Message{
		UserID:   t.in.UserID,
		TargetID: t.in.TargetID,
		Role:     model.RoleAssistant,
		Content:  reply,
	}
	if err := s.messageRepo.Append(assistantMsg); err != nil {
		return "", err
	}
	return reply, nil
}

// onResetConfirm 处理重置确认态：
// 「YES」（不区分大小写）→ 删除会话与消息历史；
// 其他任何回答 → 恢复进入确认态之前的状态。
func (s *conversationService) onResetConfirm(t *turn) (string, error) {
	if strings.EqualFold(strings.TrimSpace(t.text), "YES") {
		if err := s.messageRepo.DeleteByTargetID(t.in.TargetID); err != nil {
			return "", err
		}
		if err := s.sessionRepo.DeleteByTargetID(t.in.TargetID); err != nil {
			return "", err
		}
		t.session = nil // 下一条消息将隐式回到 NEW
		s.logger.Infof("[Conversation] 会话已重置, target: %s", t.in.TargetID)
		return replyResetDone, nil
	}
	t.session.OnboardingStep = t.session.PrevStep
	return replyResetCancelled, nil
}

// onNew 0 → 1：无条件进入触发策略询问。
func (s *conversationService) onNew(t *turn) (string, error) {
	t.session.OnboardingStep = model.StepAskMentionPolicy
	return replyAskMentionPolicy, nil
}

// onAskMentionPolicy 1 → 2：识别 every/mentioned，否则原地重问。
func (s *conversationService) onAskMentionPolicy(t *turn) (string, error) {
	switch {
	case reEvery.MatchString(t.text):
		t.session.RequiresMention = false
	case reMentioned.MatchString(t.text):
		t.session.RequiresMention = true
	default:
		return replyRetryMention, nil
	}
	t.session.OnboardingStep = model.StepAskChatType
	return replyAskChatType, nil
}

// onAskChatType 2 → 3：识别 one-on-one/group，否则原地重问。
// 进入 3 时问题游标归零，并在同一轮内抛出第一个问题。
func (s *conversationService) onAskChatType(t *turn) (string, error) {
	switch {
	case reOneOnOne.MatchString(t.text):
		t.session.IsGroupChat = false
	case reGroup.MatchString(t.text):
		t.session.IsGroupChat = true
	default:
		return replyRetryChatType, nil
	}
	t.session.OnboardingStep = model.StepCustomQuestions
	t.session.QuestionIndex = 0
	return s.askNextQuestion(t, false)
}

// onCustomQuestions 3 → 3 或 3 → 4：按会话类型选定的问题列表
// 逐条提问并保存回答。
func (s *conversationService) onCustomQuestions(t *turn) (string, error) {
	return s.askNextQuestion(t, true)
}

// askNextQuestion 实现步骤 3 的每轮逻辑：游标大于 0 时把本条
// 消息存为上一问题的回答；还有问题则抛出下一问并前移游标，
// 否则进入 ACTIVE。storeAnswer 为 false 时表示刚从步骤 2 进入，
// 当前消息是会话类型回答而非问题回答。
func (s *conversationService) askNextQuestion(t *turn, storeAnswer bool) (string, error) {
	questions := t.settings.DMQuestions
	if t.session.IsGroupChat {
		questions = t.settings.GroupQuestions
	}

	idx := t.session.QuestionIndex
	if storeAnswer && idx > 0 && idx-1 < len(questions) {
		t.session.AppendAnswer(questions[idx-1], t.text)
	}

	if idx < len(questions) {
		t.session.QuestionIndex = idx + 1
		return questions[idx], nil
	}

	t.session.OnboardingStep = model.StepActive
	return replyOnboardingDone, nil
}

// onActive 终态：被提及校验通过后入队一个生成任务。
func (s *conversationService) onActive(t *turn) (string, error) {
	mention := t.settings.BotMention
	if mention == "" {
		mention = s.botCfg.Mention
	}
	if t.session.IsGroupChat && t.session.RequiresMention && !containsFold(t.text, mention) {
		// 静默：不回复，用户消息已在入口处记录
		return "", nil
	}

	if err := s.enqueueGeneration(t); err != nil {
		return "", err
	}
	// 回复由 worker 异步投递
	return "", nil
}

// enqueueGeneration 组装生成任务并写入持久化队列。
// 负载携带恢复执行所需的全部信息，worker 不回读会话状态。
func (s *conversationService) enqueueGeneration(t *turn) error {
	systemPrompt := t.settings.SystemPrompt
	matches, err := s.retrieval.Search(t.ctx, t.text, 5, nil)
	if err != nil {
		// 检索失败不阻断生成，仅缺少增强内容
		s.logger.Errorf("[Conversation] 检索失败, target: %s, error: %v", t.in.TargetID, err)
		matches = nil
	}
	systemPrompt = s.retrieval.AugmentSystemPrompt(systemPrompt, matches)

	history, err := s.messageRepo.RecentHistory(t.in.TargetID, t.in.UserID, t.session.IsGroupChat, s.botCfg.HistoryLimit)
	if err != nil {
		return err
	}

	// system 在前，历史按时间升序（含刚落库的本条用户消息）
	messages := make([]model.ChatMessage, 0, len(history)+1)
	messages = append(messages, model.ChatMessage{Role: model.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		messages = append(messages, model.ChatMessage{Role: m.Role, Content: m.Content})
	}

	genModel := t.settings.Model
	if genModel == "" {
		genModel = s.llmCfg.Model
	}

	job := &model.Job{}
	if err := job.EncodePayload(&model.JobPayload{
		Model:    genModel,
		Messages: messages,
		TargetID: t.in.TargetID,
		UserID:   t.in.UserID,
		ReplyTo:  t.in.MessageID,
		Secret:   s.msgCfg.Secret,
	}); err != nil {
		return err
	}
	if err := s.jobRepo.Enqueue(job); err != nil {
		return err
	}
	s.logger.Infof("[Conversation] 生成任务已入队, job: %d, target: %s", job.ID, t.in.TargetID)
	return nil
}

// loadSettings 读取一次 settings 快照，失败时退回配置默认值。
func (s *conversationService) loadSettings() model.BotSettings {
	defaults := model.BotSettings{
		Model:      s.llmCfg.Model,
		BotMention: s.botCfg.Mention,
	}
	rows, err := s.settingRepo.All()
	if err != nil {
		s.logger.Errorf("[Conversation] 读取 settings 失败，使用默认值: %v", err)
		return defaults
	}
	return model.BotSettingsFromRows(rows, defaults)
}

// unwrapMessageBody 对 JSON 包裹的消息体做防御性解包：
// 纯 JSON 字符串取其值，{"message"|"text": "..."} 取对应字段，
// 其余情况原样返回。
func unwrapMessageBody(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			return s
		}
	case '{':
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			for _, key := range []string{"message", "text", "content"} {
				if v, ok := obj[key].(string); ok && v != "" {
					return v
				}
			}
		}
	}
	return trimmed
}

// containsFold 不区分大小写的包含判断。
func containsFold(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
