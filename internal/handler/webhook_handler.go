// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragbot-go/internal/config"
	"ragbot-go/internal/service"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/messenger"
)

// WebhookHandler 接收消息平台推送的聊天事件。
type WebhookHandler struct {
	conversation service.ConversationService
	msgClient    messenger.Client
	msgCfg       config.MessagingConfig
	logger       *log.Logger
}

// NewWebhookHandler 创建一个新的 WebhookHandler。
func NewWebhookHandler(conversation service.ConversationService, msgClient messenger.Client, msgCfg config.MessagingConfig, logger *log.Logger) *WebhookHandler {
	return &WebhookHandler{
		conversation: conversation,
		msgClient:    msgClient,
		msgCfg:       msgCfg,
		logger:       logger,
	}
}

// Handle 处理一条入站消息事件。
// 签名用共享密钥对原始请求体做 HMAC-SHA256 并常数时间比较；
// 会话变更在响应返回前已提交，回复投递则尽力而为。
func (h *WebhookHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法读取请求体"})
		return
	}

	signature := c.GetHeader("X-Signature")
	if !messenger.Verify(h.msgCfg.Secret, body, signature) {
		h.logger.Warnf("[Webhook] 签名校验失败, ip: %s", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "签名校验失败"})
		return
	}

	var in service.InboundMessage
	if err := bindInbound(body, &in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无法解析消息负载"})
		return
	}
	if in.TargetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 target_id"})
		return
	}

	// 状态机处理在返回前完成；长耗时的生成已转入任务队列
	reply := h.conversation.HandleMessage(c.Request.Context(), in)

	if reply != "" {
		if err := h.msgClient.SendReply(c.Request.Context(), in.TargetID, in.MessageID, reply); err != nil {
			// 投递失败不改变已提交的会话状态，平台侧为至少一次语义
			h.logger.Error("[Webhook] 即时回复投递失败", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success"})
}

// inboundPayload 是平台推送事件的线格式。
type inboundPayload struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	TargetID  string `json:"target_id"`
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
}

func bindInbound(body []byte, in *service.InboundMessage) error {
	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return err
	}
	in.Message = p.Message
	in.UserID = p.UserID
	in.UserName = p.UserName
	in.TargetID = p.TargetID
	in.MessageID = p.MessageID
	in.Timestamp = p.Timestamp
	return nil
}
