// Package messenger 负责与消息平台的出入站交互：
// 入站 webhook 的签名校验与出站回复投递。
package messenger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ragbot-go/internal/config"
	"ragbot-go/pkg/log"
)

// Client 定义了向消息平台投递回复的接口。
type Client interface {
	SendReply(ctx context.Context, targetID, replyTo, message string) error
}

type httpClient struct {
	cfg    config.MessagingConfig
	client *http.Client
	logger *log.Logger
}

// NewClient 创建一个消息平台客户端。
func NewClient(cfg config.MessagingConfig, logger *log.Logger) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

type replyRequest struct {
	TargetID    string `json:"target_id"`
	Message     string `json:"message"`
	ReplyTo     string `json:"reply_to,omitempty"`
	ReferenceID string `json:"reference_id"`
}

// SendReply 向平台消息 API 投递一条回复。
// 请求用随机 nonce + HMAC-SHA256(nonce + message) 签名，
// nonce 与签名通过请求头携带。投递语义为 at-least-once。
func (c *httpClient) SendReply(ctx context.Context, targetID, replyTo, message string) error {
	nonce, err := randomHex(16)
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	refID, err := randomHex(16)
	if err != nil {
		return fmt.Errorf("failed to generate reference id: %w", err)
	}

	body := replyRequest{
		TargetID:    targetID,
		Message:     message,
		ReplyTo:     replyTo,
		ReferenceID: refID,
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", Sign(c.cfg.Secret, nonce+message))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call message api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("message api returned non-200 status: %s, body: %s", resp.Status, string(respBytes))
	}

	c.logger.Infof("[Messenger] 回复投递成功, target: %s, ref: %s", targetID, refID)
	return nil
}

// Sign 计算 payload 的 HMAC-SHA256 十六进制签名。
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 对入站 webhook 的签名做常数时间比较。
func Verify(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
