package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"ragbot-go/internal/config"
	"ragbot-go/internal/service"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/messenger"
)

type stubConversation struct {
	reply string
	seen  []service.InboundMessage
}

func (s *stubConversation) HandleMessage(ctx context.Context, in service.InboundMessage) string {
	s.seen = append(s.seen, in)
	return s.reply
}

type stubMessenger struct {
	sent []string
	err  error
}

func (s *stubMessenger) SendReply(ctx context.Context, targetID, replyTo, message string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, message)
	return nil
}

func newWebhookRouter(conv *stubConversation, msg *stubMessenger, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(conv, msg, config.MessagingConfig{Secret: secret}, log.NewNop())
	r.POST("/webhook", h.Handle)
	return r
}

func postWebhook(r *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookValidSignature(t *testing.T) {
	conv := &stubConversation{reply: "即时回复"}
	msg := &stubMessenger{}
	r := newWebhookRouter(conv, msg, "hook-secret")

	body, _ := json.Marshal(map[string]interface{}{
		"message":    "你好",
		"user_id":    "u1",
		"target_id":  "room1",
		"message_id": "m1",
	})
	w := postWebhook(r, body, messenger.Sign("hook-secret", string(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(conv.seen) != 1 {
		t.Fatalf("expected 1 handled message, got %d", len(conv.seen))
	}
	if conv.seen[0].TargetID != "room1" || conv.seen[0].Message != "你好" {
		t.Errorf("unexpected inbound message: %+v", conv.seen[0])
	}
	if len(msg.sent) != 1 || msg.sent[0] != "即时回复" {
		t.Errorf("immediate reply must be dispatched, got %v", msg.sent)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	conv := &stubConversation{}
	r := newWebhookRouter(conv, &stubMessenger{}, "hook-secret")

	body := []byte(`{"message":"hi","target_id":"room1"}`)
	w := postWebhook(r, body, messenger.Sign("wrong-secret", string(body)))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(conv.seen) != 0 {
		t.Fatal("message must not reach the conversation engine")
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	r := newWebhookRouter(&stubConversation{}, &stubMessenger{}, "hook-secret")
	w := postWebhook(r, []byte(`{"target_id":"room1"}`), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhookMissingTargetID(t *testing.T) {
	r := newWebhookRouter(&stubConversation{}, &stubMessenger{}, "hook-secret")
	body := []byte(`{"message":"hi"}`)
	w := postWebhook(r, body, messenger.Sign("hook-secret", string(body)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

// 静默轮次：引擎返回空串时不投递，也不报错。
func TestWebhookSilentTurn(t *testing.T) {
	msg := &stubMessenger{}
	r := newWebhookRouter(&stubConversation{reply: ""}, msg, "hook-secret")

	body := []byte(`{"message":"hi","target_id":"room1"}`)
	w := postWebhook(r, body, messenger.Sign("hook-secret", string(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(msg.sent) != 0 {
		t.Fatal("silent turn must not dispatch a reply")
	}
}

// 投递失败不影响 webhook 响应：会话状态已提交。
func TestWebhookDeliveryFailureStill200(t *testing.T) {
	msg := &stubMessenger{err: context.DeadlineExceeded}
	r := newWebhookRouter(&stubConversation{reply: "回复"}, msg, "hook-secret")

	body := []byte(`{"message":"hi","target_id":"room1"}`)
	w := postWebhook(r, body, messenger.Sign("hook-secret", string(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 despite delivery failure, got %d", w.Code)
	}
}
