package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"ragbot-go/internal/worker"
	"ragbot-go/pkg/log"
)

const streamPingInterval = 30 * time.Second

// StreamHandler 通过 WebSocket 向运维面板实时推送任务状态事件。
// 事件由 worker 发布到 Redis 频道，本处理器只做订阅与转发。
type StreamHandler struct {
	rdb    *redis.Client
	logger *log.Logger

	upgrader websocket.Upgrader
}

// NewStreamHandler 创建一个新的 StreamHandler 实例。
func NewStreamHandler(rdb *redis.Client, logger *log.Logger) *StreamHandler {
	return &StreamHandler{
		rdb:    rdb,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// JobEvents 将连接升级为 WebSocket 并持续转发任务事件。
func (h *StreamHandler) JobEvents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("JobEvents: websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	sub := h.rdb.Subscribe(c.Request.Context(), worker.JobEventChannel)
	defer sub.Close()

	// 读循环只为感知客户端关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
