// Package llm 提供了访问大模型 API 的客户端，
// 包含重试、指数退避与全局限流。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"ragbot-go/internal/config"
	"ragbot-go/pkg/log"
	"ragbot-go/pkg/ratelimit"
)

// Message 表示一条角色消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 是一次聊天补全调用的参数。
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Extra 中的键值对原样并入请求体，供透传厂商特有参数。
	Extra map[string]interface{}
}

// ChatResponse 是聊天补全的结果。
type ChatResponse struct {
	Content string
	Model   string
}

// APIError 区分可重试与终态失败，使重试循环成为普通的状态机
// 而不依赖异常控制流。
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
	// retryAfter 记录 429 响应携带的 Retry-After 提示。
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error (status=%d, retryable=%v): %s", e.StatusCode, e.Retryable, e.Message)
}

// Client 定义了 LLM 网关的接口。
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Embedding(ctx context.Context, text, model string) ([]float32, error)
	ListModels(ctx context.Context) ([]string, error)
}

type openAICompatibleClient struct {
	cfg     config.LLMConfig
	client  *http.Client
	limiter ratelimit.Limiter
	logger  *log.Logger
	// sleep 可在测试中替换以验证退避行为
	sleep func(time.Duration)
}

// NewClient 创建一个 OpenAI 兼容接口的 LLM 客户端。
func NewClient(cfg config.LLMConfig, limiter ratelimit.Limiter, logger *log.Logger) Client {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

type chatAPIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatAPIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type embeddingAPIRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

type embeddingAPIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type modelsAPIResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// apiErrorBody 解析上游错误响应中的 message。
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion 调用聊天补全接口。
func (c *openAICompatibleClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": req.Messages,
	}
	if req.Temperature != 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens != 0 {
		body["max_tokens"] = req.MaxTokens
	}
	for k, v := range req.Extra {
		body[k] = v
	}

	var apiResp chatAPIResponse
	if err := c.doWithRetry(ctx, "/chat/completions", body, &apiResp); err != nil {
		return nil, err
	}
	if len(apiResp.Choices) == 0 {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "received empty choices from api", Retryable: false}
	}
	return &ChatResponse{Content: apiResp.Choices[0].Message.Content, Model: apiResp.Model}, nil
}

// Embedding 调用向量化接口获取文本的嵌入向量。
func (c *openAICompatibleClient) Embedding(ctx context.Context, text, model string) ([]float32, error) {
	if model == "" {
		model = c.cfg.EmbeddingModel
	}
	body := map[string]interface{}{
		"model":           model,
		"input":           []string{text},
		"encoding_format": "float",
	}
	if c.cfg.Dimensions > 0 {
		body["dimensions"] = c.cfg.Dimensions
	}

	var apiResp embeddingAPIResponse
	if err := c.doWithRetry(ctx, "/embeddings", body, &apiResp); err != nil {
		return nil, err
	}
	if len(apiResp.Data) == 0 || len(apiResp.Data[0].Embedding) == 0 {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "received empty embedding from api", Retryable: false}
	}
	return apiResp.Data[0].Embedding, nil
}

// ListModels 调用模型列表接口。
func (c *openAICompatibleClient) ListModels(ctx context.Context) ([]string, error) {
	var apiResp modelsAPIResponse
	if err := c.getWithRetry(ctx, "/models", &apiResp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(apiResp.Data))
	for _, m := range apiResp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// doWithRetry 发起 POST 调用并按重试策略处理失败。
func (c *openAICompatibleClient) doWithRetry(ctx context.Context, path string, body interface{}, out interface{}) error {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.retryLoop(ctx, path, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(reqBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

func (c *openAICompatibleClient) getWithRetry(ctx context.Context, path string, out interface{}) error {
	return c.retryLoop(ctx, path, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	}, out)
}

// retryLoop 是两类接口共享的重试状态机：
//   - 网络错误 / 响应 JSON 非法 / 5xx：指数退避后重试
//   - 429：优先遵循 Retry-After 提示，否则同样指数退避
//   - 其他 4xx：立即终态失败，携带上游错误信息
//   - 重试预算耗尽：终态失败，携带最后一次状态码
func (c *openAICompatibleClient) retryLoop(ctx context.Context, path string, build func() (*http.Request, error), out interface{}) error {
	var lastErr *APIError

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt-1, lastErr)
			c.logger.Warnf("[LLMClient] 第 %d 次重试 %s, 等待 %s, 上次错误: %s", attempt, path, delay, lastErr.Message)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.sleep(delay)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		apiErr := c.doOnce(build, out)
		if apiErr == nil {
			return nil
		}
		if !apiErr.Retryable {
			return apiErr
		}
		lastErr = apiErr
	}

	return &APIError{
		StatusCode: lastErr.StatusCode,
		Message:    fmt.Sprintf("retries exhausted after %d attempts: %s", c.cfg.MaxRetries+1, lastErr.Message),
		Retryable:  false,
	}
}

// doOnce 执行一次 HTTP 调用，返回 nil 表示成功且 out 已填充。
func (c *openAICompatibleClient) doOnce(build func() (*http.Request, error), out interface{}) *APIError {
	req, err := build()
	if err != nil {
		return &APIError{Message: err.Error(), Retryable: false}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// 网络层失败，可重试
		return &APIError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			// 数据错误按瞬态处理，消耗同一份重试预算
			return &APIError{StatusCode: resp.StatusCode, Message: "invalid json response: " + err.Error(), Retryable: true}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: upstreamMessage(bodyBytes, resp.Status), Retryable: true}
		apiErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return apiErr
	case resp.StatusCode >= http.StatusInternalServerError:
		return &APIError{StatusCode: resp.StatusCode, Message: upstreamMessage(bodyBytes, resp.Status), Retryable: true}
	default:
		// 429 以外的 4xx 不可重试，直接透出上游错误信息
		return &APIError{StatusCode: resp.StatusCode, Message: upstreamMessage(bodyBytes, resp.Status), Retryable: false}
	}
}

// backoffDelay 计算第 attempt 次失败后的等待时长。
// 429 且带 Retry-After 提示时遵循提示值。
func (c *openAICompatibleClient) backoffDelay(attempt int, lastErr *APIError) time.Duration {
	if lastErr != nil && lastErr.StatusCode == http.StatusTooManyRequests && lastErr.retryAfter > 0 {
		return lastErr.retryAfter
	}
	return c.cfg.InitialBackoff * time.Duration(1<<attempt)
}

func upstreamMessage(body []byte, fallback string) string {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		return eb.Error.Message
	}
	return fallback
}

// parseRetryAfter 解析 Retry-After 头（秒数形式）。
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// IsTerminal 判断一个错误是否为不可重试的网关终态错误。
func IsTerminal(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable
	}
	return false
}
