package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ragbot-go/internal/config"
	"ragbot-go/pkg/log"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) (*openAICompatibleClient, *[]time.Duration) {
	t.Helper()
	cfg := config.LLMConfig{
		APIKey:         "test-key",
		BaseURL:        baseURL,
		Model:          "test-model",
		EmbeddingModel: "test-embed",
		MaxRetries:     maxRetries,
		InitialBackoff: 10 * time.Millisecond,
	}
	c := NewClient(cfg, nil, log.NewNop()).(*openAICompatibleClient)

	// 替换 sleep 以记录退避时长而不真正等待
	var sleeps []time.Duration
	c.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return c, &sleeps
}

const chatOKBody = `{"model":"test-model","choices":[{"message":{"content":"你好！"}}]}`

func TestChatCompletionSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(chatOKBody))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	resp, err := c.ChatCompletion(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "你好！" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("missing bearer auth header, got %q", gotAuth)
	}
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		w.Write([]byte(chatOKBody))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, 3)
	_, err := c.ChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	// 两次退避，均遵循 Retry-After 提示
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*sleeps))
	}
	for i, d := range *sleeps {
		if d != 2*time.Second {
			t.Errorf("sleep %d: expected Retry-After 2s, got %s", i, d)
		}
	}
}

func TestExponentialBackoffOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(chatOKBody))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, 3)
	_, err := c.ChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %d", len(want), len(*sleeps))
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep %d: expected %s, got %s", i, want[i], (*sleeps)[i])
		}
	}
}

func TestClientErrorIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid model"}}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, 3)
	_, err := c.ChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Retryable {
		t.Error("4xx must be terminal")
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected status: %d", apiErr.StatusCode)
	}
	if apiErr.Message != "invalid model" {
		t.Errorf("upstream message not surfaced: %q", apiErr.Message)
	}
	if calls != 1 {
		t.Errorf("terminal error must not retry, got %d calls", calls)
	}
	if len(*sleeps) != 0 {
		t.Errorf("terminal error must not back off, got %d sleeps", len(*sleeps))
	}
	if !IsTerminal(err) {
		t.Error("IsTerminal must report true")
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 2)
	_, err := c.ChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected initial call + 2 retries, got %d", calls)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Retryable {
		t.Error("exhaustion error must be terminal")
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("exhaustion must carry last status, got %d", apiErr.StatusCode)
	}
}

func TestInvalidJSONIsRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Write([]byte(`{not valid json`))
			return
		}
		w.Write([]byte(chatOKBody))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	resp, err := c.ChatCompletion(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("malformed body must be retried, got %v", err)
	}
	if resp.Content != "你好！" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 1)
	vec, err := c.Embedding(context.Background(), "文本", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("unexpected vector: %v", vec)
	}
}
