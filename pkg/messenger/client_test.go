package messenger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"ragbot-go/internal/config"
	"ragbot-go/pkg/log"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := "shared-secret"
	body := []byte(`{"message":"你好"}`)

	sig := Sign(secret, string(body))
	if !Verify(secret, body, sig) {
		t.Fatal("valid signature must verify")
	}
	if Verify(secret, body, sig+"00") {
		t.Error("tampered signature must fail")
	}
	if Verify("other-secret", body, sig) {
		t.Error("wrong secret must fail")
	}
	if Verify(secret, append([]byte{}, append(body, ' ')...), sig) {
		t.Error("modified body must fail")
	}
	if Verify(secret, body, "") {
		t.Error("empty signature must fail")
	}
}

func TestSignIsDeterministicHex(t *testing.T) {
	a := Sign("s", "payload")
	b := Sign("s", "payload")
	if a != b {
		t.Error("signature must be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars for sha256, got %d", len(a))
	}
}

func TestSendReplySignsRequest(t *testing.T) {
	secret := "reply-secret"
	var captured struct {
		body      replyRequest
		nonce     string
		signature string
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &captured.body); err != nil {
			t.Errorf("invalid reply body: %v", err)
		}
		captured.nonce = r.Header.Get("X-Nonce")
		captured.signature = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(config.MessagingConfig{APIURL: srv.URL, Secret: secret}, log.NewNop())
	if err := c.SendReply(context.Background(), "room1", "msg42", "这是回复"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.body.TargetID != "room1" || captured.body.ReplyTo != "msg42" || captured.body.Message != "这是回复" {
		t.Errorf("unexpected reply body: %+v", captured.body)
	}
	if captured.body.ReferenceID == "" {
		t.Error("reference id must be set")
	}
	if captured.nonce == "" {
		t.Fatal("nonce header missing")
	}
	// 签名覆盖 nonce + message
	want := Sign(secret, captured.nonce+"这是回复")
	if captured.signature != want {
		t.Errorf("signature mismatch: got %q want %q", captured.signature, want)
	}
}

func TestSendReplyNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.MessagingConfig{APIURL: srv.URL, Secret: "s"}, log.NewNop())
	if err := c.SendReply(context.Background(), "room1", "", "msg"); err == nil {
		t.Fatal("non-200 response must surface an error")
	}
}
