package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tide-short-bot/internal/config"

	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramNotifyForcedReducePostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	client.NotifyForcedReduce(context.Background(), "PUMP", 2_300)

	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload["chat_id"])
	}
	if !strings.Contains(gotPayload["text"], "PUMP") || !strings.Contains(gotPayload["text"], "2300") {
		t.Fatalf("unexpected alert text %q", gotPayload["text"])
	}
}

func TestTelegramSendRejectsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected telegram api error, got %v", err)
	}
}
