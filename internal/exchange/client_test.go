package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"tide-short-bot/internal/config"
)

func testConfig(baseURL string) config.ExchangeConfig {
	return config.ExchangeConfig{
		BaseURL:         baseURL,
		Timeout:         2 * time.Second,
		RequestsPerSec:  1000,
		RequestBurst:    1000,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	}
}

func TestSubmitOrderSignsRequest(t *testing.T) {
	var gotKey, gotTS, gotSig string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotTS = r.Header.Get("X-Api-Timestamp")
		gotSig = r.Header.Get("X-Api-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id":"ord-1"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL), "key-1", "secret-1", zap.NewNop())
	orderID, err := client.SubmitOrder(context.Background(), "PEPE", "sell", 2500, "cloid-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if orderID != "ord-1" {
		t.Fatalf("expected order id ord-1, got %s", orderID)
	}
	if gotKey != "key-1" || gotTS == "" || gotSig == "" {
		t.Fatalf("expected auth headers, got key=%q ts=%q sig=%q", gotKey, gotTS, gotSig)
	}
	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte(gotTS))
	mac.Write([]byte(http.MethodPost))
	mac.Write([]byte("/v1/orders"))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSig, want)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
		{422, false},
	}
	for _, tc := range cases {
		apiErr := &APIError{Status: tc.status}
		if apiErr.Transient() != tc.transient {
			t.Fatalf("status %d: expected transient=%t", tc.status, tc.transient)
		}
	}
}

func TestPollOrderTerminalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"INVALID_INSTRUMENT","message":"unknown asset"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL), "", "", zap.NewNop())
	_, err := client.PollOrder(context.Background(), "ord-9")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Transient() {
		t.Fatal("expected terminal classification for 400")
	}
	if apiErr.Code != "INVALID_INSTRUMENT" {
		t.Fatalf("expected code parsed, got %+v", apiErr)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(testConfig(server.URL), "", "", zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.PollOrder(ctx, "ord-1"); err == nil {
			t.Fatal("expected error from 500 response")
		}
	}
	_, err := client.PollOrder(ctx, "ord-1")
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected open breaker surfaced as TransportError, got %v", err)
	}
	if !transport.Transient() {
		t.Fatal("expected open breaker classified transient")
	}
}
