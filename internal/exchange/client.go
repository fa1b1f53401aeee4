package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tide-short-bot/internal/config"
)

// OrderInfo is the exchange's view of one order.
type OrderInfo struct {
	OrderID        string  `json:"order_id"`
	Status         string  `json:"status"`
	FilledNotional float64 `json:"filled_notional"`
	AvgPrice       float64 `json:"avg_price"`
	Reason         string  `json:"reason,omitempty"`
}

// Exchange-side order status values.
const (
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusRejected        = "rejected"
	StatusCanceled        = "canceled"
)

type Client struct {
	baseURL   string
	apiKey    string
	apiSecret []byte
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.ExchangeConfig, apiKey, apiSecret string, log *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "exchange",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	})
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestBurst),
		breaker:   breaker,
		log:       log,
		now:       time.Now,
	}
}

type submitRequest struct {
	Asset         string  `json:"asset"`
	Side          string  `json:"side"`
	Notional      float64 `json:"notional"`
	ClientOrderID string  `json:"client_order_id"`
}

type submitResponse struct {
	OrderID string `json:"order_id"`
}

// SubmitOrder places a notional market order and returns the exchange
// order id. ClientOrderID is the idempotency key; resubmitting with the
// same id must not create a second order.
func (c *Client) SubmitOrder(ctx context.Context, asset, side string, notional float64, clientOrderID string) (string, error) {
	req := submitRequest{Asset: asset, Side: side, Notional: notional, ClientOrderID: clientOrderID}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", &APIError{Status: 502, Message: "submit response missing order_id"}
	}
	return resp.OrderID, nil
}

func (c *Client) PollOrder(ctx context.Context, orderID string) (OrderInfo, error) {
	var info OrderInfo
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+orderID, nil, &info); err != nil {
		return OrderInfo{}, err
	}
	return info, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransportError{Err: err}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, method, path, payload)
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("exchange response decode: %w", err)
	}
	return nil
}

// sign adds API-key HMAC headers: signature over timestamp + method + path + body.
func (c *Client) sign(req *http.Request, method, path string, payload []byte) {
	if c.apiKey == "" {
		return
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, c.apiSecret)
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(payload)
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Timestamp", ts)
	req.Header.Set("X-Api-Signature", hex.EncodeToString(mac.Sum(nil)))
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}
