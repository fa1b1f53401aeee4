package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// MarkStream keeps a live map of mark prices from the market-data
// collaborator's websocket feed. It is the mark source between snapshot
// fetches; when the stream is down the last known marks stay available.
type MarkStream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	marks map[string]float64
}

func NewMarkStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *MarkStream {
	return &MarkStream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		marks:          make(map[string]float64),
	}
}

// Mark returns the latest streamed mark price for an asset.
func (s *MarkStream) Mark(asset string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.marks[asset]
	return price, ok
}

// Marks returns a copy of the current mark map.
func (s *MarkStream) Marks() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.marks))
	for asset, price := range s.marks {
		out[asset] = price
	}
	return out
}

// Run connects and consumes the feed until ctx is cancelled, reconnecting
// after reconnectDelay on read failures.
func (s *MarkStream) Run(ctx context.Context) error {
	if s.url == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("mark stream connect failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()
		err := s.readLoop(ctx)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("mark stream read loop ended", zap.Error(err))
		s.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *MarkStream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *MarkStream) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("mark stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

func (s *MarkStream) handleMessage(data []byte) {
	var msg struct {
		Marks map[string]float64 `json:"marks"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("mark stream decode error", zap.Error(err))
		return
	}
	if len(msg.Marks) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for asset, price := range msg.Marks {
		if price > 0 {
			s.marks[asset] = price
		}
	}
}

func (s *MarkStream) pingLoop(ctx context.Context) {
	s.mu.RLock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.RUnlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, pingMessage); err != nil {
				return
			}
		}
	}
}

func (s *MarkStream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

var pingMessage = []byte(`{"method":"ping"}`)
