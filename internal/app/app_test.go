package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"tide-short-bot/internal/alerts"
	"tide-short-bot/internal/config"
	"tide-short-bot/internal/exchange"
	"tide-short-bot/internal/exec"
	"tide-short-bot/internal/factor"
	"tide-short-bot/internal/market"
	"tide-short-bot/internal/metrics"
	"tide-short-bot/internal/risk"
	"tide-short-bot/internal/signal"
	"tide-short-bot/internal/sizing"
	"tide-short-bot/internal/state"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(_ context.Context, prefix string, limit int) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

type fakeMarket struct {
	snapFn func(ctx context.Context) (market.Snapshot, error)
}

func (f *fakeMarket) Snapshot(ctx context.Context) (market.Snapshot, error) {
	return f.snapFn(ctx)
}

type fakeExchange struct {
	mu        sync.Mutex
	submits   int
	notionals map[string]float64
	// hold keeps polls returning open until closed
	hold chan struct{}
}

func (f *fakeExchange) SubmitOrder(_ context.Context, _, _ string, notional float64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	id := "ord-" + strconv.Itoa(f.submits)
	if f.notionals == nil {
		f.notionals = make(map[string]float64)
	}
	f.notionals[id] = notional
	return id, nil
}

func (f *fakeExchange) PollOrder(_ context.Context, orderID string) (exchange.OrderInfo, error) {
	if f.hold != nil {
		select {
		case <-f.hold:
		default:
			return exchange.OrderInfo{OrderID: orderID, Status: exchange.StatusOpen}, nil
		}
	}
	f.mu.Lock()
	notional := f.notionals[orderID]
	f.mu.Unlock()
	return exchange.OrderInfo{
		OrderID:        orderID,
		Status:         exchange.StatusFilled,
		FilledNotional: notional,
		AvgPrice:       1.2,
	}, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string) error { return nil }

func (f *fakeExchange) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			CycleInterval:   200 * time.Millisecond,
			EquityUSD:       100_000,
			UnlockThreshold: 0.85,
			PumpScoreWeight: 0.6,
			LiquidityWeight: 0.4,
			MemeBonus:       0.1,
			MinSignalScore:  0.5,
			MinTurnoverUSD:  1_000_000,
			SmallCapMaxUSD:  1_000_000_000,
		},
		Risk: config.RiskConfig{
			EntryCapPct:           0.025,
			MaxCapPct:             0.05,
			PortfolioCeilingPct:   0.30,
			AddLossThreshold:      -0.30,
			AddProfitThreshold:    0.15,
			ReduceLossThreshold:   -0.20,
			ReduceProfitThreshold: 0.20,
			ReduceRatio:           0.5,
			NearCapRatio:          0.9,
		},
		Exec: config.ExecConfig{
			RetryAttemptLimit:   3,
			BackoffBase:         time.Millisecond,
			BackoffCap:          4 * time.Millisecond,
			MaxConcurrentOrders: 2,
			PollInterval:        2 * time.Millisecond,
			OrderDeadline:       time.Second,
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, mkt *fakeMarket, ex *fakeExchange) *App {
	t.Helper()
	log := zap.NewNop()
	store := newMemoryStore()
	table, err := factor.LoadTable("")
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	riskManager := risk.New(cfg.Risk, cfg.Strategy.EquityUSD, store, log)
	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		market:   mkt,
		factors:  factor.New(cfg.Strategy, table, log),
		signals:  signal.New(cfg.Strategy),
		sizer:    sizing.New(cfg.Risk, cfg.Strategy.EquityUSD),
		risk:     riskManager,
		executor: exec.New(ex, riskManager, store, cfg.Exec, log),
		metrics:  metrics.NewNoop(),
		alerts:   alerts.NewTelegram(config.TelegramConfig{}, log),
	}
	a.executor.SetTerminalHook(a.onOrderTerminal)
	a.executor.Start(context.Background())
	return a
}

func pumpingSnapshot() market.Snapshot {
	funding := 0.0005
	return market.Snapshot{
		TakenAt: time.Now(),
		Assets: []market.AssetQuote{{
			Symbol:           "PUMP",
			Price:            1.2,
			PrevPrice:        1.0,
			Volume24hUSD:     60_000_000,
			PrevVolume24hUSD: 20_000_000,
			MarketCapUSD:     400_000_000,
			FundingRate:      funding,
			HasFundingRate:   true,
			UnlockProgress:   0.1,
			HasUnlock:        true,
		}},
	}
}

func TestRunCycleOpensShortAndPersistsSummary(t *testing.T) {
	cfg := testConfig()
	mkt := &fakeMarket{snapFn: func(context.Context) (market.Snapshot, error) {
		return pumpingSnapshot(), nil
	}}
	ex := &fakeExchange{}
	a := newTestApp(t, cfg, mkt, ex)

	a.runCycle(context.Background())

	positions := a.risk.Snapshot()
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if positions[0].Asset != "PUMP" || positions[0].CurrentNotional != 2_500 {
		t.Fatalf("position = %+v, want PUMP at 2500", positions[0])
	}
	if ex.submitCount() != 1 {
		t.Fatalf("submits = %d, want 1", ex.submitCount())
	}

	summary, ok, err := state.LoadCycleSummary(context.Background(), a.store)
	if err != nil || !ok {
		t.Fatalf("LoadCycleSummary: ok=%v err=%v", ok, err)
	}
	if summary.Aborted {
		t.Fatalf("summary aborted: %s", summary.AbortReason)
	}
	if summary.SignalsEmitted != 1 || summary.DeltasApproved != 1 || summary.OrdersFilled != 1 {
		t.Fatalf("summary counts = %+v", summary)
	}
	if summary.GrossExposure != 2_500 {
		t.Fatalf("GrossExposure = %v, want 2500", summary.GrossExposure)
	}
}

func TestRunCycleAbortsWhenSnapshotFails(t *testing.T) {
	cfg := testConfig()
	mkt := &fakeMarket{snapFn: func(context.Context) (market.Snapshot, error) {
		return market.Snapshot{}, errors.New("upstream 503")
	}}
	ex := &fakeExchange{}
	a := newTestApp(t, cfg, mkt, ex)

	a.runCycle(context.Background())

	if len(a.risk.Snapshot()) != 0 {
		t.Fatalf("positions mutated on aborted cycle")
	}
	if ex.submitCount() != 0 {
		t.Fatalf("submits = %d, want 0", ex.submitCount())
	}
	summary, ok, err := state.LoadCycleSummary(context.Background(), a.store)
	if err != nil || !ok {
		t.Fatalf("LoadCycleSummary: ok=%v err=%v", ok, err)
	}
	if !summary.Aborted || !strings.Contains(summary.AbortReason, "snapshot unavailable") {
		t.Fatalf("summary = %+v, want snapshot abort", summary)
	}
}

func TestRunCycleSurfacesDataGapWithoutAborting(t *testing.T) {
	cfg := testConfig()
	mkt := &fakeMarket{snapFn: func(context.Context) (market.Snapshot, error) {
		snap := pumpingSnapshot()
		snap.Assets = append(snap.Assets, market.AssetQuote{
			Symbol:       "GAPPY",
			Price:        2.0,
			PrevPrice:    1.9,
			Volume24hUSD: 5_000_000,
			MarketCapUSD: 50_000_000,
			// no funding rate reported
			HasUnlock: true,
		})
		return snap, nil
	}}
	ex := &fakeExchange{}
	a := newTestApp(t, cfg, mkt, ex)

	a.runCycle(context.Background())

	summary, ok, _ := state.LoadCycleSummary(context.Background(), a.store)
	if !ok || summary.Aborted {
		t.Fatalf("summary = %+v, want completed cycle", summary)
	}
	var gap bool
	for _, d := range summary.Diagnostics {
		if d.Asset == "GAPPY" && d.Kind == state.DiagDataGap {
			gap = true
		}
	}
	if !gap {
		t.Fatalf("diagnostics = %+v, want DATA_GAP for GAPPY", summary.Diagnostics)
	}
	if summary.SignalsEmitted != 1 {
		t.Fatalf("SignalsEmitted = %d, want 1", summary.SignalsEmitted)
	}
}

func TestInflightOrderCommitsAfterCycleReturns(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.CycleInterval = 50 * time.Millisecond
	mkt := &fakeMarket{snapFn: func(context.Context) (market.Snapshot, error) {
		return pumpingSnapshot(), nil
	}}
	ex := &fakeExchange{hold: make(chan struct{})}
	a := newTestApp(t, cfg, mkt, ex)

	a.runCycle(context.Background())

	if len(a.risk.Snapshot()) != 0 {
		t.Fatalf("position committed before order resolved")
	}
	summary, ok, _ := state.LoadCycleSummary(context.Background(), a.store)
	if !ok || summary.OrdersInflight != 1 {
		t.Fatalf("summary = %+v, want one inflight order", summary)
	}

	close(ex.hold)
	a.executor.Wait()

	positions := a.risk.Snapshot()
	if len(positions) != 1 || positions[0].CurrentNotional != 2_500 {
		t.Fatalf("positions = %+v, want PUMP at 2500 after background commit", positions)
	}
}

func TestForcedReduceRunsBeforeSignalDeltas(t *testing.T) {
	cfg := testConfig()
	mkt := &fakeMarket{snapFn: func(context.Context) (market.Snapshot, error) {
		snap := pumpingSnapshot()
		// No signal for the held asset; its mark moves against the short.
		snap.Assets[0].Symbol = "HELD"
		snap.Assets[0].Price = 1.25
		snap.Assets[0].PrevPrice = 1.24
		return snap, nil
	}}
	ex := &fakeExchange{}
	a := newTestApp(t, cfg, mkt, ex)
	seedShort(t, a.risk, "HELD", 4_600, 1.0)

	a.runCycle(context.Background())

	summary, ok, _ := state.LoadCycleSummary(context.Background(), a.store)
	if !ok || summary.ForcedDeltas != 1 {
		t.Fatalf("summary = %+v, want one forced delta", summary)
	}
}

// seedShort opens a position through the normal validate/commit path.
func seedShort(t *testing.T, m *risk.Manager, asset string, notional, price float64) {
	t.Helper()
	target := notional
	for target > 0 {
		step := target
		if step > 2_500 {
			step = 2_500
		}
		delta, _, err := m.Validate(sizing.Delta{Asset: asset, TargetChange: step, Reason: sizing.ReasonNewSignal})
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if err := m.Commit(context.Background(), risk.Fill{
			Asset:          asset,
			Side:           "sell",
			FilledNotional: delta.TargetChange,
			FillPrice:      price,
		}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		target -= step
	}
}
