package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tide-short-bot/internal/alerts"
	"tide-short-bot/internal/config"
	"tide-short-bot/internal/dashboard"
	"tide-short-bot/internal/exchange"
	"tide-short-bot/internal/exec"
	"tide-short-bot/internal/factor"
	"tide-short-bot/internal/market"
	"tide-short-bot/internal/metrics"
	"tide-short-bot/internal/risk"
	"tide-short-bot/internal/signal"
	"tide-short-bot/internal/sizing"
	"tide-short-bot/internal/state"
	"tide-short-bot/internal/state/sqlite"
	"tide-short-bot/internal/timescale"
)

type snapshotProvider interface {
	Snapshot(ctx context.Context) (market.Snapshot, error)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	market    snapshotProvider
	marks     *market.MarkStream
	factors   *factor.Engine
	signals   *signal.Generator
	sizer     *sizing.Sizer
	risk      *risk.Manager
	executor  *exec.Executor
	metrics   *metrics.Metrics
	writer    *timescale.Writer
	dashboard *dashboard.Server
	alerts    *alerts.Telegram

	diagMu     sync.Mutex
	orderDiags []state.CycleDiagnostic
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	marketClient := market.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout, log)
	var marks *market.MarkStream
	if cfg.Market.WSURL != "" {
		marks = market.NewMarkStream(cfg.Market.WSURL, cfg.Market.ReconnectDelay, cfg.Market.PingInterval, log)
	}
	table, err := factor.LoadTable(cfg.Strategy.SectorTablePath)
	if err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(os.Getenv("EXCHANGE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("EXCHANGE_API_KEY is required")
	}
	apiSecret := strings.TrimSpace(os.Getenv("EXCHANGE_API_SECRET"))
	if apiSecret == "" {
		return nil, errors.New("EXCHANGE_API_SECRET is required")
	}
	exClient := exchange.New(cfg.Exchange, apiKey, apiSecret, log)

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}
	prom := metrics.NewPrometheus()
	riskManager := risk.New(cfg.Risk, cfg.Strategy.EquityUSD, store, log)
	executor := exec.New(exClient, riskManager, store, cfg.Exec, log)

	a := &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		market:   marketClient,
		marks:    marks,
		factors:  factor.New(cfg.Strategy, table, log),
		signals:  signal.New(cfg.Strategy),
		sizer:    sizing.New(cfg.Risk, cfg.Strategy.EquityUSD),
		risk:     riskManager,
		executor: executor,
		metrics:  prom.Metrics,
		writer:   writer,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
	}
	executor.SetTerminalHook(a.onOrderTerminal)
	if cfg.Dashboard.Enabled {
		a.dashboard = dashboard.New(cfg.Dashboard.Addr, riskManager, store, prom.Handler(), log)
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if err := a.risk.Load(ctx); err != nil {
		return err
	}
	a.log.Info("position state restored",
		zap.Int("positions", len(a.risk.Snapshot())),
		zap.Float64("gross_exposure", a.risk.GrossExposure()))

	a.executor.Start(ctx)
	a.writer.Start(ctx)
	if a.marks != nil {
		go func() {
			if err := a.marks.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("mark stream stopped", zap.Error(err))
			}
		}()
	}
	if a.dashboard != nil {
		go func() {
			if err := a.dashboard.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("dashboard stopped", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(a.cfg.Strategy.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Ticks that arrive while a cycle runs coalesce; cycles never
			// overlap.
			a.runCycle(ctx)
		}
	}
}

// onOrderTerminal is the executor's terminal hook. It runs for background
// resolutions too, so the collected diagnostics may surface in the next
// cycle's summary.
func (a *App) onOrderTerminal(arch state.ArchivedOrder) {
	switch arch.Status {
	case string(exec.StatusFilled):
		a.metrics.OrdersFilled.Inc()
	case string(exec.StatusFailed):
		a.metrics.OrdersFailed.Inc()
		a.pushOrderDiag(state.CycleDiagnostic{
			Asset:  arch.Asset,
			Kind:   state.DiagExchangeTransient,
			Detail: "retry budget exhausted: " + arch.Error,
		})
	case string(exec.StatusRejected):
		a.metrics.OrdersRejected.Inc()
		a.pushOrderDiag(state.CycleDiagnostic{
			Asset:  arch.Asset,
			Kind:   state.DiagExchangeTerminal,
			Detail: arch.Error,
		})
	}
	if a.writer != nil {
		a.writer.EnqueueOrderEvent(timescale.OrderEventRow{
			Time:           time.UnixMilli(arch.TerminalAtMS).UTC(),
			CycleTS:        time.Unix(arch.CycleTS, 0).UTC(),
			OrderID:        arch.ID,
			ClientOrderID:  arch.ClientOrderID,
			Asset:          arch.Asset,
			Side:           arch.Side,
			Reason:         arch.Reason,
			RequestedUSD:   arch.RequestedUSD,
			FilledUSD:      arch.FilledUSD,
			Status:         arch.Status,
			Error:          arch.Error,
			SubmitAttempts: arch.SubmitAttempts,
		})
	}
}

func (a *App) pushOrderDiag(diag state.CycleDiagnostic) {
	a.diagMu.Lock()
	defer a.diagMu.Unlock()
	a.orderDiags = append(a.orderDiags, diag)
}

func (a *App) drainOrderDiags() []state.CycleDiagnostic {
	a.diagMu.Lock()
	defer a.diagMu.Unlock()
	diags := a.orderDiags
	a.orderDiags = nil
	return diags
}
