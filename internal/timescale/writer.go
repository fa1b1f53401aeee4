package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"tide-short-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type SnapshotRow struct {
	CycleTS      time.Time
	Asset        string
	Price        float64
	Volume24hUSD float64
	MarketCapUSD float64
	FundingRate  float64
}

type FactorRow struct {
	CycleTS        time.Time
	Asset          string
	FundingRate    float64
	LiquidityTier  int
	PumpScore      float64
	Track          string
	UnlockProgress float64
}

type SignalRow struct {
	CycleTS        time.Time
	Asset          string
	Strength       float64
	UnlockProgress float64
	Rank           int
}

type OrderEventRow struct {
	Time           time.Time
	CycleTS        time.Time
	OrderID        string
	ClientOrderID  string
	Asset          string
	Side           string
	Reason         string
	RequestedUSD   float64
	FilledUSD      float64
	Status         string
	Error          string
	SubmitAttempts int
}

type CycleSummaryRow struct {
	CycleTS         time.Time
	DurationMS      int64
	AssetsInSnap    int
	SignalsEmitted  int
	DeltasApproved  int
	DeltasRejected  int
	ForcedDeltas    int
	OrdersFilled    int
	OrdersFailed    int
	OrdersInflight  int
	Aborted         bool
	AbortReason     string
	GrossExposure   float64
	UnrealizedTotal float64
}

// Writer is the append-only storage collaborator. All writes go through
// bounded channels consumed by a single background goroutine; a full
// queue drops the row with a warning rather than stalling the cycle.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	snapshots chan SnapshotRow
	factors   chan FactorRow
	signals   chan SignalRow
	orders    chan OrderEventRow
	summaries chan CycleSummaryRow
	started   atomic.Bool
	dropped   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		snapshots: make(chan SnapshotRow, queueSize),
		factors:   make(chan FactorRow, queueSize),
		signals:   make(chan SignalRow, queueSize),
		orders:    make(chan OrderEventRow, queueSize),
		summaries: make(chan CycleSummaryRow, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSnapshot(row SnapshotRow) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- row:
	default:
		w.warnDrop("snapshot")
	}
}

func (w *Writer) EnqueueFactor(row FactorRow) {
	if w == nil {
		return
	}
	select {
	case w.factors <- row:
	default:
		w.warnDrop("factor")
	}
}

func (w *Writer) EnqueueSignal(row SignalRow) {
	if w == nil {
		return
	}
	select {
	case w.signals <- row:
	default:
		w.warnDrop("signal")
	}
}

func (w *Writer) EnqueueOrderEvent(row OrderEventRow) {
	if w == nil {
		return
	}
	select {
	case w.orders <- row:
	default:
		w.warnDrop("order event")
	}
}

func (w *Writer) EnqueueCycleSummary(row CycleSummaryRow) {
	if w == nil {
		return
	}
	select {
	case w.summaries <- row:
	default:
		w.warnDrop("cycle summary")
	}
}

func (w *Writer) warnDrop(kind string) {
	if w.dropped.Add(1) == 1 && w.log != nil {
		w.log.Warn("timescale queue full, dropping rows", zap.String("kind", kind))
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.snapshots:
			w.writeSnapshot(ctx, row)
		case row := <-w.factors:
			w.writeFactor(ctx, row)
		case row := <-w.signals:
			w.writeSignal(ctx, row)
		case row := <-w.orders:
			w.writeOrderEvent(ctx, row)
		case row := <-w.summaries:
			w.writeCycleSummary(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		volume_24h_usd DOUBLE PRECISION NOT NULL,
		market_cap_usd DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, asset)
	)`, w.table("market_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		liquidity_tier INTEGER NOT NULL,
		pump_score DOUBLE PRECISION NOT NULL,
		track TEXT NOT NULL,
		unlock_progress DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, asset)
	)`, w.table("factor_records"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		strength DOUBLE PRECISION NOT NULL,
		unlock_progress DOUBLE PRECISION NOT NULL,
		rank INTEGER NOT NULL,
		PRIMARY KEY (ts, asset)
	)`, w.table("signals"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle_ts TIMESTAMPTZ NOT NULL,
		order_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		side TEXT NOT NULL,
		reason TEXT NOT NULL,
		requested_usd DOUBLE PRECISION NOT NULL,
		filled_usd DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		submit_attempts INTEGER NOT NULL
	)`, w.table("order_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		assets_in_snapshot INTEGER NOT NULL,
		signals_emitted INTEGER NOT NULL,
		deltas_approved INTEGER NOT NULL,
		deltas_rejected INTEGER NOT NULL,
		forced_deltas INTEGER NOT NULL,
		orders_filled INTEGER NOT NULL,
		orders_failed INTEGER NOT NULL,
		orders_inflight INTEGER NOT NULL,
		aborted BOOLEAN NOT NULL,
		abort_reason TEXT NOT NULL DEFAULT '',
		gross_exposure DOUBLE PRECISION NOT NULL,
		unrealized_total DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts)
	)`, w.table("cycle_summaries"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"market_snapshots", "factor_records", "signals", "order_events", "cycle_summaries"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSnapshot(ctx context.Context, row SnapshotRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, price, volume_24h_usd, market_cap_usd, funding_rate
	) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`, w.table("market_snapshots"))
	w.insert(ctx, "snapshot", query,
		row.CycleTS, row.Asset, row.Price, row.Volume24hUSD,
		row.MarketCapUSD, row.FundingRate)
}

func (w *Writer) writeFactor(ctx context.Context, row FactorRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, funding_rate, liquidity_tier, pump_score, track, unlock_progress
	) VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`, w.table("factor_records"))
	w.insert(ctx, "factor", query,
		row.CycleTS, row.Asset, row.FundingRate, row.LiquidityTier,
		row.PumpScore, row.Track, row.UnlockProgress)
}

func (w *Writer) writeSignal(ctx context.Context, row SignalRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, strength, unlock_progress, rank
	) VALUES ($1,$2,$3,$4,$5) ON CONFLICT DO NOTHING`, w.table("signals"))
	w.insert(ctx, "signal", query,
		row.CycleTS, row.Asset, row.Strength, row.UnlockProgress, row.Rank)
}

func (w *Writer) writeOrderEvent(ctx context.Context, row OrderEventRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle_ts, order_id, client_order_id, asset, side, reason,
		requested_usd, filled_usd, status, error, submit_attempts
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, w.table("order_events"))
	w.insert(ctx, "order event", query,
		row.Time, row.CycleTS, row.OrderID, row.ClientOrderID, row.Asset,
		row.Side, row.Reason, row.RequestedUSD, row.FilledUSD, row.Status,
		row.Error, row.SubmitAttempts)
}

func (w *Writer) writeCycleSummary(ctx context.Context, row CycleSummaryRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, duration_ms, assets_in_snapshot, signals_emitted, deltas_approved,
		deltas_rejected, forced_deltas, orders_filled, orders_failed,
		orders_inflight, aborted, abort_reason, gross_exposure, unrealized_total
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) ON CONFLICT DO NOTHING`, w.table("cycle_summaries"))
	w.insert(ctx, "cycle summary", query,
		row.CycleTS, row.DurationMS, row.AssetsInSnap, row.SignalsEmitted,
		row.DeltasApproved, row.DeltasRejected, row.ForcedDeltas,
		row.OrdersFilled, row.OrdersFailed, row.OrdersInflight,
		row.Aborted, row.AbortReason, row.GrossExposure, row.UnrealizedTotal)
}

func (w *Writer) insert(ctx context.Context, kind, query string, args ...interface{}) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil && w.log != nil {
		w.log.Warn("timescale insert failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
