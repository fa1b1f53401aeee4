package risk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tide-short-bot/internal/config"
	"tide-short-bot/internal/sizing"
	"tide-short-bot/internal/state"
)

var (
	ErrCapExceeded         = errors.New("cap exceeded")
	ErrConflictingInflight = errors.New("conflicting inflight order")
	ErrPortfolioCeiling    = errors.New("portfolio ceiling reached")
)

const notionalEpsilon = 1e-6

type position struct {
	notional   float64
	entryPrice float64
	markPrice  float64
}

// unrealized PnL of a short: profit when the mark falls below entry.
func (p *position) unrealized() float64 {
	if p.entryPrice <= 0 || p.markPrice <= 0 {
		return 0
	}
	return (p.entryPrice - p.markPrice) / p.entryPrice * p.notional
}

func (p *position) pnlPct() float64 {
	if p.entryPrice <= 0 || p.markPrice <= 0 {
		return 0
	}
	return (p.entryPrice - p.markPrice) / p.entryPrice
}

// Fill is a terminal order's effect, reported by execution. A zero
// FilledNotional is a zero-effect terminal that only releases the asset's
// inflight lock.
type Fill struct {
	Asset          string
	Side           string
	FilledNotional float64
	FillPrice      float64
}

// Manager owns authoritative exposure state. PositionState mutates only
// through Commit; everything else reads copies.
type Manager struct {
	cfg    config.RiskConfig
	equity float64
	store  state.Store
	log    *zap.Logger

	mu        sync.Mutex
	positions map[string]*position
	// inflight maps an asset with an open order chain to its reserved
	// growth in USD (zero for reductions). Presence is the per-asset lock;
	// the values keep the ceiling honest across a batch of approvals that
	// have not committed yet.
	inflight map[string]float64
	corrupt  bool
	now      func() time.Time
}

func New(cfg config.RiskConfig, equityUSD float64, store state.Store, log *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		equity:    equityUSD,
		store:     store,
		log:       log,
		positions: make(map[string]*position),
		inflight:  make(map[string]float64),
		now:       time.Now,
	}
}

func (m *Manager) entryCapUSD() float64 { return m.cfg.EntryCapPct * m.equity }
func (m *Manager) maxCapUSD() float64   { return m.cfg.MaxCapPct * m.equity }
func (m *Manager) ceilingUSD() float64  { return m.cfg.PortfolioCeilingPct * m.equity }

// Load restores persisted positions from the kv store.
func (m *Manager) Load(ctx context.Context) error {
	snap, ok, err := state.LoadPortfolioSnapshot(ctx, m.store)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range snap.Positions {
		if rec.CurrentNotional <= 0 {
			continue
		}
		m.positions[rec.Asset] = &position{
			notional:   rec.CurrentNotional,
			entryPrice: rec.EntryPrice,
			markPrice:  rec.MarkPrice,
		}
	}
	return nil
}

// Validate approves, clamps, or rejects one delta and takes the asset's
// inflight lock on approval. Growth is clamped to the max-cap headroom and
// the portfolio ceiling; a NEW_SIGNAL above the entry cap on a fresh asset
// is rejected outright. Reductions are clamped to the held notional.
func (m *Manager) Validate(delta sizing.Delta) (sizing.Delta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, open := m.inflight[delta.Asset]; open {
		return sizing.Delta{}, false, ErrConflictingInflight
	}
	var current float64
	if pos, ok := m.positions[delta.Asset]; ok {
		current = pos.notional
	}
	approved := delta
	clamped := false
	var reserved float64
	if delta.TargetChange > 0 {
		if delta.Reason == sizing.ReasonNewSignal && current <= notionalEpsilon && delta.TargetChange > m.entryCapUSD()+notionalEpsilon {
			return sizing.Delta{}, false, ErrCapExceeded
		}
		headroom := m.maxCapUSD() - current
		if headroom <= notionalEpsilon {
			return sizing.Delta{}, false, ErrCapExceeded
		}
		if approved.TargetChange > headroom {
			approved.TargetChange = headroom
			clamped = true
		}
		// Ceiling room accounts for growth already approved this batch but
		// not yet committed, so same-cycle deltas cannot jointly breach it.
		ceilingRoom := m.ceilingUSD() - m.grossLocked() - m.reservedLocked()
		if ceilingRoom <= notionalEpsilon {
			return sizing.Delta{}, false, ErrPortfolioCeiling
		}
		if approved.TargetChange > ceilingRoom {
			approved.TargetChange = ceilingRoom
			clamped = true
		}
		reserved = approved.TargetChange
	} else {
		if -approved.TargetChange > current {
			approved.TargetChange = -current
			clamped = true
		}
		if approved.TargetChange == 0 {
			return sizing.Delta{}, false, ErrCapExceeded
		}
	}
	m.inflight[delta.Asset] = reserved
	return approved, clamped, nil
}

// Release drops an inflight lock for a delta that never reached the
// exchange. Commit is the release path for everything submitted.
func (m *Manager) Release(asset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, asset)
}

// EvaluatePnL inspects held positions against the drawdown ladder. Near
// the max cap a breach forces a reduce; below it, a breach proposes an
// averaging add that goes through the normal validate path. Forced deltas
// come first and assets are visited in a fixed order.
func (m *Manager) EvaluatePnL() []sizing.Delta {
	m.mu.Lock()
	defer m.mu.Unlock()
	assets := make([]string, 0, len(m.positions))
	for asset := range m.positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	var forced, advisory []sizing.Delta
	nearCap := m.cfg.NearCapRatio * m.maxCapUSD()
	for _, asset := range assets {
		pos := m.positions[asset]
		pct := pos.pnlPct()
		if pos.notional >= nearCap {
			if pct <= -m.cfg.ReduceLossThreshold || pct >= m.cfg.ReduceProfitThreshold {
				forced = append(forced, sizing.Delta{
					Asset:        asset,
					TargetChange: -m.cfg.ReduceRatio * pos.notional,
					Reason:       sizing.ReasonRiskForced,
				})
			}
			continue
		}
		if pct <= -m.cfg.AddLossThreshold || pct >= m.cfg.AddProfitThreshold {
			advisory = append(advisory, sizing.Delta{
				Asset:        asset,
				TargetChange: m.entryCapUSD() / 2,
				Reason:       sizing.ReasonScaleUp,
			})
		}
	}
	return append(forced, advisory...)
}

// Commit applies a terminal order's effect. The only mutation path into
// position state; always releases the asset's inflight lock.
func (m *Manager) Commit(ctx context.Context, fill Fill) error {
	m.mu.Lock()
	delete(m.inflight, fill.Asset)
	if fill.FilledNotional > 0 {
		pos := m.positions[fill.Asset]
		switch fill.Side {
		case "sell":
			if pos == nil {
				pos = &position{}
				m.positions[fill.Asset] = pos
			}
			total := pos.notional + fill.FilledNotional
			if pos.notional > 0 && pos.entryPrice > 0 && fill.FillPrice > 0 {
				pos.entryPrice = (pos.entryPrice*pos.notional + fill.FillPrice*fill.FilledNotional) / total
			} else if fill.FillPrice > 0 {
				pos.entryPrice = fill.FillPrice
			}
			pos.notional = total
			if fill.FillPrice > 0 {
				pos.markPrice = fill.FillPrice
			}
			if pos.notional > m.maxCapUSD()+notionalEpsilon {
				m.corrupt = true
				m.log.Error("cap invariant violated after commit",
					zap.String("asset", fill.Asset),
					zap.Float64("notional", pos.notional),
					zap.Float64("max_cap", m.maxCapUSD()))
			}
		case "buy":
			if pos != nil {
				pos.notional -= fill.FilledNotional
				if fill.FillPrice > 0 {
					pos.markPrice = fill.FillPrice
				}
				if pos.notional <= notionalEpsilon {
					delete(m.positions, fill.Asset)
				}
			}
		}
	}
	snap := m.portfolioSnapshotLocked()
	m.mu.Unlock()
	return state.SavePortfolioSnapshot(ctx, m.store, snap)
}

// MarkPrices refreshes marks for held assets from the streamed mark map.
func (m *Manager) MarkPrices(marks map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for asset, pos := range m.positions {
		if price, ok := marks[asset]; ok && price > 0 {
			pos.markPrice = price
		}
	}
}

// Snapshot returns a read-only copy of current positions, sorted by asset.
func (m *Manager) Snapshot() []state.PositionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordsLocked()
}

func (m *Manager) PortfolioSnapshot() state.PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portfolioSnapshotLocked()
}

func (m *Manager) GrossExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grossLocked()
}

func (m *Manager) UnrealizedTotal() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, pos := range m.positions {
		total += pos.unrealized()
	}
	return total
}

// Healthy reports whether the cap invariant has held across all commits.
// A false return is cycle-fatal for the coordinator.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.corrupt
}

func (m *Manager) reservedLocked() float64 {
	var total float64
	for _, growth := range m.inflight {
		total += growth
	}
	return total
}

func (m *Manager) grossLocked() float64 {
	var gross float64
	for _, pos := range m.positions {
		gross += pos.notional
	}
	return gross
}

func (m *Manager) recordsLocked() []state.PositionRecord {
	assets := make([]string, 0, len(m.positions))
	for asset := range m.positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	records := make([]state.PositionRecord, 0, len(assets))
	for _, asset := range assets {
		pos := m.positions[asset]
		rec := state.PositionRecord{
			Asset:           asset,
			CurrentNotional: pos.notional,
			EntryPrice:      pos.entryPrice,
			MarkPrice:       pos.markPrice,
			UnrealizedPnL:   pos.unrealized(),
			PnLPct:          pos.pnlPct(),
		}
		records = append(records, rec)
	}
	return records
}

func (m *Manager) portfolioSnapshotLocked() state.PortfolioSnapshot {
	return state.PortfolioSnapshot{
		EquityUSD:     m.equity,
		GrossExposure: m.grossLocked(),
		Positions:     m.recordsLocked(),
		UpdatedAtMS:   m.now().UnixMilli(),
	}
}
