package state

import (
	"context"
	"encoding/json"
	"strings"
)

const PortfolioSnapshotKey = "risk:portfolio_snapshot"

// PositionRecord is the externally visible view of one asset's short
// exposure. The risk manager owns the authoritative copy; everything else
// reads records.
type PositionRecord struct {
	Asset           string  `json:"asset"`
	CurrentNotional float64 `json:"current_notional"`
	EntryPrice      float64 `json:"entry_price"`
	MarkPrice       float64 `json:"mark_price"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	PnLPct          float64 `json:"pnl_pct"`
}

type PortfolioSnapshot struct {
	EquityUSD     float64          `json:"equity_usd"`
	GrossExposure float64          `json:"gross_exposure"`
	Positions     []PositionRecord `json:"positions"`
	UpdatedAtMS   int64            `json:"updated_at_ms"`
}

func LoadPortfolioSnapshot(ctx context.Context, store Store) (PortfolioSnapshot, bool, error) {
	if store == nil {
		return PortfolioSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, PortfolioSnapshotKey)
	if err != nil {
		return PortfolioSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return PortfolioSnapshot{}, false, nil
	}
	var snapshot PortfolioSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return PortfolioSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SavePortfolioSnapshot(ctx context.Context, store Store, snapshot PortfolioSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, PortfolioSnapshotKey, string(payload))
}
