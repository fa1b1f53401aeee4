package factor

import (
	"go.uber.org/zap"

	"tide-short-bot/internal/config"
	"tide-short-bot/internal/market"
	"tide-short-bot/internal/state"
)

// Record is one asset's factor values for one cycle. Derived once from the
// snapshot and never mutated.
type Record struct {
	Symbol         string
	FundingRate    float64
	LiquidityTier  int
	PumpScore      float64
	Track          Track
	UnlockProgress float64
}

const (
	pumpPriceThreshold  = 0.10
	pumpVolumeThreshold = 1.00
	maxLiquidityTier    = 3
)

// Engine derives factor records from a snapshot. Pure computation over the
// snapshot and the static classification table; no external calls.
type Engine struct {
	table          *Table
	minTurnoverUSD float64
	smallCapMaxUSD float64
	log            *zap.Logger
}

func New(cfg config.StrategyConfig, table *Table, log *zap.Logger) *Engine {
	return &Engine{
		table:          table,
		minTurnoverUSD: cfg.MinTurnoverUSD,
		smallCapMaxUSD: cfg.SmallCapMaxUSD,
		log:            log,
	}
}

// Compute produces one Record per qualifying asset. Assets with a missing
// required field are dropped with a diagnostic; assets with negative
// funding are dropped by the short-carry gate without one. Neither aborts
// the cycle.
func (e *Engine) Compute(snap market.Snapshot) ([]Record, []state.CycleDiagnostic) {
	records := make([]Record, 0, len(snap.Assets))
	var diags []state.CycleDiagnostic
	for _, quote := range snap.Assets {
		if detail, ok := missingField(quote); ok {
			diags = append(diags, state.CycleDiagnostic{
				Asset:  quote.Symbol,
				Kind:   state.DiagDataGap,
				Detail: detail,
			})
			continue
		}
		if quote.FundingRate < 0 {
			e.log.Debug("funding gate drop",
				zap.String("asset", quote.Symbol),
				zap.Float64("funding_rate", quote.FundingRate))
			continue
		}
		records = append(records, Record{
			Symbol:         quote.Symbol,
			FundingRate:    quote.FundingRate,
			LiquidityTier:  e.liquidityTier(quote),
			PumpScore:      pumpScore(quote),
			Track:          e.resolveTrack(quote),
			UnlockProgress: clamp01(quote.UnlockProgress),
		})
	}
	return records, diags
}

// resolveTrack prefers the curated table; the feed's sector hint only
// classifies assets the table does not list.
func (e *Engine) resolveTrack(q market.AssetQuote) Track {
	if track, ok := e.table.Lookup(q.Symbol); ok {
		return track
	}
	if q.SectorHint != "" {
		return parseTrack(q.SectorHint)
	}
	return TrackOther
}

func missingField(q market.AssetQuote) (string, bool) {
	switch {
	case q.Price <= 0:
		return "missing price", true
	case q.PrevPrice <= 0:
		return "missing previous price", true
	case !q.HasFundingRate:
		return "missing funding rate", true
	case q.Volume24hUSD < 0:
		return "invalid 24h volume", true
	case q.MarketCapUSD <= 0:
		return "missing market cap", true
	case !q.HasUnlock:
		return "missing unlock progress", true
	}
	return "", false
}

// pumpScore ladders the recent-pump signal: price and volume both spiking
// scores 1.0, exactly one of the two scores 0.5.
func pumpScore(q market.AssetQuote) float64 {
	priceUp := (q.Price-q.PrevPrice)/q.PrevPrice > pumpPriceThreshold
	volumeUp := false
	if q.PrevVolume24hUSD > 0 {
		volumeUp = (q.Volume24hUSD-q.PrevVolume24hUSD)/q.PrevVolume24hUSD > pumpVolumeThreshold
	}
	switch {
	case priceUp && volumeUp:
		return 1.0
	case priceUp || volumeUp:
		return 0.5
	default:
		return 0
	}
}

// liquidityTier ladders 24h turnover against the configured minimum.
// Assets above the small-cap boundary are demoted one tier; the strategy
// prefers small caps.
func (e *Engine) liquidityTier(q market.AssetQuote) int {
	turnover := q.Volume24hUSD
	var tier int
	switch {
	case turnover < e.minTurnoverUSD:
		tier = 0
	case turnover >= 50*e.minTurnoverUSD:
		tier = maxLiquidityTier
	case turnover >= 10*e.minTurnoverUSD:
		tier = 2
	default:
		tier = 1
	}
	if q.MarketCapUSD > e.smallCapMaxUSD && tier > 0 {
		tier--
	}
	return tier
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
