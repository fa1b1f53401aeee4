package signal

import (
	"sort"

	"tide-short-bot/internal/config"
	"tide-short-bot/internal/factor"
)

// Signal is one ranked short candidate for one cycle.
type Signal struct {
	Asset          string
	Strength       float64
	UnlockProgress float64
	CycleTS        int64
}

// Generator filters and ranks factor records into short candidates. Pure
// function of its input; recomputed from scratch each cycle.
type Generator struct {
	unlockThreshold float64
	pumpWeight      float64
	liquidityWeight float64
	memeBonus       float64
	minScore        float64
}

func New(cfg config.StrategyConfig) *Generator {
	return &Generator{
		unlockThreshold: cfg.UnlockThreshold,
		pumpWeight:      cfg.PumpScoreWeight,
		liquidityWeight: cfg.LiquidityWeight,
		memeBonus:       cfg.MemeBonus,
		minScore:        cfg.MinSignalScore,
	}
}

// Generate applies the filters and weighted score, then orders the result
// by score desc, unlock progress asc, symbol asc. The ordering is total,
// so identical input always yields the identical sequence.
func (g *Generator) Generate(records []factor.Record, cycleTS int64) []Signal {
	signals := make([]Signal, 0, len(records))
	for _, rec := range records {
		// Never short DeFi.
		if rec.Track == factor.TrackDeFi {
			continue
		}
		if rec.UnlockProgress > g.unlockThreshold {
			continue
		}
		score := g.score(rec)
		if score < g.minScore {
			continue
		}
		signals = append(signals, Signal{
			Asset:          rec.Symbol,
			Strength:       score,
			UnlockProgress: rec.UnlockProgress,
			CycleTS:        cycleTS,
		})
	}
	sort.Slice(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if a.Strength != b.Strength {
			return a.Strength > b.Strength
		}
		if a.UnlockProgress != b.UnlockProgress {
			return a.UnlockProgress < b.UnlockProgress
		}
		return a.Asset < b.Asset
	})
	return signals
}

func (g *Generator) score(rec factor.Record) float64 {
	liquidity := float64(rec.LiquidityTier) / 3.0
	score := g.pumpWeight*rec.PumpScore + g.liquidityWeight*liquidity
	if rec.Track == factor.TrackMeme {
		score += g.memeBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}
