package sizing

import (
	"sort"

	"tide-short-bot/internal/config"
	"tide-short-bot/internal/signal"
	"tide-short-bot/internal/state"
)

type Reason string

const (
	ReasonNewSignal  Reason = "NEW_SIGNAL"
	ReasonScaleUp    Reason = "SCALE_UP"
	ReasonScaleDown  Reason = "SCALE_DOWN"
	ReasonRiskForced Reason = "RISK_FORCED"
)

// Delta is a proposed change to one asset's short notional. Positive
// TargetChange grows the short, negative shrinks it. Transient; consumed
// by execution and discarded.
type Delta struct {
	Asset        string
	TargetChange float64
	Reason       Reason
}

const (
	strengthBaseFraction = 0.4
	strengthSpanFraction = 0.6
)

// Sizer turns ranked signals into advisory notional deltas. Risk
// validation has final authority; sizing only shapes the request.
type Sizer struct {
	entryCapUSD float64
	maxCapUSD   float64
}

func New(cfg config.RiskConfig, equityUSD float64) *Sizer {
	return &Sizer{
		entryCapUSD: cfg.EntryCapPct * equityUSD,
		maxCapUSD:   cfg.MaxCapPct * equityUSD,
	}
}

// Propose walks signals in rank order. New assets get an entry sized by
// strength, held assets below the max cap get a scale-up bounded by the
// remaining headroom, and held assets that fell out of the ranking get an
// unwind to zero. Deterministic for identical inputs.
func (s *Sizer) Propose(signals []signal.Signal, positions []state.PositionRecord) []Delta {
	held := make(map[string]float64, len(positions))
	for _, pos := range positions {
		if pos.CurrentNotional > 0 {
			held[pos.Asset] = pos.CurrentNotional
		}
	}
	signaled := make(map[string]bool, len(signals))
	deltas := make([]Delta, 0, len(signals))
	for _, sig := range signals {
		signaled[sig.Asset] = true
		current := held[sig.Asset]
		size := s.entrySize(sig.Strength)
		switch {
		case current == 0:
			deltas = append(deltas, Delta{Asset: sig.Asset, TargetChange: size, Reason: ReasonNewSignal})
		case current < s.maxCapUSD:
			headroom := s.maxCapUSD - current
			if size > headroom {
				size = headroom
			}
			deltas = append(deltas, Delta{Asset: sig.Asset, TargetChange: size, Reason: ReasonScaleUp})
		}
	}
	// Signal decay unwinds: held assets absent from the ranking.
	decayed := make([]string, 0, len(held))
	for asset := range held {
		if !signaled[asset] {
			decayed = append(decayed, asset)
		}
	}
	sort.Strings(decayed)
	for _, asset := range decayed {
		deltas = append(deltas, Delta{Asset: asset, TargetChange: -held[asset], Reason: ReasonScaleDown})
	}
	return deltas
}

func (s *Sizer) entrySize(strength float64) float64 {
	size := s.entryCapUSD * (strengthBaseFraction + strengthSpanFraction*strength)
	if size > s.entryCapUSD {
		size = s.entryCapUSD
	}
	return size
}
