package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tide-short-bot/internal/market"
	"tide-short-bot/internal/sizing"
	"tide-short-bot/internal/state"
	"tide-short-bot/internal/timescale"
)

// runCycle drives one snapshot-to-commit pass. Every failure mode lands in
// the cycle summary; nothing here panics the loop.
func (a *App) runCycle(ctx context.Context) {
	start := time.Now()
	summary := state.CycleSummary{CycleTS: start.Unix()}
	cycleCtx, cancel := context.WithTimeout(ctx, a.cfg.Strategy.CycleInterval)
	defer cancel()

	if !a.risk.Healthy() {
		a.abortCycle(&summary, start, "position state corrupt")
		return
	}

	snap, err := a.market.Snapshot(cycleCtx)
	if err != nil {
		a.abortCycle(&summary, start, "snapshot unavailable: "+err.Error())
		return
	}
	summary.AssetsInSnap = len(snap.Assets)
	if a.writer != nil {
		for _, q := range snap.Assets {
			a.writer.EnqueueSnapshot(timescale.SnapshotRow{
				CycleTS:      start.UTC(),
				Asset:        q.Symbol,
				Price:        q.Price,
				Volume24hUSD: q.Volume24hUSD,
				MarketCapUSD: q.MarketCapUSD,
				FundingRate:  q.FundingRate,
			})
		}
	}

	records, diags := a.factors.Compute(snap)
	summary.FactorRecords = len(records)
	summary.Diagnostics = append(summary.Diagnostics, diags...)
	for range diags {
		a.metrics.DataGaps.Inc()
	}
	cycleTime := start.UTC()
	if a.writer != nil {
		for _, rec := range records {
			a.writer.EnqueueFactor(timescale.FactorRow{
				CycleTS:        cycleTime,
				Asset:          rec.Symbol,
				FundingRate:    rec.FundingRate,
				LiquidityTier:  rec.LiquidityTier,
				PumpScore:      rec.PumpScore,
				Track:          string(rec.Track),
				UnlockProgress: rec.UnlockProgress,
			})
		}
	}

	a.risk.MarkPrices(a.currentMarks(snap))

	// PnL-driven deltas are evaluated once per cycle, before the signal
	// deltas, so a forced reduce is never starved by fresh entries.
	riskDeltas := a.risk.EvaluatePnL()
	for _, d := range riskDeltas {
		if d.Reason == sizing.ReasonRiskForced {
			summary.ForcedDeltas++
			a.metrics.ForcedReductions.Inc()
			a.alerts.NotifyForcedReduce(cycleCtx, d.Asset, -d.TargetChange)
		}
	}

	sigs := a.signals.Generate(records, summary.CycleTS)
	summary.SignalsEmitted = len(sigs)
	for i, sig := range sigs {
		a.metrics.SignalsEmitted.Inc()
		if a.writer != nil {
			a.writer.EnqueueSignal(timescale.SignalRow{
				CycleTS:        cycleTime,
				Asset:          sig.Asset,
				Strength:       sig.Strength,
				UnlockProgress: sig.UnlockProgress,
				Rank:           i + 1,
			})
		}
	}

	proposed := append(riskDeltas, a.sizer.Propose(sigs, a.risk.Snapshot())...)
	summary.DeltasProposed = len(proposed)

	approved := make([]sizing.Delta, 0, len(proposed))
	for _, d := range proposed {
		adjusted, clamped, err := a.risk.Validate(d)
		if err != nil {
			summary.DeltasRejected++
			a.metrics.DeltasRejected.Inc()
			summary.Diagnostics = append(summary.Diagnostics, state.CycleDiagnostic{
				Asset:  d.Asset,
				Kind:   state.DiagValidationRejected,
				Detail: err.Error(),
			})
			continue
		}
		if clamped {
			summary.DeltasClamped++
			a.metrics.DeltasClamped.Inc()
		}
		summary.DeltasApproved++
		a.metrics.DeltasApproved.Inc()
		approved = append(approved, adjusted)
	}

	result := a.executor.Execute(cycleCtx, summary.CycleTS, approved)
	summary.OrdersFilled = result.Filled
	summary.OrdersFailed = result.Failed
	summary.OrdersInflight = result.Detached
	summary.Diagnostics = append(summary.Diagnostics, a.drainOrderDiags()...)
	if !a.risk.Healthy() {
		a.alerts.NotifyCorrupt(cycleCtx)
	}

	a.metrics.CyclesCompleted.Inc()
	a.finishCycle(&summary, start)
}

func (a *App) abortCycle(summary *state.CycleSummary, start time.Time, reason string) {
	summary.Aborted = true
	summary.AbortReason = reason
	a.metrics.CyclesAborted.Inc()
	a.log.Warn("cycle aborted", zap.Int64("cycle_ts", summary.CycleTS), zap.String("reason", reason))
	a.alerts.NotifyAbort(context.Background(), summary.CycleTS, reason)
	a.finishCycle(summary, start)
}

func (a *App) finishCycle(summary *state.CycleSummary, start time.Time) {
	summary.DurationMS = time.Since(start).Milliseconds()
	summary.GrossExposure = a.risk.GrossExposure()
	summary.UnrealizedTotal = a.risk.UnrealizedTotal()

	// Persist even when the parent context died mid-cycle.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := state.SaveCycleSummary(saveCtx, a.store, *summary); err != nil {
		a.log.Warn("cycle summary persist failed", zap.Error(err))
	}
	if a.writer != nil {
		a.writer.EnqueueCycleSummary(timescale.CycleSummaryRow{
			CycleTS:         time.Unix(summary.CycleTS, 0).UTC(),
			DurationMS:      summary.DurationMS,
			AssetsInSnap:    summary.AssetsInSnap,
			SignalsEmitted:  summary.SignalsEmitted,
			DeltasApproved:  summary.DeltasApproved,
			DeltasRejected:  summary.DeltasRejected,
			ForcedDeltas:    summary.ForcedDeltas,
			OrdersFilled:    summary.OrdersFilled,
			OrdersFailed:    summary.OrdersFailed,
			OrdersInflight:  summary.OrdersInflight,
			Aborted:         summary.Aborted,
			AbortReason:     summary.AbortReason,
			GrossExposure:   summary.GrossExposure,
			UnrealizedTotal: summary.UnrealizedTotal,
		})
	}
	a.log.Info("cycle complete",
		zap.Int64("cycle_ts", summary.CycleTS),
		zap.Int64("duration_ms", summary.DurationMS),
		zap.Bool("aborted", summary.Aborted),
		zap.Int("signals", summary.SignalsEmitted),
		zap.Int("deltas_approved", summary.DeltasApproved),
		zap.Int("deltas_rejected", summary.DeltasRejected),
		zap.Int("orders_filled", summary.OrdersFilled),
		zap.Int("orders_inflight", summary.OrdersInflight),
		zap.Float64("gross_exposure", summary.GrossExposure))
}

// currentMarks overlays the live websocket marks on the snapshot prices so
// stale stream entries never shadow a fresh quote for an asset the stream
// has not seen.
func (a *App) currentMarks(snap market.Snapshot) map[string]float64 {
	marks := snap.Prices()
	if a.marks != nil {
		for sym, px := range a.marks.Marks() {
			marks[sym] = px
		}
	}
	return marks
}
