package state

import (
	"context"
	"encoding/json"
	"strings"
)

const CycleSummaryKey = "cycle:last_summary"

// Diagnostic kinds mirror the failure taxonomy surfaced per cycle.
const (
	DiagDataGap            = "DATA_GAP"
	DiagValidationRejected = "VALIDATION_REJECTED"
	DiagExchangeTransient  = "EXCHANGE_TRANSIENT"
	DiagExchangeTerminal   = "EXCHANGE_TERMINAL"
)

type CycleDiagnostic struct {
	Asset  string `json:"asset"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// CycleSummary is the per-cycle report read by the dashboard and appended
// to storage. It never hides one asset's failure behind another's.
type CycleSummary struct {
	CycleTS         int64             `json:"cycle_ts"`
	DurationMS      int64             `json:"duration_ms"`
	AssetsInSnap    int               `json:"assets_in_snapshot"`
	FactorRecords   int               `json:"factor_records"`
	SignalsEmitted  int               `json:"signals_emitted"`
	DeltasProposed  int               `json:"deltas_proposed"`
	DeltasApproved  int               `json:"deltas_approved"`
	DeltasClamped   int               `json:"deltas_clamped"`
	DeltasRejected  int               `json:"deltas_rejected"`
	ForcedDeltas    int               `json:"forced_deltas"`
	OrdersFilled    int               `json:"orders_filled"`
	OrdersFailed    int               `json:"orders_failed"`
	OrdersInflight  int               `json:"orders_inflight"`
	Aborted         bool              `json:"aborted"`
	AbortReason     string            `json:"abort_reason,omitempty"`
	Diagnostics     []CycleDiagnostic `json:"diagnostics,omitempty"`
	GrossExposure   float64           `json:"gross_exposure"`
	UnrealizedTotal float64           `json:"unrealized_total"`
}

func LoadCycleSummary(ctx context.Context, store Store) (CycleSummary, bool, error) {
	if store == nil {
		return CycleSummary{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, CycleSummaryKey)
	if err != nil {
		return CycleSummary{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSummary{}, false, nil
	}
	var summary CycleSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return CycleSummary{}, false, err
	}
	return summary, true, nil
}

func SaveCycleSummary(ctx context.Context, store Store, summary CycleSummary) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return store.Set(ctx, CycleSummaryKey, string(payload))
}
