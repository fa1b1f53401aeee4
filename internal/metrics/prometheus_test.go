package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.CyclesCompleted.Inc()
	prom.Metrics.CyclesAborted.Inc()
	prom.Metrics.SignalsEmitted.Inc()
	prom.Metrics.DeltasApproved.Inc()
	prom.Metrics.DeltasClamped.Inc()
	prom.Metrics.DeltasRejected.Inc()
	prom.Metrics.ForcedReductions.Inc()
	prom.Metrics.OrdersFilled.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.OrdersRejected.Inc()
	prom.Metrics.DataGaps.Inc()

	assertCounter(t, prom.cyclesCompleted, 1)
	assertCounter(t, prom.cyclesAborted, 1)
	assertCounter(t, prom.signalsEmitted, 1)
	assertCounter(t, prom.deltasApproved, 1)
	assertCounter(t, prom.deltasClamped, 1)
	assertCounter(t, prom.deltasRejected, 1)
	assertCounter(t, prom.forcedReductions, 1)
	assertCounter(t, prom.ordersFilled, 1)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.ordersRejected, 1)
	assertCounter(t, prom.dataGaps, 1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
