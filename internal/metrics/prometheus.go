package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "tide_short_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	cyclesCompleted  prometheus.Counter
	cyclesAborted    prometheus.Counter
	signalsEmitted   prometheus.Counter
	deltasApproved   prometheus.Counter
	deltasClamped    prometheus.Counter
	deltasRejected   prometheus.Counter
	forcedReductions prometheus.Counter
	ordersFilled     prometheus.Counter
	ordersFailed     prometheus.Counter
	ordersRejected   prometheus.Counter
	dataGaps         prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	cyclesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_completed_total",
		Help:      "Total number of decision cycles completed.",
	})
	cyclesAborted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_aborted_total",
		Help:      "Total number of decision cycles aborted before commit.",
	})
	signalsEmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "signals_emitted_total",
		Help:      "Total number of short signals emitted.",
	})
	deltasApproved := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "deltas_approved_total",
		Help:      "Total number of position deltas approved by risk validation.",
	})
	deltasClamped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "deltas_clamped_total",
		Help:      "Total number of position deltas clamped to a cap.",
	})
	deltasRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "deltas_rejected_total",
		Help:      "Total number of position deltas rejected by risk validation.",
	})
	forcedReductions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "forced_reductions_total",
		Help:      "Total number of risk-forced position reductions.",
	})
	ordersFilled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_filled_total",
		Help:      "Total number of orders that reached a filled state.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of orders that exhausted retries.",
	})
	ordersRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_rejected_total",
		Help:      "Total number of orders terminally rejected by the exchange.",
	})
	dataGaps := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "data_gaps_total",
		Help:      "Total number of assets skipped for missing snapshot fields.",
	})

	registry.MustRegister(cyclesCompleted, cyclesAborted, signalsEmitted, deltasApproved,
		deltasClamped, deltasRejected, forcedReductions, ordersFilled, ordersFailed,
		ordersRejected, dataGaps)

	m := &Metrics{
		CyclesCompleted:  promCounter{cyclesCompleted},
		CyclesAborted:    promCounter{cyclesAborted},
		SignalsEmitted:   promCounter{signalsEmitted},
		DeltasApproved:   promCounter{deltasApproved},
		DeltasClamped:    promCounter{deltasClamped},
		DeltasRejected:   promCounter{deltasRejected},
		ForcedReductions: promCounter{forcedReductions},
		OrdersFilled:     promCounter{ordersFilled},
		OrdersFailed:     promCounter{ordersFailed},
		OrdersRejected:   promCounter{ordersRejected},
		DataGaps:         promCounter{dataGaps},
	}

	return &Prometheus{
		Metrics:          m,
		registry:         registry,
		cyclesCompleted:  cyclesCompleted,
		cyclesAborted:    cyclesAborted,
		signalsEmitted:   signalsEmitted,
		deltasApproved:   deltasApproved,
		deltasClamped:    deltasClamped,
		deltasRejected:   deltasRejected,
		forcedReductions: forcedReductions,
		ordersFilled:     ordersFilled,
		ordersFailed:     ordersFailed,
		ordersRejected:   ordersRejected,
		dataGaps:         dataGaps,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
