package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesCompleted  Counter
	CyclesAborted    Counter
	SignalsEmitted   Counter
	DeltasApproved   Counter
	DeltasClamped    Counter
	DeltasRejected   Counter
	ForcedReductions Counter
	OrdersFilled     Counter
	OrdersFailed     Counter
	OrdersRejected   Counter
	DataGaps         Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesCompleted:  n,
		CyclesAborted:    n,
		SignalsEmitted:   n,
		DeltasApproved:   n,
		DeltasClamped:    n,
		DeltasRejected:   n,
		ForcedReductions: n,
		OrdersFilled:     n,
		OrdersFailed:     n,
		OrdersRejected:   n,
		DataGaps:         n,
	}
}
