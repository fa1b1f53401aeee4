package exec

import (
	"github.com/google/uuid"

	"tide-short-bot/internal/sizing"
)

type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusFailed          Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusFailed
}

// Order is one exchange order driven through the lifecycle state machine.
// Owned by the executor until terminal; afterwards its effect lives in
// position state and an archived copy.
type Order struct {
	ID                string
	ClientOrderID     string
	Asset             string
	Side              string
	Reason            sizing.Reason
	RequestedNotional float64
	FilledNotional    float64
	AvgPrice          float64
	Status            Status
	ErrDetail         string
	SubmitAttempts    int
	CycleTS           int64
}

func newOrder(delta sizing.Delta, cycleTS int64) *Order {
	side := "sell"
	notional := delta.TargetChange
	if notional < 0 {
		side = "buy"
		notional = -notional
	}
	return &Order{
		ClientOrderID:     uuid.NewString(),
		Asset:             delta.Asset,
		Side:              side,
		Reason:            delta.Reason,
		RequestedNotional: notional,
		Status:            StatusCreated,
		CycleTS:           cycleTS,
	}
}
