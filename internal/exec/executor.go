package exec

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tide-short-bot/internal/config"
	"tide-short-bot/internal/exchange"
	"tide-short-bot/internal/risk"
	"tide-short-bot/internal/sizing"
	"tide-short-bot/internal/state"
)

// minimum remainder worth resubmitting, in USD notional
const minResidualNotional = 1.0

type ExchangeClient interface {
	SubmitOrder(ctx context.Context, asset, side string, notional float64, clientOrderID string) (string, error)
	PollOrder(ctx context.Context, orderID string) (exchange.OrderInfo, error)
	CancelOrder(ctx context.Context, orderID string) error
}

type Committer interface {
	Commit(ctx context.Context, fill risk.Fill) error
}

// Executor drives approved deltas through exchange orders. One delta maps
// to one order chain (the original order plus remainder resubmits); the
// chain commits its accumulated fill exactly once when it resolves.
type Executor struct {
	client     ExchangeClient
	committer  Committer
	store      state.Store
	cfg        config.ExecConfig
	log        *zap.Logger
	onTerminal func(state.ArchivedOrder)

	wg sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
	cache   map[string]string
}

func New(client ExchangeClient, committer Committer, store state.Store, cfg config.ExecConfig, log *zap.Logger) *Executor {
	return &Executor{
		client:    client,
		committer: committer,
		store:     store,
		cfg:       cfg,
		log:       log,
		cache:     make(map[string]string),
	}
}

// SetTerminalHook registers a callback invoked for every archived terminal
// order, including those resolved in the background.
func (e *Executor) SetTerminalHook(fn func(state.ArchivedOrder)) {
	e.onTerminal = fn
}

// Start provides the context that outlives individual cycles. Orders still
// inflight at a cycle deadline finish against it.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseCtx = ctx
}

// Wait blocks until detached background orders have resolved.
func (e *Executor) Wait() {
	e.wg.Wait()
}

type Result struct {
	Filled   int
	Failed   int
	Detached int
}

// Execute runs each delta on a bounded pool and returns when every order
// chain has either resolved or detached to the background. Per-delta
// failures are contained; they never fail the batch.
func (e *Executor) Execute(ctx context.Context, cycleTS int64, deltas []sizing.Delta) Result {
	var filled, failed, detached int64
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxConcurrentOrders)
	for _, delta := range deltas {
		delta := delta
		g.Go(func() error {
			switch e.runDelta(ctx, cycleTS, delta) {
			case outcomeFilled:
				atomic.AddInt64(&filled, 1)
			case outcomeFailed:
				atomic.AddInt64(&failed, 1)
			case outcomeDetached:
				atomic.AddInt64(&detached, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return Result{Filled: int(filled), Failed: int(failed), Detached: int(detached)}
}

type outcome int

const (
	outcomeFilled outcome = iota
	outcomeFailed
	outcomeDetached
)

func (e *Executor) runDelta(cycleCtx context.Context, cycleTS int64, delta sizing.Delta) outcome {
	order := newOrder(delta, cycleTS)
	var filledTotal, costTotal float64
	for {
		if terminal := e.driveOrder(cycleCtx, order); !terminal {
			e.detach(order, filledTotal, costTotal)
			return outcomeDetached
		}
		e.archive(order)
		filledTotal += order.FilledNotional
		if order.AvgPrice > 0 {
			costTotal += order.AvgPrice * order.FilledNotional
		}
		remaining := order.RequestedNotional - order.FilledNotional
		// A deadline cancel that got a partial fill resubmits the remainder
		// while the cycle budget allows; everything else resolves here and
		// the remainder is reconsidered next cycle.
		if order.Status == StatusRejected && order.FilledNotional > 0 &&
			remaining > minResidualNotional && cycleCtx.Err() == nil {
			change := remaining
			if order.Side == "buy" {
				change = -remaining
			}
			order = newOrder(sizing.Delta{Asset: delta.Asset, TargetChange: change, Reason: delta.Reason}, cycleTS)
			continue
		}
		e.commit(order.Asset, order.Side, filledTotal, costTotal)
		if filledTotal > 0 {
			return outcomeFilled
		}
		return outcomeFailed
	}
}

// driveOrder submits and polls one order. Returns false only when the
// cycle context expired with the order still non-terminal.
func (e *Executor) driveOrder(ctx context.Context, order *Order) bool {
	e.submit(ctx, order)
	if order.Status.Terminal() {
		return true
	}
	return e.poll(ctx, order)
}

func (e *Executor) submit(ctx context.Context, order *Order) {
	backoff := e.cfg.BackoffBase
	for attempt := 1; attempt <= e.cfg.RetryAttemptLimit; attempt++ {
		order.SubmitAttempts = attempt
		orderID, err := e.place(ctx, order)
		if err == nil {
			order.ID = orderID
			order.Status = StatusSubmitted
			return
		}
		if !transientErr(err) {
			order.Status = StatusRejected
			order.ErrDetail = err.Error()
			return
		}
		if attempt == e.cfg.RetryAttemptLimit {
			order.Status = StatusFailed
			order.ErrDetail = err.Error()
			return
		}
		e.log.Warn("order submit retry",
			zap.String("asset", order.Asset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			order.Status = StatusFailed
			order.ErrDetail = ctx.Err().Error()
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > e.cfg.BackoffCap {
				backoff = e.cfg.BackoffCap
			}
		}
	}
}

// place is idempotent per client order id: a crash between submit and
// record cannot double-submit because the exchange order id is cached in
// the kv store before the order is considered placed.
func (e *Executor) place(ctx context.Context, order *Order) (string, error) {
	cacheKey := "cloid:" + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.client.SubmitOrder(ctx, order.Asset, order.Side, order.RequestedNotional, order.ClientOrderID)
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) poll(ctx context.Context, order *Order) bool {
	deadline := time.NewTimer(e.cfg.OrderDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			e.expire(order)
			return true
		case <-ticker.C:
			info, err := e.client.PollOrder(ctx, order.ID)
			if err != nil {
				if transientErr(err) {
					continue
				}
				order.Status = StatusRejected
				order.ErrDetail = err.Error()
				return true
			}
			applyPoll(order, info)
			if order.Status.Terminal() {
				return true
			}
		}
	}
}

// expire cancels an order that outlived its deadline and records whatever
// fill it accumulated.
func (e *Executor) expire(order *Order) {
	ctx, cancel := context.WithTimeout(e.base(), 5*time.Second)
	defer cancel()
	if err := e.client.CancelOrder(ctx, order.ID); err != nil {
		e.log.Warn("deadline cancel failed",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
	if info, err := e.client.PollOrder(ctx, order.ID); err == nil {
		applyPoll(order, info)
	}
	if !order.Status.Terminal() {
		order.Status = StatusRejected
		order.ErrDetail = "order deadline exceeded"
	}
}

func applyPoll(order *Order, info exchange.OrderInfo) {
	if info.FilledNotional > order.FilledNotional {
		order.FilledNotional = info.FilledNotional
	}
	if info.AvgPrice > 0 {
		order.AvgPrice = info.AvgPrice
	}
	switch info.Status {
	case exchange.StatusFilled:
		order.Status = StatusFilled
	case exchange.StatusPartiallyFilled:
		order.Status = StatusPartiallyFilled
	case exchange.StatusRejected:
		order.Status = StatusRejected
		order.ErrDetail = info.Reason
	case exchange.StatusCanceled:
		order.Status = StatusRejected
		if order.ErrDetail == "" {
			order.ErrDetail = "canceled by exchange"
		}
	}
}

// detach finishes an order chain in the background after the cycle's
// synchronous phase moved on. The commit lands whenever the order
// terminates, possibly mid-next-cycle.
func (e *Executor) detach(order *Order, filledTotal, costTotal float64) {
	base := e.base()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(base, e.cfg.OrderDeadline)
		defer cancel()
		if terminal := e.poll(ctx, order); !terminal {
			e.expire(order)
		}
		e.archive(order)
		filledTotal += order.FilledNotional
		if order.AvgPrice > 0 {
			costTotal += order.AvgPrice * order.FilledNotional
		}
		e.commit(order.Asset, order.Side, filledTotal, costTotal)
	}()
}

func (e *Executor) commit(asset, side string, filledTotal, costTotal float64) {
	ctx, cancel := context.WithTimeout(e.base(), 10*time.Second)
	defer cancel()
	fill := risk.Fill{Asset: asset, Side: side, FilledNotional: filledTotal}
	if filledTotal > 0 && costTotal > 0 {
		fill.FillPrice = costTotal / filledTotal
	}
	if err := e.committer.Commit(ctx, fill); err != nil {
		e.log.Error("terminal commit failed",
			zap.String("asset", asset),
			zap.Error(err))
	}
}

func (e *Executor) archive(order *Order) {
	arch := state.ArchivedOrder{
		ID:             order.ID,
		ClientOrderID:  order.ClientOrderID,
		Asset:          order.Asset,
		Side:           order.Side,
		Reason:         string(order.Reason),
		RequestedUSD:   order.RequestedNotional,
		FilledUSD:      order.FilledNotional,
		Status:         string(order.Status),
		Error:          order.ErrDetail,
		CycleTS:        order.CycleTS,
		TerminalAtMS:   time.Now().UnixMilli(),
		SubmitAttempts: order.SubmitAttempts,
	}
	ctx, cancel := context.WithTimeout(e.base(), 5*time.Second)
	defer cancel()
	if err := state.ArchiveOrder(ctx, e.store, arch); err != nil {
		e.log.Warn("order archive failed", zap.Error(err))
	}
	if e.onTerminal != nil {
		e.onTerminal(arch)
	}
}

func (e *Executor) base() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

func transientErr(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
