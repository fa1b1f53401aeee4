package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

const orderArchivePrefix = "orders:archive:"

// ArchivedOrder is the compact record kept locally for every order that
// reached a terminal state. Persisted copies for analytics live in the
// external storage collaborator; this archive only backs the dashboard's
// recent-orders view and post-restart inspection.
type ArchivedOrder struct {
	ID             string  `msgpack:"id"`
	ClientOrderID  string  `msgpack:"client_order_id"`
	Asset          string  `msgpack:"asset"`
	Side           string  `msgpack:"side"`
	Reason         string  `msgpack:"reason"`
	RequestedUSD   float64 `msgpack:"requested_usd"`
	FilledUSD      float64 `msgpack:"filled_usd"`
	Status         string  `msgpack:"status"`
	Error          string  `msgpack:"error,omitempty"`
	CycleTS        int64   `msgpack:"cycle_ts"`
	TerminalAtMS   int64   `msgpack:"terminal_at_ms"`
	SubmitAttempts int     `msgpack:"submit_attempts"`
}

func ArchiveOrder(ctx context.Context, store Store, order ArchivedOrder) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(order)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", orderArchivePrefix, order.TerminalAtMS, order.ClientOrderID)
	return store.Set(ctx, key, base64.StdEncoding.EncodeToString(payload))
}

// RecentOrders returns archived terminal orders, newest first.
func RecentOrders(ctx context.Context, store Store, limit int) ([]ArchivedOrder, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := store.List(ctx, orderArchivePrefix, 0)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]ArchivedOrder, 0, len(keys))
	for _, key := range keys {
		payload, err := base64.StdEncoding.DecodeString(raw[key])
		if err != nil {
			return nil, fmt.Errorf("decode archive %s: %w", key, err)
		}
		var order ArchivedOrder
		if err := msgpack.Unmarshal(payload, &order); err != nil {
			return nil, fmt.Errorf("unmarshal archive %s: %w", key, err)
		}
		out = append(out, order)
	}
	return out, nil
}
