package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AssetQuote is one asset's slice of a point-in-time snapshot. Optional
// fields carry a Has flag instead of a zero value so downstream validation
// can tell "missing" from "actually zero".
type AssetQuote struct {
	Symbol           string
	Price            float64
	PrevPrice        float64
	Volume24hUSD     float64
	PrevVolume24hUSD float64
	MarketCapUSD     float64
	FundingRate      float64
	HasFundingRate   bool
	UnlockProgress   float64
	HasUnlock        bool
	SectorHint       string
}

type Snapshot struct {
	TakenAt time.Time
	Assets  []AssetQuote
}

// Prices returns the snapshot's last-trade price per symbol.
func (s Snapshot) Prices() map[string]float64 {
	prices := make(map[string]float64, len(s.Assets))
	for _, q := range s.Assets {
		if q.Price > 0 {
			prices[q.Symbol] = q.Price
		}
	}
	return prices
}

type snapshotPayload struct {
	Timestamp int64          `json:"timestamp"`
	Assets    []quotePayload `json:"assets"`
}

type quotePayload struct {
	Symbol           string   `json:"symbol"`
	Price            float64  `json:"price"`
	PrevPrice        float64  `json:"prev_price"`
	Volume24hUSD     float64  `json:"volume_24h_usd"`
	PrevVolume24hUSD float64  `json:"prev_volume_24h_usd"`
	MarketCapUSD     float64  `json:"market_cap_usd"`
	FundingRate      *float64 `json:"funding_rate"`
	UnlockProgress   *float64 `json:"unlock_progress"`
	Sector           string   `json:"sector,omitempty"`
}

// Client reads point-in-time snapshots from the market-data collaborator.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Snapshot fetches the current snapshot. A failure here is cycle-fatal for
// the caller; per-asset gaps are not, they surface as Has flags left false.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/snapshot", nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("snapshot request failed: status %d", resp.StatusCode)
	}
	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot decode: %w", err)
	}
	snap := Snapshot{
		TakenAt: time.UnixMilli(payload.Timestamp).UTC(),
		Assets:  make([]AssetQuote, 0, len(payload.Assets)),
	}
	for _, q := range payload.Assets {
		if q.Symbol == "" {
			c.log.Debug("snapshot asset without symbol dropped")
			continue
		}
		quote := AssetQuote{
			Symbol:           q.Symbol,
			Price:            q.Price,
			PrevPrice:        q.PrevPrice,
			Volume24hUSD:     q.Volume24hUSD,
			PrevVolume24hUSD: q.PrevVolume24hUSD,
			MarketCapUSD:     q.MarketCapUSD,
			SectorHint:       q.Sector,
		}
		if q.FundingRate != nil {
			quote.FundingRate = *q.FundingRate
			quote.HasFundingRate = true
		}
		if q.UnlockProgress != nil {
			quote.UnlockProgress = *q.UnlockProgress
			quote.HasUnlock = true
		}
		snap.Assets = append(snap.Assets, quote)
	}
	if payload.Timestamp == 0 {
		snap.TakenAt = time.Now().UTC()
	}
	return snap, nil
}
