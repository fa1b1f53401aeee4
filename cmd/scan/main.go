package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"tide-short-bot/internal/config"
	"tide-short-bot/internal/factor"
	"tide-short-bot/internal/logging"
	"tide-short-bot/internal/market"
	"tide-short-bot/internal/signal"

	"go.uber.org/zap"
)

const defaultScanTimeout = 30 * time.Second

// scan runs one snapshot-to-signals pass against live market data and
// prints the result. Nothing touches the exchange or the position state.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	showFactors := flag.Bool("factors", false, "print factor records alongside signals")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)

	table, err := factor.LoadTable(cfg.Strategy.SectorTablePath)
	if err != nil {
		fatal(err)
	}
	client := market.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout, log)
	engine := factor.New(cfg.Strategy, table, log)
	generator := signal.New(cfg.Strategy)

	ctx, cancel := context.WithTimeout(context.Background(), defaultScanTimeout)
	defer cancel()

	snap, err := client.Snapshot(ctx)
	if err != nil {
		fatal(err)
	}
	records, diags := engine.Compute(snap)
	signals := generator.Generate(records, time.Now().Unix())
	log.Info("scan complete",
		zap.Int("assets", len(snap.Assets)),
		zap.Int("factor_records", len(records)),
		zap.Int("data_gaps", len(diags)),
		zap.Int("signals", len(signals)))

	out := map[string]any{
		"taken_at":    snap.TakenAt,
		"signals":     signals,
		"diagnostics": diags,
	}
	if *showFactors {
		out["factors"] = records
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
