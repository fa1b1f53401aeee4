package signal

import (
	"reflect"
	"testing"

	"tide-short-bot/internal/config"
	"tide-short-bot/internal/factor"
)

func testGenerator() *Generator {
	return New(config.StrategyConfig{
		UnlockThreshold: 0.85,
		PumpScoreWeight: 0.6,
		LiquidityWeight: 0.4,
		MemeBonus:       0.1,
		MinSignalScore:  0.5,
	})
}

func rec(symbol string, pump float64, tier int, track factor.Track, unlock float64) factor.Record {
	return factor.Record{
		Symbol:         symbol,
		FundingRate:    0.0001,
		PumpScore:      pump,
		LiquidityTier:  tier,
		Track:          track,
		UnlockProgress: unlock,
	}
}

func TestDeFiExcluded(t *testing.T) {
	gen := testGenerator()
	signals := gen.Generate([]factor.Record{
		rec("UNI", 1.0, 3, factor.TrackDeFi, 0.2),
	}, 1)
	if len(signals) != 0 {
		t.Fatalf("expected DeFi excluded, got %+v", signals)
	}
}

func TestUnlockThresholdExcluded(t *testing.T) {
	gen := testGenerator()
	signals := gen.Generate([]factor.Record{
		rec("ABC", 1.0, 3, factor.TrackOther, 0.9),
	}, 1)
	if len(signals) != 0 {
		t.Fatalf("expected heavy-unlock asset excluded, got %+v", signals)
	}
}

func TestMinScoreFilter(t *testing.T) {
	gen := testGenerator()
	signals := gen.Generate([]factor.Record{
		rec("LOW", 0, 1, factor.TrackOther, 0.2),
		rec("HIGH", 1.0, 3, factor.TrackOther, 0.2),
	}, 1)
	if len(signals) != 1 || signals[0].Asset != "HIGH" {
		t.Fatalf("expected only HIGH to pass score threshold, got %+v", signals)
	}
}

func TestMemeBonusApplied(t *testing.T) {
	gen := testGenerator()
	signals := gen.Generate([]factor.Record{
		rec("MEME", 0.5, 2, factor.TrackMeme, 0.2),
		rec("OTHR", 0.5, 2, factor.TrackOther, 0.2),
	}, 1)
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %+v", signals)
	}
	if signals[0].Asset != "MEME" {
		t.Fatalf("expected meme bonus to rank MEME first, got %+v", signals)
	}
	if diff := signals[0].Strength - signals[1].Strength; diff < 0.0999 || diff > 0.1001 {
		t.Fatalf("expected bonus of 0.1, got diff %v", diff)
	}
}

func TestDeterministicOrdering(t *testing.T) {
	gen := testGenerator()
	records := []factor.Record{
		rec("BBB", 1.0, 3, factor.TrackOther, 0.3),
		rec("AAA", 1.0, 3, factor.TrackOther, 0.3),
		rec("CCC", 1.0, 3, factor.TrackOther, 0.1),
		rec("DDD", 0.5, 3, factor.TrackOther, 0.1),
	}
	first := gen.Generate(records, 1)

	// Same input in reverse order must produce the identical sequence.
	reversed := make([]factor.Record, len(records))
	for i, r := range records {
		reversed[len(records)-1-i] = r
	}
	second := gen.Generate(reversed, 1)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("ordering not deterministic:\n%+v\n%+v", first, second)
	}
	want := []string{"CCC", "AAA", "BBB", "DDD"}
	for i, asset := range want {
		if first[i].Asset != asset {
			t.Fatalf("expected order %v, got %+v", want, first)
		}
	}
}

func TestStrengthClampedToOne(t *testing.T) {
	gen := testGenerator()
	signals := gen.Generate([]factor.Record{
		rec("MEME", 1.0, 3, factor.TrackMeme, 0.2),
	}, 1)
	if len(signals) != 1 || signals[0].Strength != 1.0 {
		t.Fatalf("expected strength clamped to 1.0, got %+v", signals)
	}
}
