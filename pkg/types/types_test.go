package types

import (
	"math"
	"testing"
)

func TestParseSignalID(t *testing.T) {
	t.Parallel()

	id, err := ParseSignalID("titan_BTCUSDT_100_15")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Symbol != "BTCUSDT" || id.BarIndex != 100 || id.Timeframe != "15" {
		t.Errorf("unexpected parse result: %+v", id)
	}
}

func TestSignalIDRoundTrip(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"titan_BTCUSDT_100_15",
		"titan_ETH_USD_42_1h",
		"titan_AAPL_9999999_D",
	} {
		id, err := ParseSignalID(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got := id.String(); got != raw {
			t.Errorf("round trip mismatch: %q -> %q", raw, got)
		}
	}
}

func TestParseSignalIDRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"titan",
		"titan_BTCUSDT_15",
		"titan_BTCUSDT_abc_15",
		"other_BTCUSDT_100_15",
	} {
		if _, err := ParseSignalID(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestOrderBookSnapshotDerived(t *testing.T) {
	t.Parallel()

	snap := OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids: []PriceLevel{
			{Price: 50000, Size: 2},
			{Price: 49990, Size: 3},
		},
		Asks: []PriceLevel{
			{Price: 50010, Size: 1},
			{Price: 50020, Size: 4},
		},
	}

	spread, ok := snap.Spread()
	if !ok || spread != 10 {
		t.Errorf("spread = %v, %v; want 10, true", spread, ok)
	}

	pct, ok := snap.SpreadPct()
	if !ok {
		t.Fatal("expected spread pct")
	}
	want := 10.0 / 50005.0 * 100
	if math.Abs(pct-want) > 1e-9 {
		t.Errorf("spread pct = %v, want %v", pct, want)
	}

	obi, ok := snap.OBI(2)
	if !ok {
		t.Fatal("expected obi")
	}
	if obi != 1.0 { // (2+3) / (1+4)
		t.Errorf("obi = %v, want 1.0", obi)
	}
}

func TestOBIEmptySide(t *testing.T) {
	t.Parallel()

	snap := OrderBookSnapshot{
		Bids: []PriceLevel{{Price: 1, Size: 1}},
	}
	if _, ok := snap.OBI(5); ok {
		t.Error("expected obi to fail with empty ask side")
	}
}

func TestDirectionSides(t *testing.T) {
	t.Parallel()

	if LONG.EntrySide() != SideBuy || LONG.ExitSide() != SideSell {
		t.Error("LONG sides wrong")
	}
	if SHORT.EntrySide() != SideSell || SHORT.ExitSide() != SideBuy {
		t.Error("SHORT sides wrong")
	}
	if Direction(0).Valid() {
		t.Error("zero direction should be invalid")
	}
}

func TestCloseTakeProfit(t *testing.T) {
	t.Parallel()

	if CloseTakeProfit(1) != "TP1" || CloseTakeProfit(4) != "TP4" {
		t.Error("take profit reason formatting wrong")
	}
}
