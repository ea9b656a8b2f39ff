package types

import (
	"fmt"
	"strconv"
	"strings"
)

// SignalID is the structured identifier emitted by the upstream alert
// producer: titan_<symbol>_<bar_index>_<timeframe>. Two emissions for the
// same bar produce the same id, which makes it the idempotency key for the
// whole admission pipeline.
type SignalID struct {
	Symbol    string
	BarIndex  int64
	Timeframe string
}

const signalIDPrefix = "titan"

// ParseSignalID parses the canonical string form. Symbols may themselves
// contain underscores, so the bar index and timeframe are taken from the
// right.
func ParseSignalID(s string) (SignalID, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 4 || parts[0] != signalIDPrefix {
		return SignalID{}, fmt.Errorf("malformed signal id %q", s)
	}

	timeframe := parts[len(parts)-1]
	barIndex, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return SignalID{}, fmt.Errorf("malformed signal id %q: bar index: %w", s, err)
	}
	symbol := strings.Join(parts[1:len(parts)-2], "_")
	if symbol == "" || timeframe == "" {
		return SignalID{}, fmt.Errorf("malformed signal id %q", s)
	}

	return SignalID{Symbol: symbol, BarIndex: barIndex, Timeframe: timeframe}, nil
}

// String renders the canonical form. ParseSignalID(id.String()) round-trips.
func (id SignalID) String() string {
	return fmt.Sprintf("%s_%s_%d_%s", signalIDPrefix, id.Symbol, id.BarIndex, id.Timeframe)
}
