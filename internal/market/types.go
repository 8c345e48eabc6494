// Package market defines the shared domain types for minute-bar data.
package market

import (
	"fmt"
	"strings"

	"candlekeeper/internal/dates"
)

// Instrument identifies one tradeable series on one venue.
type Instrument struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// Key returns a stable "exchange:symbol" identifier used in paths and logs.
func (i Instrument) Key() string {
	return fmt.Sprintf("%s:%s", i.Exchange, i.Symbol)
}

// ParseInstrument parses an "exchange:symbol" key.
func ParseInstrument(key string) (Instrument, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Instrument{}, fmt.Errorf("invalid instrument key %q", key)
	}
	return Instrument{Exchange: parts[0], Symbol: parts[1]}, nil
}

// Bar is one minute of OHLCV data. Prices and volume are stored on disk as
// 32-bit floats, so values round-trip through float32 precision.
type Bar struct {
	TimestampMS int64   `json:"ts"`
	Open        float64 `json:"o"`
	High        float64 `json:"h"`
	Low         float64 `json:"l"`
	Close       float64 `json:"c"`
	Volume      float64 `json:"v"`
}

// Minute returns the day and minute-of-day slot this bar belongs to.
func (b Bar) Minute() (dates.Day, int) {
	return dates.MinuteOfDay(b.TimestampMS)
}
