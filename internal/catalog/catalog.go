// Package catalog stores the instrument registry: which instruments the
// service tracks, how each maps onto its data sources, and its trading
// session. The registry drives both scheduled reconciliation and provider
// stack construction.
package catalog

import (
	"time"

	"candlekeeper/internal/market"
)

// Kind classifies an instrument and selects its provider stack shape.
type Kind string

const (
	// KindCrypto trades around the clock on its primary exchange.
	KindCrypto Kind = "crypto"
	// KindEquity trades in a session window and is served by the vendor
	// fallback instead of an exchange API.
	KindEquity Kind = "equity"
)

// Session day sets. Stored as text so the table stays hand-editable.
const (
	DaysAll      = "all"
	DaysWeekdays = "weekdays"
)

// Entry is one catalog row.
type Entry struct {
	Exchange string
	Symbol   string
	Kind     Kind

	// ProxyExchange/ProxySymbol name a more liquid twin on another venue
	// whose bars can stand in at fallback fidelity. Empty when none exists.
	ProxyExchange string
	ProxySymbol   string

	// VendorTicker is the instrument's ticker at the market-data vendor,
	// when it differs from Symbol. Empty means not vendor-served.
	VendorTicker string

	// Trading session in UTC minutes of day, [open, close). A full-day
	// session is 0..1440 over DaysAll.
	SessionOpenMin  int
	SessionCloseMin int
	SessionDays     string

	Enabled   bool
	CreatedTS time.Time
	UpdatedTS time.Time
}

// Instrument returns the identity key the storage layers are keyed by.
func (e Entry) Instrument() market.Instrument {
	return market.Instrument{Exchange: e.Exchange, Symbol: e.Symbol}
}

// Proxy returns the fallback twin instrument, if configured.
func (e Entry) Proxy() (market.Instrument, bool) {
	if e.ProxyExchange == "" || e.ProxySymbol == "" {
		return market.Instrument{}, false
	}
	return market.Instrument{Exchange: e.ProxyExchange, Symbol: e.ProxySymbol}, true
}

// AllDay reports whether the session spans every minute of every day.
func (e Entry) AllDay() bool {
	return e.SessionDays == DaysAll && e.SessionOpenMin == 0 && e.SessionCloseMin == 1440
}
