// Package sources turns catalog entries into provider stacks. The catalog
// describes instruments declaratively; this package knows which concrete
// adapters exist, which of them are configured, and how an entry's kind maps
// onto them.
package sources

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"candlekeeper/internal/catalog"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
	"candlekeeper/internal/provider/binance"
	"candlekeeper/internal/provider/bookarchive"
	"candlekeeper/internal/provider/polygon"
	"candlekeeper/internal/provider/proxy"
)

// Registry resolves provider stacks for instruments. Any adapter may be nil
// when unconfigured; the stack is built from whatever is available.
type Registry struct {
	catalog *catalog.Repository
	binance *binance.Client
	archive *bookarchive.Archive
	polygon *polygon.Service
	log     zerolog.Logger
}

// New creates a Registry over the configured adapters.
func New(cat *catalog.Repository, bn *binance.Client, ar *bookarchive.Archive, pg *polygon.Service, log zerolog.Logger) *Registry {
	return &Registry{
		catalog: cat,
		binance: bn,
		archive: ar,
		polygon: pg,
		log:     log.With().Str("component", "sources").Logger(),
	}
}

// ProvidersFor returns the provider stack for one instrument. The engine
// orders providers by fidelity itself, so order here is immaterial.
func (r *Registry) ProvidersFor(_ context.Context, inst market.Instrument) ([]provider.Provider, error) {
	entry, err := r.catalog.Get(inst.Exchange, inst.Symbol)
	if err != nil {
		return nil, err
	}

	session := sessionFor(entry)
	var stack []provider.Provider

	// Primary: the venue's own candle API serves its own symbols.
	if entry.Kind == catalog.KindCrypto && r.binance != nil {
		stack = append(stack, r.binance)
	}

	// Order-book synthesis from the snapshot archive.
	if r.archive != nil {
		stack = append(stack, r.archive)
	}

	// Fallback: a market-data vendor when the entry names a ticker there,
	// otherwise a liquid twin on another venue.
	switch {
	case entry.VendorTicker != "" && r.polygon != nil:
		stack = append(stack, r.polygon.Vendor(entry.VendorTicker, session))
	default:
		if target, ok := entry.Proxy(); ok && r.binance != nil {
			stack = append(stack, proxy.New(r.binance, target))
		}
	}

	if len(stack) == 0 {
		return nil, fmt.Errorf("no configured provider can serve %s", inst.Key())
	}
	return stack, nil
}

// sessionFor converts the entry's stored session into the provider form.
// All-day entries get a nil session, meaning no filtering at all.
func sessionFor(e *catalog.Entry) *provider.Session {
	if e.AllDay() {
		return nil
	}
	days := provider.EveryDay()
	if e.SessionDays == catalog.DaysWeekdays {
		days = provider.Weekdays()
	}
	return &provider.Session{
		OpenMinute:  e.SessionOpenMin,
		CloseMinute: e.SessionCloseMin,
		Weekdays:    days,
	}
}
