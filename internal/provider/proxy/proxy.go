// Package proxy adapts an existing provider to serve one instrument with
// another venue's market: the classic cross-exchange fallback, e.g. filling a
// thin venue's BTC series from a deep venue's equivalent pair. Whatever the
// underlying provider reports, proxied bars are attributed the fallback code.
package proxy

import (
	"context"
	"fmt"
	"time"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
)

// Proxy wraps an underlying provider and rewrites the requested instrument.
type Proxy struct {
	underlying provider.Provider
	target     market.Instrument
}

// New creates a proxy that answers requests for any instrument with data for
// target fetched through underlying.
func New(underlying provider.Provider, target market.Instrument) *Proxy {
	return &Proxy{underlying: underlying, target: target}
}

// Name implements provider.Provider.
func (p *Proxy) Name() string {
	return fmt.Sprintf("proxy(%s)", p.target.Key())
}

// Code implements provider.Provider. Proxied data is never better than a
// secondary fallback regardless of the underlying source's fidelity.
func (p *Proxy) Code() coverage.Code { return coverage.CodeFallback }

// Limits implements provider.Provider.
func (p *Proxy) Limits() provider.Limits { return p.underlying.Limits() }

// Session implements provider.Provider.
func (p *Proxy) Session() *provider.Session { return p.underlying.Session() }

// Fetch implements provider.Provider.
func (p *Proxy) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	req.Instrument = p.target
	res, err := p.underlying.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	res.Source = coverage.CodeFallback
	return res, nil
}

// EarliestAvailable implements provider.HistoryBounder by delegating to the
// underlying provider when it supports history bounds.
func (p *Proxy) EarliestAvailable(ctx context.Context, _ market.Instrument) (time.Time, error) {
	hb, ok := p.underlying.(provider.HistoryBounder)
	if !ok {
		return time.Time{}, fmt.Errorf("%s does not report history bounds", p.underlying.Name())
	}
	return hb.EarliestAvailable(ctx, p.target)
}
