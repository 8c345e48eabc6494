// Package polygon adapts the Polygon.io aggregates API as the third-party
// vendor source for non-crypto instruments. Vendor instruments trade in
// sessions, so each per-instrument provider carries an availability window
// and is only queried inside it.
package polygon

import (
	"context"
	"errors"
	"fmt"
	"time"

	polygonrest "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/rs/zerolog"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
)

const (
	maxMinutesPerRequest = 1440
	requestCooldown      = 15 * time.Second // free-tier pacing: a handful of requests per minute
)

// Service holds the shared Polygon REST client. Per-instrument providers are
// derived from it with Vendor.
type Service struct {
	api *polygonrest.Client
	log zerolog.Logger
}

// New creates the shared Polygon service.
func New(apiKey string, log zerolog.Logger) *Service {
	return &Service{
		api: polygonrest.New(apiKey),
		log: log.With().Str("provider", "polygon").Logger(),
	}
}

// Vendor returns a provider that serves one instrument under its vendor
// ticker, available only inside the given trading session.
func (s *Service) Vendor(ticker string, session *provider.Session) provider.Provider {
	return &vendorProvider{svc: s, ticker: ticker, session: session}
}

type vendorProvider struct {
	svc     *Service
	ticker  string
	session *provider.Session
}

func (v *vendorProvider) Name() string { return fmt.Sprintf("polygon:%s", v.ticker) }

func (v *vendorProvider) Code() coverage.Code { return coverage.CodeFallback }

func (v *vendorProvider) Limits() provider.Limits {
	return provider.Limits{MaxMinutes: maxMinutesPerRequest, Cooldown: requestCooldown}
}

func (v *vendorProvider) Session() *provider.Session { return v.session }

func (v *vendorProvider) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	params := models.ListAggsParams{
		Ticker:     v.ticker,
		Multiplier: 1,
		Timespan:   models.Minute,
		From:       models.Millis(req.Start),
		To:         models.Millis(req.End.Add(-time.Minute)),
	}.WithOrder(models.Asc).WithLimit(50000).WithAdjusted(true)

	var bars []market.Bar
	iter := v.svc.api.ListAggs(ctx, params)
	for iter.Next() {
		agg := iter.Item()
		bars = append(bars, market.Bar{
			TimestampMS: time.Time(agg.Timestamp).UnixMilli(),
			Open:        agg.Open,
			High:        agg.High,
			Low:         agg.Low,
			Close:       agg.Close,
			Volume:      agg.Volume,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, mapError(err)
	}

	return &provider.Result{
		Bars:      bars,
		Source:    coverage.CodeFallback,
		Exhausted: len(bars) == 0,
	}, nil
}

// mapError translates Polygon REST failures into the provider taxonomy.
// Entitlement and validation rejections are permanent for the instrument;
// rate limits and server errors retry.
func mapError(err error) error {
	var rErr *models.ErrorResponse
	if errors.As(err, &rErr) {
		switch {
		case rErr.StatusCode == 403 || rErr.StatusCode == 422 || rErr.StatusCode == 404:
			return fmt.Errorf("%w: %v", provider.ErrPermanentUnavailable, err)
		case rErr.StatusCode == 429:
			return provider.TransientWithHint(err, requestCooldown)
		case rErr.StatusCode >= 500:
			return provider.Transient(err)
		}
	}
	return provider.Transient(err)
}
