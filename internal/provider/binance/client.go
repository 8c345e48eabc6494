// Package binance adapts the exchange's own candle API to the provider
// contract. It is the highest-fidelity source for crypto instruments.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
)

// Binance serves at most 1000 klines per request and tolerates a few
// requests per second per IP.
const (
	maxKlinesPerRequest = 1000
	requestCooldown     = 250 * time.Millisecond
)

// Config holds Binance API credentials. Klines are public data, so empty
// credentials are acceptable.
type Config struct {
	APIKey    string
	APISecret string
}

// Client fetches 1m klines from Binance.
type Client struct {
	api *gobinance.Client
	log zerolog.Logger
}

// New creates a Binance provider client.
func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		api: gobinance.NewClient(cfg.APIKey, cfg.APISecret),
		log: log.With().Str("provider", "binance").Logger(),
	}
}

// Name implements provider.Provider.
func (c *Client) Name() string { return "binance" }

// Code implements provider.Provider.
func (c *Client) Code() coverage.Code { return coverage.CodePrimary }

// Limits implements provider.Provider.
func (c *Client) Limits() provider.Limits {
	return provider.Limits{MaxMinutes: maxKlinesPerRequest, Cooldown: requestCooldown}
}

// Session implements provider.Provider. Crypto venues trade around the clock.
func (c *Client) Session() *provider.Session { return nil }

// Fetch implements provider.Provider.
func (c *Client) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	klines, err := c.api.NewKlinesService().
		Symbol(req.Instrument.Symbol).
		Interval("1m").
		StartTime(req.Start.UnixMilli()).
		EndTime(req.End.UnixMilli() - 1).
		Limit(maxKlinesPerRequest).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	bars := make([]market.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := toBar(k)
		if err != nil {
			c.log.Warn().Err(err).Int64("open_time", k.OpenTime).Msg("skipping unparseable kline")
			continue
		}
		bars = append(bars, bar)
	}

	return &provider.Result{
		Bars:      bars,
		Source:    coverage.CodePrimary,
		Exhausted: len(bars) == 0,
	}, nil
}

// EarliestAvailable implements provider.HistoryBounder by asking for the very
// first kline the exchange has for the symbol.
func (c *Client) EarliestAvailable(ctx context.Context, inst market.Instrument) (time.Time, error) {
	klines, err := c.api.NewKlinesService().
		Symbol(inst.Symbol).
		Interval("1m").
		StartTime(0).
		Limit(1).
		Do(ctx)
	if err != nil {
		return time.Time{}, mapError(err)
	}
	if len(klines) == 0 {
		return time.Time{}, provider.ErrPermanentUnavailable
	}
	return time.UnixMilli(klines[0].OpenTime).UTC(), nil
}

func toBar(k *gobinance.Kline) (market.Bar, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return market.Bar{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return market.Bar{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return market.Bar{}, fmt.Errorf("parse low: %w", err)
	}
	cl, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return market.Bar{}, fmt.Errorf("parse close: %w", err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return market.Bar{}, fmt.Errorf("parse volume: %w", err)
	}
	return market.Bar{
		TimestampMS: k.OpenTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       cl,
		Volume:      vol,
	}, nil
}

// mapError translates Binance API errors into the provider taxonomy.
// Rate-limit codes retry with the exchange's standard one-minute window as the
// hint; symbol-level rejections are permanent for the instrument.
func mapError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS, TOO_MANY_ORDERS
			return provider.TransientWithHint(err, time.Minute)
		case -1100, -1121, -1022: // illegal chars, invalid symbol, bad signature
			return fmt.Errorf("%w: %v", provider.ErrPermanentUnavailable, err)
		default:
			return provider.Transient(err)
		}
	}
	return provider.Transient(err)
}
