// Package bookarchive synthesizes minute bars from archived order-book
// snapshots. The archive is an S3-compatible bucket holding one
// msgpack-encoded object per (exchange, instrument, day); each object is a
// flat list of top-of-book snapshots. Bars are built from bid/ask mids, so
// they carry no traded volume and rank below the venue's own candles.
package bookarchive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/dates"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
)

// Config describes the snapshot archive bucket. Endpoint is optional and
// enables S3-compatible stores (R2, MinIO) via path-style addressing.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Snapshot is one archived top-of-book observation.
type Snapshot struct {
	TS      int64   `msgpack:"ts"` // milliseconds
	Bid     float64 `msgpack:"b"`
	Ask     float64 `msgpack:"a"`
	BidSize float64 `msgpack:"bs"`
	AskSize float64 `msgpack:"as"`
}

// Archive is the order-book-synthesis provider.
type Archive struct {
	cfg Config
	dl  *manager.Downloader
	log zerolog.Logger
}

// New creates an Archive provider backed by the configured bucket.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archive{
		cfg: cfg,
		dl:  manager.NewDownloader(client),
		log: log.With().Str("provider", "bookarchive").Logger(),
	}, nil
}

// Name implements provider.Provider.
func (a *Archive) Name() string { return "bookarchive" }

// Code implements provider.Provider.
func (a *Archive) Code() coverage.Code { return coverage.CodeOrderBook }

// Limits implements provider.Provider. Objects are whole days, so one request
// covers any window inside a day.
func (a *Archive) Limits() provider.Limits {
	return provider.Limits{MaxMinutes: dates.MinutesPerDay, Cooldown: 100 * time.Millisecond}
}

// Session implements provider.Provider.
func (a *Archive) Session() *provider.Session { return nil }

func (a *Archive) key(inst market.Instrument, day dates.Day) string {
	return path.Join(a.cfg.Prefix, inst.Exchange, inst.Symbol, day.String()+".mpk")
}

// Fetch implements provider.Provider. It downloads the day's snapshot object
// and reduces the snapshots inside the requested window to minute bars.
func (a *Archive) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	day := dates.FromTime(req.Start)
	key := a.key(req.Instrument, day)

	buf := manager.NewWriteAtBuffer(nil)
	_, err := a.dl.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if merr := a.mapError(err); merr != nil {
			return nil, merr
		}
		// Day simply was not archived: empty answer, not a failure.
		return &provider.Result{Source: coverage.CodeOrderBook, Exhausted: true}, nil
	}

	var snapshots []Snapshot
	if err := msgpack.Unmarshal(buf.Bytes(), &snapshots); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("undecodable snapshot object")
		return nil, provider.Transient(fmt.Errorf("decode snapshot object %s: %w", key, err))
	}

	bars := Synthesize(snapshots, req.Start, req.End)
	return &provider.Result{
		Bars:      bars,
		Source:    coverage.CodeOrderBook,
		Exhausted: len(bars) == 0,
	}, nil
}

// mapError translates S3 failures into the provider taxonomy. A nil return
// means the object is absent, which Fetch reports as an exhausted empty result.
func (a *Archive) mapError(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return nil
		case "AccessDenied", "InvalidAccessKeyId", "NoSuchBucket":
			return fmt.Errorf("%w: %v", provider.ErrPermanentUnavailable, err)
		}
	}
	return provider.Transient(err)
}

// Synthesize reduces snapshots inside [start, end) to one bar per minute.
// Open/high/low/close come from bid/ask mids; snapshots with an empty side
// are skipped. Synthesized bars carry zero volume.
func Synthesize(snapshots []Snapshot, start, end time.Time) []market.Bar {
	type agg struct {
		open, high, low, close float64
		openTS, closeTS        int64
	}
	byMinute := make(map[int64]*agg)

	startMS, endMS := start.UnixMilli(), end.UnixMilli()
	for _, s := range snapshots {
		if s.TS < startMS || s.TS >= endMS || s.Bid <= 0 || s.Ask <= 0 {
			continue
		}
		mid := (s.Bid + s.Ask) / 2
		slot := s.TS / 60_000 * 60_000
		b, ok := byMinute[slot]
		if !ok {
			byMinute[slot] = &agg{open: mid, high: mid, low: mid, close: mid, openTS: s.TS, closeTS: s.TS}
			continue
		}
		if s.TS < b.openTS {
			b.open, b.openTS = mid, s.TS
		}
		if s.TS >= b.closeTS {
			b.close, b.closeTS = mid, s.TS
		}
		if mid > b.high {
			b.high = mid
		}
		if mid < b.low {
			b.low = mid
		}
	}

	bars := make([]market.Bar, 0, len(byMinute))
	for slot, b := range byMinute {
		bars = append(bars, market.Bar{
			TimestampMS: slot,
			Open:        b.open,
			High:        b.high,
			Low:         b.low,
			Close:       b.close,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TimestampMS < bars[j].TimestampMS })
	return bars
}
