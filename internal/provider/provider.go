// Package provider defines the uniform fetch contract the reconciliation
// engine speaks to every data source, plus the shared error taxonomy and
// rate-limit metadata. Vendor-specific wire formats live in the sub-packages.
package provider

import (
	"context"
	"time"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/dates"
	"candlekeeper/internal/market"
)

// Request asks for minute bars in the half-open window [Start, End).
// Both bounds are minute-aligned UTC times inside a single calendar day.
type Request struct {
	Instrument market.Instrument
	Start      time.Time
	End        time.Time
}

// Minutes returns the number of one-minute slots the request covers.
func (r Request) Minutes() int {
	return int(r.End.Sub(r.Start) / time.Minute)
}

// Result is one provider's answer for one requested window.
type Result struct {
	// Bars are the fetched bars in ascending timestamp order. Minutes the
	// provider has no data for are simply absent.
	Bars []market.Bar
	// Source is the provenance code the bars should be attributed.
	Source coverage.Code
	// Exhausted signals the provider has no history at or before this window,
	// as opposed to a transient outage. Bootstrap stops probing on it.
	Exhausted bool
}

// Limits describes a provider's request-shaping constraints. The engine splits
// ranges into chunks of at most MaxMinutes and sleeps Cooldown between calls.
type Limits struct {
	MaxMinutes int
	Cooldown   time.Duration
}

// Provider is the adapter contract over one heterogeneous data source.
type Provider interface {
	// Name identifies the provider in logs and progress maps.
	Name() string
	// Code is the provenance code this provider's bars carry. The engine
	// queries providers in descending fidelity order and only for minutes
	// currently held at strictly lower fidelity.
	Code() coverage.Code
	// Limits returns the provider's chunking and pacing constraints.
	Limits() Limits
	// Session returns the availability window, or nil when the provider can
	// be queried for any minute of any day.
	Session() *Session
	// Fetch retrieves bars for one window. Failures follow the package error
	// taxonomy: *TransientError for retryable conditions,
	// ErrPermanentUnavailable when the instrument can never be served.
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// HistoryBounder is implemented by providers that can report how far back
// their history reaches. Bootstrap mode uses it to pick a backfill start.
type HistoryBounder interface {
	EarliestAvailable(ctx context.Context, inst market.Instrument) (time.Time, error)
}

// Session is a recurring availability window: a trading session in UTC
// minutes-of-day on selected weekdays. Outside the session no data exists and
// none is requested.
type Session struct {
	OpenMinute  int // inclusive, 0-1439
	CloseMinute int // exclusive, 1-1440
	Weekdays    [7]bool
}

// EveryDay marks all weekdays available.
func EveryDay() [7]bool {
	return [7]bool{true, true, true, true, true, true, true}
}

// Weekdays marks Monday through Friday available.
func Weekdays() [7]bool {
	var w [7]bool
	for d := time.Monday; d <= time.Friday; d++ {
		w[d] = true
	}
	return w
}

// Contains reports whether minute m of day falls inside the session.
func (s *Session) Contains(day dates.Day, m int) bool {
	if s == nil {
		return true
	}
	if !s.Weekdays[day.Time().Weekday()] {
		return false
	}
	return m >= s.OpenMinute && m < s.CloseMinute
}

// Filter returns the subset of minutes inside the session for day.
func (s *Session) Filter(day dates.Day, minutes []int) []int {
	if s == nil {
		return minutes
	}
	out := minutes[:0:0]
	for _, m := range minutes {
		if s.Contains(day, m) {
			out = append(out, m)
		}
	}
	return out
}
