package reconcile

import (
	"context"
	"errors"

	"candlekeeper/internal/dates"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
)

// chunk is a contiguous minute run [first, last] within one day.
type chunk struct {
	first, last int
}

// chunksFor splits a sorted minute set into contiguous runs of at most
// maxMinutes each.
func chunksFor(minutes []int, maxMinutes int) []chunk {
	if maxMinutes <= 0 {
		maxMinutes = dates.MinutesPerDay
	}
	var out []chunk
	for i := 0; i < len(minutes); {
		j := i
		for j+1 < len(minutes) &&
			minutes[j+1] == minutes[j]+1 &&
			minutes[j+1]-minutes[i] < maxMinutes {
			j++
		}
		out = append(out, chunk{first: minutes[i], last: minutes[j]})
		i = j + 1
	}
	return out
}

// fetchProvider retrieves one provider's answer for the rebuild set of one
// day, chunk by chunk. Provider-level failures are logged and cut the
// provider short for this day; bars already fetched are still returned.
// Only cancellation propagates as an error.
func (e *Engine) fetchProvider(ctx context.Context, p provider.Provider, inst market.Instrument, day dates.Day, rebuild []int, ctl Controls) ([]market.Bar, error) {
	limits := p.Limits()
	chunks := chunksFor(rebuild, limits.MaxMinutes)

	log := e.log.With().
		Str("instrument", inst.Key()).
		Str("provider", p.Name()).
		Stringer("day", day).
		Logger()

	var out []market.Bar
	for i, ch := range chunks {
		if ctl.cancelled() {
			return out, ErrCancelled
		}

		req := provider.Request{
			Instrument: inst,
			Start:      day.Minute(ch.first),
			End:        day.Minute(ch.last + 1),
		}
		res, err := e.fetchWithRetry(ctx, p, req)
		if err != nil {
			if errors.Is(err, provider.ErrPermanentUnavailable) {
				log.Info().Msg("provider permanently unavailable for instrument, falling through")
			} else {
				log.Warn().Err(err).Int("chunk", i).Msg("provider failed, skipping for this day")
			}
			return out, nil
		}
		out = append(out, res.Bars...)

		if i < len(chunks)-1 && limits.Cooldown > 0 {
			e.sleep(limits.Cooldown)
		}
	}
	return out, nil
}

// fetchWithRetry performs one provider request with bounded exponential
// backoff. A server-supplied retry hint overrides the computed delay.
// Permanent unavailability short-circuits with no retry. Every attempt runs
// under the engine's request timeout.
func (e *Engine) fetchWithRetry(ctx context.Context, p provider.Provider, req provider.Request) (*provider.Result, error) {
	delay := e.cfg.BackoffBase
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		res, err := p.Fetch(cctx, req)
		cancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, provider.ErrPermanentUnavailable) {
			return nil, err
		}
		if attempt >= e.cfg.MaxAttempts {
			return nil, err
		}

		wait := delay
		if te, ok := provider.AsTransient(err); ok && te.RetryAfter > 0 {
			wait = te.RetryAfter
		}
		e.sleep(wait)
		delay *= 2
	}
}
