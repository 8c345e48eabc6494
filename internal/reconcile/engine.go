// Package reconcile implements the gap-filling engine: for one instrument and
// day range it walks the coverage index, queries providers in descending
// priority order, merges accepted bars into the day files and records the new
// provenance codes — never downgrading a minute's fidelity.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/dates"
	"candlekeeper/internal/dayfile"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
)

// ErrCancelled is returned when a cooperative cancellation check fires
// between units of work.
var ErrCancelled = errors.New("cancelled")

// Mode selects how much history a run resyncs.
type Mode string

const (
	// ModeBootstrap is used when no local data exists: discover the earliest
	// available history and backfill from there.
	ModeBootstrap Mode = "bootstrap"
	// ModeCatchup is used when a day inside the known window has zero
	// coverage: resync the whole locally-known window to repair the hole.
	ModeCatchup Mode = "catchup"
	// ModeIncremental resyncs only a short trailing window, since only the
	// most recent data is expected to still be incomplete.
	ModeIncremental Mode = "incremental"
)

// Controls carries the worker's progress and cancellation hooks. Both fields
// may be nil. Cancellation is cooperative: it is checked between days and
// between provider chunks, never mid-request.
type Controls struct {
	Report    func(fields map[string]interface{})
	Cancelled func() bool
}

func (c Controls) report(fields map[string]interface{}) {
	if c.Report != nil {
		c.Report(fields)
	}
}

func (c Controls) cancelled() bool {
	return c.Cancelled != nil && c.Cancelled()
}

// Config tunes the engine's pacing and retry behavior.
type Config struct {
	// RequestTimeout bounds every provider call. No external call is ever
	// unbounded.
	RequestTimeout time.Duration
	// MaxAttempts bounds retries of transient provider failures.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt unless the
	// provider supplied a retry hint.
	BackoffBase time.Duration
	// TrailingDays is the incremental-mode resync window.
	TrailingDays int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.TrailingDays <= 0 {
		c.TrailingDays = 2
	}
	return c
}

// Task is one reconciliation request: fill or upgrade [From, To] for one
// instrument using the given providers.
type Task struct {
	Instrument market.Instrument
	// Providers are the sources to consult. The engine orders them by
	// descending fidelity itself.
	Providers []provider.Provider
	From, To  dates.Day
}

// Engine orchestrates index, store and providers.
type Engine struct {
	indexes *coverage.Tree
	store   *dayfile.Store
	cfg     Config
	log     zerolog.Logger

	// injected for tests
	sleep func(time.Duration)
}

// New creates an Engine.
func New(indexes *coverage.Tree, store *dayfile.Store, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		indexes: indexes,
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "reconcile").Logger(),
		sleep:   time.Sleep,
	}
}

// Improve runs one reconciliation task. Provider failures degrade to "skip
// this provider for this unit and continue"; only index/store I/O failures
// and cancellation abort the run.
func (e *Engine) Improve(ctx context.Context, task Task, ctl Controls) error {
	if task.To < task.From {
		return fmt.Errorf("invalid day range %s..%s", task.From, task.To)
	}
	if len(task.Providers) == 0 {
		return fmt.Errorf("no providers for %s", task.Instrument.Key())
	}

	providers := make([]provider.Provider, len(task.Providers))
	copy(providers, task.Providers)
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Code().Outranks(providers[j].Code())
	})

	ix := e.indexes.Index(task.Instrument)
	mode, from, to, err := e.plan(ctx, ix, task, providers)
	if err != nil {
		return err
	}

	log := e.log.With().Str("instrument", task.Instrument.Key()).Logger()
	log.Info().Str("mode", string(mode)).
		Stringer("from", from).Stringer("to", to).
		Msg("starting reconciliation")

	total := dates.DaysBetween(from, to) + 1
	done := 0
	for day := from; day <= to; day = day.Next() {
		if ctl.cancelled() {
			return ErrCancelled
		}
		if err := e.reconcileDay(ctx, ix, task.Instrument, providers, day, ctl); err != nil {
			return err
		}
		done++
		ctl.report(map[string]interface{}{
			"mode":        string(mode),
			"day":         day.String(),
			"days_done":   done,
			"days_total":  total,
			"day_range":   fmt.Sprintf("%s..%s", from, to),
			"instrument":  task.Instrument.Key(),
			"last_update": time.Now().UTC().Format(time.RFC3339),
		})
	}

	log.Info().Int("days", done).Msg("reconciliation finished")
	return nil
}

// plan selects the mode and the effective day range to resync.
func (e *Engine) plan(ctx context.Context, ix *coverage.Index, task Task, providers []provider.Provider) (Mode, dates.Day, dates.Day, error) {
	oldest, newest, ok, err := ix.Range()
	if err != nil {
		return "", 0, 0, err
	}

	if !ok {
		from := task.From
		if earliest, found := e.discoverEarliest(ctx, task.Instrument, providers); found && earliest > from {
			from = earliest
		}
		if from > task.To {
			from = task.To
		}
		return ModeBootstrap, from, task.To, nil
	}

	// A full gap inside the locally-known window forces a catchup over the
	// whole window, not just the requested range.
	gapFrom, gapTo := maxDay(task.From, oldest), minDay(task.To, newest)
	if gapFrom <= gapTo {
		agg, err := ix.AggregateForRange(gapFrom, gapTo)
		if err != nil {
			return "", 0, 0, err
		}
		for day := gapFrom; day <= gapTo; day = day.Next() {
			if agg[day].Covered() == 0 {
				return ModeCatchup, oldest, task.To, nil
			}
		}
	}

	from := maxDay(task.From, newest.AddDays(-(e.cfg.TrailingDays - 1)))
	if from > task.To {
		from = task.To
	}
	return ModeIncremental, from, task.To, nil
}

// discoverEarliest probes providers in priority order for the start of their
// history. Best effort: a failed probe just falls through.
func (e *Engine) discoverEarliest(ctx context.Context, inst market.Instrument, providers []provider.Provider) (dates.Day, bool) {
	for _, p := range providers {
		hb, ok := p.(provider.HistoryBounder)
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		earliest, err := hb.EarliestAvailable(cctx, inst)
		cancel()
		if err != nil {
			e.log.Debug().Err(err).Str("provider", p.Name()).Msg("history probe failed")
			continue
		}
		return dates.FromTime(earliest), true
	}
	return 0, false
}

// reconcileDay runs the per-day algorithm: compute the rebuild set per
// provider, fetch, merge without downgrades, smooth seams and persist.
func (e *Engine) reconcileDay(ctx context.Context, ix *coverage.Index, inst market.Instrument, providers []provider.Provider, day dates.Day, ctl Controls) error {
	codes, ok, err := ix.CodesForDay(day)
	if err != nil {
		return err
	}
	if !ok {
		codes = make([]coverage.Code, dates.MinutesPerDay)
	}

	bars, err := e.store.ReadDay(inst, day)
	if err != nil {
		return err
	}

	written := make(map[coverage.Code][]int)
	for _, p := range providers {
		if ctl.cancelled() {
			return ErrCancelled
		}

		rebuild := rebuildSet(codes, p.Code())
		rebuild = p.Session().Filter(day, rebuild)
		if len(rebuild) == 0 {
			// Already covered at or above this provider's priority (or the
			// session contributes nothing): no request is made at all.
			continue
		}

		fetched, err := e.fetchProvider(ctx, p, inst, day, rebuild, ctl)
		if err != nil {
			return err
		}
		accepted := merge(codes, bars, fetched, rebuild, p.Code(), day)
		if len(accepted) > 0 {
			written[p.Code()] = accepted
		}
	}

	if len(written) == 0 {
		return nil
	}

	if err := e.store.WriteDay(inst, day, bars); err != nil {
		return err
	}
	for code, minutes := range written {
		if err := ix.UpdateForDay(day, minutes, code); err != nil {
			return err
		}
	}
	return nil
}

// rebuildSet returns the minutes whose current fidelity is strictly below the
// candidate provider's.
func rebuildSet(codes []coverage.Code, candidate coverage.Code) []int {
	out := make([]int, 0, len(codes))
	for m, c := range codes {
		if candidate.Outranks(c) {
			out = append(out, m)
		}
	}
	return out
}

// merge folds fetched bars into the day state. A bar is accepted only when
// its minute is in the rebuild set and still strictly below the provider's
// code, so a higher-fidelity minute is never overwritten. Accepted runs of
// previously-missing minutes are seam-adjusted against higher-priority
// neighbors. Returns the accepted minute indices in ascending order.
func merge(codes []coverage.Code, bars map[int]market.Bar, fetched []market.Bar, rebuild []int, code coverage.Code, day dates.Day) []int {
	inRebuild := make(map[int]bool, len(rebuild))
	for _, m := range rebuild {
		inRebuild[m] = true
	}

	before := make([]coverage.Code, len(codes))
	copy(before, codes)

	accepted := make([]int, 0, len(fetched))
	for _, bar := range fetched {
		barDay, m := bar.Minute()
		if barDay != day || !inRebuild[m] || !code.Outranks(codes[m]) {
			continue
		}
		bars[m] = bar
		codes[m] = code
		accepted = append(accepted, m)
	}
	sort.Ints(accepted)

	smoothSeams(before, bars, accepted, code)
	return accepted
}

// smoothSeams forces price continuity where a run of previously-missing
// minutes was synthesized next to an existing higher-priority bar: the run's
// first open snaps to the left neighbor's close, and its last close to the
// right neighbor's open.
func smoothSeams(before []coverage.Code, bars map[int]market.Bar, accepted []int, code coverage.Code) {
	for i := 0; i < len(accepted); {
		j := i
		for j+1 < len(accepted) && accepted[j+1] == accepted[j]+1 {
			j++
		}
		runMissing := true
		for k := i; k <= j; k++ {
			if before[accepted[k]] != coverage.CodeMissing {
				runMissing = false
				break
			}
		}
		if runMissing {
			first, last := accepted[i], accepted[j]
			if first > 0 && before[first-1].Outranks(code) {
				if left, ok := bars[first-1]; ok {
					b := bars[first]
					b.Open = left.Close
					b.High = maxf(b.High, b.Open)
					b.Low = minf(b.Low, b.Open)
					bars[first] = b
				}
			}
			if last < dates.MinutesPerDay-1 && before[last+1].Outranks(code) {
				if right, ok := bars[last+1]; ok {
					b := bars[last]
					b.Close = right.Open
					b.High = maxf(b.High, b.Close)
					b.Low = minf(b.Low, b.Close)
					bars[last] = b
				}
			}
		}
		i = j + 1
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxDay(a, b dates.Day) dates.Day {
	if a > b {
		return a
	}
	return b
}

func minDay(a, b dates.Day) dates.Day {
	if a < b {
		return a
	}
	return b
}
