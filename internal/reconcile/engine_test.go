package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/dates"
	"candlekeeper/internal/dayfile"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
)

var btc = market.Instrument{Exchange: "binance", Symbol: "BTCUSDT"}

// fakeProvider is a scriptable in-memory provider.
type fakeProvider struct {
	name     string
	code     coverage.Code
	limits   provider.Limits
	session  *provider.Session
	calls    int
	fetch    func(req provider.Request) (*provider.Result, error)
	earliest time.Time
}

func (f *fakeProvider) Name() string                { return f.name }
func (f *fakeProvider) Code() coverage.Code         { return f.code }
func (f *fakeProvider) Session() *provider.Session  { return f.session }
func (f *fakeProvider) Limits() provider.Limits {
	if f.limits.MaxMinutes == 0 {
		return provider.Limits{MaxMinutes: dates.MinutesPerDay}
	}
	return f.limits
}

func (f *fakeProvider) Fetch(_ context.Context, req provider.Request) (*provider.Result, error) {
	f.calls++
	return f.fetch(req)
}

func (f *fakeProvider) EarliestAvailable(context.Context, market.Instrument) (time.Time, error) {
	if f.earliest.IsZero() {
		return time.Time{}, errors.New("unknown")
	}
	return f.earliest, nil
}

// barsFor builds one bar per minute with a recognizable price.
func barsFor(day dates.Day, from, to int, price float64) []market.Bar {
	out := make([]market.Bar, 0, to-from+1)
	for m := from; m <= to; m++ {
		out = append(out, market.Bar{
			TimestampMS: day.Minute(m).UnixMilli(),
			Open:        price,
			High:        price + 1,
			Low:         price - 1,
			Close:       price + 0.5,
			Volume:      10,
		})
	}
	return out
}

// serves answers any request with the given bars (the engine filters).
func serves(bars []market.Bar, code coverage.Code) func(provider.Request) (*provider.Result, error) {
	return func(provider.Request) (*provider.Result, error) {
		return &provider.Result{Bars: bars, Source: code}, nil
	}
}

func newTestEngine(t *testing.T) (*Engine, *coverage.Tree, *dayfile.Store) {
	t.Helper()
	dir := t.TempDir()
	tree := coverage.NewTree(dir+"/index", zerolog.Nop())
	store := dayfile.New(dir+"/bars", zerolog.Nop())
	e := New(tree, store, Config{BackoffBase: time.Millisecond}, zerolog.Nop())
	e.sleep = func(time.Duration) {}
	return e, tree, store
}

func TestEngine_EndToEndPriorityMerge(t *testing.T) {
	e, tree, store := newTestEngine(t)
	day := dates.Day(20240101)

	primary := &fakeProvider{
		name: "a", code: coverage.CodePrimary,
		fetch: serves(barsFor(day, 0, 600, 100), coverage.CodePrimary),
	}
	derived := &fakeProvider{
		name: "b", code: coverage.CodeOrderBook,
		fetch: serves(barsFor(day, 0, 1439, 200), coverage.CodeOrderBook),
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{derived, primary}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))

	codes, ok, err := tree.Index(btc).CodesForDay(day)
	require.NoError(t, err)
	require.True(t, ok)
	for m := 0; m <= 600; m++ {
		require.Equal(t, coverage.CodePrimary, codes[m], "minute %d", m)
	}
	for m := 601; m <= 1439; m++ {
		require.Equal(t, coverage.CodeOrderBook, codes[m], "minute %d", m)
	}

	bars, err := store.ReadDay(btc, day)
	require.NoError(t, err)
	require.Len(t, bars, 1440)
	// The derived provider's answer for already-primary minutes is discarded.
	assert.Equal(t, 100.0, bars[300].Open)
	assert.Equal(t, 200.0, bars[700].Open)
}

func TestEngine_SecondRunMakesZeroProviderCalls(t *testing.T) {
	e, _, _ := newTestEngine(t)
	day := dates.Day(20240101)

	primary := &fakeProvider{
		name: "a", code: coverage.CodePrimary,
		fetch: serves(barsFor(day, 0, 1439, 100), coverage.CodePrimary),
	}
	fallback := &fakeProvider{
		name: "c", code: coverage.CodeFallback,
		fetch: serves(barsFor(day, 0, 1439, 300), coverage.CodeFallback),
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{primary, fallback}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))
	require.Positive(t, primary.calls)

	primary.calls, fallback.calls = 0, 0
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))
	assert.Zero(t, primary.calls)
	assert.Zero(t, fallback.calls)
}

func TestEngine_NoDowngrade(t *testing.T) {
	e, tree, store := newTestEngine(t)
	day := dates.Day(20240101)

	kept := market.Bar{TimestampMS: day.Minute(5).UnixMilli(), Open: 50, High: 51, Low: 49, Close: 50.5, Volume: 7}
	require.NoError(t, store.WriteDay(btc, day, map[int]market.Bar{5: kept}))
	require.NoError(t, tree.Index(btc).UpdateForDay(day, []int{5}, coverage.CodeOrderBook))

	fallback := &fakeProvider{
		name: "c", code: coverage.CodeFallback,
		fetch: serves(barsFor(day, 0, 10, 999), coverage.CodeFallback),
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{fallback}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))

	codes, ok, err := tree.Index(btc).CodesForDay(day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, coverage.CodeOrderBook, codes[5])
	assert.Equal(t, coverage.CodeFallback, codes[4])

	bars, err := store.ReadDay(btc, day)
	require.NoError(t, err)
	assert.Equal(t, kept, bars[5])
	assert.Equal(t, 999.0, bars[4].Open)
}

func TestEngine_GapContinuityAtSeams(t *testing.T) {
	e, tree, store := newTestEngine(t)
	day := dates.Day(20240101)

	left := market.Bar{TimestampMS: day.Minute(100).UnixMilli(), Open: 110, High: 112, Low: 109, Close: 111.5, Volume: 3}
	right := market.Bar{TimestampMS: day.Minute(104).UnixMilli(), Open: 120, High: 121, Low: 119, Close: 120.5, Volume: 3}
	require.NoError(t, store.WriteDay(btc, day, map[int]market.Bar{100: left, 104: right}))
	require.NoError(t, tree.Index(btc).UpdateForDay(day, []int{100, 104}, coverage.CodePrimary))

	derived := &fakeProvider{
		name: "b", code: coverage.CodeOrderBook,
		fetch: serves(barsFor(day, 101, 103, 200), coverage.CodeOrderBook),
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{derived}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))

	bars, err := store.ReadDay(btc, day)
	require.NoError(t, err)
	// The synthesized run is stitched to its higher-priority neighbors.
	assert.Equal(t, left.Close, bars[101].Open)
	assert.Equal(t, right.Open, bars[103].Close)
	// Interior of the run is untouched.
	assert.Equal(t, 200.0, bars[102].Open)
	// Neighbors themselves are untouched.
	assert.Equal(t, left, bars[100])
	assert.Equal(t, right, bars[104])
}

func TestEngine_PermanentUnavailableFallsThrough(t *testing.T) {
	e, tree, _ := newTestEngine(t)
	day := dates.Day(20240101)

	primary := &fakeProvider{
		name: "a", code: coverage.CodePrimary,
		fetch: func(provider.Request) (*provider.Result, error) {
			return nil, provider.ErrPermanentUnavailable
		},
	}
	derived := &fakeProvider{
		name: "b", code: coverage.CodeOrderBook,
		fetch: serves(barsFor(day, 0, 1439, 200), coverage.CodeOrderBook),
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{primary, derived}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))

	// No retry for a permanent rejection.
	assert.Equal(t, 1, primary.calls)

	codes, ok, err := tree.Index(btc).CodesForDay(day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, coverage.CodeOrderBook, codes[0])
}

func TestEngine_TransientRetriesWithBackoff(t *testing.T) {
	e, tree, _ := newTestEngine(t)
	day := dates.Day(20240101)

	var sleeps []time.Duration
	e.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	attempts := 0
	flaky := &fakeProvider{
		name: "a", code: coverage.CodePrimary,
		fetch: func(provider.Request) (*provider.Result, error) {
			attempts++
			if attempts == 1 {
				return nil, provider.Transient(errors.New("http 503"))
			}
			if attempts == 2 {
				return nil, provider.TransientWithHint(errors.New("http 429"), 42*time.Millisecond)
			}
			return &provider.Result{Bars: barsFor(day, 0, 1439, 100), Source: coverage.CodePrimary}, nil
		},
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{flaky}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))

	require.Equal(t, 3, flaky.calls)
	require.Len(t, sleeps, 2)
	assert.Equal(t, time.Millisecond, sleeps[0])       // first backoff step
	assert.Equal(t, 42*time.Millisecond, sleeps[1])    // server hint wins
	_, ok, err := tree.Index(btc).CodesForDay(day)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_TransientGivesUpAfterMaxAttempts(t *testing.T) {
	e, tree, _ := newTestEngine(t)
	day := dates.Day(20240101)

	down := &fakeProvider{
		name: "a", code: coverage.CodePrimary,
		fetch: func(provider.Request) (*provider.Result, error) {
			return nil, provider.Transient(errors.New("http 500"))
		},
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{down}, From: day, To: day}
	// A provider outage never fails the run.
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))
	assert.Equal(t, 4, down.calls)

	_, ok, err := tree.Index(btc).CodesForDay(day)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_SessionLimitsRequests(t *testing.T) {
	e, tree, _ := newTestEngine(t)
	day := dates.Day(20240101) // a Monday

	session := &provider.Session{OpenMinute: 810, CloseMinute: 1200, Weekdays: provider.Weekdays()}
	var seen []provider.Request
	vendor := &fakeProvider{
		name: "v", code: coverage.CodeFallback, session: session,
		fetch: func(req provider.Request) (*provider.Result, error) {
			seen = append(seen, req)
			return &provider.Result{Bars: barsFor(day, 810, 1199, 300), Source: coverage.CodeFallback}, nil
		},
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{vendor}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))

	require.Len(t, seen, 1)
	assert.Equal(t, day.Minute(810), seen[0].Start)
	assert.Equal(t, day.Minute(1200), seen[0].End)

	codes, ok, err := tree.Index(btc).CodesForDay(day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, coverage.CodeMissing, codes[0])
	assert.Equal(t, coverage.CodeFallback, codes[810])
	assert.Equal(t, coverage.CodeMissing, codes[1200])
}

func TestEngine_SessionSkipsClosedDay(t *testing.T) {
	e, _, _ := newTestEngine(t)
	day := dates.Day(20240106) // a Saturday

	session := &provider.Session{OpenMinute: 810, CloseMinute: 1200, Weekdays: provider.Weekdays()}
	vendor := &fakeProvider{
		name: "v", code: coverage.CodeFallback, session: session,
		fetch: serves(nil, coverage.CodeFallback),
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{vendor}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))
	assert.Zero(t, vendor.calls)
}

func TestEngine_CancelBetweenDays(t *testing.T) {
	e, _, _ := newTestEngine(t)
	from, to := dates.Day(20240101), dates.Day(20240105)

	primary := &fakeProvider{
		name: "a", code: coverage.CodePrimary,
		fetch: func(req provider.Request) (*provider.Result, error) {
			day := dates.FromTime(req.Start)
			return &provider.Result{Bars: barsFor(day, 0, 1439, 100), Source: coverage.CodePrimary}, nil
		},
	}

	checks := 0
	ctl := Controls{Cancelled: func() bool {
		checks++
		return checks > 3
	}}

	task := Task{Instrument: btc, Providers: []provider.Provider{primary}, From: from, To: to}
	err := e.Improve(context.Background(), task, ctl)
	require.ErrorIs(t, err, ErrCancelled)
	// The full range was never completed.
	assert.Less(t, primary.calls, 5)
}

func TestEngine_ChunkingAndCooldown(t *testing.T) {
	e, _, _ := newTestEngine(t)
	day := dates.Day(20240101)

	var sleeps []time.Duration
	e.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	var windows []int
	chunky := &fakeProvider{
		name: "a", code: coverage.CodePrimary,
		limits: provider.Limits{MaxMinutes: 500, Cooldown: 9 * time.Millisecond},
		fetch: func(req provider.Request) (*provider.Result, error) {
			windows = append(windows, req.Minutes())
			day := dates.FromTime(req.Start)
			start := req.Start.Hour()*60 + req.Start.Minute()
			return &provider.Result{
				Bars:   barsFor(day, start, start+req.Minutes()-1, 100),
				Source: coverage.CodePrimary,
			}, nil
		},
	}

	task := Task{Instrument: btc, Providers: []provider.Provider{chunky}, From: day, To: day}
	require.NoError(t, e.Improve(context.Background(), task, Controls{}))

	assert.Equal(t, []int{500, 500, 440}, windows)
	assert.Equal(t, []time.Duration{9 * time.Millisecond, 9 * time.Millisecond}, sleeps)
}

func TestEngine_ModeSelection(t *testing.T) {
	t.Run("bootstrap discovers earliest history", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		listed := time.Date(2024, 1, 3, 9, 30, 0, 0, time.UTC)
		p := &fakeProvider{name: "a", code: coverage.CodePrimary, earliest: listed}

		ix := e.indexes.Index(btc)
		task := Task{Instrument: btc, From: 20240101, To: 20240110}
		mode, from, to, err := e.plan(context.Background(), ix, task, []provider.Provider{p})
		require.NoError(t, err)
		assert.Equal(t, ModeBootstrap, mode)
		assert.Equal(t, dates.Day(20240103), from)
		assert.Equal(t, dates.Day(20240110), to)
	})

	t.Run("catchup expands to whole known window on a full gap", func(t *testing.T) {
		e, tree, _ := newTestEngine(t)
		ix := tree.Index(btc)
		require.NoError(t, ix.UpdateForDay(20240101, []int{0}, coverage.CodePrimary))
		require.NoError(t, ix.UpdateForDay(20240105, []int{0}, coverage.CodePrimary))
		// 20240103 exists in the index but has zero coverage.

		task := Task{Instrument: btc, From: 20240103, To: 20240105}
		mode, from, to, err := e.plan(context.Background(), ix, task, nil)
		require.NoError(t, err)
		assert.Equal(t, ModeCatchup, mode)
		assert.Equal(t, dates.Day(20240101), from)
		assert.Equal(t, dates.Day(20240105), to)
	})

	t.Run("incremental resyncs the trailing window", func(t *testing.T) {
		e, tree, _ := newTestEngine(t)
		ix := tree.Index(btc)
		for day := dates.Day(20240101); day <= 20240110; day = day.Next() {
			require.NoError(t, ix.UpdateForDay(day, []int{0}, coverage.CodePrimary))
		}

		task := Task{Instrument: btc, From: 20240101, To: 20240110}
		mode, from, to, err := e.plan(context.Background(), ix, task, nil)
		require.NoError(t, err)
		assert.Equal(t, ModeIncremental, mode)
		assert.Equal(t, dates.Day(20240109), from)
		assert.Equal(t, dates.Day(20240110), to)
	})
}

func TestChunksFor(t *testing.T) {
	minutes := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, []chunk{{0, 3}, {4, 7}, {8, 9}}, chunksFor(minutes, 4))

	sparse := []int{1, 2, 5, 6, 7}
	assert.Equal(t, []chunk{{1, 2}, {5, 7}}, chunksFor(sparse, 100))

	assert.Empty(t, chunksFor(nil, 10))

	// Chunks carry exactly the provider limit, never one less.
	fullDay := make([]int, dates.MinutesPerDay)
	for i := range fullDay {
		fullDay[i] = i
	}
	assert.Equal(t, []chunk{{0, 499}, {500, 999}, {1000, 1439}}, chunksFor(fullDay, 500))
	assert.Equal(t, []chunk{{0, 1439}}, chunksFor(fullDay, dates.MinutesPerDay),
		"a provider that accepts a full day gets one request")
}
