package server

import (
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/dates"
	"candlekeeper/internal/market"
)

type dayCoverage struct {
	Day        string  `json:"day"`
	Missing    int     `json:"missing"`
	Primary    int     `json:"primary"`
	OrderBook  int     `json:"orderbook"`
	Fallback   int     `json:"fallback"`
	CoveredPct float64 `json:"covered_pct"`

	// Codes is the full per-minute provenance vector, present only with
	// detail=minutes.
	Codes []int `json:"codes,omitempty"`
}

func toDayCoverage(day dates.Day, c coverage.Counts) dayCoverage {
	return dayCoverage{
		Day:        day.String(),
		Missing:    c.Missing(),
		Primary:    c[coverage.CodePrimary],
		OrderBook:  c[coverage.CodeOrderBook],
		Fallback:   c[coverage.CodeFallback],
		CoveredPct: float64(c.Covered()) / float64(dates.MinutesPerDay) * 100,
	}
}

// handleCoverage reports per-day provenance counts for one instrument over a
// day range. Days the index has never seen read as fully missing.
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange, symbol := q.Get("exchange"), q.Get("symbol")
	if exchange == "" || symbol == "" {
		s.respondError(w, http.StatusBadRequest, "exchange and symbol are required")
		return
	}
	inst := market.Instrument{Exchange: exchange, Symbol: symbol}

	to := dates.Today()
	from := to.AddDays(-(s.summaryDays - 1))
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = dates.Parse(v); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid from day")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = dates.Parse(v); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid to day")
			return
		}
	}
	if to < from {
		s.respondError(w, http.StatusBadRequest, "to precedes from")
		return
	}

	ix := s.indexes.Index(inst)
	agg, err := ix.AggregateForRange(from, to)
	if err != nil {
		s.log.Error().Err(err).Str("instrument", inst.Key()).Msg("Coverage aggregation failed")
		s.respondError(w, http.StatusInternalServerError, "coverage aggregation failed")
		return
	}

	withMinutes := q.Get("detail") == "minutes"
	days := make([]dayCoverage, 0, len(agg))
	for day := from; day <= to; day = day.Next() {
		dc := toDayCoverage(day, agg[day])
		if withMinutes {
			codes, ok, err := ix.CodesForDay(day)
			if err != nil {
				s.respondError(w, http.StatusInternalServerError, "coverage read failed")
				return
			}
			dc.Codes = make([]int, dates.MinutesPerDay)
			if ok {
				for m, c := range codes {
					dc.Codes[m] = int(c)
				}
			}
		}
		days = append(days, dc)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"instrument": inst.Key(),
		"from":       from.String(),
		"to":         to.String(),
		"days":       days,
	})
}

type instrumentSummary struct {
	Instrument string  `json:"instrument"`
	Days       int     `json:"days"`
	Missing    int     `json:"missing"`
	Primary    int     `json:"primary"`
	OrderBook  int     `json:"orderbook"`
	Fallback   int     `json:"fallback"`
	CoveredPct float64 `json:"covered_pct"`
}

// handleCoverageSummary aggregates trailing coverage for every enabled
// instrument. Indexes are read concurrently; each instrument's index is an
// independent file.
func (s *Server) handleCoverageSummary(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.List(true)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list instruments")
		s.respondError(w, http.StatusInternalServerError, "failed to list instruments")
		return
	}

	to := dates.Today()
	from := to.AddDays(-(s.summaryDays - 1))

	var (
		mu        sync.Mutex
		summaries []instrumentSummary
	)
	g, _ := errgroup.WithContext(r.Context())
	g.SetLimit(8)
	for _, entry := range entries {
		inst := entry.Instrument()
		g.Go(func() error {
			agg, err := s.indexes.Index(inst).AggregateForRange(from, to)
			if err != nil {
				return err
			}
			var total coverage.Counts
			for _, c := range agg {
				for i := range c {
					total[i] += c[i]
				}
			}
			minutes := (dates.DaysBetween(from, to) + 1) * dates.MinutesPerDay
			mu.Lock()
			summaries = append(summaries, instrumentSummary{
				Instrument: inst.Key(),
				Days:       dates.DaysBetween(from, to) + 1,
				Missing:    total.Missing(),
				Primary:    total[coverage.CodePrimary],
				OrderBook:  total[coverage.CodeOrderBook],
				Fallback:   total[coverage.CodeFallback],
				CoveredPct: float64(total.Covered()) / float64(minutes) * 100,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Msg("Coverage summary failed")
		s.respondError(w, http.StatusInternalServerError, "coverage summary failed")
		return
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Instrument < summaries[j].Instrument })
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"from":        from.String(),
		"to":          to.String(),
		"instruments": summaries,
	})
}
