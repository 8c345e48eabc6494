package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"candlekeeper/internal/coverage"
	"candlekeeper/internal/dates"
	"candlekeeper/internal/dayfile"
	"candlekeeper/internal/jobs"
	"candlekeeper/internal/market"
	"candlekeeper/internal/provider"
	"candlekeeper/internal/reconcile"
)

// Job types the worker understands.
const (
	TypeReconcile = "reconcile"
	TypePrune     = "prune"
)

// ProviderResolver yields the provider stack for one instrument. Order does
// not matter; the engine sorts by fidelity itself.
type ProviderResolver interface {
	ProvidersFor(ctx context.Context, inst market.Instrument) ([]provider.Provider, error)
}

// decodePayload round-trips the loosely-typed payload map into a typed
// struct.
func decodePayload(payload map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

type reconcilePayload struct {
	Exchange string   `json:"exchange"`
	Symbols  []string `json:"symbols"`
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
}

// ReconcileHandler runs the reconciliation engine for each instrument named
// in the job payload.
type ReconcileHandler struct {
	engine  *reconcile.Engine
	sources ProviderResolver
	// floor bounds how far back a bootstrap may reach when the payload gives
	// no explicit start day.
	floor dates.Day
	log   zerolog.Logger
}

// NewReconcileHandler creates the handler for TypeReconcile jobs.
func NewReconcileHandler(engine *reconcile.Engine, sources ProviderResolver, floor dates.Day, log zerolog.Logger) *ReconcileHandler {
	return &ReconcileHandler{
		engine:  engine,
		sources: sources,
		floor:   floor,
		log:     log.With().Str("component", "reconcile-handler").Logger(),
	}
}

// Handle executes one reconcile job. Instrument resolution failures fail the
// job; per-provider fetch failures are absorbed inside the engine.
func (h *ReconcileHandler) Handle(ctx context.Context, job *jobs.Job, ctl *RunControls) error {
	var p reconcilePayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	if p.Exchange == "" || len(p.Symbols) == 0 {
		return fmt.Errorf("reconcile payload needs exchange and symbols")
	}

	from, to := h.floor, dates.Today()
	var err error
	if p.From != "" {
		if from, err = dates.Parse(p.From); err != nil {
			return fmt.Errorf("payload from: %w", err)
		}
	}
	if p.To != "" {
		if to, err = dates.Parse(p.To); err != nil {
			return fmt.Errorf("payload to: %w", err)
		}
	}

	controls := reconcile.Controls{Report: ctl.Report, Cancelled: ctl.Cancelled}
	for _, symbol := range p.Symbols {
		inst := market.Instrument{Exchange: p.Exchange, Symbol: symbol}
		providers, err := h.sources.ProvidersFor(ctx, inst)
		if err != nil {
			return fmt.Errorf("resolve providers for %s: %w", inst.Key(), err)
		}
		task := reconcile.Task{Instrument: inst, Providers: providers, From: from, To: to}
		if err := h.engine.Improve(ctx, task, controls); err != nil {
			return err
		}
	}
	return nil
}

type prunePayload struct {
	Exchange string   `json:"exchange"`
	Symbols  []string `json:"symbols"`
	KeepDays int      `json:"keep_days"`
}

// PruneHandler removes day files and index coverage older than a retention
// window.
type PruneHandler struct {
	indexes *coverage.Tree
	store   *dayfile.Store
	log     zerolog.Logger

	today func() dates.Day
}

// NewPruneHandler creates the handler for TypePrune jobs.
func NewPruneHandler(indexes *coverage.Tree, store *dayfile.Store, log zerolog.Logger) *PruneHandler {
	return &PruneHandler{
		indexes: indexes,
		store:   store,
		log:     log.With().Str("component", "prune-handler").Logger(),
		today:   dates.Today,
	}
}

// Handle drops every known day strictly older than keep_days for each listed
// instrument. The index keeps its extent; pruned days read as fully missing.
func (h *PruneHandler) Handle(ctx context.Context, job *jobs.Job, ctl *RunControls) error {
	var p prunePayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	if p.Exchange == "" || len(p.Symbols) == 0 || p.KeepDays <= 0 {
		return fmt.Errorf("prune payload needs exchange, symbols and a positive keep_days")
	}

	cutoff := h.today().AddDays(-p.KeepDays)
	total := 0
	for _, symbol := range p.Symbols {
		if ctl.Cancelled() {
			return reconcile.ErrCancelled
		}
		inst := market.Instrument{Exchange: p.Exchange, Symbol: symbol}
		removed, err := h.pruneInstrument(inst, cutoff)
		if err != nil {
			return err
		}
		total += removed
		ctl.Report(map[string]interface{}{
			"instrument":   inst.Key(),
			"cutoff":       cutoff.String(),
			"days_removed": total,
		})
	}
	h.log.Info().Int("days_removed", total).Stringer("cutoff", cutoff).Msg("prune finished")
	return nil
}

func (h *PruneHandler) pruneInstrument(inst market.Instrument, cutoff dates.Day) (int, error) {
	ix := h.indexes.Index(inst)
	oldest, newest, ok, err := ix.Range()
	if err != nil {
		return 0, err
	}
	if !ok || oldest >= cutoff {
		return 0, nil
	}

	last := minDay(cutoff.Prev(), newest)
	days := make([]dates.Day, 0, dates.DaysBetween(oldest, last)+1)
	for d := oldest; d <= last; d = d.Next() {
		days = append(days, d)
	}
	removed, err := ix.RemoveDays(days)
	if err != nil {
		return 0, err
	}
	for _, d := range days {
		if err := h.store.RemoveDay(inst, d); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func minDay(a, b dates.Day) dates.Day {
	if a < b {
		return a
	}
	return b
}
