package scheduler

import (
	"fmt"

	"github.com/rs/zerolog"

	"candlekeeper/internal/catalog"
	"candlekeeper/internal/jobs"
	"candlekeeper/internal/worker"
)

// ReconcileJob enqueues an incremental reconcile for every enabled
// instrument, grouped per exchange. It backs off while reconcile work is
// still outstanding so a slow backfill never piles up duplicate jobs.
type ReconcileJob struct {
	queue   *jobs.Queue
	catalog *catalog.Repository
	log     zerolog.Logger
}

// NewReconcileJob creates the periodic reconcile enqueuer.
func NewReconcileJob(q *jobs.Queue, cat *catalog.Repository, log zerolog.Logger) *ReconcileJob {
	return &ReconcileJob{
		queue:   q,
		catalog: cat,
		log:     log.With().Str("component", "reconcile-job").Logger(),
	}
}

// Name implements Job.
func (j *ReconcileJob) Name() string { return "reconcile-enqueue" }

// Run implements Job.
func (j *ReconcileJob) Run() error {
	outstanding, err := hasOutstanding(j.queue, worker.TypeReconcile)
	if err != nil {
		return err
	}
	if outstanding {
		j.log.Debug().Msg("reconcile work still outstanding, skipping enqueue")
		return nil
	}

	byExchange, err := enabledByExchange(j.catalog)
	if err != nil {
		return err
	}
	for exchange, symbols := range byExchange {
		if _, err := j.queue.Enqueue(worker.TypeReconcile, map[string]interface{}{
			"exchange": exchange,
			"symbols":  symbols,
		}); err != nil {
			return fmt.Errorf("enqueue reconcile for %s: %w", exchange, err)
		}
	}
	return nil
}

// PruneJob enqueues retention pruning for every enabled instrument.
type PruneJob struct {
	queue    *jobs.Queue
	catalog  *catalog.Repository
	keepDays int
	log      zerolog.Logger
}

// NewPruneJob creates the periodic prune enqueuer. keepDays <= 0 makes it a
// no-op.
func NewPruneJob(q *jobs.Queue, cat *catalog.Repository, keepDays int, log zerolog.Logger) *PruneJob {
	return &PruneJob{
		queue:    q,
		catalog:  cat,
		keepDays: keepDays,
		log:      log.With().Str("component", "prune-job").Logger(),
	}
}

// Name implements Job.
func (j *PruneJob) Name() string { return "prune-enqueue" }

// Run implements Job.
func (j *PruneJob) Run() error {
	if j.keepDays <= 0 {
		return nil
	}
	outstanding, err := hasOutstanding(j.queue, worker.TypePrune)
	if err != nil {
		return err
	}
	if outstanding {
		return nil
	}

	byExchange, err := enabledByExchange(j.catalog)
	if err != nil {
		return err
	}
	for exchange, symbols := range byExchange {
		if _, err := j.queue.Enqueue(worker.TypePrune, map[string]interface{}{
			"exchange":  exchange,
			"symbols":   symbols,
			"keep_days": j.keepDays,
		}); err != nil {
			return fmt.Errorf("enqueue prune for %s: %w", exchange, err)
		}
	}
	return nil
}

func hasOutstanding(q *jobs.Queue, jobType string) (bool, error) {
	open, err := q.List([]jobs.Status{jobs.StatusPending, jobs.StatusRunning}, 0)
	if err != nil {
		return false, err
	}
	for _, job := range open {
		if job.Type == jobType {
			return true, nil
		}
	}
	return false, nil
}

func enabledByExchange(cat *catalog.Repository) (map[string][]string, error) {
	entries, err := cat.List(true)
	if err != nil {
		return nil, err
	}
	byExchange := make(map[string][]string)
	for _, e := range entries {
		byExchange[e.Exchange] = append(byExchange[e.Exchange], e.Symbol)
	}
	return byExchange, nil
}
