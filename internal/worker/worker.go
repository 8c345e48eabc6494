// Package worker runs the background job loop: sweep orphaned jobs at
// startup, then poll the queue and execute one job at a time. Execution is
// crash-safe by construction — every state transition is a durable queue
// operation, so a killed worker leaves a running job file behind for the next
// startup sweep to requeue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"candlekeeper/internal/jobs"
	"candlekeeper/internal/reconcile"
)

// HandlerFunc executes one job. A returned reconcile.ErrCancelled marks the
// job failed with a "cancelled" error; any other error becomes the job's
// failure message. Handlers never crash the worker.
type HandlerFunc func(ctx context.Context, job *jobs.Job, ctl *RunControls) error

// Config tunes the worker loop.
type Config struct {
	// PollInterval is the idle sleep between queue scans.
	PollInterval time.Duration
	// StaleTimeout is how long a running job may go without a heartbeat before
	// the startup sweep presumes its worker dead.
	StaleTimeout time.Duration
	// DataDir is the filesystem the disk gate watches.
	DataDir string
	// MaxDiskUsedPct pauses claiming when the data filesystem is fuller than
	// this. Backfills write a lot; filling the disk mid-job helps nobody.
	MaxDiskUsedPct float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 10 * time.Minute
	}
	if c.MaxDiskUsedPct <= 0 {
		c.MaxDiskUsedPct = 90
	}
	return c
}

// Worker polls the queue and dispatches jobs to registered handlers.
type Worker struct {
	queue    *jobs.Queue
	cfg      Config
	log      zerolog.Logger
	handlers map[string]HandlerFunc

	// injected for tests
	diskUsage func(path string) (*disk.UsageStat, error)
}

// New creates a Worker with no handlers registered.
func New(q *jobs.Queue, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		queue:     q,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "worker").Logger(),
		handlers:  make(map[string]HandlerFunc),
		diskUsage: disk.Usage,
	}
}

// Register installs the handler for one job type.
func (w *Worker) Register(jobType string, h HandlerFunc) {
	w.handlers[jobType] = h
}

// Run executes the worker loop until ctx is cancelled. It first requeues any
// running jobs orphaned by a previous crash.
func (w *Worker) Run(ctx context.Context) error {
	swept, err := w.queue.SweepStale(w.cfg.StaleTimeout)
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if swept > 0 {
		w.log.Info().Int("requeued", swept).Msg("requeued orphaned jobs from previous run")
	}

	w.log.Info().Dur("poll_interval", w.cfg.PollInterval).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return ctx.Err()
		default:
		}

		if !w.diskHeadroom() {
			w.idle(ctx)
			continue
		}

		job, err := w.queue.Claim()
		if err != nil {
			w.log.Error().Err(err).Msg("claim failed")
			w.idle(ctx)
			continue
		}
		if job == nil {
			w.idle(ctx)
			continue
		}
		w.runJob(ctx, job)
	}
}

// RunOnce claims and executes at most one job. Returns false when the queue
// was empty.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim()
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.runJob(ctx, job)
	return true, nil
}

func (w *Worker) runJob(ctx context.Context, job *jobs.Job) {
	log := w.log.With().Str("job", job.ID).Str("type", job.Type).Logger()

	handler, ok := w.handlers[job.Type]
	if !ok {
		log.Error().Msg("no handler for job type")
		w.settle(job.ID, fmt.Errorf("unknown job type %q", job.Type))
		return
	}

	if job.CancelRequested {
		log.Info().Msg("job cancelled before start")
		w.settle(job.ID, reconcile.ErrCancelled)
		return
	}

	log.Info().Msg("job started")
	start := time.Now()
	err := handler(ctx, job, newRunControls(w.queue, job.ID, log))
	log.Info().Dur("elapsed", time.Since(start)).Err(err).Msg("job finished")
	w.settle(job.ID, err)
}

// settle drives the job to its terminal state. Queue errors here are logged
// and dropped: if the record cannot be finalized, the stale sweep will
// eventually requeue it.
func (w *Worker) settle(id string, runErr error) {
	var err error
	switch {
	case runErr == nil:
		err = w.queue.Complete(id)
	case errors.Is(runErr, reconcile.ErrCancelled):
		err = w.queue.Fail(id, "cancelled")
	default:
		err = w.queue.Fail(id, runErr.Error())
	}
	if err != nil && !errors.Is(err, jobs.ErrNotFound) {
		w.log.Error().Err(err).Str("job", id).Msg("failed to finalize job")
	}
}

func (w *Worker) diskHeadroom() bool {
	if w.cfg.DataDir == "" {
		return true
	}
	usage, err := w.diskUsage(w.cfg.DataDir)
	if err != nil {
		w.log.Warn().Err(err).Msg("disk usage probe failed")
		return true
	}
	if usage.UsedPercent > w.cfg.MaxDiskUsedPct {
		w.log.Warn().Float64("used_pct", usage.UsedPercent).
			Float64("limit_pct", w.cfg.MaxDiskUsedPct).
			Msg("low disk headroom, pausing job claims")
		return false
	}
	return true
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}
