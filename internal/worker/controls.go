package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"candlekeeper/internal/jobs"
)

// RunControls is the per-job bridge between a handler and the queue record:
// throttled progress writes (which double as the liveness heartbeat the stale
// sweep watches) and a throttled cancellation probe that re-reads the job
// file.
type RunControls struct {
	queue *jobs.Queue
	jobID string
	log   zerolog.Logger
	now   func() time.Time

	reportEvery time.Duration
	checkEvery  time.Duration

	mu         sync.Mutex
	lastReport time.Time
	lastCheck  time.Time
	cancelled  bool
}

func newRunControls(q *jobs.Queue, jobID string, log zerolog.Logger) *RunControls {
	return &RunControls{
		queue:       q,
		jobID:       jobID,
		log:         log,
		now:         time.Now,
		reportEvery: time.Second,
		checkEvery:  time.Second,
	}
}

// Report merges fields into the job's progress map, at most once per throttle
// interval. Dropping intermediate updates is fine: progress is advisory.
func (c *RunControls) Report(fields map[string]interface{}) {
	c.mu.Lock()
	now := c.now()
	if now.Sub(c.lastReport) < c.reportEvery {
		c.mu.Unlock()
		return
	}
	c.lastReport = now
	c.mu.Unlock()

	if err := c.queue.UpdateProgress(c.jobID, fields); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		c.log.Warn().Err(err).Str("job", c.jobID).Msg("progress update failed")
	}
}

// Cancelled reports whether cancellation has been requested for this job.
// The job file is re-read at most once per throttle interval; once observed,
// cancellation is sticky. A job that vanished from the queue (force-failed)
// also reads as cancelled.
func (c *RunControls) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return true
	}
	now := c.now()
	if now.Sub(c.lastCheck) < c.checkEvery {
		return false
	}
	c.lastCheck = now

	job, err := c.queue.Get(c.jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		c.cancelled = true
		return true
	}
	if err != nil {
		c.log.Warn().Err(err).Str("job", c.jobID).Msg("cancellation probe failed")
		return false
	}
	if job.CancelRequested || job.Status.Terminal() {
		c.cancelled = true
	}
	return c.cancelled
}
