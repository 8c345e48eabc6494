package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a job id does not exist in any searched state,
// including when another worker won a claim race.
var ErrNotFound = errors.New("job not found")

// Queue is the directory-backed job store. All mutations are either an
// atomic file creation, an in-place write-temp-rename, or a cross-directory
// rename; a crash at any point leaves every job in exactly one valid state.
type Queue struct {
	root string
	log  zerolog.Logger
	now  func() time.Time
}

// Open creates the state directories and returns the queue.
func Open(root string, log zerolog.Logger) (*Queue, error) {
	for _, s := range States() {
		if err := os.MkdirAll(filepath.Join(root, s.dir()), 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory %s: %w", s, err)
		}
	}
	return &Queue{
		root: root,
		log:  log.With().Str("component", "jobs").Logger(),
		now:  time.Now,
	}, nil
}

func (q *Queue) path(s Status, id string) string {
	return filepath.Join(q.root, s.dir(), id+".json")
}

// Enqueue atomically creates a new pending job.
func (q *Queue) Enqueue(jobType string, payload map[string]interface{}) (*Job, error) {
	now := q.now().UTC()
	job := &Job{
		ID:        NewID(now),
		Type:      jobType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedTS: now,
		UpdatedTS: now,
	}
	if err := q.write(StatusPending, job); err != nil {
		return nil, err
	}
	q.log.Info().Str("job", job.ID).Str("type", jobType).Msg("job enqueued")
	return job, nil
}

// Claim relocates the oldest pending job into running/ and returns it.
// The rename is the claim: when two workers race, exactly one rename succeeds
// and the loser moves on to the next candidate. Returns (nil, nil) when no
// pending job exists.
func (q *Queue) Claim() (*Job, error) {
	ids, err := q.ids(StatusPending)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		job, err := q.claim(id)
		if errors.Is(err, ErrNotFound) {
			continue // lost the race for this one
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

func (q *Queue) claim(id string) (*Job, error) {
	src, dst := q.path(StatusPending, id), q.path(StatusRunning, id)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	job, err := q.read(StatusRunning, id)
	if err != nil {
		return nil, err
	}
	job.Status = StatusRunning
	job.UpdatedTS = q.now().UTC()
	if err := q.write(StatusRunning, job); err != nil {
		return nil, err
	}
	q.log.Info().Str("job", id).Str("type", job.Type).Msg("job claimed")
	return job, nil
}

// Get returns a job by id from whichever state it is in.
func (q *Queue) Get(id string) (*Job, error) {
	for _, s := range States() {
		job, err := q.read(s, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, ErrNotFound
}

// List scans the requested states read-only, newest first, up to limit jobs
// (limit <= 0 means no limit).
func (q *Queue) List(states []Status, limit int) ([]*Job, error) {
	if len(states) == 0 {
		states = States()
	}
	var out []*Job
	for _, s := range states {
		if s == StatusCancelling {
			continue
		}
		ids, err := q.ids(s)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			job, err := q.read(s, id)
			if errors.Is(err, ErrNotFound) {
				continue // relocated mid-scan
			}
			if err != nil {
				return nil, err
			}
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateProgress merges the given keys into a running job's progress map.
func (q *Queue) UpdateProgress(id string, progress map[string]interface{}) error {
	job, err := q.read(StatusRunning, id)
	if err != nil {
		return err
	}
	if job.Progress == nil {
		job.Progress = make(map[string]interface{}, len(progress))
	}
	for k, v := range progress {
		job.Progress[k] = v
	}
	job.UpdatedTS = q.now().UTC()
	return q.write(StatusRunning, job)
}

// RequestCancel flips the cancellation flag in place on a pending or running
// job. The worker notices it at the next check point.
//
// A concurrent claim or finalize can relocate the file between the read and
// the rewrite here, resurrecting the job in its old directory. The duplicate
// is covered by the at-least-once contract: the stale sweep requeues it and
// re-execution is idempotent.
func (q *Queue) RequestCancel(id, reason string) error {
	for _, s := range []Status{StatusPending, StatusRunning} {
		job, err := q.read(s, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		job.CancelRequested = true
		job.Status = StatusCancelling
		if reason != "" {
			job.Error = reason
		}
		job.UpdatedTS = q.now().UTC()
		q.log.Info().Str("job", id).Str("reason", reason).Msg("cancellation requested")
		return q.write(s, job)
	}
	return ErrNotFound
}

// Complete relocates a running job to done/.
func (q *Queue) Complete(id string) error {
	return q.finalize(StatusRunning, id, StatusDone, "")
}

// Fail relocates a running job to failed/ with the given error.
func (q *Queue) Fail(id, errMsg string) error {
	return q.finalize(StatusRunning, id, StatusFailed, errMsg)
}

// ForceFail drives a job in any non-terminal state straight to failed/.
// Used by a caller that has already stopped the worker and needs an immediate
// terminal state.
func (q *Queue) ForceFail(id, errMsg string) error {
	for _, s := range []Status{StatusRunning, StatusPending} {
		err := q.finalize(s, id, StatusFailed, errMsg)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return err
	}
	return ErrNotFound
}

// finalize rewrites the record with its terminal fields and relocates it.
func (q *Queue) finalize(from Status, id string, to Status, errMsg string) error {
	job, err := q.read(from, id)
	if err != nil {
		return err
	}
	job.Status = to
	job.Error = errMsg
	job.UpdatedTS = q.now().UTC()
	if err := q.write(from, job); err != nil {
		return err
	}
	if err := os.Rename(q.path(from, id), q.path(to, id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	q.log.Info().Str("job", id).Str("status", string(to)).Str("error", errMsg).Msg("job finalized")
	return nil
}

// SweepStale returns abandoned running jobs to pending/. A running job whose
// updated_ts has not moved within the timeout is presumed orphaned by a
// crashed worker; requeueing it gives at-least-once execution.
func (q *Queue) SweepStale(timeout time.Duration) (int, error) {
	ids, err := q.ids(StatusRunning)
	if err != nil {
		return 0, err
	}
	cutoff := q.now().UTC().Add(-timeout)
	swept := 0
	for _, id := range ids {
		job, err := q.read(StatusRunning, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return swept, err
		}
		if job.UpdatedTS.After(cutoff) {
			continue
		}
		job.Status = StatusPending
		job.UpdatedTS = q.now().UTC()
		if err := q.write(StatusRunning, job); err != nil {
			return swept, err
		}
		if err := os.Rename(q.path(StatusRunning, id), q.path(StatusPending, id)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return swept, fmt.Errorf("requeue stale job %s: %w", id, err)
		}
		q.log.Warn().Str("job", id).Time("last_update", job.UpdatedTS).Msg("requeued stale running job")
		swept++
	}
	return swept, nil
}

// ids lists the job ids in one state directory in ascending (oldest-first)
// order. Ids are time-ordered, so lexical order is age order.
func (q *Queue) ids(s Status) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, s.dir()))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *Queue) read(s Status, id string) (*Job, error) {
	raw, err := os.ReadFile(q.path(s, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// write persists a job record with write-temp-then-rename inside its state
// directory, so readers never observe a partial record.
func (q *Queue) write(s Status, job *Job) error {
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	dir := filepath.Join(q.root, s.dir())
	tmp, err := os.CreateTemp(dir, job.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp job file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpName, q.path(s, job.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename job %s into place: %w", job.ID, err)
	}
	return nil
}
