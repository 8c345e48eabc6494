package jobs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return q
}

func TestQueue_EnqueueCreatesPendingFile(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Enqueue("reconcile", map[string]interface{}{"instrument": "binance:BTCUSDT"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)

	_, err = os.Stat(filepath.Join(q.root, "pending", job.ID+".json"))
	require.NoError(t, err)

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "reconcile", got.Type)
	assert.Equal(t, "binance:BTCUSDT", got.Payload["instrument"])
}

func TestQueue_ClaimOldestFirst(t *testing.T) {
	q := newTestQueue(t)

	times := []time.Time{
		time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC),
	}
	i := 0
	q.now = func() time.Time { t := times[i%len(times)]; i++; return t }

	first, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("reconcile", nil)
	require.NoError(t, err)

	claimed, err := q.Claim()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)

	_, err = os.Stat(filepath.Join(q.root, "running", claimed.ID+".json"))
	require.NoError(t, err)
}

func TestQueue_ClaimEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Claim()
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_ClaimRaceHasOneWinner(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Job, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := q.Claim()
			require.NoError(t, err)
			results[i] = j
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestQueue_ClaimByIDRaceLoserGetsNotFound(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)

	_, err = q.claim(job.ID)
	require.NoError(t, err)

	_, err = q.claim(job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ProgressAndCancel(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)
	_, err = q.Claim()
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(job.ID, map[string]interface{}{"days_done": 3}))
	require.NoError(t, q.UpdateProgress(job.ID, map[string]interface{}{"days_total": 10}))

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Progress["days_done"])
	assert.EqualValues(t, 10, got.Progress["days_total"])

	require.NoError(t, q.RequestCancel(job.ID, "operator request"))
	got, err = q.Get(job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, StatusCancelling, got.Status)
	// Still physically in running/: cancelling is a marker, not a directory.
	_, err = os.Stat(filepath.Join(q.root, "running", job.ID+".json"))
	require.NoError(t, err)
}

func TestQueue_CompleteAndFailRelocate(t *testing.T) {
	q := newTestQueue(t)

	a, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)
	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Complete(a.ID))

	got, err := q.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)

	b, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)
	_, err = q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Fail(b.ID, "provider exploded"))

	got, err = q.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "provider exploded", got.Error)
}

func TestQueue_ForceFail(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)
	require.NoError(t, q.ForceFail(job.ID, "worker killed"))

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "worker killed", got.Error)

	assert.ErrorIs(t, q.ForceFail("nope", "x"), ErrNotFound)
}

func TestQueue_List(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue("reconcile", nil)
		require.NoError(t, err)
	}
	claimed, err := q.Claim()
	require.NoError(t, err)
	require.NoError(t, q.Complete(claimed.ID))

	pending, err := q.List([]Status{StatusPending}, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := q.List(nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := q.List(nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestQueue_SweepStale(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Enqueue("reconcile", nil)
	require.NoError(t, err)
	_, err = q.Claim()
	require.NoError(t, err)

	// Fresh running job is left alone.
	swept, err := q.SweepStale(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, swept)

	// Age it beyond the staleness timeout.
	stale, err := q.read(StatusRunning, job.ID)
	require.NoError(t, err)
	stale.UpdatedTS = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, q.write(StatusRunning, stale))

	swept, err = q.SweepStale(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	// And it is claimable again: at-least-once semantics.
	again, err := q.Claim()
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
}

func TestNewID_IsTimeOrdered(t *testing.T) {
	a := NewID(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	b := NewID(time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC))
	assert.Less(t, a, b)
}
