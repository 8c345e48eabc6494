package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlekeeper/internal/catalog"
	"candlekeeper/internal/database"
	"candlekeeper/internal/jobs"
	"candlekeeper/internal/worker"
)

func newFixtures(t *testing.T) (*jobs.Queue, *catalog.Repository) {
	t.Helper()
	q, err := jobs.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	db, err := database.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := catalog.NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return q, repo
}

func TestReconcileJob_EnqueuesPerExchange(t *testing.T) {
	q, repo := newFixtures(t)
	require.NoError(t, repo.Upsert(catalog.Entry{Exchange: "binance", Symbol: "BTCUSDT", Enabled: true}))
	require.NoError(t, repo.Upsert(catalog.Entry{Exchange: "binance", Symbol: "ETHUSDT", Enabled: true}))
	require.NoError(t, repo.Upsert(catalog.Entry{Exchange: "coinbase", Symbol: "SOLUSD", Enabled: true}))
	require.NoError(t, repo.Upsert(catalog.Entry{Exchange: "binance", Symbol: "DOGEUSDT", Enabled: false}))

	job := NewReconcileJob(q, repo, zerolog.Nop())
	require.NoError(t, job.Run())

	pending, err := q.List([]jobs.Status{jobs.StatusPending}, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	symbolsByExchange := map[string]int{}
	for _, j := range pending {
		assert.Equal(t, worker.TypeReconcile, j.Type)
		exchange := j.Payload["exchange"].(string)
		symbolsByExchange[exchange] = len(j.Payload["symbols"].([]interface{}))
	}
	assert.Equal(t, 2, symbolsByExchange["binance"], "disabled symbol excluded")
	assert.Equal(t, 1, symbolsByExchange["coinbase"])
}

func TestReconcileJob_SkipsWhileOutstanding(t *testing.T) {
	q, repo := newFixtures(t)
	require.NoError(t, repo.Upsert(catalog.Entry{Exchange: "binance", Symbol: "BTCUSDT", Enabled: true}))

	job := NewReconcileJob(q, repo, zerolog.Nop())
	require.NoError(t, job.Run())
	require.NoError(t, job.Run())

	pending, err := q.List([]jobs.Status{jobs.StatusPending}, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPruneJob(t *testing.T) {
	q, repo := newFixtures(t)
	require.NoError(t, repo.Upsert(catalog.Entry{Exchange: "binance", Symbol: "BTCUSDT", Enabled: true}))

	t.Run("disabled with zero retention", func(t *testing.T) {
		job := NewPruneJob(q, repo, 0, zerolog.Nop())
		require.NoError(t, job.Run())
		pending, err := q.List([]jobs.Status{jobs.StatusPending}, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("enqueues with retention set", func(t *testing.T) {
		job := NewPruneJob(q, repo, 90, zerolog.Nop())
		require.NoError(t, job.Run())
		pending, err := q.List([]jobs.Status{jobs.StatusPending}, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, worker.TypePrune, pending[0].Type)
		assert.EqualValues(t, 90, pending[0].Payload["keep_days"])
	})
}
