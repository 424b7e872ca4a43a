package localstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStatsDeltaAccumulates(t *testing.T) {
	store, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.RecordStatsDelta(StatsDelta{Hits: 2}))
	require.NoError(t, store.RecordStatsDelta(StatsDelta{Misses: 1, Inserts: 1}))
	require.NoError(t, store.RecordStatsDelta(StatsDelta{Hits: 1}))

	got, err := store.CumulativeStats()
	require.NoError(t, err)
	assert.Equal(t, StatsDelta{Hits: 3, Misses: 1, Inserts: 1}, got)
}

func TestResetStatsZeroesCounters(t *testing.T) {
	store, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.RecordStatsDelta(StatsDelta{Hits: 5}))
	require.NoError(t, store.ResetStats())

	got, err := store.CumulativeStats()
	require.NoError(t, err)
	assert.Equal(t, StatsDelta{}, got)
}

func TestCumulativeStatsIsZeroOnFreshStore(t *testing.T) {
	store, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.CumulativeStats()
	require.NoError(t, err)
	assert.Equal(t, StatsDelta{}, got)
}
