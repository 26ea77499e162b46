package history

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "jobsync_history_test_*.db")
	require.NoError(t, err)
	_ = tmpFile.Close()
	path := tmpFile.Name()

	store, err := Open(path)
	require.NoError(t, err)

	return store, func() {
		_ = store.Close()
		_ = os.Remove(path)
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	rounds, err := store.Rounds()
	require.NoError(t, err)
	require.Empty(t, rounds)
}

func TestSaveRoundRoundTrips(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	r := Round{
		Number: 1,
		Targets: map[string]TargetSample{
			"target-a": {RequestedIOPS: 1000, AchievedIOPS: 980.5, LatencyMS: 4.2},
			"target-b": {RequestedIOPS: 1000, AchievedIOPS: 1020.1, LatencyMS: 3.9, Blacklisted: true},
		},
		AllPassed:    false,
		BinarySearch: true,
		BracketLower: 800,
		BracketUpper: 1200,
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	id, err := store.SaveRound(r)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	rounds, err := store.Rounds()
	require.NoError(t, err)
	require.Len(t, rounds, 1)

	got := rounds[0]
	require.Equal(t, id, got.ID)
	require.Equal(t, r.Number, got.Number)
	require.Equal(t, r.AllPassed, got.AllPassed)
	require.Equal(t, r.BinarySearch, got.BinarySearch)
	require.InDelta(t, r.BracketLower, got.BracketLower, 0.0001)
	require.InDelta(t, r.BracketUpper, got.BracketUpper, 0.0001)
	require.True(t, r.Timestamp.Equal(got.Timestamp))
	require.Len(t, got.Targets, 2)
	require.InDelta(t, 980.5, got.Targets["target-a"].AchievedIOPS, 0.0001)
	require.True(t, got.Targets["target-b"].Blacklisted)
	require.False(t, got.Targets["target-a"].Blacklisted)
}

func TestRoundsOrderedByNumberAscending(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, n := range []int{3, 1, 2} {
		_, err := store.SaveRound(Round{
			Number:    n,
			Targets:   map[string]TargetSample{"t": {RequestedIOPS: 1}},
			Timestamp: base.Add(time.Duration(n) * time.Minute),
		})
		require.NoError(t, err)
	}

	rounds, err := store.Rounds()
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	require.Equal(t, []int{1, 2, 3}, []int{rounds[0].Number, rounds[1].Number, rounds[2].Number})
}

func TestLatestRoundReturnsMostRecentByNumber(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	_, ok, err := store.LatestRound()
	require.NoError(t, err)
	require.False(t, ok)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, n := range []int{1, 2, 3} {
		_, err := store.SaveRound(Round{
			Number:    n,
			Targets:   map[string]TargetSample{"t": {RequestedIOPS: float64(n)}},
			Timestamp: base.Add(time.Duration(n) * time.Minute),
		})
		require.NoError(t, err)
	}

	latest, ok, err := store.LatestRound()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, latest.Number)
	require.InDelta(t, 3, latest.Targets["t"].RequestedIOPS, 0.0001)
}
