package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nikoldigital777/LIA/pkg/memory"
)

func newStore(t *testing.T, persist bool, opts ...memory.Option) *memory.Store {
	t.Helper()
	cfg := memory.DefaultConfig()
	cfg.TriggerCount = 4
	cfg.TargetCount = 2
	cfg.PinnedFloor = 1
	cfg.Scorer = memory.ScorerUniform
	cfg.Persist = persist
	cfg.Workspace = t.TempDir()
	s, err := memory.NewStore(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func admit(t *testing.T, s *memory.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Admit(context.Background(), memory.Candidate{
			Category: memory.CategorySemantic,
			Payload:  "water boils at one hundred degrees",
		})
		require.NoError(t, err)
	}
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New(newStore(t, false), "every five minutes")
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	s, err := New(newStore(t, false), "*/5 * * * *")
	require.NoError(t, err)

	ref := time.Date(2025, 3, 1, 12, 3, 0, 0, time.UTC)
	next, err := s.Next(ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 5, 0, 0, time.UTC), next)
}

func TestRunOnce_NothingPending(t *testing.T) {
	store := newStore(t, false)
	admit(t, store, 2)
	s, err := New(store, "* * * * *")
	require.NoError(t, err)

	res := s.RunOnce(context.Background())
	assert.False(t, res.Retried)
	assert.False(t, res.Snapshotted)
	assert.Equal(t, uint64(1), s.Passes())
}

func TestRunOnce_RetriesFailedGroups(t *testing.T) {
	fail := true
	summarize := func(ctx context.Context, cat memory.Category, recs []memory.MemoryRecord) (string, error) {
		if fail {
			return "", errors.New("summarizer offline")
		}
		return memory.CountSummary(ctx, cat, recs)
	}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newStore(t, true, memory.WithSummarizer(summarize), memory.WithClock(func() time.Time { return at }))
	admit(t, store, 4)
	require.Equal(t, 4, store.Len())
	require.True(t, store.Stats().PendingRetry)

	s, err := New(store, "* * * * *")
	require.NoError(t, err)
	fail = false
	res := s.RunOnce(context.Background())

	assert.True(t, res.Retried)
	assert.True(t, res.Snapshotted)
	assert.LessOrEqual(t, store.Len(), 2)
	assert.False(t, store.Stats().PendingRetry)

	sqlite, ok := store.Persister().(*memory.SQLiteStore)
	require.True(t, ok)
	rows, err := sqlite.ListMetrics(context.Background(), "memory.records", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(store.Len()), rows[0].Value)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(newStore(t, false), "* * * * *")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
