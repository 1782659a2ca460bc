package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock { return &stepClock{t: t0, step: step} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

// byPayload scores candidates from a fixed table, 0.5 when absent.
func byPayload(table map[string]float64) ScoreFunc {
	return func(c Candidate, _ time.Time) float64 {
		if v, ok := table[c.Payload]; ok {
			return v
		}
		return 0.5
	}
}

func newTestStore(t *testing.T, trigger, target int, opts ...Option) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TriggerCount = trigger
	cfg.TargetCount = target
	opts = append([]Option{WithClock(newStepClock(time.Second).Now)}, opts...)
	s, err := NewStore(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func admit(t *testing.T, s *Store, cat Category, payload string) string {
	t.Helper()
	id, err := s.Admit(context.Background(), Candidate{Category: cat, Payload: payload})
	require.NoError(t, err)
	return id
}

func TestStore_CompressionHysteresis(t *testing.T) {
	s := newTestStore(t, 100, 80)
	ctx := context.Background()

	passes := 0
	for i := 1; i <= 150; i++ {
		before := s.Len()
		adm, err := s.AdmitReport(ctx, Candidate{Category: CategoryEpisodic, Payload: fmt.Sprintf("exp %d", i)})
		require.NoError(t, err)

		if before+1 < 100 {
			require.Nil(t, adm.Compression, "compression fired early at admission %d", i)
			require.Equal(t, before+1, s.Len())
			continue
		}
		require.NotNil(t, adm.Compression, "compression did not fire at admission %d", i)
		passes++
		assert.LessOrEqual(t, s.Len(), 80)
		assert.Equal(t, 100, adm.Compression.SizeBefore)
		assert.False(t, adm.Compression.Shortfall)
		if passes == 1 {
			assert.Equal(t, 100, i)
		}
	}
	assert.Equal(t, passes, s.Stats().Compressions)
	assert.Less(t, s.Len(), 100)

	var weight float64
	for _, rec := range s.List("", nil) {
		weight += rec.Weight
	}
	assert.Equal(t, 150.0, weight)
}

func TestStore_PinnedRecordSurvivesCompression(t *testing.T) {
	s := newTestStore(t, 5, 2, WithScorer(byPayload(map[string]float64{"oldest": 0.95})))

	oldest := admit(t, s, CategoryEpisodic, "oldest")
	for i := 0; i < 4; i++ {
		admit(t, s, CategoryEpisodic, fmt.Sprintf("filler %d", i))
	}

	rec, ok := s.Get(oldest)
	require.True(t, ok)
	assert.False(t, rec.Compressed)
	assert.Equal(t, 0.95, rec.Importance)
	assert.Equal(t, 2, s.Len())
}

func TestStore_AllPinnedReportsShortfall(t *testing.T) {
	s := newTestStore(t, 3, 1, WithScorer(func(Candidate, time.Time) float64 { return 0.99 }))
	ctx := context.Background()
	admit(t, s, CategoryEpisodic, "a")
	admit(t, s, CategoryEpisodic, "b")
	adm, err := s.AdmitReport(ctx, Candidate{Category: CategoryEpisodic, Payload: "c"})
	require.NoError(t, err)
	require.NotNil(t, adm.Compression)
	assert.True(t, adm.Compression.Shortfall)
	assert.Empty(t, adm.Compression.Groups)
	assert.Equal(t, 3, s.Len())
}

func TestStore_ProvenanceAndWeightedMean(t *testing.T) {
	s := newTestStore(t, 4, 2, WithScorer(byPayload(map[string]float64{
		"a": 0.2, "b": 0.4, "c": 0.6, "pinned": 0.9,
	})))
	a := admit(t, s, CategorySemantic, "a")
	b := admit(t, s, CategorySemantic, "b")
	c := admit(t, s, CategorySemantic, "c")
	admit(t, s, CategorySemantic, "pinned")

	_, ok := s.Get(a)
	assert.False(t, ok, "absorbed record must not be returned")

	g, ok := s.Resolve(a)
	require.True(t, ok)
	for _, id := range []string{b, c} {
		other, ok := s.Resolve(id)
		require.True(t, ok)
		assert.Equal(t, g, other)
	}

	rec, ok := s.Get(g)
	require.True(t, ok)
	assert.True(t, rec.Compressed)
	assert.InDelta(t, 0.4, rec.Importance, 1e-9)
	assert.Equal(t, 3.0, rec.Weight)
	assert.Contains(t, rec.Payload, "- a")

	group, ok := s.Group(g)
	require.True(t, ok)
	assert.Equal(t, []string{a, b, c}, group.SourceIDs)
	assert.Equal(t, rec.Payload, group.SummaryPayload)

	_, ok = s.Group(a)
	assert.False(t, ok)
	_, ok = s.Resolve("rec-missing")
	assert.False(t, ok)
}

func TestStore_RecompressionWeighsByRepresentedRecords(t *testing.T) {
	s := newTestStore(t, 4, 2, WithScorer(byPayload(map[string]float64{
		"a": 0.2, "b": 0.2, "c": 0.2, "pinned": 0.9, "d": 0.6, "e": 0.7,
	})))
	a := admit(t, s, CategoryEpisodic, "a")
	admit(t, s, CategoryEpisodic, "b")
	admit(t, s, CategoryEpisodic, "c")
	admit(t, s, CategoryEpisodic, "pinned")
	first, _ := s.Resolve(a)
	require.Equal(t, 2, s.Len())

	admit(t, s, CategoryEpisodic, "d")
	admit(t, s, CategoryEpisodic, "e")

	second, ok := s.Resolve(a)
	require.True(t, ok)
	assert.NotEqual(t, first, second)
	rec, _ := s.Get(second)
	// group(a,b,c) weighs 3 at 0.2; d and e weigh 1 each
	assert.InDelta(t, (3*0.2+0.6+0.7)/5, rec.Importance, 1e-9)
	assert.Equal(t, 5.0, rec.Weight)

	grp, ok := s.Group(second)
	require.True(t, ok)
	assert.Equal(t, first, grp.SourceIDs[0])
}

func TestStore_PartialSummarizerFailure(t *testing.T) {
	var mu sync.Mutex
	failSemantic := true
	summarize := func(ctx context.Context, cat Category, recs []MemoryRecord) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if cat == CategorySemantic && failSemantic {
			return "", errors.New("summarizer offline")
		}
		return DigestSummary(ctx, cat, recs)
	}
	s := newTestStore(t, 6, 2, WithSummarizer(summarize), WithScorer(func(Candidate, time.Time) float64 { return 0.1 }))

	var semantic []string
	for i := 0; i < 3; i++ {
		admit(t, s, CategoryEpisodic, fmt.Sprintf("e%d", i))
	}
	for i := 0; i < 2; i++ {
		semantic = append(semantic, admit(t, s, CategorySemantic, fmt.Sprintf("s%d", i)))
	}
	adm, err := s.AdmitReport(context.Background(), Candidate{Category: CategorySemantic, Payload: "s2"})
	require.NoError(t, err, "compression failure must not fail admission")
	semantic = append(semantic, adm.ID)

	report := adm.Compression
	require.NotNil(t, report)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, CategorySemantic, report.Failures[0].Category)
	assert.ElementsMatch(t, semantic, report.Failures[0].SourceIDs)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, CategoryEpisodic, report.Groups[0].Category)

	for _, id := range semantic {
		rec, ok := s.Get(id)
		require.True(t, ok)
		assert.False(t, rec.Compressed)
	}
	assert.Equal(t, 4, s.Len())
	assert.True(t, s.Stats().PendingRetry)

	mu.Lock()
	failSemantic = false
	mu.Unlock()

	retried, ran := s.RetryPending(context.Background())
	require.True(t, ran)
	assert.Empty(t, retried.Failures)
	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Stats().PendingRetry)

	_, ran = s.RetryPending(context.Background())
	assert.False(t, ran)
}

func TestStore_GroupsSplitByWindowAndDropSingletons(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 6
	cfg.TargetCount = 3
	cfg.GroupWindow = time.Hour
	clock := newStepClock(40 * time.Minute)
	s, err := NewStore(context.Background(), cfg, WithClock(clock.Now), WithScorer(func(Candidate, time.Time) float64 { return 0.2 }))
	require.NoError(t, err)

	// 12:40, 13:20, 14:00, 14:40, 15:20, 16:00: only the 14:00 bucket holds two records.
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, admit(t, s, CategoryProcedural, fmt.Sprintf("p%d", i)))
	}
	report, ok := s.LastCompression()
	require.True(t, ok)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, []string{ids[2], ids[3]}, report.Groups[0].SourceIDs)
	assert.True(t, report.Shortfall)
	assert.Equal(t, 5, s.Len())

	for _, id := range []string{ids[0], ids[1], ids[4], ids[5]} {
		rec, ok := s.Get(id)
		require.True(t, ok)
		assert.False(t, rec.Compressed)
	}
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	s := newTestStore(t, 100, 80)
	e1 := admit(t, s, CategoryEpisodic, "one")
	admit(t, s, CategorySemantic, "two")
	e3 := admit(t, s, CategoryEpisodic, "three")

	eps := s.List(CategoryEpisodic, nil)
	require.Len(t, eps, 2)
	assert.Equal(t, e1, eps[0].ID)
	assert.Equal(t, e3, eps[1].ID)

	long := s.List("", func(r MemoryRecord) bool { return len(r.Payload) > 3 })
	require.Len(t, long, 1)
	assert.Equal(t, "three", long[0].Payload)

	st := s.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.ByCategory[CategoryEpisodic])
	assert.Equal(t, len("one")+len("two")+len("three"), st.PayloadBytes)
}

func TestStore_GetReturnsCopies(t *testing.T) {
	s := newTestStore(t, 3, 1)
	a := admit(t, s, CategoryEpisodic, "a")
	admit(t, s, CategoryEpisodic, "b")
	admit(t, s, CategoryEpisodic, "c")

	g, ok := s.Resolve(a)
	require.True(t, ok)
	rec, _ := s.Get(g)
	rec.SourceIDs[0] = "tampered"
	rec.Payload = "tampered"

	again, _ := s.Get(g)
	assert.Equal(t, a, again.SourceIDs[0])
	assert.NotEqual(t, "tampered", again.Payload)
}

func TestStore_Touch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TouchBoost = 0.1
	cfg.TouchHalfLife = time.Hour
	clock := newStepClock(time.Hour)
	s, err := NewStore(context.Background(), cfg, WithClock(clock.Now), WithScorer(func(Candidate, time.Time) float64 { return 0.5 }))
	require.NoError(t, err)
	ctx := context.Background()

	id := admit(t, s, CategoryEpisodic, "touch me")
	created, _ := s.Get(id)

	rec, ok, err := s.Touch(ctx, id, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.55, rec.Importance, 1e-9)
	assert.True(t, rec.LastAccessedAt.After(created.LastAccessedAt))
	assert.Equal(t, created.CreatedAt, rec.CreatedAt)

	plain, ok, err := s.Touch(ctx, id, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.55, plain.Importance, 1e-9)

	_, ok, err = s.Touch(ctx, "rec-unknown", true)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_TouchRetiredRecordConflicts(t *testing.T) {
	s := newTestStore(t, 3, 1)
	a := admit(t, s, CategoryEpisodic, "a")
	admit(t, s, CategoryEpisodic, "b")
	admit(t, s, CategoryEpisodic, "c")

	_, ok, err := s.Touch(context.Background(), a, true)
	assert.False(t, ok)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "touch", storeErr.Op)
	assert.ErrorIs(t, err, ErrRecordRetired)
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	s := newTestStore(t, 10, 5)
	_, err := s.Admit(context.Background(), Candidate{Category: "dreams", Payload: "x"})
	assert.ErrorIs(t, err, ErrInvalidCategory)
	assert.Equal(t, 0, s.Len())

	cfg := DefaultConfig()
	cfg.TriggerCount, cfg.TargetCount = 10, 10
	_, err = NewStore(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidThresholds)

	cfg = DefaultConfig()
	cfg.Scorer = "astrology"
	_, err = NewStore(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownScorer)

	cfg = DefaultConfig()
	cfg.Persist = true
	_, err = NewStore(context.Background(), cfg)
	assert.Error(t, err)
}

func TestStore_ConcurrentAdmissionsNeverRaceThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 20
	cfg.TargetCount = 10
	cfg.GroupWindow = 0
	s, err := NewStore(context.Background(), cfg, WithScorer(func(Candidate, time.Time) float64 { return 0.3 }))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cat := Categories[i%len(Categories)]
			_, err := s.Admit(context.Background(), Candidate{Category: cat, Payload: fmt.Sprintf("r%d", i)})
			assert.NoError(t, err)
			assert.Less(t, s.Len(), 20)
		}(i)
	}
	wg.Wait()

	var weight float64
	for _, rec := range s.List("", nil) {
		weight += rec.Weight
	}
	assert.Equal(t, 64.0, weight)
	assert.Less(t, s.Len(), 20)
}

type flakyPersister struct {
	*SQLiteStore
	failSaves   int
	failCommits bool
	saves       int
}

func (f *flakyPersister) SaveRecord(ctx context.Context, rec MemoryRecord) error {
	f.saves++
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("database is locked")
	}
	return f.SQLiteStore.SaveRecord(ctx, rec)
}

func (f *flakyPersister) CommitGroup(ctx context.Context, group MemoryRecord, absorbed []string) error {
	if f.failCommits {
		return errors.New("disk I/O error")
	}
	return f.SQLiteStore.CommitGroup(ctx, group, absorbed)
}

func newFlaky(t *testing.T) *flakyPersister {
	t.Helper()
	sqlite, err := NewSQLiteStore(t.TempDir() + "/state/memory.db")
	require.NoError(t, err)
	return &flakyPersister{SQLiteStore: sqlite}
}

func TestStore_AdmitRetriesPersistence(t *testing.T) {
	p := newFlaky(t)
	p.failSaves = 2
	s := newTestStore(t, 10, 5, WithPersister(p))

	admit(t, s, CategoryEpisodic, "eventually")
	assert.Equal(t, 3, p.saves)
	assert.Equal(t, 1, s.Len())
}

func TestStore_AdmitSurfacesPersistentStorageFailure(t *testing.T) {
	p := newFlaky(t)
	p.failSaves = 10
	s := newTestStore(t, 10, 5, WithPersister(p))

	_, err := s.Admit(context.Background(), Candidate{Category: CategoryEpisodic, Payload: "lost"})
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "admit", storeErr.Op)
	assert.Equal(t, 0, s.Len())
}

func TestStore_FailedGroupCommitLeavesRecords(t *testing.T) {
	p := newFlaky(t)
	p.failCommits = true
	s := newTestStore(t, 3, 1, WithPersister(p))

	ids := []string{
		admit(t, s, CategoryEpisodic, "a"),
		admit(t, s, CategoryEpisodic, "b"),
		admit(t, s, CategoryEpisodic, "c"),
	}
	report, ok := s.LastCompression()
	require.True(t, ok)
	require.Len(t, report.Failures, 1)
	for _, id := range ids {
		_, ok := s.Get(id)
		assert.True(t, ok)
	}
	assert.True(t, s.Stats().PendingRetry)
}
