package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nikoldigital777/LIA/pkg/evolution"
)

func TestSQLiteStore_RecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Workspace = dir
	cfg.Persist = true
	cfg.TriggerCount = 4
	cfg.TargetCount = 2

	scores := map[string]float64{"a": 0.2, "b": 0.4, "c": 0.6, "pinned": 0.95}
	store, err := NewStore(ctx, cfg, WithScorer(byPayload(scores)), WithClock(newStepClock(time.Second).Now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	var ids []string
	for _, p := range []string{"a", "b", "c", "pinned"} {
		id, err := store.Admit(ctx, Candidate{Category: CategoryEpisodic, Payload: p, ExperienceID: "exp-" + p})
		if err != nil {
			t.Fatalf("admit %s: %v", p, err)
		}
		ids = append(ids, id)
	}
	groupID, ok := store.Resolve(ids[0])
	if !ok {
		t.Fatalf("expected %s to resolve to a group", ids[0])
	}
	if _, _, err := store.Touch(ctx, ids[3], true); err != nil {
		t.Fatalf("touch: %v", err)
	}
	wantGroup, _ := store.Get(groupID)
	wantPinned, _ := store.Get(ids[3])
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Fatalf("expected 2 live records after reopen, got %d", reopened.Len())
	}
	gotGroup, ok := reopened.Get(groupID)
	if !ok {
		t.Fatalf("group %s missing after reopen", groupID)
	}
	assertSameRecord(t, wantGroup, gotGroup)
	gotPinned, ok := reopened.Get(ids[3])
	if !ok {
		t.Fatalf("pinned record missing after reopen")
	}
	assertSameRecord(t, wantPinned, gotPinned)

	for _, id := range ids[:3] {
		if _, ok := reopened.Get(id); ok {
			t.Fatalf("absorbed record %s visible after reopen", id)
		}
		if g, ok := reopened.Resolve(id); !ok || g != groupID {
			t.Fatalf("resolve %s = %q,%v want %s", id, g, ok, groupID)
		}
	}
	if st := reopened.Stats(); st.Compressions != 1 || st.Tombstones != 3 {
		t.Fatalf("unexpected stats after reopen: %#v", st)
	}
}

func assertSameRecord(t *testing.T, want, got MemoryRecord) {
	t.Helper()
	if want.ID != got.ID || want.Category != got.Category || want.Payload != got.Payload ||
		want.Importance != got.Importance || want.Compressed != got.Compressed ||
		want.Weight != got.Weight || want.ExperienceID != got.ExperienceID {
		t.Fatalf("record mismatch:\nwant %#v\ngot  %#v", want, got)
	}
	if !want.CreatedAt.Equal(got.CreatedAt) || !want.LastAccessedAt.Equal(got.LastAccessedAt) {
		t.Fatalf("timestamp mismatch: want %v/%v got %v/%v", want.CreatedAt, want.LastAccessedAt, got.CreatedAt, got.LastAccessedAt)
	}
	if len(want.SourceIDs) != len(got.SourceIDs) {
		t.Fatalf("source ids mismatch: want %v got %v", want.SourceIDs, got.SourceIDs)
	}
	for i := range want.SourceIDs {
		if want.SourceIDs[i] != got.SourceIDs[i] {
			t.Fatalf("source ids mismatch: want %v got %v", want.SourceIDs, got.SourceIDs)
		}
	}
}

func TestSQLiteStore_CompactionLog(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	ok, err := store.StartCompaction(ctx, 100, 80, map[string]string{"phase": "planned"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.CompleteCompaction(ctx, ok, CompressionReport{SizeAfter: 80, Absorbed: 21, Groups: []CompressedGroup{{ID: "grp-1"}}}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	failed, err := store.StartCompaction(ctx, 100, 80, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.FailCompaction(ctx, failed, "summarizer offline"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := store.StartCompaction(ctx, 100, 80, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	n, err := store.CountCompactions(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 finished compactions, got %d", n)
	}

	entries, err := store.ListCompactions(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	byID := map[string]CompactionEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	if e := byID[ok]; e.Status != compactionCompleted || e.Absorbed != 21 || len(e.GroupIDs) != 1 {
		t.Fatalf("unexpected completed entry: %#v", e)
	}
	if e := byID[failed]; e.Status != compactionFailed || e.Error != "summarizer offline" {
		t.Fatalf("unexpected failed entry: %#v", e)
	}
}

func TestSQLiteStore_EvolutionSamples(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "memory.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	tracker := evolution.NewTracker(evolution.Config{}, evolution.WithStore(store))
	base := time.Date(2025, 3, 1, 0, 0, 0, 123, time.UTC)
	for i := 0; i < 3; i++ {
		if err := tracker.Record(ctx, evolution.Sample{Timestamp: base.Add(time.Duration(i) * time.Millisecond), Metrics: map[string]float64{"awareness": float64(i) / 10}}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	loaded := evolution.NewTracker(evolution.Config{}, evolution.WithStore(reopened))
	if err := loaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	samples := loaded.Samples()
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if !samples[0].Timestamp.Equal(base) || samples[2].Metrics["awareness"] != 0.2 {
		t.Fatalf("unexpected samples: %#v", samples)
	}
}

func TestSQLiteStore_Metrics(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.AddMetric(ctx, "pipeline.run", 1, map[string]string{"outcome": "ok"}); err != nil {
		t.Fatalf("add metric: %v", err)
	}
	if err := store.AddMetric(ctx, "pipeline.run", 0, map[string]string{"outcome": "failed"}); err != nil {
		t.Fatalf("add metric: %v", err)
	}
	rows, err := store.ListMetrics(ctx, "pipeline.run", 10)
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 metric rows, got %d", len(rows))
	}
}
