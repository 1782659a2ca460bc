package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string, cat Category, imp float64, offset time.Duration) MemoryRecord {
	return MemoryRecord{ID: id, Category: cat, Payload: id, Importance: imp, CreatedAt: t0.Add(offset), Weight: 1}
}

func TestCompressionConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  CompressionConfig
		ok   bool
	}{
		{"default", CompressionConfig{TriggerCount: 100, TargetCount: 80, PinnedFloor: 0.85}, true},
		{"target equals trigger", CompressionConfig{TriggerCount: 10, TargetCount: 10}, false},
		{"target above trigger", CompressionConfig{TriggerCount: 10, TargetCount: 20}, false},
		{"zero trigger", CompressionConfig{TargetCount: 1}, false},
		{"floor above one", CompressionConfig{TriggerCount: 10, TargetCount: 5, PinnedFloor: 1.5}, false},
		{"negative window", CompressionConfig{TriggerCount: 10, TargetCount: 5, GroupWindow: -time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidThresholds)
			}
		})
	}
}

func TestCompressor_SelectsLeastImportantThenOldest(t *testing.T) {
	c, err := NewCompressor(CompressionConfig{TriggerCount: 5, TargetCount: 3, PinnedFloor: 0.8}, nil)
	require.NoError(t, err)

	snapshot := []MemoryRecord{
		rec("old-pinned", CategoryEpisodic, 0.9, 0),
		rec("mid", CategoryEpisodic, 0.5, time.Second),
		rec("low-late", CategoryEpisodic, 0.1, 3*time.Second),
		rec("low-early", CategoryEpisodic, 0.1, 2*time.Second),
		rec("high", CategoryEpisodic, 0.7, 4*time.Second),
	}
	plan := c.Compress(snapshot)
	require.Len(t, plan.Groups, 1)
	var ids []string
	for _, m := range plan.Groups[0].Members {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"mid", "low-early", "low-late"}, ids)
	assert.Equal(t, 3, plan.Projected)
	assert.False(t, plan.Shortfall)
}

func TestCompressor_NeverSelectsAboveFloor(t *testing.T) {
	c, err := NewCompressor(CompressionConfig{TriggerCount: 4, TargetCount: 1, PinnedFloor: 0.5}, nil)
	require.NoError(t, err)

	plan := c.Compress([]MemoryRecord{
		rec("a", CategorySemantic, 0.51, 0),
		rec("b", CategorySemantic, 0.6, time.Second),
		rec("c", CategorySemantic, 0.5, 2*time.Second),
		rec("d", CategorySemantic, 0.2, 3*time.Second),
	})
	require.Len(t, plan.Groups, 1)
	assert.Equal(t, []string{"c", "d"}, plan.Groups[0].sourceIDs())
	assert.True(t, plan.Shortfall)
	assert.Equal(t, 3, plan.Projected)
}

func TestCompressor_SummarizeWeightedMean(t *testing.T) {
	c, err := NewCompressor(CompressionConfig{TriggerCount: 3, TargetCount: 1}, CountSummary)
	require.NoError(t, err)

	heavy := rec("g", CategoryEpisodic, 0.2, 0)
	heavy.Weight = 4
	group := PlannedGroup{Category: CategoryEpisodic, Members: []MemoryRecord{heavy, rec("x", CategoryEpisodic, 0.7, time.Second)}}

	out, err := c.Summarize(context.Background(), group, t0)
	require.NoError(t, err)
	assert.InDelta(t, (4*0.2+0.7)/5, out.Importance, 1e-9)
	assert.Equal(t, 5.0, out.Weight)
	assert.Equal(t, "2 episodic records", out.Payload)
	assert.True(t, out.Compressed)
	assert.Equal(t, []string{"g", "x"}, out.SourceIDs)
}

func TestCompressor_SummarizeFailureIsCompressionError(t *testing.T) {
	boom := errors.New("boom")
	c, err := NewCompressor(CompressionConfig{TriggerCount: 3, TargetCount: 1}, func(context.Context, Category, []MemoryRecord) (string, error) {
		return "", boom
	})
	require.NoError(t, err)

	_, err = c.Summarize(context.Background(), PlannedGroup{Category: CategorySemantic, Members: []MemoryRecord{rec("a", CategorySemantic, 0, 0), rec("b", CategorySemantic, 0, 0)}}, t0)
	var ce *CompressionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, ce.SourceIDs)
}

func TestDigestSummary_IsDeterministicAndBounded(t *testing.T) {
	var recs []MemoryRecord
	for i := 0; i < 9; i++ {
		recs = append(recs, rec(fmt.Sprintf("r%d", i), CategoryEpisodic, 0.1, time.Duration(i)*time.Minute))
	}
	a, err := DigestSummary(context.Background(), CategoryEpisodic, recs)
	require.NoError(t, err)
	b, _ := DigestSummary(context.Background(), CategoryEpisodic, recs)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "9 records")
	assert.Contains(t, a, "- r5")
	assert.NotContains(t, a, "- r6")
}

func TestDigestSummary_TruncatesOnRuneBoundary(t *testing.T) {
	long := "a" + strings.Repeat("é", 100)
	recs := []MemoryRecord{
		{ID: "m1", Category: CategorySemantic, Payload: long, CreatedAt: t0, Weight: 1},
		{ID: "m2", Category: CategorySemantic, Payload: long, CreatedAt: t0.Add(time.Minute), Weight: 1},
	}
	out, err := DigestSummary(context.Background(), CategorySemantic, recs)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "- a"+strings.Repeat("é", 79)+"...")
}

func TestNewScorer(t *testing.T) {
	tests := []struct {
		name string
		want float64
	}{
		{ScorerRecency, 0.5},
		{ScorerSalience, 0.5},
		{ScorerUniform, 0.5},
		{"", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := NewScorer(tt.name, ScorerOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, fn(Candidate{Category: CategoryEpisodic}, t0))
		})
	}
	_, err := NewSummarizer("poetry")
	assert.ErrorIs(t, err, ErrUnknownSummarizer)
}

func TestTouchPolicy_SaturatesAtBoost(t *testing.T) {
	p := TouchPolicy{Boost: 0.2, HalfLife: time.Hour}
	assert.Equal(t, 0.5, p.apply(0.5, t0, t0))
	assert.InDelta(t, 0.6, p.apply(0.5, t0, t0.Add(time.Hour)), 1e-9)
	assert.InDelta(t, 0.7, p.apply(0.5, t0, t0.Add(100*time.Hour)), 1e-6)
	assert.Equal(t, 1.0, p.apply(0.95, t0, t0.Add(100*time.Hour)))
}
