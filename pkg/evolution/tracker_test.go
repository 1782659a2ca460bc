package evolution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleAt(i int, values map[string]float64) Sample {
	return Sample{Timestamp: t0.Add(time.Duration(i) * time.Second), Metrics: values}
}

func TestTrajectory_EmptyTrackerHasNoMetrics(t *testing.T) {
	tr := NewTracker(Config{}).Trajectory(10)
	assert.Equal(t, 0, tr.Samples)
	assert.Empty(t, tr.Metrics)
	_, ok := tr.Metric("awareness")
	assert.False(t, ok)
}

func TestRecord_RejectsNonIncreasingTimestamps(t *testing.T) {
	ctx := context.Background()
	tk := NewTracker(Config{})
	require.NoError(t, tk.Record(ctx, sampleAt(1, map[string]float64{"a": 1})))

	err := tk.Record(ctx, sampleAt(1, map[string]float64{"a": 2}))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	err = tk.Record(ctx, sampleAt(0, map[string]float64{"a": 2}))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 1, tk.Len())
}

func TestRecord_SamplesAreNotAliased(t *testing.T) {
	ctx := context.Background()
	tk := NewTracker(Config{})
	values := map[string]float64{"a": 1}
	require.NoError(t, tk.Record(ctx, sampleAt(1, values)))
	values["a"] = 99

	got := tk.Samples()
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Metrics["a"])

	got[0].Metrics["a"] = 42
	assert.Equal(t, 1.0, tk.Samples()[0].Metrics["a"])
}

func TestTrajectory_MovingAverageAndSlope(t *testing.T) {
	ctx := context.Background()
	tk := NewTracker(Config{})
	for i := 0; i < 6; i++ {
		require.NoError(t, tk.Record(ctx, sampleAt(i, map[string]float64{
			"linear": float64(i) * 0.5,
			"flat":   0.3,
		})))
	}

	tr := tk.Trajectory(4)
	assert.Equal(t, 4, tr.Samples)

	lin, ok := tr.Metric("linear")
	require.True(t, ok)
	assert.InDelta(t, (1.0+1.5+2.0+2.5)/4, lin.Mean, 1e-9)
	assert.InDelta(t, 0.5, lin.Slope, 1e-9)
	assert.True(t, lin.HasSlope)
	assert.Equal(t, 2.5, lin.Latest)

	flat, ok := tr.Metric("flat")
	require.True(t, ok)
	assert.InDelta(t, 0.0, flat.Slope, 1e-12)
	assert.Equal(t, []string{"flat", "linear"}, tr.Names())
}

func TestTrajectory_WindowLargerThanSeriesUsesAll(t *testing.T) {
	ctx := context.Background()
	tk := NewTracker(Config{})
	require.NoError(t, tk.Record(ctx, sampleAt(0, map[string]float64{"m": 1})))
	require.NoError(t, tk.Record(ctx, sampleAt(1, map[string]float64{"m": 3})))

	tr := tk.Trajectory(10)
	assert.Equal(t, 2, tr.Samples)
	m, _ := tr.Metric("m")
	assert.Equal(t, 2.0, m.Mean)
	assert.Equal(t, 2.0, m.Slope)
}

func TestTrajectory_SinglePointHasNoSlope(t *testing.T) {
	tk := NewTracker(Config{})
	require.NoError(t, tk.Record(context.Background(), sampleAt(0, map[string]float64{"m": 0.7})))

	m, ok := tk.Trajectory(10).Metric("m")
	require.True(t, ok)
	assert.False(t, m.HasSlope)
	assert.Equal(t, 0.7, m.Mean)
}

func TestTrajectory_IsPureAndReflectsNewSamples(t *testing.T) {
	ctx := context.Background()
	tk := NewTracker(Config{})
	require.NoError(t, tk.Record(ctx, sampleAt(0, map[string]float64{"m": 1})))

	first := tk.Trajectory(5)
	first.Metrics["m"] = Trend{Mean: 100}
	again := tk.Trajectory(5)
	assert.Equal(t, 1.0, again.Metrics["m"].Mean)
	assert.Equal(t, 1, tk.Len())

	require.NoError(t, tk.Record(ctx, sampleAt(1, map[string]float64{"m": 3})))
	assert.Equal(t, 2.0, tk.Trajectory(5).Metrics["m"].Mean)
}

func TestRecordMetrics_StampsStrictlyIncreasingTimes(t *testing.T) {
	frozen := t0
	tk := NewTracker(Config{}, WithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	a, err := tk.RecordMetrics(ctx, map[string]float64{"m": 1})
	require.NoError(t, err)
	b, err := tk.RecordMetrics(ctx, map[string]float64{"m": 2})
	require.NoError(t, err)
	assert.True(t, b.Timestamp.After(a.Timestamp))
}

func TestStage_AdvancesEverySpan(t *testing.T) {
	ctx := context.Background()
	tk := NewTracker(Config{StageSpan: 3})
	assert.Equal(t, 1, tk.Stage())
	for i := 0; i < 7; i++ {
		require.NoError(t, tk.Record(ctx, sampleAt(i, map[string]float64{"m": 1})))
	}
	assert.Equal(t, 3, tk.Stage())
	assert.Equal(t, 3, tk.Trajectory(0).Stage)
}

func TestRecordMetrics_ConcurrentWritersKeepOrder(t *testing.T) {
	tk := NewTracker(Config{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tk.RecordMetrics(ctx, map[string]float64{"m": float64(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	samples := tk.Samples()
	require.Len(t, samples, 32)
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp))
	}
}

type memSamples struct {
	saved []Sample
	fail  error
}

func (m *memSamples) AppendSample(_ context.Context, s Sample) error {
	if m.fail != nil {
		return m.fail
	}
	m.saved = append(m.saved, s)
	return nil
}

func (m *memSamples) LoadSamples(context.Context) ([]Sample, error) { return m.saved, nil }

func TestTracker_PersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	store := &memSamples{}
	tk := NewTracker(Config{}, WithStore(store))
	require.NoError(t, tk.Record(ctx, sampleAt(0, map[string]float64{"m": 1})))
	require.NoError(t, tk.Record(ctx, sampleAt(1, map[string]float64{"m": 2})))

	reloaded := NewTracker(Config{}, WithStore(store))
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, tk.Samples(), reloaded.Samples())
}

func TestTracker_PersistFailureLeavesSeriesUnchanged(t *testing.T) {
	store := &memSamples{fail: errors.New("disk full")}
	tk := NewTracker(Config{}, WithStore(store))
	err := tk.Record(context.Background(), sampleAt(0, map[string]float64{"m": 1}))
	require.Error(t, err)
	assert.Equal(t, 0, tk.Len())
}
