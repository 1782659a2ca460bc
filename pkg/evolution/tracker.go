// Package evolution records one metric sample per pipeline run and derives
// moving-average and trend views from the ordered series.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/metrics"
)

// ErrOutOfOrder is returned when a sample's timestamp does not follow the last one.
var ErrOutOfOrder = errors.New("evolution sample out of order")

// Sample is one run's metrics. Samples are never mutated after Record.
type Sample struct {
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

func (s Sample) clone() Sample {
	out := Sample{Timestamp: s.Timestamp, Metrics: make(map[string]float64, len(s.Metrics))}
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// SampleStore persists samples across restarts.
type SampleStore interface {
	AppendSample(ctx context.Context, sample Sample) error
	LoadSamples(ctx context.Context) ([]Sample, error)
}

// Config controls trajectory defaults and stage advancement.
type Config struct {
	// Window is used by Trajectory when the caller passes a non-positive window.
	Window int
	// StageSpan is the number of samples per evolution stage.
	StageSpan int
	CacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 10
	}
	if c.StageSpan <= 0 {
		c.StageSpan = 25
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Minute
	}
	return c
}

// Tracker owns the sample series and the evolution stage derived from it.
// One Tracker is created per process and handed to whoever records runs.
type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	samples []Sample
	store   SampleStore
	cache   *gocache.Cache
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore persists every recorded sample through store.
func WithStore(store SampleStore) Option { return func(t *Tracker) { t.store = store } }

// WithClock replaces time.Now for RecordMetrics.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func NewTracker(cfg Config, opts ...Option) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:   cfg,
		cache: gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load replaces the series with the persisted one.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	samples, err := t.store.LoadSamples(ctx)
	if err != nil {
		return fmt.Errorf("load evolution samples: %w", err)
	}
	for i := 1; i < len(samples); i++ {
		if !samples[i].Timestamp.After(samples[i-1].Timestamp) {
			return fmt.Errorf("load evolution samples: %w at index %d", ErrOutOfOrder, i)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = samples
	t.cache.Flush()
	metrics.EvolutionStage.Set(float64(t.stageLocked()))
	logger.DebugCF("evolution", "Loaded samples", map[string]interface{}{"samples": len(samples)})
	return nil
}

// Record appends s. Its timestamp must be strictly after the last sample's.
func (t *Tracker) Record(ctx context.Context, s Sample) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordLocked(ctx, s.clone())
}

// RecordMetrics stamps values with the current time, nudged forward when
// the clock has not advanced past the last sample, and records them.
func (t *Tracker) RecordMetrics(ctx context.Context, values map[string]float64) (Sample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now()
	if n := len(t.samples); n > 0 && !ts.After(t.samples[n-1].Timestamp) {
		ts = t.samples[n-1].Timestamp.Add(time.Nanosecond)
	}
	s := Sample{Timestamp: ts, Metrics: values}.clone()
	if err := t.recordLocked(ctx, s); err != nil {
		return Sample{}, err
	}
	return s.clone(), nil
}

func (t *Tracker) recordLocked(ctx context.Context, s Sample) error {
	if n := len(t.samples); n > 0 && !s.Timestamp.After(t.samples[n-1].Timestamp) {
		return fmt.Errorf("%w: %s not after %s", ErrOutOfOrder,
			s.Timestamp.Format(time.RFC3339Nano), t.samples[n-1].Timestamp.Format(time.RFC3339Nano))
	}
	if t.store != nil {
		if err := t.store.AppendSample(ctx, s); err != nil {
			return fmt.Errorf("persist evolution sample: %w", err)
		}
	}
	before := t.stageLocked()
	t.samples = append(t.samples, s)
	t.cache.Flush()
	metrics.EvolutionSamples.Inc()
	if stage := t.stageLocked(); stage != before {
		metrics.EvolutionStage.Set(float64(stage))
		logger.InfoCF("evolution", "Evolution stage advanced", map[string]interface{}{
			"stage":   stage,
			"samples": len(t.samples),
		})
	}
	return nil
}

// Len is the number of recorded samples.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}

// Samples returns a copy of the series in order.
func (t *Tracker) Samples() []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Sample, len(t.samples))
	for i, s := range t.samples {
		out[i] = s.clone()
	}
	return out
}

// Latest returns the most recent sample.
func (t *Tracker) Latest() (Sample, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.samples) == 0 {
		return Sample{}, false
	}
	return t.samples[len(t.samples)-1].clone(), true
}

// Stage is the evolution stage: 1 for a fresh tracker, advancing once every
// StageSpan samples.
func (t *Tracker) Stage() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stageLocked()
}

func (t *Tracker) stageLocked() int {
	return 1 + len(t.samples)/t.cfg.StageSpan
}

// Trend summarizes one metric over a window.
type Trend struct {
	Latest float64 `json:"latest"`
	Mean   float64 `json:"mean"`
	Slope  float64 `json:"slope"`
	// HasSlope is false when fewer than two samples in the window carry the metric.
	HasSlope bool `json:"has_slope"`
	Points   int  `json:"points"`
}

// Trajectory is a derived view over the last Window samples. A metric no
// sample reported is absent from Metrics, never zero.
type Trajectory struct {
	Window  int              `json:"window"`
	Samples int              `json:"samples"`
	Stage   int              `json:"stage"`
	Metrics map[string]Trend `json:"metrics"`
}

// Metric returns the trend for name, if any sample in the window carried it.
func (tr Trajectory) Metric(name string) (Trend, bool) {
	m, ok := tr.Metrics[name]
	return m, ok
}

// Names lists the metrics present in the trajectory, sorted.
func (tr Trajectory) Names() []string {
	names := make([]string, 0, len(tr.Metrics))
	for name := range tr.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trajectory computes the moving average and least-squares slope of every
// metric over the last window samples (all of them when fewer exist).
func (t *Tracker) Trajectory(window int) Trajectory {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if window <= 0 {
		window = t.cfg.Window
	}
	key := fmt.Sprintf("%d:%d", window, len(t.samples))
	if cached, ok := t.cache.Get(key); ok {
		return cloneTrajectory(cached.(Trajectory))
	}

	start := len(t.samples) - window
	if start < 0 {
		start = 0
	}
	view := t.samples[start:]
	tr := Trajectory{
		Window:  window,
		Samples: len(view),
		Stage:   t.stageLocked(),
		Metrics: map[string]Trend{},
	}

	type series struct{ xs, ys []float64 }
	all := map[string]*series{}
	for i, s := range view {
		for name, v := range s.Metrics {
			ser, ok := all[name]
			if !ok {
				ser = &series{}
				all[name] = ser
			}
			ser.xs = append(ser.xs, float64(i))
			ser.ys = append(ser.ys, v)
		}
	}
	for name, ser := range all {
		tr.Metrics[name] = trend(ser.xs, ser.ys)
	}
	t.cache.Set(key, tr, gocache.DefaultExpiration)
	return cloneTrajectory(tr)
}

func trend(xs, ys []float64) Trend {
	n := float64(len(ys))
	var sumX, sumY float64
	for i := range ys {
		sumX += xs[i]
		sumY += ys[i]
	}
	out := Trend{Latest: ys[len(ys)-1], Mean: sumY / n, Points: len(ys)}
	if len(ys) < 2 {
		return out
	}
	meanX := sumX / n
	var num, den float64
	for i := range ys {
		dx := xs[i] - meanX
		num += dx * (ys[i] - out.Mean)
		den += dx * dx
	}
	if den > 0 {
		out.Slope = num / den
		out.HasSlope = true
	}
	return out
}

func cloneTrajectory(tr Trajectory) Trajectory {
	out := tr
	out.Metrics = make(map[string]Trend, len(tr.Metrics))
	for k, v := range tr.Metrics {
		out.Metrics[k] = v
	}
	return out
}
