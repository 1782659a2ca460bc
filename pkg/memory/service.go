package memory

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config configures the memory subsystem.
type Config struct {
	// Workspace holds state/memory.db when Persist is set.
	Workspace string
	Persist   bool

	TriggerCount int
	TargetCount  int
	PinnedFloor  float64
	GroupWindow  time.Duration

	Scorer          string
	Summarizer      string
	RecencyHorizon  time.Duration
	DefaultSalience float64

	TouchBoost    float64
	TouchHalfLife time.Duration

	// Embedder names the recall embedder: chargram (default) or hash.
	Embedder string

	PersistRetries int
	PersistBackoff time.Duration
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TriggerCount:    100,
		TargetCount:     80,
		PinnedFloor:     0.85,
		GroupWindow:     time.Hour,
		Scorer:          ScorerRecency,
		Summarizer:      SummarizerDigest,
		Embedder:        EmbedderChargram,
		RecencyHorizon:  24 * time.Hour,
		DefaultSalience: 0.5,
		TouchBoost:      0.1,
		TouchHalfLife:   time.Hour,
		PersistRetries:  2,
		PersistBackoff:  20 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TriggerCount <= 0 {
		c.TriggerCount = d.TriggerCount
	}
	if c.TargetCount <= 0 {
		c.TargetCount = d.TargetCount
	}
	if c.RecencyHorizon <= 0 {
		c.RecencyHorizon = d.RecencyHorizon
	}
	if c.DefaultSalience <= 0 {
		c.DefaultSalience = d.DefaultSalience
	}
	if c.TouchHalfLife <= 0 {
		c.TouchHalfLife = d.TouchHalfLife
	}
	if c.PersistRetries < 0 {
		c.PersistRetries = 0
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = d.PersistBackoff
	}
	return c
}

func (c Config) compression() CompressionConfig {
	return CompressionConfig{
		TriggerCount: c.TriggerCount,
		TargetCount:  c.TargetCount,
		PinnedFloor:  c.PinnedFloor,
		GroupWindow:  c.GroupWindow,
	}
}

// DBPath is where the SQLite persister lives inside the workspace.
func (c Config) DBPath() string {
	return filepath.Join(c.Workspace, "state", "memory.db")
}

func (c Config) validatePersistence() error {
	if c.Persist && strings.TrimSpace(c.Workspace) == "" {
		return fmt.Errorf("memory workspace is required when persistence is enabled")
	}
	return nil
}

// Option overrides a Store collaborator.
type Option func(*Store)

// WithScorer replaces the configured scorer.
func WithScorer(fn ScoreFunc) Option { return func(s *Store) { s.score = fn } }

// WithSummarizer replaces the configured summarizer.
func WithSummarizer(fn SummaryFunc) Option { return func(s *Store) { s.summarize = fn } }

// WithEmbedder replaces the configured recall embedder.
func WithEmbedder(e Embedder) Option { return func(s *Store) { s.embedder = e } }

// WithPersister attaches an already-open persister; the Store owns it afterwards.
func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
