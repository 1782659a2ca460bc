package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CompressionConfig holds the hysteresis thresholds. Compression fires when
// the live count reaches TriggerCount and removes records until the count
// is at most TargetCount.
type CompressionConfig struct {
	TriggerCount int
	TargetCount  int
	// PinnedFloor: records with importance above it are never compressed.
	PinnedFloor float64
	// GroupWindow buckets CreatedAt when grouping; zero groups by category only.
	GroupWindow time.Duration
}

func (c CompressionConfig) Validate() error {
	if c.TriggerCount <= 0 || c.TargetCount <= 0 || c.TargetCount >= c.TriggerCount {
		return fmt.Errorf("%w: trigger=%d target=%d", ErrInvalidThresholds, c.TriggerCount, c.TargetCount)
	}
	if c.PinnedFloor < 0 || c.PinnedFloor > 1 {
		return fmt.Errorf("%w: pinned floor %.3f outside [0,1]", ErrInvalidThresholds, c.PinnedFloor)
	}
	if c.GroupWindow < 0 {
		return fmt.Errorf("%w: negative group window", ErrInvalidThresholds)
	}
	return nil
}

// Plan is the set of groups chosen for one compression pass.
type Plan struct {
	Groups []PlannedGroup
	// Projected is the live count after every group commits.
	Projected int
	Shortfall bool
}

// PlannedGroup is a set of at least two records sharing a category and window.
type PlannedGroup struct {
	Category Category
	Bucket   time.Time
	Members  []MemoryRecord
}

func (g PlannedGroup) sourceIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

// Compressor selects and summarizes groups. It holds no state; the Store
// applies its results.
type Compressor struct {
	cfg       CompressionConfig
	summarize SummaryFunc
}

func NewCompressor(cfg CompressionConfig, summarize SummaryFunc) (*Compressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if summarize == nil {
		summarize = DigestSummary
	}
	return &Compressor{cfg: cfg, summarize: summarize}, nil
}

func (c *Compressor) Config() CompressionConfig { return c.cfg }

// ShouldTrigger reports whether live records reached the trigger threshold.
func (c *Compressor) ShouldTrigger(live int) bool { return live >= c.cfg.TriggerCount }

// Compress plans a pass over snapshot. Eligible records are taken least
// important first, oldest first on ties, until the projected count reaches
// the target. Groups that end up with a single member are dropped: replacing
// one record with one group frees nothing.
func (c *Compressor) Compress(snapshot []MemoryRecord) Plan {
	eligible := make([]MemoryRecord, 0, len(snapshot))
	for _, r := range snapshot {
		if r.Importance <= c.cfg.PinnedFloor {
			eligible = append(eligible, r)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	type key struct {
		category Category
		bucket   int64
	}
	groups := map[key]*PlannedGroup{}
	order := []key{}
	projected := len(snapshot)
	for _, r := range eligible {
		if projected <= c.cfg.TargetCount {
			break
		}
		bucket := c.bucket(r.CreatedAt)
		k := key{category: r.Category, bucket: bucket.UnixNano()}
		g, ok := groups[k]
		if !ok {
			g = &PlannedGroup{Category: r.Category, Bucket: bucket}
			groups[k] = g
			order = append(order, k)
		} else {
			projected--
		}
		g.Members = append(g.Members, r)
	}

	plan := Plan{Projected: projected}
	for _, k := range order {
		g := groups[k]
		if len(g.Members) < 2 {
			continue
		}
		sortRecords(g.Members)
		plan.Groups = append(plan.Groups, *g)
	}
	plan.Shortfall = projected > c.cfg.TargetCount
	return plan
}

func (c *Compressor) bucket(t time.Time) time.Time {
	if c.cfg.GroupWindow <= 0 {
		return time.Time{}
	}
	return t.UTC().Truncate(c.cfg.GroupWindow)
}

// Summarize builds the compressed record for g. The record has no ID yet.
func (c *Compressor) Summarize(ctx context.Context, g PlannedGroup, now time.Time) (MemoryRecord, error) {
	summary, err := c.summarize(ctx, g.Category, g.Members)
	if err == nil && summary == "" {
		err = errors.New("summarizer returned empty payload")
	}
	if err != nil {
		return MemoryRecord{}, &CompressionError{Category: g.Category, SourceIDs: g.sourceIDs(), Err: err}
	}
	var weight, total float64
	for _, m := range g.Members {
		w := effectiveWeight(m)
		weight += w
		total += m.Importance * w
	}
	return MemoryRecord{
		Category:       g.Category,
		Payload:        summary,
		Importance:     clampUnit(total / weight),
		CreatedAt:      now,
		LastAccessedAt: now,
		Compressed:     true,
		Weight:         weight,
		SourceIDs:      g.sourceIDs(),
	}, nil
}
