package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// ScoreFunc assigns importance to a candidate at admission. Results are
// clamped to [0,1] by the store.
type ScoreFunc func(c Candidate, now time.Time) float64

// SummaryFunc produces the payload of a compressed group. records are
// ordered by CreatedAt, then ID.
type SummaryFunc func(ctx context.Context, category Category, records []MemoryRecord) (string, error)

// ScorerOptions parameterizes the built-in scorers.
type ScorerOptions struct {
	// RecencyHorizon is the age at which the recency factor reaches zero.
	RecencyHorizon time.Duration
	// DefaultSalience is used when a candidate carries no salience metric.
	DefaultSalience float64
}

const (
	ScorerRecency  = "recency"
	ScorerSalience = "salience"
	ScorerUniform  = "uniform"

	SummarizerDigest = "digest"
	SummarizerCount  = "count"
)

// NewScorer returns the built-in scorer registered under name.
func NewScorer(name string, opts ScorerOptions) (ScoreFunc, error) {
	if opts.RecencyHorizon <= 0 {
		opts.RecencyHorizon = 24 * time.Hour
	}
	if opts.DefaultSalience <= 0 {
		opts.DefaultSalience = 0.5
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ScorerRecency:
		return func(c Candidate, now time.Time) float64 {
			return salienceOf(c, opts.DefaultSalience) * recencyFactor(c, now, opts.RecencyHorizon)
		}, nil
	case ScorerSalience:
		return func(c Candidate, _ time.Time) float64 {
			return salienceOf(c, opts.DefaultSalience)
		}, nil
	case ScorerUniform:
		return func(Candidate, time.Time) float64 { return opts.DefaultSalience }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScorer, name)
	}
}

// NewSummarizer returns the built-in summarizer registered under name.
func NewSummarizer(name string) (SummaryFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SummarizerDigest:
		return DigestSummary, nil
	case SummarizerCount:
		return CountSummary, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSummarizer, name)
	}
}

func salienceOf(c Candidate, fallback float64) float64 {
	if c.Context == nil {
		return fallback
	}
	if v, ok := c.Context.Metric("salience"); ok {
		return clampUnit(v)
	}
	return fallback
}

// recencyFactor decays linearly from 1 at the experience timestamp to 0 at horizon.
func recencyFactor(c Candidate, now time.Time, horizon time.Duration) float64 {
	if c.Context == nil || c.Context.Experience.Timestamp.IsZero() {
		return 1
	}
	age := now.Sub(c.Context.Experience.Timestamp)
	if age <= 0 {
		return 1
	}
	return clampUnit(1 - float64(age)/float64(horizon))
}

// DigestSummary lists a window header and up to six payload excerpts.
func DigestSummary(_ context.Context, category Category, records []MemoryRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("digest of empty group")
	}
	var weight float64
	for _, r := range records {
		weight += effectiveWeight(r)
	}
	start := records[0].CreatedAt.UTC().Format(time.RFC3339)
	end := records[len(records)-1].CreatedAt.UTC().Format(time.RFC3339)
	parts := []string{fmt.Sprintf("Compressed %s window %s - %s (%d records, weight %.0f).", category, start, end, len(records), weight)}

	bullets := 0
	for _, r := range records {
		line := strings.TrimSpace(r.Payload)
		if line == "" {
			continue
		}
		line = excerpt(line, 160)
		parts = append(parts, "- "+line)
		bullets++
		if bullets >= 6 {
			break
		}
	}
	return strings.Join(parts, "\n"), nil
}

// excerpt cuts s to at most limit bytes on a rune boundary.
func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// CountSummary records only how many records the group replaced.
func CountSummary(_ context.Context, category Category, records []MemoryRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("count summary of empty group")
	}
	return fmt.Sprintf("%d %s records", len(records), category), nil
}

// TouchPolicy controls the importance boost applied by Store.Touch. The
// boost grows with the time since last access and saturates at Boost.
type TouchPolicy struct {
	Boost    float64
	HalfLife time.Duration
}

func (p TouchPolicy) apply(importance float64, lastAccess, now time.Time) float64 {
	if p.Boost <= 0 || p.HalfLife <= 0 {
		return importance
	}
	elapsed := now.Sub(lastAccess)
	if elapsed <= 0 {
		return importance
	}
	gain := p.Boost * (1 - math.Exp2(-float64(elapsed)/float64(p.HalfLife)))
	return clampUnit(importance + gain)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func effectiveWeight(r MemoryRecord) float64 {
	if r.Weight < 1 {
		return 1
	}
	return r.Weight
}

func sortRecords(records []MemoryRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
