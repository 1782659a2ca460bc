// Package response assembles the outward result of one submission from the
// final pipeline context, the store references and the trajectory. It has
// no side effects.
package response

import (
	"sort"

	"github.com/Nikoldigital777/LIA/pkg/evolution"
	"github.com/Nikoldigital777/LIA/pkg/pipeline"
	"github.com/Nikoldigital777/LIA/pkg/stages"
)

// TrackedMetrics are reported in every response's evolution summary,
// unavailable until some sample carries them.
var TrackedMetrics = []string{
	"salience",
	"coherence",
	"pattern_density",
	"thought_complexity",
	"awareness",
	"valence",
	"arousal",
	"dimensional_mean",
	"dimensional_balance",
}

// StoreRefs is what the caller learned from the memory store for this run.
type StoreRefs struct {
	RecordID    string
	Admitted    bool
	Size        int
	ByCategory  map[string]int
	Compression *CompressionSummary
}

// CompressionSummary describes a pass the admission triggered.
type CompressionSummary struct {
	Groups    int  `json:"groups"`
	Absorbed  int  `json:"absorbed"`
	Failures  int  `json:"failures"`
	SizeAfter int  `json:"size_after"`
	Shortfall bool `json:"shortfall"`
}

type MemorySummary struct {
	RecordID    Label               `json:"record_id"`
	Admitted    bool                `json:"admitted"`
	StoreSize   int                 `json:"store_size"`
	ByCategory  map[string]int      `json:"by_category,omitempty"`
	Compression *CompressionSummary `json:"compression,omitempty"`
}

type TrendView struct {
	Mean  Value `json:"mean"`
	Slope Value `json:"slope"`
}

type EvolutionSummary struct {
	Stage   int                  `json:"stage"`
	Samples int                  `json:"samples"`
	Window  int                  `json:"window"`
	Trends  map[string]TrendView `json:"trends"`
}

// Response is the result of one submission.
type Response struct {
	ExperienceID string `json:"experience_id"`
	Category     Label  `json:"category"`
	Seed         Label  `json:"seed"`

	Salience          Value `json:"salience"`
	Coherence         Value `json:"coherence"`
	PatternDensity    Value `json:"pattern_density"`
	ThoughtComplexity Value `json:"thought_complexity"`
	Awareness         Value `json:"awareness"`
	Valence           Value `json:"valence"`
	Arousal           Value `json:"arousal"`

	Dimensions         map[string]Value `json:"dimensions"`
	DimensionalMean    Value            `json:"dimensional_mean"`
	DimensionalBalance Value            `json:"dimensional_balance"`

	Skipped   []string         `json:"skipped,omitempty"`
	Memory    MemorySummary    `json:"memory"`
	Evolution EvolutionSummary `json:"evolution"`
}

// Synthesize builds the Response. Any field final does not carry is
// reported unavailable.
func Synthesize(final *pipeline.Context, refs StoreRefs, trajectory evolution.Trajectory) Response {
	r := Response{Dimensions: make(map[string]Value, len(stages.AllDimensions))}
	if final != nil {
		r.ExperienceID = final.Experience.ID
		r.Skipped = final.Skipped()
	}

	r.Category = label(final, stages.StageAnalysis, "category")
	r.Seed = label(final, stages.StageThought, "seed")
	r.Salience = value(final, stages.StageAnalysis, "salience")
	r.Coherence = value(final, stages.StageCoherence, "coherence")
	r.PatternDensity = value(final, stages.StagePattern, "density")
	r.ThoughtComplexity = value(final, stages.StageThought, "complexity")
	r.Awareness = value(final, stages.StageAwareness, "level")
	r.Valence = value(final, stages.StageResonance, "valence")
	r.Arousal = value(final, stages.StageResonance, "arousal")
	for _, axis := range stages.AllDimensions {
		r.Dimensions[axis] = value(final, stages.DimensionStageName(axis), "impact")
	}
	r.DimensionalMean = value(final, stages.StageIntegration, "mean")
	r.DimensionalBalance = value(final, stages.StageIntegration, "balance")

	r.Memory = MemorySummary{
		Admitted:    refs.Admitted,
		StoreSize:   refs.Size,
		ByCategory:  copyCounts(refs.ByCategory),
		Compression: refs.Compression,
	}
	if refs.RecordID != "" {
		r.Memory.RecordID = Label{Available: true, Value: refs.RecordID}
	}

	r.Evolution = EvolutionSummary{
		Stage:   trajectory.Stage,
		Samples: trajectory.Samples,
		Window:  trajectory.Window,
		Trends:  map[string]TrendView{},
	}
	names := append([]string(nil), TrackedMetrics...)
	for _, name := range trajectory.Names() {
		if !contains(names, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		view := TrendView{}
		if t, ok := trajectory.Metric(name); ok {
			view.Mean = Measured(t.Mean)
			if t.HasSlope {
				view.Slope = Measured(t.Slope)
			}
		}
		r.Evolution.Trends[name] = view
	}
	return r
}

func value(c *pipeline.Context, stage, key string) Value {
	if c == nil {
		return Value{}
	}
	out, ok := c.Field(stage)
	if !ok {
		return Value{}
	}
	v, ok := out.Value(key)
	if !ok {
		return Value{}
	}
	return Measured(v)
}

func label(c *pipeline.Context, stage, key string) Label {
	if c == nil {
		return Label{}
	}
	out, ok := c.Field(stage)
	if !ok {
		return Label{}
	}
	v, ok := out.Label(key)
	if !ok {
		return Label{}
	}
	return Label{Available: true, Value: v}
}

func copyCounts(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
