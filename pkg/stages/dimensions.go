package stages

import (
	"context"
	"math"

	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

const (
	DimensionTemporal  = "temporal"
	DimensionSpatial   = "spatial"
	DimensionCausal    = "causal"
	DimensionEmotional = "emotional"
	DimensionSocial    = "social"
	DimensionAbstract  = "abstract"

	StageIntegration = "integration"

	dimensionPrefix = "dimension."
)

// AllDimensions is the default fan-out set.
var AllDimensions = []string{
	DimensionTemporal,
	DimensionSpatial,
	DimensionCausal,
	DimensionEmotional,
	DimensionSocial,
	DimensionAbstract,
}

var dimensionCues = map[string]map[string]struct{}{
	DimensionTemporal:  lexicon("now", "then", "before", "after", "today", "yesterday", "tomorrow", "soon", "later", "when", "while", "time", "always", "never"),
	DimensionSpatial:   lexicon("here", "there", "near", "far", "above", "below", "inside", "outside", "around", "place", "room", "city", "where", "between"),
	DimensionCausal:    lexicon("because", "so", "therefore", "cause", "caused", "effect", "since", "why", "result", "thus", "leads", "due", "if"),
	DimensionEmotional: lexicon("feel", "felt", "feeling", "love", "fear", "happy", "sad", "angry", "joy", "hope", "worry", "calm"),
	DimensionSocial:    lexicon("we", "they", "friend", "friends", "family", "team", "people", "together", "us", "you", "them", "community", "someone"),
	DimensionAbstract:  lexicon("idea", "concept", "meaning", "truth", "theory", "pattern", "system", "principle", "think", "thought", "believe", "reason"),
}

// DimensionStageName returns the stage (and field) name of a dimension.
func DimensionStageName(dim string) string { return dimensionPrefix + dim }

// Dimension scores one axis of the dimensional state from cue words, biased
// by an upstream signal. The six dimensions form the fan-out group.
type Dimension struct {
	Axis string
}

func (d Dimension) Name() string { return DimensionStageName(d.Axis) }

func (d Dimension) Process(_ context.Context, c *pipeline.Context) error {
	bias, err := d.bias(c)
	if err != nil {
		return err
	}
	words := tokenize(c.Experience.Content)
	hits := float64(countMatches(words, dimensionCues[d.Axis]))
	impact := round4(clamp01(0.75*saturate(hits, 2) + 0.25*bias))

	c.SetMetric(d.Name(), impact)
	return c.Put(pipeline.Output{Values: map[string]float64{
		"impact": impact,
		"hits":   hits,
	}})
}

func (d Dimension) bias(c *pipeline.Context) (float64, error) {
	name := d.Name()
	switch d.Axis {
	case DimensionEmotional:
		return upstream(c, name, StageResonance, "arousal")
	case DimensionAbstract:
		return upstream(c, name, StageThought, "complexity")
	case DimensionCausal:
		return upstream(c, name, StagePattern, "density")
	default:
		return upstream(c, name, StageAwareness, "level")
	}
}

// Integration folds the dimension impacts into a single balance signal.
type Integration struct {
	Dimensions []string
}

func (Integration) Name() string { return StageIntegration }

func (in Integration) Process(_ context.Context, c *pipeline.Context) error {
	values := []float64{}
	for _, dim := range in.Dimensions {
		out, ok := c.Field(DimensionStageName(dim))
		if !ok {
			continue
		}
		if v, ok := out.Value("impact"); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return c.Put(pipeline.Output{Values: map[string]float64{"dimensions": 0}})
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	spread := math.Sqrt(variance / float64(len(values)))
	balance := round4(clamp01(1 - 2*spread))
	mean = round4(mean)

	c.SetMetric("dimensional_mean", mean)
	c.SetMetric("dimensional_balance", balance)
	return c.Put(pipeline.Output{Values: map[string]float64{
		"mean":       mean,
		"spread":     round4(spread),
		"balance":    balance,
		"dimensions": float64(len(values)),
	}})
}
