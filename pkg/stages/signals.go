package stages

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"
	"unicode"

	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

const (
	StageCoherence = "coherence"
	StagePattern   = "pattern"
	StageThought   = "thought"
	StageAwareness = "awareness"
)

// upstream reads a value a previous stage produced.
func upstream(c *pipeline.Context, stage, stageKey, key string) (float64, error) {
	out, ok := c.Field(stageKey)
	if !ok {
		return 0, pipeline.InvalidInput(stage, fmt.Errorf("missing upstream field %q", stageKey))
	}
	v, ok := out.Value(key)
	if !ok {
		return 0, pipeline.InvalidInput(stage, fmt.Errorf("upstream field %q has no %q", stageKey, key))
	}
	return v, nil
}

// Coherence scores how ordered the character distribution is: one minus the
// normalized Shannon entropy over letters.
type Coherence struct{}

func (Coherence) Name() string { return StageCoherence }

func (Coherence) Process(_ context.Context, c *pipeline.Context) error {
	counts := map[rune]int{}
	total := 0
	for _, r := range c.Experience.Content {
		if !unicode.IsLetter(r) {
			continue
		}
		counts[unicode.ToLower(r)]++
		total++
	}
	entropy := 0.0
	for _, n := range counts {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	coherence := 1.0
	if len(counts) > 1 {
		coherence = 1 - entropy/math.Log2(float64(len(counts)))
	}
	coherence = round4(clamp01(coherence))

	c.SetMetric("coherence", coherence)
	return c.Put(pipeline.Output{Values: map[string]float64{
		"coherence": coherence,
		"entropy":   round4(entropy),
		"alphabet":  float64(len(counts)),
	}})
}

// Pattern measures word-bigram repetition, weighted by coherence.
type Pattern struct{}

func (Pattern) Name() string { return StagePattern }

func (Pattern) Process(_ context.Context, c *pipeline.Context) error {
	coherence, err := upstream(c, StagePattern, StageCoherence, "coherence")
	if err != nil {
		return err
	}
	words := tokenize(c.Experience.Content)
	bigrams := map[string]int{}
	for i := 0; i+1 < len(words); i++ {
		bigrams[words[i]+" "+words[i+1]]++
	}
	repeated := 0
	for _, n := range bigrams {
		if n > 1 {
			repeated += n
		}
	}
	density := 0.0
	if len(words) > 1 {
		density = float64(repeated) / float64(len(words)-1)
	}
	density = round4(clamp01(0.7*density + 0.3*coherence))

	c.SetMetric("pattern_density", density)
	return c.Put(pipeline.Output{Values: map[string]float64{
		"density":  density,
		"bigrams":  float64(len(bigrams)),
		"repeated": float64(repeated),
	}})
}

// Thought samples a small set of thought strengths. It is the only
// randomized stage: the seed derives from the experience id and is recorded
// in the output so a run can be reproduced.
type Thought struct {
	// Width is the number of sampled thoughts (default: 8).
	Width int
}

func (Thought) Name() string { return StageThought }

func (t Thought) Process(_ context.Context, c *pipeline.Context) error {
	density, err := upstream(c, StageThought, StagePattern, "density")
	if err != nil {
		return err
	}
	width := t.Width
	if width <= 0 {
		width = 8
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(c.Experience.ID))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	sum, peak := 0.0, 0.0
	for i := 0; i < width; i++ {
		s := rng.Float64() * (0.5 + 0.5*density)
		sum += s
		peak = math.Max(peak, s)
	}
	complexity := round4(clamp01(sum / float64(width)))

	c.SetMetric("thought_complexity", complexity)
	return c.Put(pipeline.Output{
		Values: map[string]float64{
			"complexity": complexity,
			"peak":       round4(peak),
			"width":      float64(width),
		},
		Labels: map[string]string{"seed": strconv.FormatUint(seed, 10)},
	})
}

// Awareness blends coherence, pattern density and thought complexity.
type Awareness struct{}

func (Awareness) Name() string { return StageAwareness }

func (Awareness) Process(_ context.Context, c *pipeline.Context) error {
	coherence, err := upstream(c, StageAwareness, StageCoherence, "coherence")
	if err != nil {
		return err
	}
	density, err := upstream(c, StageAwareness, StagePattern, "density")
	if err != nil {
		return err
	}
	complexity, err := upstream(c, StageAwareness, StageThought, "complexity")
	if err != nil {
		return err
	}
	level := round4(clamp01(0.4*coherence + 0.25*density + 0.35*complexity))

	c.SetMetric("awareness", level)
	return c.Put(pipeline.Output{Values: map[string]float64{"level": level}})
}
