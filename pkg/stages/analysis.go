package stages

import (
	"context"
	"errors"
	"strings"

	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

const (
	StageAnalysis = "analysis"

	CategoryEpisodic   = "episodic"
	CategorySemantic   = "semantic"
	CategoryProcedural = "procedural"

	// TagCategory overrides classification: 0 episodic, 1 semantic, 2 procedural.
	TagCategory = "category"
	// TagSalience overrides the computed salience.
	TagSalience = "salience"
)

var (
	proceduralCues = []string{"how to", "step", "first ", "then ", "next ", "finally", "in order to", "procedure", "recipe"}
	semanticCues   = []string{" is ", " are ", " means ", " defined ", " always ", " never ", " consists of "}
)

// Analysis validates the experience and derives base text features, the
// salience signal and the memory category.
type Analysis struct{}

func (Analysis) Name() string { return StageAnalysis }

func (Analysis) Process(_ context.Context, c *pipeline.Context) error {
	content := strings.TrimSpace(c.Experience.Content)
	if content == "" {
		return pipeline.InvalidInput(StageAnalysis, errors.New("experience content is empty"))
	}

	words := tokenize(content)
	unique := map[string]struct{}{}
	for _, w := range words {
		unique[w] = struct{}{}
	}
	diversity := 0.0
	if len(words) > 0 {
		diversity = float64(len(unique)) / float64(len(words))
	}
	questions := float64(strings.Count(content, "?"))

	salience := clamp01(0.3 + 0.4*diversity + 0.3*saturate(float64(len(words)), 25))
	if v, ok := c.Experience.Tag(TagSalience); ok {
		salience = clamp01(v)
	}

	category := classify(content)
	if v, ok := c.Experience.Tag(TagCategory); ok {
		switch int(v) {
		case 1:
			category = CategorySemantic
		case 2:
			category = CategoryProcedural
		default:
			category = CategoryEpisodic
		}
	}

	c.SetMetric("salience", round4(salience))
	return c.Put(pipeline.Output{
		Values: map[string]float64{
			"words":     float64(len(words)),
			"unique":    float64(len(unique)),
			"diversity": round4(diversity),
			"questions": questions,
			"salience":  round4(salience),
		},
		Labels: map[string]string{"category": category},
	})
}

func classify(content string) string {
	lower := " " + strings.ToLower(content) + " "
	for _, cue := range proceduralCues {
		if strings.Contains(lower, cue) {
			return CategoryProcedural
		}
	}
	for _, cue := range semanticCues {
		if strings.Contains(lower, cue) {
			return CategorySemantic
		}
	}
	return CategoryEpisodic
}
