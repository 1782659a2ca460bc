package stages

import (
	"context"
	"strings"
	"unicode"

	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

const StageResonance = "resonance"

var (
	positiveWords = lexicon("good", "great", "love", "happy", "joy", "calm", "hope", "thanks", "kind", "bright", "grow", "learn", "success", "beautiful", "curious")
	negativeWords = lexicon("bad", "sad", "angry", "fear", "hate", "pain", "lost", "dark", "fail", "failure", "worry", "tired", "broken", "alone", "afraid")
)

// Resonance derives emotional valence (lexicon polarity) and arousal
// (exclamations and capitalized letters).
type Resonance struct{}

func (Resonance) Name() string { return StageResonance }

func (Resonance) Process(_ context.Context, c *pipeline.Context) error {
	awareness, err := upstream(c, StageResonance, StageAwareness, "level")
	if err != nil {
		return err
	}
	content := c.Experience.Content
	words := tokenize(content)
	pos := float64(countMatches(words, positiveWords))
	neg := float64(countMatches(words, negativeWords))

	valence := 0.5
	if pos+neg > 0 {
		valence = 0.5 + 0.5*(pos-neg)/(pos+neg)
	}

	upper, letters := 0, 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	capsRatio := 0.0
	if letters > 0 {
		capsRatio = float64(upper) / float64(letters)
	}
	arousal := clamp01(0.5*saturate(float64(strings.Count(content, "!")), 2) + 0.3*capsRatio + 0.2*awareness)

	valence = round4(clamp01(valence))
	arousal = round4(arousal)
	c.SetMetric("valence", valence)
	c.SetMetric("arousal", arousal)
	return c.Put(pipeline.Output{Values: map[string]float64{
		"valence":  valence,
		"arousal":  arousal,
		"positive": pos,
		"negative": neg,
	}})
}
