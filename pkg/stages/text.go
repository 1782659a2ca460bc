package stages

import (
	"math"
	"strings"
	"unicode"
)

func tokenize(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}

func countMatches(words []string, lexicon map[string]struct{}) int {
	n := 0
	for _, w := range words {
		if _, ok := lexicon[w]; ok {
			n++
		}
	}
	return n
}

func lexicon(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// saturate maps a non-negative count onto [0,1) with half-saturation at k.
func saturate(n, k float64) float64 {
	if n <= 0 {
		return 0
	}
	return n / (n + k)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
