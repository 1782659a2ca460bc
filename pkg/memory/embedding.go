package memory

import (
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Embedder maps text to a fixed-size unit vector.
type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

const (
	EmbedderChargram = "chargram"
	EmbedderHash     = "hash"

	chargramModel = "lia-chargram-384-v1"
	hashModel     = "lia-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// NewEmbedder resolves an embedder by name. Empty selects chargram.
func NewEmbedder(name string) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EmbedderChargram, chargramModel:
		return &chargramEmbedder{dims: 384}, nil
	case EmbedderHash, hashModel:
		return &hashEmbedder{dims: 256}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEmbedder, name)
	}
}

type hashEmbedder struct {
	dims int
}

func (e *hashEmbedder) ModelID() string { return hashModel }

func (e *hashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		sum := fnvSum("", token)
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum%uint64(e.dims))] += sign * float32(1+len(token)/8)
	}
	normalizeVector(vec)
	return vec
}

// chargramEmbedder hashes character trigrams plus whole tokens, so payloads
// that share word stems land close together.
type chargramEmbedder struct {
	dims int
}

func (e *chargramEmbedder) ModelID() string { return chargramModel }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[int(fnvSum("", window[i:i+3])%uint64(e.dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		vec[int(fnvSum("tok:", token)%uint64(e.dims))] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func fnvSum(prefix, s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prefix))
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// cosineSimilarity assumes both vectors are already normalized.
func cosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
	}
	return dot
}
