package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// RecallOptions narrows and tunes a Recall query.
type RecallOptions struct {
	Category        Category
	Limit           int
	MinScore        float64
	RecencyHalfLife time.Duration
}

func (o RecallOptions) withDefaults() RecallOptions {
	if o.Limit <= 0 {
		o.Limit = 8
	}
	if o.MinScore <= 0 {
		o.MinScore = 0.15
	}
	if o.RecencyHalfLife <= 0 {
		o.RecencyHalfLife = 14 * 24 * time.Hour
	}
	return o
}

// Recollection is one ranked Recall hit with its score components.
type Recollection struct {
	Record  MemoryRecord `json:"record"`
	Score   float64      `json:"score"`
	Lexical float64      `json:"lexical"`
	Vector  float64      `json:"vector"`
	Recency float64      `json:"recency"`
}

// recallIndex holds one embedding per live record. It is guarded by the
// Store lock; the result cache is keyed by a version bumped on every change.
type recallIndex struct {
	embedder Embedder
	vectors  map[string][]float32
	cache    *gocache.Cache
	version  uint64
}

func newRecallIndex(e Embedder) *recallIndex {
	return &recallIndex{
		embedder: e,
		vectors:  map[string][]float32{},
		cache:    gocache.New(20*time.Second, time.Minute),
	}
}

func (ix *recallIndex) add(rec MemoryRecord) {
	ix.vectors[rec.ID] = ix.embedder.Embed(rec.Payload)
	ix.version++
}

func (ix *recallIndex) remove(id string) {
	delete(ix.vectors, id)
	ix.version++
}

func (ix *recallIndex) changed() { ix.version++ }

func (ix *recallIndex) reset(records map[string]*MemoryRecord) {
	ix.vectors = make(map[string][]float32, len(records))
	for _, rec := range records {
		ix.vectors[rec.ID] = ix.embedder.Embed(rec.Payload)
	}
	ix.version++
	ix.cache.Flush()
}

// Recall ranks live records against query by blending term overlap,
// embedding similarity and access recency, scaled by importance and weight.
// Recall does not count as an access; callers Touch what they use.
func (s *Store) Recall(query string, opts RecallOptions) []Recollection {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	opts = opts.withDefaults()

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := fmt.Sprintf("%d|%s|%s|%d|%.4f|%d", s.index.version, strings.ToLower(query), opts.Category, opts.Limit, opts.MinScore, opts.RecencyHalfLife)
	if cached, ok := s.index.cache.Get(key); ok {
		return cloneRecollections(cached.([]Recollection))
	}

	now := s.now()
	qvec := s.index.embedder.Embed(query)
	terms := recallTerms(query)
	lowerQuery := strings.ToLower(query)

	hits := make([]Recollection, 0, 16)
	for id, rec := range s.records {
		if opts.Category != "" && rec.Category != opts.Category {
			continue
		}
		lower := strings.ToLower(rec.Payload)
		h := Recollection{
			Lexical: termCoverage(terms, lower),
			Vector:  math.Max(0, cosineSimilarity(qvec, s.index.vectors[id])),
			Recency: recencyWeight(now, rec.LastAccessedAt, opts.RecencyHalfLife),
		}
		score := 0.45*h.Lexical + 0.45*h.Vector + 0.10*h.Recency
		score *= math.Min(1.5, 0.9+0.1*effectiveWeight(*rec))
		score *= 0.5 + 0.5*rec.Importance
		score += 0.20 * tokenJaccard(terms, recallTerms(rec.Payload))
		if strings.Contains(lower, lowerQuery) {
			score += 0.08
		}
		if score < opts.MinScore {
			continue
		}
		h.Score = round4(score)
		h.Record = rec.clone()
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	s.index.cache.Set(key, hits, gocache.DefaultExpiration)
	return cloneRecollections(hits)
}

func recencyWeight(now, seen time.Time, halfLife time.Duration) float64 {
	delta := now.Sub(seen)
	if delta < 0 {
		delta = 0
	}
	return math.Exp(-math.Ln2 * float64(delta) / float64(halfLife))
}

// recallTerms lowercases and dedupes tokens of two or more characters.
func recallTerms(text string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, tok := range tokenize(text) {
		for _, part := range strings.FieldsFunc(tok, func(r rune) bool {
			return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
		}) {
			if len(part) < 2 {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

func termCoverage(terms []string, lowerPayload string) float64 {
	if len(terms) == 0 {
		return 0
	}
	n := 0
	for _, t := range terms {
		if strings.Contains(lowerPayload, t) {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}

func tokenJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }

func cloneRecollections(in []Recollection) []Recollection {
	out := make([]Recollection, len(in))
	for i, h := range in {
		h.Record = h.Record.clone()
		out[i] = h
	}
	return out
}
