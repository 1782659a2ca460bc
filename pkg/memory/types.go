package memory

import (
	"time"

	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

// Category partitions the store.
type Category string

const (
	CategoryEpisodic   Category = "episodic"
	CategorySemantic   Category = "semantic"
	CategoryProcedural Category = "procedural"
)

// Categories lists every partition in a stable order.
var Categories = []Category{CategoryEpisodic, CategorySemantic, CategoryProcedural}

func (c Category) Valid() bool {
	switch c {
	case CategoryEpisodic, CategorySemantic, CategoryProcedural:
		return true
	default:
		return false
	}
}

// MemoryRecord is one stored memory. Compressed groups are records too:
// Compressed is set and SourceIDs names the records they absorbed.
type MemoryRecord struct {
	ID             string    `json:"id"`
	Category       Category  `json:"category"`
	Payload        string    `json:"payload"`
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Compressed     bool      `json:"compressed"`
	// Weight is the number of originally admitted records this record
	// stands for: 1 on admission, the sum of absorbed weights for a group.
	Weight       float64  `json:"weight"`
	SourceIDs    []string `json:"source_ids,omitempty"`
	ExperienceID string   `json:"experience_id,omitempty"`
}

func (r MemoryRecord) clone() MemoryRecord {
	r.SourceIDs = append([]string(nil), r.SourceIDs...)
	return r
}

// CompressedGroup is the provenance view of a compressed record.
type CompressedGroup struct {
	ID             string    `json:"id"`
	Category       Category  `json:"category"`
	SourceIDs      []string  `json:"source_ids"`
	SummaryPayload string    `json:"summary_payload"`
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
}

func groupOf(r MemoryRecord) CompressedGroup {
	return CompressedGroup{
		ID:             r.ID,
		Category:       r.Category,
		SourceIDs:      append([]string(nil), r.SourceIDs...),
		SummaryPayload: r.Payload,
		Importance:     r.Importance,
		CreatedAt:      r.CreatedAt,
	}
}

// Candidate is what a caller offers for admission. Importance is not part
// of it: the store's ScoreFunc assigns it once, from the candidate.
type Candidate struct {
	ExperienceID string
	Category     Category
	Payload      string
	// Context is the final pipeline context the record was derived from.
	// It may be nil for records that do not come from a pipeline run.
	Context *pipeline.Context
}

// Admission is the result of Admit.
type Admission struct {
	ID string
	// Compression is set when the admission crossed the trigger threshold.
	Compression *CompressionReport
}

// CompressionReport describes one compression pass.
type CompressionReport struct {
	ID         string              `json:"id"`
	StartedAt  time.Time           `json:"started_at"`
	SizeBefore int                 `json:"size_before"`
	SizeAfter  int                 `json:"size_after"`
	Target     int                 `json:"target"`
	Absorbed   int                 `json:"absorbed"`
	Groups     []CompressedGroup   `json:"groups"`
	Failures   []*CompressionError `json:"-"`
	// Shortfall is set when not enough unpinned records existed to reach Target.
	Shortfall bool `json:"shortfall"`
}

// Stats summarizes store state.
type Stats struct {
	Total        int              `json:"total"`
	ByCategory   map[Category]int `json:"by_category"`
	Compressed   int              `json:"compressed"`
	Tombstones   int              `json:"tombstones"`
	PayloadBytes int              `json:"payload_bytes"`
	Compressions int              `json:"compressions"`
	PendingRetry bool             `json:"pending_retry"`
}
