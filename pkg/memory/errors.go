package memory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRecordRetired is returned when mutating a record that was absorbed by compression.
	ErrRecordRetired = errors.New("memory record retired by compression")

	// ErrInvalidCategory is returned when admitting a candidate with an unknown category.
	ErrInvalidCategory = errors.New("invalid memory category")

	// ErrInvalidThresholds is returned when target >= trigger or either is non-positive.
	ErrInvalidThresholds = errors.New("invalid compression thresholds")

	// Unknown policy names.
	ErrUnknownScorer     = errors.New("unknown importance scorer")
	ErrUnknownSummarizer = errors.New("unknown summarizer")
	ErrUnknownEmbedder   = errors.New("unknown embedder")
)

// StoreError reports a mutation that could not be applied. Lookups of
// unknown ids are not errors; they return absence.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("memory store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("memory store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// CompressionError reports one group that failed to compress. Its records
// were left unmodified.
type CompressionError struct {
	Category  Category
	SourceIDs []string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compress %s group [%s]: %v", e.Category, strings.Join(e.SourceIDs, ","), e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }
