// Package stages holds the concrete enrichment stages and assembles the
// default pipeline from them.
package stages

import (
	"errors"
	"fmt"

	"github.com/Nikoldigital777/LIA/pkg/pipeline"
)

// ErrUnknownDimension is returned when the fan-out set names an axis that does not exist.
var ErrUnknownDimension = errors.New("unknown dimension")

// Options selects the stage set.
type Options struct {
	Policy pipeline.Policy
	// Dimensions is the fan-out set; empty means AllDimensions.
	Dimensions   []string
	ThoughtWidth int
}

// Build wires the default ordered pipeline:
// analysis → coherence → pattern → thought → awareness → resonance →
// {dimensions in parallel} → integration.
func Build(opts Options) (*pipeline.Pipeline, error) {
	dims := opts.Dimensions
	if len(dims) == 0 {
		dims = AllDimensions
	}
	fanOut := make([]pipeline.Stage, 0, len(dims))
	for _, dim := range dims {
		if _, ok := dimensionCues[dim]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDimension, dim)
		}
		fanOut = append(fanOut, Dimension{Axis: dim})
	}

	return pipeline.NewBuilder(opts.Policy).
		Then(Analysis{}).
		Then(Coherence{}).
		Then(Pattern{}).
		Then(Thought{Width: opts.ThoughtWidth}).
		Then(Awareness{}).
		Then(Resonance{}).
		Parallel(fanOut...).
		Then(Integration{Dimensions: append([]string(nil), dims...)}).
		Build()
}
