package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFieldCollision is returned by Build when two stages share a name.
	ErrFieldCollision = errors.New("stage field name collision")

	// ErrEmptyGroup is returned by Build for a parallel group with no members.
	ErrEmptyGroup = errors.New("empty stage group")

	// ErrEmptyPipeline is returned by Build when no stages were added.
	ErrEmptyPipeline = errors.New("pipeline has no stages")

	// ErrNilStage is returned by Build when a nil stage was added.
	ErrNilStage = errors.New("stage is nil")

	// ErrFieldExists is returned when a stage writes its field twice.
	ErrFieldExists = errors.New("stage field already written")

	// ErrNoOwner is returned when Put is called outside a pipeline run.
	ErrNoOwner = errors.New("context has no owning stage")
)

// ErrorKind classifies stage failures.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindInvalidInput
	KindDependencyUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindInvalidInput:
		return "invalid_input"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "unknown"
	}
}

// StageError reports why a stage could not produce output.
type StageError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether policy may run the stage again.
func (e *StageError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindDependencyUnavailable
}

func InvalidInput(stage string, err error) *StageError {
	return &StageError{Kind: KindInvalidInput, Stage: stage, Err: err}
}

func Timeout(stage string, err error) *StageError {
	return &StageError{Kind: KindTimeout, Stage: stage, Err: err}
}

func DependencyUnavailable(stage string, err error) *StageError {
	return &StageError{Kind: KindDependencyUnavailable, Stage: stage, Err: err}
}

// classify turns any stage return into a StageError. Deadline and
// cancellation errors are timeouts; other untyped errors are treated as an
// unavailable dependency.
func classify(stage string, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			named := *se
			named.Stage = stage
			return &named
		}
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout(stage, err)
	}
	return DependencyUnavailable(stage, err)
}

// PipelineError wraps the first unrecoverable StageError of a run together
// with the stages that had already completed.
type PipelineError struct {
	Cause     *StageError
	Completed []string
	// Partial holds the outputs gathered before the failure. It is never
	// admitted to memory.
	Partial *Context
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed after [%s]: %v", strings.Join(e.Completed, ", "), e.Cause)
}

func (e *PipelineError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}
