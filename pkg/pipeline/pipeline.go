// Package pipeline runs experiences through an ordered list of enrichment
// stage groups, fanning out parallel groups and merging their outputs.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/metrics"
)

// TracerName is the instrumentation scope for stage spans.
const TracerName = "github.com/Nikoldigital777/LIA/pkg/pipeline"

// Stage is one unit of context transformation. A stage reads whatever it
// needs from c and contributes a single Output through c.Put.
type Stage interface {
	Name() string
	Process(ctx context.Context, c *Context) error
}

// StageFunc adapts a function into a Stage.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, c *Context) error
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Process(ctx context.Context, c *Context) error { return f.Fn(ctx, c) }

// Policy controls per-stage timeouts, retries and skipping.
type Policy struct {
	// StageTimeout bounds each attempt of a stage (default: 5s).
	StageTimeout time.Duration

	// RetryBackoff is the initial backoff before a retry; it doubles per attempt (default: 25ms).
	RetryBackoff time.Duration

	// MaxRetries is the number of extra attempts for timeout and
	// dependency failures. Invalid input is never retried (default: 1).
	MaxRetries int

	// Skippable stages leave no output instead of failing the run.
	Skippable map[string]bool
}

// DefaultPolicy returns a Policy with sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		StageTimeout: 5 * time.Second,
		RetryBackoff: 25 * time.Millisecond,
		MaxRetries:   1,
	}
}

type group struct {
	stages   []Stage
	parallel bool
}

// Builder assembles a Pipeline. Configuration errors surface from Build.
type Builder struct {
	groups []group
	policy Policy
}

func NewBuilder(policy Policy) *Builder {
	return &Builder{policy: policy}
}

// Then appends a sequential stage.
func (b *Builder) Then(s Stage) *Builder {
	b.groups = append(b.groups, group{stages: []Stage{s}})
	return b
}

// Parallel appends a fan-out group whose members run concurrently.
func (b *Builder) Parallel(stages ...Stage) *Builder {
	b.groups = append(b.groups, group{stages: append([]Stage(nil), stages...), parallel: true})
	return b
}

// Build validates the stage graph. Stage names double as field names, so
// any duplicate is rejected here rather than at run time.
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.groups) == 0 {
		return nil, ErrEmptyPipeline
	}
	seen := map[string]int{}
	for gi, g := range b.groups {
		if len(g.stages) == 0 {
			return nil, fmt.Errorf("%w at position %d", ErrEmptyGroup, gi)
		}
		for _, s := range g.stages {
			if s == nil {
				return nil, fmt.Errorf("%w at position %d", ErrNilStage, gi)
			}
			name := s.Name()
			if name == "" {
				return nil, fmt.Errorf("%w: empty stage name at position %d", ErrFieldCollision, gi)
			}
			if prev, ok := seen[name]; ok {
				return nil, fmt.Errorf("%w: %q at positions %d and %d", ErrFieldCollision, name, prev, gi)
			}
			seen[name] = gi
		}
	}

	policy := b.policy
	if policy.StageTimeout <= 0 {
		policy.StageTimeout = 5 * time.Second
	}
	if policy.RetryBackoff <= 0 {
		policy.RetryBackoff = 25 * time.Millisecond
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	groups := make([]group, len(b.groups))
	copy(groups, b.groups)
	return &Pipeline{
		groups: groups,
		policy: policy,
		tracer: otel.Tracer(TracerName),
	}, nil
}

// Pipeline is an immutable, concurrency-safe stage graph.
type Pipeline struct {
	groups []group
	policy Policy
	tracer trace.Tracer
}

// StageNames lists every stage in execution order.
func (p *Pipeline) StageNames() []string {
	names := []string{}
	for _, g := range p.groups {
		for _, s := range g.stages {
			names = append(names, s.Name())
		}
	}
	return names
}

// FanOutNames lists the members of parallel groups.
func (p *Pipeline) FanOutNames() []string {
	names := []string{}
	for _, g := range p.groups {
		if !g.parallel {
			continue
		}
		for _, s := range g.stages {
			names = append(names, s.Name())
		}
	}
	return names
}

// Run processes exp through every group. On failure the returned
// *PipelineError names the stages that completed; nothing is committed.
func (p *Pipeline) Run(ctx context.Context, exp Experience) (*Context, error) {
	c := NewContext(exp)
	completed := []string{}

	fail := func(cause *StageError) (*Context, error) {
		metrics.PipelineRuns.WithLabelValues("failed").Inc()
		logger.WarnCF("pipeline", "Pipeline run failed", map[string]any{
			"experience_id": exp.ID,
			"stage":         cause.Stage,
			"kind":          cause.Kind.String(),
			"completed":     len(completed),
		})
		return nil, &PipelineError{Cause: cause, Completed: completed, Partial: c}
	}

	for _, g := range p.groups {
		if err := ctx.Err(); err != nil {
			return fail(Timeout(g.stages[0].Name(), err))
		}

		if !g.parallel {
			s := g.stages[0]
			forked, serr := p.execute(ctx, c, s)
			if serr != nil {
				return fail(serr)
			}
			if forked == nil {
				c.markSkipped(s.Name())
				continue
			}
			if err := c.merge(forked); err != nil {
				return fail(InvalidInput(s.Name(), err))
			}
			completed = append(completed, s.Name())
			continue
		}

		done, serr := p.runParallel(ctx, c, g.stages)
		completed = append(completed, done...)
		if serr != nil {
			return fail(serr)
		}
	}

	metrics.PipelineRuns.WithLabelValues("ok").Inc()
	logger.DebugCF("pipeline", "Pipeline run completed", map[string]any{
		"experience_id": exp.ID,
		"fields":        len(c.fields),
		"skipped":       len(c.skipped),
	})
	return c, nil
}

// runParallel forks c once per member, runs members concurrently and merges
// their outputs in declaration order. The join only blocks this run.
func (p *Pipeline) runParallel(ctx context.Context, c *Context, stages []Stage) ([]string, *StageError) {
	results := make([]*Context, len(stages))
	errs := make([]*StageError, len(stages))

	eg, gctx := errgroup.WithContext(ctx)
	for i, s := range stages {
		eg.Go(func() error {
			forked, serr := p.execute(gctx, c, s)
			if serr != nil {
				errs[i] = serr
				return serr
			}
			results[i] = forked
			return nil
		})
	}
	waitErr := eg.Wait()

	done := []string{}
	var first *StageError
	if waitErr != nil {
		first = classify("", waitErr)
	}
	for i, s := range stages {
		if errs[i] != nil {
			continue
		}
		if results[i] == nil {
			c.markSkipped(s.Name())
			continue
		}
		if err := c.merge(results[i]); err != nil && first == nil {
			first = InvalidInput(s.Name(), err)
			continue
		}
		done = append(done, s.Name())
	}
	return done, first
}

// execute runs one stage against its own fork of base, retrying per policy.
// A nil fork with a nil error means the stage was skipped.
func (p *Pipeline) execute(ctx context.Context, base *Context, s Stage) (*Context, *StageError) {
	name := s.Name()
	for attempt := 0; ; attempt++ {
		forked := base.fork(name)

		stageCtx, cancel := context.WithTimeout(ctx, p.policy.StageTimeout)
		stageCtx, span := p.tracer.Start(stageCtx, "stage "+name, trace.WithAttributes(
			attribute.String("lia.stage", name),
			attribute.String("lia.experience_id", base.Experience.ID),
			attribute.Int("lia.attempt", attempt),
		))

		logger.DebugCF("pipeline", "Running stage", map[string]any{"stage": name, "attempt": attempt})
		start := time.Now()
		err := s.Process(stageCtx, forked)
		metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if err == nil {
			span.End()
			cancel()
			return forked, nil
		}

		serr := classify(name, err)
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		span.End()
		cancel()
		metrics.StageFailures.WithLabelValues(name, serr.Kind.String()).Inc()

		if ctx.Err() == nil && serr.Retryable() && attempt < p.policy.MaxRetries {
			backoff := p.policy.RetryBackoff * time.Duration(1<<attempt)
			logger.WarnCF("pipeline", "Stage failed, retrying", map[string]any{
				"stage":   name,
				"kind":    serr.Kind.String(),
				"attempt": attempt,
				"backoff": backoff.String(),
				"error":   serr.Error(),
			})
			metrics.StageRetries.WithLabelValues(name).Inc()
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, Timeout(name, ctx.Err())
			case <-timer.C:
			}
			continue
		}

		if p.policy.Skippable[name] && ctx.Err() == nil {
			logger.WarnCF("pipeline", "Skippable stage failed, continuing without its output", map[string]any{
				"stage": name,
				"kind":  serr.Kind.String(),
				"error": serr.Error(),
			})
			return nil, nil
		}
		return nil, serr
	}
}
