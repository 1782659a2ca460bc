package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valueStage(name string, v float64) Stage {
	return StageFunc{StageName: name, Fn: func(_ context.Context, c *Context) error {
		c.SetMetric(name+".value", v)
		return c.Put(Output{Values: map[string]float64{"v": v}})
	}}
}

func failingStage(name string, err error, calls *atomic.Int32) Stage {
	return StageFunc{StageName: name, Fn: func(_ context.Context, _ *Context) error {
		if calls != nil {
			calls.Add(1)
		}
		return err
	}}
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.RetryBackoff = time.Millisecond
	return p
}

func TestBuild_RejectsCollidingFieldNames(t *testing.T) {
	_, err := NewBuilder(testPolicy()).
		Then(valueStage("analysis", 1)).
		Parallel(valueStage("dim.a", 1), valueStage("dim.a", 2)).
		Build()
	require.ErrorIs(t, err, ErrFieldCollision)

	_, err = NewBuilder(testPolicy()).
		Then(valueStage("analysis", 1)).
		Parallel(valueStage("analysis", 2)).
		Build()
	require.ErrorIs(t, err, ErrFieldCollision)
}

func TestBuild_RejectsEmptyGroupsAndNilStages(t *testing.T) {
	_, err := NewBuilder(testPolicy()).Build()
	require.ErrorIs(t, err, ErrEmptyPipeline)

	_, err = NewBuilder(testPolicy()).Then(valueStage("a", 1)).Parallel().Build()
	require.ErrorIs(t, err, ErrEmptyGroup)

	_, err = NewBuilder(testPolicy()).Then(nil).Build()
	require.ErrorIs(t, err, ErrNilStage)
}

func TestRun_FanOutMembersAreIsolated(t *testing.T) {
	var sawSibling atomic.Bool
	isolated := func(name, sibling string) Stage {
		return StageFunc{StageName: name, Fn: func(_ context.Context, c *Context) error {
			time.Sleep(5 * time.Millisecond)
			if _, ok := c.Field(sibling); ok {
				sawSibling.Store(true)
			}
			return c.Put(Output{Values: map[string]float64{"v": 1}})
		}}
	}

	p, err := NewBuilder(testPolicy()).
		Then(valueStage("analysis", 0.5)).
		Parallel(isolated("dim.a", "dim.b"), isolated("dim.b", "dim.a")).
		Then(StageFunc{StageName: "after", Fn: func(_ context.Context, c *Context) error {
			_, a := c.Field("dim.a")
			_, b := c.Field("dim.b")
			if !a || !b {
				return InvalidInput("after", errors.New("fan-in lost a member output"))
			}
			return c.Put(Output{})
		}}).
		Build()
	require.NoError(t, err)

	out, err := p.Run(context.Background(), NewExperience("e1", "hello", time.Time{}, nil))
	require.NoError(t, err)
	assert.False(t, sawSibling.Load(), "parallel members must not observe each other")
	assert.Equal(t, []string{"after", "analysis", "dim.a", "dim.b"}, out.FieldNames())
}

func TestRun_FanOutMembersRunConcurrently(t *testing.T) {
	const members = 4
	var started sync.WaitGroup
	started.Add(members)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	barrier := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(ctx context.Context, c *Context) error {
			started.Done()
			select {
			case <-allStarted:
			case <-ctx.Done():
				return Timeout(name, ctx.Err())
			}
			return c.Put(Output{Values: map[string]float64{"v": 1}})
		}}
	}
	fanOut := make([]Stage, members)
	for i := range fanOut {
		fanOut[i] = barrier(fmt.Sprintf("dim.%d", i))
	}

	policy := testPolicy()
	policy.StageTimeout = 2 * time.Second
	policy.MaxRetries = 0
	p, err := NewBuilder(policy).Parallel(fanOut...).Build()
	require.NoError(t, err)

	final, err := p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
	require.NoError(t, err, "fan-out members did not all run at once")
	for i := 0; i < members; i++ {
		_, ok := final.Field(fmt.Sprintf("dim.%d", i))
		assert.True(t, ok)
	}
}

func TestRun_UnnamedStageErrorIsNotMutated(t *testing.T) {
	shared := &StageError{Kind: KindInvalidInput, Err: errors.New("rejected")}
	p, err := NewBuilder(testPolicy()).
		Then(failingStage("first", shared, nil)).
		Build()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
		var perr *PipelineError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "first", perr.Cause.Stage)
		assert.NotSame(t, shared, perr.Cause)
	}
	assert.Empty(t, shared.Stage)
}

func TestRun_StageCannotOverwriteItsField(t *testing.T) {
	p, err := NewBuilder(testPolicy()).
		Then(StageFunc{StageName: "twice", Fn: func(_ context.Context, c *Context) error {
			if err := c.Put(Output{}); err != nil {
				return err
			}
			return InvalidInput("twice", c.Put(Output{}))
		}}).
		Build()
	require.NoError(t, err)

	_, err = p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrFieldExists)
}

func TestRun_TimeoutRetriedOnceThenFails(t *testing.T) {
	var calls atomic.Int32
	p, err := NewBuilder(testPolicy()).
		Then(valueStage("analysis", 1)).
		Then(failingStage("slow", context.DeadlineExceeded, &calls)).
		Build()
	require.NoError(t, err)

	_, err = p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTimeout, perr.Cause.Kind)
	assert.Equal(t, "slow", perr.Cause.Stage)
	assert.Equal(t, []string{"analysis"}, perr.Completed)
	assert.Equal(t, int32(2), calls.Load())
	_, ok := perr.Partial.Field("analysis")
	assert.True(t, ok)
}

func TestRun_RetrySucceedsOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	flaky := StageFunc{StageName: "flaky", Fn: func(_ context.Context, c *Context) error {
		if calls.Add(1) == 1 {
			return DependencyUnavailable("flaky", errors.New("enricher offline"))
		}
		return c.Put(Output{Values: map[string]float64{"ok": 1}})
	}}
	p, err := NewBuilder(testPolicy()).Then(flaky).Build()
	require.NoError(t, err)

	out, err := p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
	require.NoError(t, err)
	v, ok := out.Field("flaky")
	require.True(t, ok)
	assert.Equal(t, 1.0, v.Values["ok"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_InvalidInputNeverRetried(t *testing.T) {
	var calls atomic.Int32
	p, err := NewBuilder(testPolicy()).
		Then(failingStage("strict", InvalidInput("strict", errors.New("empty content")), &calls)).
		Build()
	require.NoError(t, err)

	_, err = p.Run(context.Background(), NewExperience("e1", "", time.Time{}, nil))
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindInvalidInput, serr.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_ParallelFailureReportsCompletedMembers(t *testing.T) {
	policy := testPolicy()
	policy.MaxRetries = 0
	p, err := NewBuilder(policy).
		Then(valueStage("analysis", 1)).
		Parallel(valueStage("dim.a", 1), failingStage("dim.b", InvalidInput("dim.b", errors.New("bad")), nil)).
		Then(valueStage("never", 1)).
		Build()
	require.NoError(t, err)

	_, err = p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "dim.b", perr.Cause.Stage)
	assert.Contains(t, perr.Completed, "analysis")
	assert.NotContains(t, perr.Completed, "never")
}

func TestRun_SkippableStageLeavesNoField(t *testing.T) {
	policy := testPolicy()
	policy.MaxRetries = 0
	policy.Skippable = map[string]bool{"optional": true}
	p, err := NewBuilder(policy).
		Then(failingStage("optional", errors.New("remote enricher down"), nil)).
		Then(valueStage("core", 1)).
		Build()
	require.NoError(t, err)

	out, err := p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
	require.NoError(t, err)
	_, ok := out.Field("optional")
	assert.False(t, ok)
	assert.Equal(t, []string{"optional"}, out.Skipped())
}

func TestRun_CancelledContextStopsRun(t *testing.T) {
	blocking := StageFunc{StageName: "blocking", Fn: func(ctx context.Context, _ *Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	p, err := NewBuilder(testPolicy()).Then(blocking).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Run(ctx, NewExperience("e1", "x", time.Time{}, nil))
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindTimeout, perr.Cause.Kind)
}

func TestRun_MetricsMergeFromParallelMembers(t *testing.T) {
	p, err := NewBuilder(testPolicy()).
		Parallel(valueStage("dim.a", 0.25), valueStage("dim.b", 0.75)).
		Build()
	require.NoError(t, err)

	out, err := p.Run(context.Background(), NewExperience("e1", "x", time.Time{}, nil))
	require.NoError(t, err)
	m := out.Metrics()
	assert.Equal(t, 0.25, m["dim.a.value"])
	assert.Equal(t, 0.75, m["dim.b.value"])
}

func TestExperience_TagsAreCopied(t *testing.T) {
	tags := map[string]float64{"salience": 0.4}
	exp := NewExperience("", "content", time.Time{}, tags)
	tags["salience"] = 0.9

	v, ok := exp.Tag("salience")
	require.True(t, ok)
	assert.Equal(t, 0.4, v)
	exp.Tags()["salience"] = 1
	v, _ = exp.Tag("salience")
	assert.Equal(t, 0.4, v)
	assert.NotEmpty(t, exp.ID)
	assert.False(t, exp.Timestamp.IsZero())
}
