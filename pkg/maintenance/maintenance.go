// Package maintenance runs cron-scheduled upkeep against the memory store:
// it retries compression passes that left groups uncommitted and snapshots
// store statistics into the persisted metrics table.
package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/memory"
)

// Result reports one maintenance pass.
type Result struct {
	At          time.Time
	Retried     bool
	Report      memory.CompressionReport
	Snapshotted bool
}

type Scheduler struct {
	store    *memory.Store
	schedule string
	now      func() time.Time
	passes   atomic.Uint64
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New validates schedule as a cron expression.
func New(store *memory.Store, schedule string, opts ...Option) (*Scheduler, error) {
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("maintenance: invalid cron schedule %q", schedule)
	}
	s := &Scheduler{store: store, schedule: schedule, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) Passes() uint64 { return s.passes.Load() }

// Next returns the first scheduled tick strictly after ref.
func (s *Scheduler) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, ref, false)
}

// RunOnce performs a single pass. Snapshot failures are logged, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	res := Result{At: s.now()}
	res.Report, res.Retried = s.store.RetryPending(ctx)
	if res.Retried {
		logger.InfoCF("maintenance", "Retried pending compression", map[string]interface{}{
			"absorbed":   res.Report.Absorbed,
			"failures":   len(res.Report.Failures),
			"size_after": res.Report.SizeAfter,
		})
	}

	if p := s.store.Persister(); p != nil {
		st := s.store.Stats()
		err := p.AddMetric(ctx, "memory.records", float64(st.Total), map[string]string{
			"compressed":    fmt.Sprint(st.Compressed),
			"tombstones":    fmt.Sprint(st.Tombstones),
			"pending_retry": fmt.Sprint(st.PendingRetry),
		})
		if err != nil {
			logger.WarnCF("maintenance", "Stats snapshot failed", map[string]interface{}{"error": err.Error()})
		} else {
			res.Snapshotted = true
		}
	}
	s.passes.Add(1)
	return res
}

// Run executes RunOnce at every scheduled tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.InfoCF("maintenance", "Maintenance scheduler started", map[string]interface{}{"schedule": s.schedule})
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("maintenance: next tick: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}
