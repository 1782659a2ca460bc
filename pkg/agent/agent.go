// Package agent wires the stage pipeline, the memory store and the
// evolution tracker into the single submit boundary.
package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nikoldigital777/LIA/pkg/bus"
	"github.com/Nikoldigital777/LIA/pkg/evolution"
	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/memory"
	"github.com/Nikoldigital777/LIA/pkg/pipeline"
	"github.com/Nikoldigital777/LIA/pkg/response"
	"github.com/Nikoldigital777/LIA/pkg/stages"
)

// Config controls submission behavior.
type Config struct {
	Name string
	// TrajectoryWindow is the window handed to the tracker for each response.
	TrajectoryWindow int
	// SubmitTimeout bounds one submission taken from the bus; zero means none.
	SubmitTimeout time.Duration
	Workers       int
}

// Agent owns no global state: the store and tracker are handed in and may
// be shared with other readers such as the gateway.
type Agent struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	store    *memory.Store
	tracker  *evolution.Tracker

	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	started  time.Time
}

func New(cfg Config, p *pipeline.Pipeline, store *memory.Store, tracker *evolution.Tracker) *Agent {
	if cfg.Name == "" {
		cfg.Name = "lia"
	}
	if cfg.TrajectoryWindow <= 0 {
		cfg.TrajectoryWindow = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Agent{
		cfg:      cfg,
		pipeline: p,
		store:    store,
		tracker:  tracker,
		started:  time.Now(),
	}
}

func (a *Agent) Store() *memory.Store         { return a.store }
func (a *Agent) Tracker() *evolution.Tracker  { return a.tracker }
func (a *Agent) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Submit runs exp through the pipeline, admits one memory record, records
// an evolution sample and synthesizes the response. Only pipeline failures
// are returned; storage problems degrade the response instead.
func (a *Agent) Submit(ctx context.Context, exp pipeline.Experience) (response.Response, error) {
	final, err := a.pipeline.Run(ctx, exp)
	if err != nil {
		a.failures.Add(1)
		return response.Response{}, err
	}
	a.runs.Add(1)

	refs := response.StoreRefs{}
	adm, err := a.store.AdmitReport(ctx, candidateFor(final))
	if err != nil {
		logger.ErrorCF("agent", "Memory admission failed", map[string]interface{}{
			"experience_id": exp.ID,
			"error":         err.Error(),
		})
	} else {
		refs.RecordID = adm.ID
		refs.Admitted = true
		if c := adm.Compression; c != nil {
			refs.Compression = &response.CompressionSummary{
				Groups:    len(c.Groups),
				Absorbed:  c.Absorbed,
				Failures:  len(c.Failures),
				SizeAfter: c.SizeAfter,
				Shortfall: c.Shortfall,
			}
		}
	}
	stats := a.store.Stats()
	refs.Size = stats.Total
	refs.ByCategory = map[string]int{}
	for cat, n := range stats.ByCategory {
		refs.ByCategory[string(cat)] = n
	}

	sample := final.Metrics()
	sample["memory_size"] = float64(stats.Total)
	sample["memory_compressed"] = float64(stats.Compressed)
	if _, err := a.tracker.RecordMetrics(ctx, sample); err != nil {
		logger.WarnCF("agent", "Evolution sample not recorded", map[string]interface{}{
			"experience_id": exp.ID,
			"error":         err.Error(),
		})
	}

	resp := response.Synthesize(final, refs, a.tracker.Trajectory(a.cfg.TrajectoryWindow))
	logger.DebugCF("agent", "Experience processed", map[string]interface{}{
		"experience_id": exp.ID,
		"record_id":     refs.RecordID,
		"category":      resp.Category.String(),
		"store_size":    refs.Size,
	})
	return resp, nil
}

func candidateFor(final *pipeline.Context) memory.Candidate {
	category := memory.CategoryEpisodic
	if out, ok := final.Field(stages.StageAnalysis); ok {
		if label, ok := out.Label("category"); ok && memory.Category(label).Valid() {
			category = memory.Category(label)
		}
	}
	return memory.Candidate{
		ExperienceID: final.Experience.ID,
		Category:     category,
		Payload:      final.Experience.Content,
		Context:      final,
	}
}

// Run starts cfg.Workers consumers on b's inbound queue and publishes each
// result outbound. It returns when ctx is done or the bus closes.
func (a *Agent) Run(ctx context.Context, b *bus.MessageBus) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent %s already running", a.cfg.Name)
	}
	defer a.running.Store(false)

	logger.InfoCF("agent", "Agent workers started", map[string]interface{}{
		"name":    a.cfg.Name,
		"workers": a.cfg.Workers,
	})
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				msg, ok := b.ConsumeInbound(gctx)
				if !ok {
					return nil
				}
				a.handle(gctx, b, msg)
			}
		})
	}
	return g.Wait()
}

func (a *Agent) handle(ctx context.Context, b *bus.MessageBus, msg bus.InboundExperience) {
	if a.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SubmitTimeout)
		defer cancel()
	}
	resp, err := a.Submit(ctx, msg.Experience)
	out := bus.OutboundResult{Source: msg.Source, ExperienceID: msg.Experience.ID, Err: err}
	if err == nil {
		out.Response = &resp
	}
	b.PublishOutbound(out)
}

// State is a point-in-time view of the agent.
type State struct {
	Name            string                    `json:"name"`
	Running         bool                      `json:"running"`
	Uptime          string                    `json:"uptime"`
	Runs            uint64                    `json:"runs"`
	Failures        uint64                    `json:"failures"`
	EvolutionStage  int                       `json:"evolution_stage"`
	Samples         int                       `json:"samples"`
	Stages          []string                  `json:"stages"`
	Memory          memory.Stats              `json:"memory"`
	LastCompression *memory.CompressionReport `json:"last_compression,omitempty"`
}

func (a *Agent) State() State {
	st := State{
		Name:           a.cfg.Name,
		Running:        a.running.Load(),
		Uptime:         time.Since(a.started).Round(time.Second).String(),
		Runs:           a.runs.Load(),
		Failures:       a.failures.Load(),
		EvolutionStage: a.tracker.Stage(),
		Samples:        a.tracker.Len(),
		Stages:         a.pipeline.StageNames(),
		Memory:         a.store.Stats(),
	}
	if report, ok := a.store.LastCompression(); ok {
		st.LastCompression = &report
	}
	return st
}
