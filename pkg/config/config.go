package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/Nikoldigital777/LIA/pkg/agent"
	"github.com/Nikoldigital777/LIA/pkg/colony"
	"github.com/Nikoldigital777/LIA/pkg/evolution"
	"github.com/Nikoldigital777/LIA/pkg/gateway"
	"github.com/Nikoldigital777/LIA/pkg/memory"
	"github.com/Nikoldigital777/LIA/pkg/pipeline"
	"github.com/Nikoldigital777/LIA/pkg/stages"
)

type Config struct {
	Agent       AgentConfig       `json:"agent" yaml:"agent"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory"`
	Evolution   EvolutionConfig   `json:"evolution" yaml:"evolution"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	Colony      ColonyConfig      `json:"colony" yaml:"colony"`
	Log         LogConfig         `json:"log" yaml:"log"`
	mu          sync.RWMutex
}

type AgentConfig struct {
	Name            string `json:"name" yaml:"name" env:"LIA_AGENT_NAME"`
	Workspace       string `json:"workspace" yaml:"workspace" env:"LIA_AGENT_WORKSPACE"`
	Workers         int    `json:"workers" yaml:"workers" env:"LIA_AGENT_WORKERS"`
	QueueCapacity   int    `json:"queue_capacity" yaml:"queue_capacity" env:"LIA_AGENT_QUEUE_CAPACITY"`
	SubmitTimeoutMS int    `json:"submit_timeout_ms" yaml:"submit_timeout_ms" env:"LIA_AGENT_SUBMIT_TIMEOUT_MS"`
}

type PipelineConfig struct {
	StageTimeoutMS int      `json:"stage_timeout_ms" yaml:"stage_timeout_ms" env:"LIA_PIPELINE_STAGE_TIMEOUT_MS"`
	RetryBackoffMS int      `json:"retry_backoff_ms" yaml:"retry_backoff_ms" env:"LIA_PIPELINE_RETRY_BACKOFF_MS"`
	MaxRetries     int      `json:"max_retries" yaml:"max_retries" env:"LIA_PIPELINE_MAX_RETRIES"`
	Dimensions     []string `json:"dimensions" yaml:"dimensions" env:"LIA_PIPELINE_DIMENSIONS" envSeparator:","`
	Skippable      []string `json:"skippable" yaml:"skippable" env:"LIA_PIPELINE_SKIPPABLE" envSeparator:","`
	ThoughtWidth   int      `json:"thought_width" yaml:"thought_width" env:"LIA_PIPELINE_THOUGHT_WIDTH"`
}

type MemoryConfig struct {
	Persist              bool    `json:"persist" yaml:"persist" env:"LIA_MEMORY_PERSIST"`
	TriggerCount         int     `json:"trigger_count" yaml:"trigger_count" env:"LIA_MEMORY_TRIGGER_COUNT"`
	TargetCount          int     `json:"target_count" yaml:"target_count" env:"LIA_MEMORY_TARGET_COUNT"`
	PinnedFloor          float64 `json:"pinned_floor" yaml:"pinned_floor" env:"LIA_MEMORY_PINNED_FLOOR"`
	GroupWindowMinutes   int     `json:"group_window_minutes" yaml:"group_window_minutes" env:"LIA_MEMORY_GROUP_WINDOW_MINUTES"`
	Scorer               string  `json:"scorer" yaml:"scorer" env:"LIA_MEMORY_SCORER"`
	Summarizer           string  `json:"summarizer" yaml:"summarizer" env:"LIA_MEMORY_SUMMARIZER"`
	Embedder             string  `json:"embedder" yaml:"embedder" env:"LIA_MEMORY_EMBEDDER"`
	RecencyHorizonHours  int     `json:"recency_horizon_hours" yaml:"recency_horizon_hours" env:"LIA_MEMORY_RECENCY_HORIZON_HOURS"`
	DefaultSalience      float64 `json:"default_salience" yaml:"default_salience" env:"LIA_MEMORY_DEFAULT_SALIENCE"`
	TouchBoost           float64 `json:"touch_boost" yaml:"touch_boost" env:"LIA_MEMORY_TOUCH_BOOST"`
	TouchHalfLifeMinutes int     `json:"touch_half_life_minutes" yaml:"touch_half_life_minutes" env:"LIA_MEMORY_TOUCH_HALF_LIFE_MINUTES"`
}

type EvolutionConfig struct {
	TrajectoryWindow int  `json:"trajectory_window" yaml:"trajectory_window" env:"LIA_EVOLUTION_TRAJECTORY_WINDOW"`
	StageSpan        int  `json:"stage_span" yaml:"stage_span" env:"LIA_EVOLUTION_STAGE_SPAN"`
	Persist          bool `json:"persist" yaml:"persist" env:"LIA_EVOLUTION_PERSIST"`
}

type GatewayConfig struct {
	Host          string  `json:"host" yaml:"host" env:"LIA_GATEWAY_HOST"`
	Port          int     `json:"port" yaml:"port" env:"LIA_GATEWAY_PORT"`
	SubmitRate    float64 `json:"submit_rate" yaml:"submit_rate" env:"LIA_GATEWAY_SUBMIT_RATE"` // per second
	SubmitBurst   int     `json:"submit_burst" yaml:"submit_burst" env:"LIA_GATEWAY_SUBMIT_BURST"`
	MaxBodyBytes  int64   `json:"max_body_bytes" yaml:"max_body_bytes" env:"LIA_GATEWAY_MAX_BODY_BYTES"`
	ListPageLimit int     `json:"list_page_limit" yaml:"list_page_limit" env:"LIA_GATEWAY_LIST_PAGE_LIMIT"`
}

type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"LIA_MAINTENANCE_ENABLED"`
	Schedule string `json:"schedule" yaml:"schedule" env:"LIA_MAINTENANCE_SCHEDULE"`
}

type ColonyConfig struct {
	Enabled    bool  `json:"enabled" yaml:"enabled" env:"LIA_COLONY_ENABLED"`
	Width      int   `json:"width" yaml:"width" env:"LIA_COLONY_WIDTH"`
	Height     int   `json:"height" yaml:"height" env:"LIA_COLONY_HEIGHT"`
	Seed       int64 `json:"seed" yaml:"seed" env:"LIA_COLONY_SEED"`
	IntervalMS int   `json:"interval_ms" yaml:"interval_ms" env:"LIA_COLONY_INTERVAL_MS"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"LIA_LOG_LEVEL"`
	JSON  bool   `json:"json" yaml:"json" env:"LIA_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:            "lia",
			Workspace:       "~/.lia/workspace",
			Workers:         4,
			QueueCapacity:   100,
			SubmitTimeoutMS: 30000,
		},
		Pipeline: PipelineConfig{
			StageTimeoutMS: 5000,
			RetryBackoffMS: 25,
			MaxRetries:     1,
			Dimensions:     append([]string(nil), stages.AllDimensions...),
			Skippable:      []string{},
			ThoughtWidth:   8,
		},
		Memory: MemoryConfig{
			Persist:              true,
			TriggerCount:         100,
			TargetCount:          80,
			PinnedFloor:          0.85,
			GroupWindowMinutes:   60,
			Scorer:               memory.ScorerRecency,
			Summarizer:           memory.SummarizerDigest,
			Embedder:             memory.EmbedderChargram,
			RecencyHorizonHours:  24,
			DefaultSalience:      0.5,
			TouchBoost:           0.1,
			TouchHalfLifeMinutes: 60,
		},
		Evolution: EvolutionConfig{
			TrajectoryWindow: 10,
			StageSpan:        25,
			Persist:          true,
		},
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			Port:          18790,
			SubmitRate:    20,
			SubmitBurst:   40,
			MaxBodyBytes:  1 << 20,
			ListPageLimit: 200,
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Colony: ColonyConfig{
			Enabled:    false,
			Width:      32,
			Height:     32,
			Seed:       1,
			IntervalMS: 500,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// then applies LIA_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks the values the core consumes as-is.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Memory.TriggerCount <= 0 || c.Memory.TargetCount <= 0 || c.Memory.TargetCount >= c.Memory.TriggerCount {
		errs = append(errs, fmt.Errorf("memory: target_count (%d) must be positive and below trigger_count (%d)", c.Memory.TargetCount, c.Memory.TriggerCount))
	}
	if c.Memory.PinnedFloor < 0 || c.Memory.PinnedFloor > 1 {
		errs = append(errs, fmt.Errorf("memory: pinned_floor %.3f outside [0,1]", c.Memory.PinnedFloor))
	}
	if _, err := memory.NewScorer(c.Memory.Scorer, memory.ScorerOptions{}); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if _, err := memory.NewSummarizer(c.Memory.Summarizer); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	if _, err := memory.NewEmbedder(c.Memory.Embedder); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	known := map[string]bool{}
	for _, d := range stages.AllDimensions {
		known[d] = true
	}
	for _, d := range c.Pipeline.Dimensions {
		if !known[d] {
			errs = append(errs, fmt.Errorf("pipeline: %w: %q", stages.ErrUnknownDimension, d))
		}
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline: max_retries must not be negative"))
	}
	if c.Maintenance.Enabled && !gronx.IsValid(c.Maintenance.Schedule) {
		errs = append(errs, fmt.Errorf("maintenance: invalid cron schedule %q", c.Maintenance.Schedule))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway: invalid port %d", c.Gateway.Port))
	}
	return errors.Join(errs...)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

// PipelineOptions converts the pipeline section for stages.Build.
func (c *Config) PipelineOptions() stages.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	policy := pipeline.DefaultPolicy()
	if c.Pipeline.StageTimeoutMS > 0 {
		policy.StageTimeout = time.Duration(c.Pipeline.StageTimeoutMS) * time.Millisecond
	}
	if c.Pipeline.RetryBackoffMS > 0 {
		policy.RetryBackoff = time.Duration(c.Pipeline.RetryBackoffMS) * time.Millisecond
	}
	policy.MaxRetries = c.Pipeline.MaxRetries
	if len(c.Pipeline.Skippable) > 0 {
		policy.Skippable = map[string]bool{}
		for _, name := range c.Pipeline.Skippable {
			policy.Skippable[strings.TrimSpace(name)] = true
		}
	}
	return stages.Options{
		Policy:       policy,
		Dimensions:   append([]string(nil), c.Pipeline.Dimensions...),
		ThoughtWidth: c.Pipeline.ThoughtWidth,
	}
}

// MemoryOptions converts the memory section for memory.NewStore.
func (c *Config) MemoryOptions() memory.Config {
	workspace := c.WorkspacePath()
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.Memory
	cfg := memory.DefaultConfig()
	cfg.Workspace = workspace
	cfg.Persist = m.Persist
	cfg.TriggerCount = m.TriggerCount
	cfg.TargetCount = m.TargetCount
	cfg.PinnedFloor = m.PinnedFloor
	cfg.GroupWindow = time.Duration(m.GroupWindowMinutes) * time.Minute
	cfg.Scorer = m.Scorer
	cfg.Summarizer = m.Summarizer
	cfg.Embedder = m.Embedder
	cfg.RecencyHorizon = time.Duration(m.RecencyHorizonHours) * time.Hour
	cfg.DefaultSalience = m.DefaultSalience
	cfg.TouchBoost = m.TouchBoost
	cfg.TouchHalfLife = time.Duration(m.TouchHalfLifeMinutes) * time.Minute
	return cfg
}

func (c *Config) EvolutionOptions() evolution.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return evolution.Config{
		Window:    c.Evolution.TrajectoryWindow,
		StageSpan: c.Evolution.StageSpan,
	}
}

func (c *Config) AgentOptions() agent.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return agent.Config{
		Name:             c.Agent.Name,
		TrajectoryWindow: c.Evolution.TrajectoryWindow,
		SubmitTimeout:    time.Duration(c.Agent.SubmitTimeoutMS) * time.Millisecond,
		Workers:          c.Agent.Workers,
	}
}

func (c *Config) ColonyOptions() colony.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return colony.Config{
		Width:    c.Colony.Width,
		Height:   c.Colony.Height,
		Seed:     c.Colony.Seed,
		Interval: time.Duration(c.Colony.IntervalMS) * time.Millisecond,
	}
}

func (c *Config) GatewayOptions(version string) gateway.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gateway.Config{
		Addr:         fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port),
		SubmitRate:   c.Gateway.SubmitRate,
		SubmitBurst:  c.Gateway.SubmitBurst,
		MaxBodyBytes: c.Gateway.MaxBodyBytes,
		ListLimit:    c.Gateway.ListPageLimit,
		Version:      version,
	}
}

func (c *Config) GatewayAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
