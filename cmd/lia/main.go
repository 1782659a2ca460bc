package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Nikoldigital777/LIA/pkg/agent"
	"github.com/Nikoldigital777/LIA/pkg/config"
	"github.com/Nikoldigital777/LIA/pkg/evolution"
	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/memory"
	"github.com/Nikoldigital777/LIA/pkg/stages"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "lia"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("LIA_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lia", "config.json")
}

// liaRuntime is the wired core shared by every command that touches state.
type liaRuntime struct {
	cfg     *config.Config
	agent   *agent.Agent
	store   *memory.Store
	tracker *evolution.Tracker
}

func loadConfig(path string, debug bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	logger.Configure(os.Stderr, cfg.Log.JSON)
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

func openRuntime(ctx context.Context, cfg *config.Config) (*liaRuntime, error) {
	p, err := stages.Build(cfg.PipelineOptions())
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	store, err := memory.NewStore(ctx, cfg.MemoryOptions())
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	var opts []evolution.Option
	if cfg.Evolution.Persist {
		if samples, ok := store.Persister().(evolution.SampleStore); ok {
			opts = append(opts, evolution.WithStore(samples))
		}
	}
	tracker := evolution.NewTracker(cfg.EvolutionOptions(), opts...)
	if err := tracker.Load(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load evolution samples: %w", err)
	}

	logger.InfoCF("lia", "Runtime initialized", map[string]interface{}{
		"workspace": cfg.WorkspacePath(),
		"stages":    len(p.StageNames()),
		"fan_out":   p.FanOutNames(),
		"records":   store.Len(),
		"samples":   tracker.Len(),
	})
	return &liaRuntime{
		cfg:     cfg,
		agent:   agent.New(cfg.AgentOptions(), p, store, tracker),
		store:   store,
		tracker: tracker,
	}, nil
}

func (rt *liaRuntime) Close() error {
	return rt.store.Close()
}
