package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Nikoldigital777/LIA/pkg/bus"
	"github.com/Nikoldigital777/LIA/pkg/colony"
	"github.com/Nikoldigital777/LIA/pkg/config"
	"github.com/Nikoldigital777/LIA/pkg/gateway"
	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/maintenance"
	"github.com/Nikoldigital777/LIA/pkg/memory"
	"github.com/Nikoldigital777/LIA/pkg/pipeline"
	"github.com/Nikoldigital777/LIA/pkg/response"
)

type globalFlags struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		flags       globalFlags
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Experience enrichment, memory and evolution tracking for a simulated colony",
		Long: strings.TrimSpace(`lia enriches experiences through a staged pipeline, keeps episodic, semantic
and procedural memories under a compression budget, and tracks how its
metrics evolve over time.

Submit experiences directly, from an interactive shell, from the simulated
colony, or over HTTP with the serve command.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath(), "Config file (JSON, or YAML by extension)")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newInitCommand(&flags))
	root.AddCommand(newSubmitCommand(&flags))
	root.AddCommand(newShellCommand(&flags))
	root.AddCommand(newSimulateCommand(&flags))
	root.AddCommand(newServeCommand(&flags))
	root.AddCommand(newMemoriesCommand(&flags))
	root.AddCommand(newTrajectoryCommand(&flags))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

// withRuntime loads config, opens the runtime, runs fn and closes it.
func withRuntime(ctx context.Context, flags *globalFlags, fn func(*liaRuntime) error) error {
	cfg, err := loadConfig(flags.configPath, flags.debug)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WarnCF("lia", "Close failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	return fn(rt)
}

func newInitCommand(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file and create the workspace",
		Example: "  lia init\n  lia init --config ~/.lia/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			cfg := config.DefaultConfig()
			if err := config.SaveConfig(path, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			if err := os.MkdirAll(filepath.Join(cfg.WorkspacePath(), "state"), 0o755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\nWorkspace: %s\n", path, cfg.WorkspacePath())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func parseTags(raw []string) (map[string]float64, error) {
	tags := map[string]float64{}
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("tag %q must be name=value", kv)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", kv, err)
		}
		tags[strings.TrimSpace(name)] = f
	}
	return tags, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printResponse(w io.Writer, resp response.Response) {
	fmt.Fprintf(w, "%s [%s] salience=%s coherence=%s awareness=%s valence=%s\n",
		resp.ExperienceID, resp.Category, resp.Salience, resp.Coherence, resp.Awareness, resp.Valence)
	fmt.Fprintf(w, "  dimensions mean=%s balance=%s", resp.DimensionalMean, resp.DimensionalBalance)
	if len(resp.Skipped) > 0 {
		fmt.Fprintf(w, " skipped=%s", strings.Join(resp.Skipped, ","))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  memory record=%s store=%d", resp.Memory.RecordID, resp.Memory.StoreSize)
	if c := resp.Memory.Compression; c != nil {
		fmt.Fprintf(w, " compressed: %d groups absorbed %d (size %d)", c.Groups, c.Absorbed, c.SizeAfter)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  evolution stage=%d samples=%d\n", resp.Evolution.Stage, resp.Evolution.Samples)
}

func newSubmitCommand(flags *globalFlags) *cobra.Command {
	var (
		content string
		id      string
		tags    []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one experience and print the synthesized response",
		Example: strings.Join([]string{
			"  lia submit --content \"First mix the clay, then shape the bowl.\"",
			"  lia submit -c \"The harbor froze overnight.\" --tag salience=0.9 --json",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(content) == "" && len(args) > 0 {
				content = strings.Join(args, " ")
			}
			parsed, err := parseTags(tags)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				resp, err := rt.agent.Submit(cmd.Context(), pipeline.NewExperience(id, content, time.Time{}, parsed))
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), resp)
				}
				printResponse(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&content, "content", "c", "", "Experience content")
	cmd.Flags().StringVar(&id, "id", "", "Experience id (generated when empty)")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "Numeric tag name=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full response as JSON")
	return cmd
}

func newShellCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive loop: every line is submitted as an experience",
		Long: strings.TrimSpace(`Each input line is submitted as one experience.

  :state       print agent state
  :trajectory  print the current trajectory
  exit, quit   leave the shell`),
		Example: "  lia shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				return interactiveMode(cmd.Context(), rt, cmd.OutOrStdout())
			})
		},
	}
}

func interactiveMode(ctx context.Context, rt *liaRuntime, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".lia_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(out, "%s interactive mode (Ctrl+C to exit)\n\n", appName)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "Goodbye!")
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		case ":state":
			_ = writeJSON(out, rt.agent.State())
			continue
		case ":trajectory":
			_ = writeJSON(out, rt.tracker.Trajectory(0))
			continue
		}

		resp, err := rt.agent.Submit(ctx, pipeline.NewExperience("", input, time.Time{}, nil))
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		printResponse(out, resp)
	}
}

// simulationSummary is what simulate prints once the colony run drains.
type simulationSummary struct {
	Published    int            `json:"published"`
	Processed    int            `json:"processed"`
	Failed       int            `json:"failed"`
	StoreSize    int            `json:"store_size"`
	ByCategory   map[string]int `json:"by_category"`
	Compressions int            `json:"compressions"`
	Stage        int            `json:"evolution_stage"`
	Elapsed      string         `json:"elapsed"`
}

func runSimulation(ctx context.Context, rt *liaRuntime, col *colony.Colony, generations int) (simulationSummary, error) {
	started := time.Now()
	mb := bus.NewMessageBus(rt.cfg.Agent.QueueCapacity)
	defer mb.Close()

	// One slot per generation so the handler never blocks a worker.
	results := make(chan error, generations)
	mb.RegisterHandler(colony.Source, func(res bus.OutboundResult) { results <- res.Err })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return rt.agent.Run(gctx, mb) })

	published, err := col.Run(ctx, mb, generations)
	if err != nil {
		cancel()
		_ = g.Wait()
		return simulationSummary{}, err
	}

	sum := simulationSummary{Published: published}
wait:
	for sum.Processed+sum.Failed < published {
		select {
		case <-ctx.Done():
			break wait
		case err := <-results:
			if err != nil {
				sum.Failed++
			} else {
				sum.Processed++
			}
		}
	}
	cancel()
	if err := g.Wait(); err != nil {
		return sum, err
	}

	st := rt.store.Stats()
	sum.StoreSize = st.Total
	sum.Compressions = st.Compressions
	sum.ByCategory = map[string]int{}
	for cat, n := range st.ByCategory {
		sum.ByCategory[string(cat)] = n
	}
	sum.Stage = rt.tracker.Stage()
	sum.Elapsed = time.Since(started).Round(time.Millisecond).String()
	return sum, nil
}

func newSimulateCommand(flags *globalFlags) *cobra.Command {
	var (
		generations int
		seed        int64
		interval    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Feed colony generations through the agent and print a summary",
		Example: strings.Join([]string{
			"  lia simulate --generations 150",
			"  lia simulate -n 500 --seed 42 --interval 1ms",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if generations <= 0 {
				return fmt.Errorf("--generations must be positive")
			}
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				opts := rt.cfg.ColonyOptions()
				if cmd.Flags().Changed("seed") {
					opts.Seed = seed
				}
				opts.Interval = interval
				sum, err := runSimulation(cmd.Context(), rt, colony.New(opts), generations)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
	cmd.Flags().IntVarP(&generations, "generations", "n", 150, "Generations to publish")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Colony seed (config value when unset)")
	cmd.Flags().DurationVar(&interval, "interval", time.Millisecond, "Delay between generations")
	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var withColony bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, maintenance schedule and optional colony producer",
		Long: strings.TrimSpace(`Start the HTTP API, the agent workers, the cron-scheduled maintenance pass
and, when enabled, the simulated colony feeding the agent over the bus.`),
		Example: "  lia serve\n  lia serve --colony --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, flags, func(rt *liaRuntime) error {
				return serve(ctx, rt, serveOptions{
					configPath: flags.configPath,
					debug:      flags.debug,
					colony:     withColony || rt.cfg.Colony.Enabled,
				}, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&withColony, "colony", false, "Run the colony producer regardless of config")
	return cmd
}

type serveOptions struct {
	configPath string
	debug      bool
	colony     bool
}

func serve(ctx context.Context, rt *liaRuntime, opts serveOptions, out io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := gateway.New(rt.agent, rt.cfg.GatewayOptions(formatVersion()))
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	fmt.Fprintf(out, "✓ Gateway listening on http://%s (/api, /metrics)\n", rt.cfg.GatewayAddr())

	watcher := config.NewWatcher(opts.configPath, rt.cfg)
	watcher.OnChange(func(next *config.Config) {
		if !opts.debug {
			logger.SetLevel(logger.ParseLevel(next.Log.Level))
		}
		srv.SetSubmitRate(next.Gateway.SubmitRate, next.Gateway.SubmitBurst)
	})
	if err := watcher.Watch(gctx); err != nil {
		logger.WarnCF("lia", "Config hot-reload disabled", map[string]interface{}{
			"path":  opts.configPath,
			"error": err.Error(),
		})
	}

	if rt.cfg.Maintenance.Enabled {
		sched, err := maintenance.New(rt.store, rt.cfg.Maintenance.Schedule)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
		fmt.Fprintf(out, "✓ Maintenance scheduled (%s)\n", rt.cfg.Maintenance.Schedule)
	}

	if opts.colony {
		mb := bus.NewMessageBus(rt.cfg.Agent.QueueCapacity)
		defer mb.Close()
		mb.RegisterHandler(colony.Source, func(res bus.OutboundResult) {
			if res.Err != nil {
				logger.WarnCF("lia", "Colony experience failed", map[string]interface{}{
					"experience_id": res.ExperienceID,
					"error":         res.Err.Error(),
				})
			}
		})
		g.Go(func() error { return rt.agent.Run(gctx, mb) })
		g.Go(func() error {
			_, err := colony.New(rt.cfg.ColonyOptions()).Run(gctx, mb, 0)
			return err
		})
		fmt.Fprintf(out, "✓ Colony producer started (%d agent workers)\n", rt.cfg.Agent.Workers)
	}

	fmt.Fprintln(out, "Press Ctrl+C to stop")
	err := g.Wait()
	fmt.Fprintln(out, "✓ Stopped")
	return err
}

func newMemoriesCommand(flags *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "memories",
		Short: "Inspect persisted memory records",
	}

	var (
		category   string
		compressed bool
		limit      int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List live memory records, oldest first",
		Example: "  lia memories list --category semantic --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := memory.Category(strings.ToLower(category))
			if cat != "" && !cat.Valid() {
				return fmt.Errorf("unknown category %q", category)
			}
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				var pred func(memory.MemoryRecord) bool
				if compressed {
					pred = func(rec memory.MemoryRecord) bool { return rec.Compressed }
				}
				records := rt.store.List(cat, pred)
				if limit > 0 && len(records) > limit {
					records = records[len(records)-limit:]
				}
				w := cmd.OutOrStdout()
				for _, rec := range records {
					marker := " "
					if rec.Compressed {
						marker = "*"
					}
					fmt.Fprintf(w, "%s %s %-10s imp=%.3f w=%.0f %s\n", marker, rec.ID, rec.Category, rec.Importance, rec.Weight, truncate(rec.Payload, 72))
				}
				fmt.Fprintf(w, "%d records\n", len(records))
				return nil
			})
		},
	}
	list.Flags().StringVar(&category, "category", "", "episodic, semantic or procedural")
	list.Flags().BoolVar(&compressed, "compressed", false, "Only compressed records")
	list.Flags().IntVar(&limit, "limit", 50, "Show at most the newest N records (0 for all)")

	get := &cobra.Command{
		Use:     "get <id>",
		Short:   "Show one record, following compression tombstones",
		Args:    cobra.ExactArgs(1),
		Example: "  lia memories get rec-4f3c...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				id := args[0]
				live, ok := rt.store.Resolve(id)
				if !ok {
					return fmt.Errorf("memory %s not found", id)
				}
				if live != id {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was absorbed into %s\n", id, live)
				}
				rec, _ := rt.store.Get(live)
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	var recallLimit int
	recall := &cobra.Command{
		Use:     "recall <query>",
		Short:   "Rank live records against a text query",
		Args:    cobra.MinimumNArgs(1),
		Example: "  lia memories recall harbor ice --limit 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				hits := rt.store.Recall(strings.Join(args, " "), memory.RecallOptions{Limit: recallLimit})
				w := cmd.OutOrStdout()
				for _, h := range hits {
					fmt.Fprintf(w, "%.4f %s %-10s %s\n", h.Score, h.Record.ID, h.Record.Category, truncate(h.Record.Payload, 72))
				}
				fmt.Fprintf(w, "%d hits\n", len(hits))
				return nil
			})
		},
	}
	recall.Flags().IntVar(&recallLimit, "limit", 8, "Maximum hits")

	var logLimit int
	compactions := &cobra.Command{
		Use:     "compactions",
		Short:   "Show the persisted compression log, newest first",
		Example: "  lia memories compactions --limit 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				sqlStore, ok := rt.store.Persister().(*memory.SQLiteStore)
				if !ok {
					return fmt.Errorf("compaction log requires memory.persist")
				}
				entries, err := sqlStore.ListCompactions(cmd.Context(), logLimit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, e := range entries {
					fmt.Fprintf(w, "%s %-9s size %d -> %d absorbed %d groups %d", e.ID, e.Status, e.SizeBefore, e.SizeAfter, e.Absorbed, len(e.GroupIDs))
					if e.Error != "" {
						fmt.Fprintf(w, " error=%q", e.Error)
					}
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "%d passes\n", len(entries))
				return nil
			})
		},
	}
	compactions.Flags().IntVar(&logLimit, "limit", 20, "Maximum log entries")

	root.AddCommand(list, get, recall, compactions)
	return root
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func newTrajectoryCommand(flags *globalFlags) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:     "trajectory",
		Short:   "Print metric trends over the persisted evolution samples",
		Example: "  lia trajectory --window 25",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), flags, func(rt *liaRuntime) error {
				tr := rt.tracker.Trajectory(window)
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "stage %d, %d samples in window %d\n", tr.Stage, tr.Samples, tr.Window)
				for _, name := range tr.Names() {
					m, _ := tr.Metric(name)
					slope := response.Unavailable
					if m.HasSlope {
						slope = strconv.FormatFloat(m.Slope, 'f', 4, 64)
					}
					fmt.Fprintf(w, "  %-24s mean=%.4f slope=%s\n", name, m.Mean, slope)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&window, "window", "w", 0, "Samples to include (config default when 0)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  lia version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
