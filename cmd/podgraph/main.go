package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Napageneral/podgraph/internal/checkpoint"
	"github.com/Napageneral/podgraph/internal/config"
	"github.com/Napageneral/podgraph/internal/embed"
	"github.com/Napageneral/podgraph/internal/extract"
	"github.com/Napageneral/podgraph/internal/graph"
	"github.com/Napageneral/podgraph/internal/llm"
	"github.com/Napageneral/podgraph/internal/log"
	"github.com/Napageneral/podgraph/internal/metrics"
	"github.com/Napageneral/podgraph/internal/pipeline"
	"github.com/Napageneral/podgraph/internal/postprocess"
	"github.com/Napageneral/podgraph/internal/rotate"
	"github.com/Napageneral/podgraph/internal/router"
	"github.com/Napageneral/podgraph/internal/structure"
	"github.com/Napageneral/podgraph/internal/vtt"
	"github.com/Napageneral/podgraph/internal/watch"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	jsonOutput    bool
	configPath    string
	providersPath string
	metricsAddr   string
)

// Exit codes: 0 ok, 1 generic, 2 configuration, 3 storage, 4 credentials,
// 130 interrupted.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, config.ErrInvalid):
		return 2
	case errors.Is(err, graph.ErrStorageUnavailable):
		return 3
	case errors.Is(err, rotate.ErrNoCredentialAvailable):
		return 4
	default:
		return 1
	}
}

func fatalErr(logger zerolog.Logger, err error) {
	logger.Error().Err(err).Msg("command failed")
	if jsonOutput {
		printJSON(map[string]string{"error": err.Error()})
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// app bundles the wired pipeline for the ingest and watch commands.
type app struct {
	cfg      *config.Config
	orch     *pipeline.Orchestrator
	registry *router.Registry
	rotator  *rotate.Rotator
	cache    *embed.Cache
	metrics  *metrics.Metrics
	post     *postprocess.Processor
	usage    func() llm.UsageStats
	log      zerolog.Logger
}

func buildApp(logger zerolog.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	providers, err := config.LoadProviders(providersPath)
	if err != nil {
		return nil, err
	}
	spec, ok := providers.LLM[cfg.Limits.LLMServiceType]
	if !ok {
		return nil, fmt.Errorf("%w: llm provider %q not defined in %s",
			config.ErrInvalid, cfg.Limits.LLMServiceType, providersPath)
	}
	settings, err := llm.FromSpec(spec)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Limits.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	rot, err := rotate.New(settings.Keys, rotate.Config{
		Limits:    settings.Limits,
		MaxWait:   cfg.Limits.MaxWaitForCredential,
		StatePath: filepath.Join(cfg.Limits.StateDir, "rotation_state.json"),
	})
	if err != nil {
		return nil, err
	}
	caller := llm.NewCaller(settings.Client, settings.Client, rot, cfg.Defaults.MaxRetries)

	cache, err := embed.OpenCache(filepath.Join(cfg.Limits.StateDir, "embeddings.db"))
	if err != nil {
		return nil, err
	}
	embedder := embed.New(caller, cache, embed.Options{
		Model:     settings.EmbedModel,
		Dimension: settings.Client.Dimension(),
		BatchSize: cfg.Limits.EmbedBatch,
		Normalize: true,
	})

	registry := router.NewRegistry(cfg, logger)
	m := metrics.New(func(rate float64) {
		logger.Error().Float64("failure_rate", rate).
			Msg("api failure rate anomaly over the last 100 calls")
	})

	post := postprocess.New(caller, settings.Model, logger)
	orch := pipeline.New(pipeline.Deps{
		Config: cfg,
		Stores: func(ctx context.Context, podcastID string) (pipeline.GraphStore, error) {
			return registry.Store(ctx, podcastID)
		},
		Structurer:  structure.New(caller, settings.Model),
		Extractor:   extract.New(caller, settings.Model),
		Embedder:    embedder,
		Post:        post,
		Checkpoints: checkpoint.NewManager(cfg.Limits.CheckpointDir),
		Metrics:     m,
		Log:         logger,
	})

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn().Err(err).Str("addr", metricsAddr).Msg("metrics listener stopped")
			}
		}()
	}

	return &app{
		cfg: cfg, orch: orch, registry: registry,
		rotator: rot, cache: cache, metrics: m, post: post,
		usage: settings.Client.GetUsageStats, log: logger,
	}, nil
}

func (a *app) logUsage() {
	u := a.usage()
	if u.GenerateCalls == 0 && u.EmbedCalls == 0 {
		return
	}
	a.log.Info().
		Int64("generate_calls", u.GenerateCalls).
		Int64("embed_calls", u.EmbedCalls).
		Int64("prompt_tokens", u.PromptTokens).
		Int64("output_tokens", u.OutputTokens).
		Float64("estimated_cost_usd", u.EstimatedCostUSD).
		Msg("llm usage")
}

func (a *app) close(ctx context.Context) {
	a.registry.Close(ctx)
	if err := a.cache.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing embedding cache")
	}
	if err := a.rotator.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing rotator")
	}
}

// collectVTTs expands each argument: files pass through, directories are
// walked for *.vtt.
func collectVTTs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".vtt") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func printSummaries(sums []pipeline.EpisodeSummary) {
	if jsonOutput {
		printJSON(sums)
		return
	}
	for _, s := range sums {
		if s.Error != "" {
			fmt.Printf("FAIL  %-40s %s\n", s.Path, s.Error)
			continue
		}
		fmt.Printf("OK    %-40s podcast=%s units=%d failed=%d skipped=%d in %s\n",
			s.Path, s.PodcastID, s.Units, s.UnitsFailed, s.StagesSkipped, s.Duration.Round(10*time.Millisecond))
	}
}

func main() {
	logger := log.Setup()

	rootCmd := &cobra.Command{
		Use:   "podgraph",
		Short: "Podcast transcript knowledge-graph ingester",
		Long: `Podgraph turns WebVTT podcast transcripts into per-podcast knowledge
graphs: meaningful units, entities, quotes, insights and their
relationships, extracted by LLM and persisted to Neo4j.`,
	}
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "podcasts.yaml", "Podcast configuration file")
	rootCmd.PersistentFlags().StringVar(&providersPath, "providers", "providers.yaml", "Provider configuration file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("podgraph %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "ingest <file-or-dir>...",
		Short: "Process VTT transcripts into the knowledge graph",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(logger)
			if err != nil {
				fatalErr(logger, err)
			}
			defer a.close(context.Background())

			files, err := collectVTTs(args)
			if err != nil {
				fatalErr(logger, err)
			}
			if len(files) == 0 {
				fatalErr(logger, errors.New("no .vtt files found"))
			}

			sums, err := a.orch.Run(ctx, files)
			printSummaries(sums)
			a.logUsage()
			if err != nil {
				fatalErr(logger, err)
			}
			for _, s := range sums {
				if s.Error != "" {
					os.Exit(1)
				}
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Watch transcript directories and ingest new files as they land",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(logger)
			if err != nil {
				fatalErr(logger, err)
			}
			defer a.close(context.Background())

			dirs := watchDirs(a.cfg)
			if len(dirs) == 0 {
				fatalErr(logger, fmt.Errorf("%w: no transcript directories configured", config.ErrInvalid))
			}

			// sweep what is already there before waiting for events
			existing, err := collectVTTs(dirs)
			if err != nil {
				fatalErr(logger, err)
			}
			if len(existing) > 0 {
				sums, rerr := a.orch.Run(ctx, existing)
				printSummaries(sums)
				if rerr != nil {
					fatalErr(logger, rerr)
				}
			}

			w := watch.New(dirs, func(path string) {
				sums, rerr := a.orch.Run(ctx, []string{path})
				printSummaries(sums)
				if rerr != nil && !errors.Is(rerr, context.Canceled) {
					logger.Error().Err(rerr).Msg("ingest halted")
					stop()
				}
			}, logger)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fatalErr(logger, err)
			}
			a.logUsage()
			os.Exit(130)
		},
	})

	var dumpTranscript bool
	parseCmd := &cobra.Command{
		Use:   "parse <file.vtt>",
		Short: "Parse a transcript and report what the ingester would see",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			f, err := os.Open(args[0])
			if err != nil {
				fatalErr(logger, err)
			}
			defer f.Close()

			meta, cues, warnings, err := vtt.Parse(f)
			if err != nil {
				fatalErr(logger, err)
			}
			if dumpTranscript {
				if err := vtt.Serialize(os.Stdout, meta, cues); err != nil {
					fatalErr(logger, err)
				}
				return
			}
			if jsonOutput {
				printJSON(map[string]any{
					"metadata": meta,
					"cues":     len(cues),
					"warnings": warnings,
				})
				return
			}
			fmt.Printf("podcast=%q episode=%q published=%q cues=%d\n",
				meta.PodcastID, meta.Episode, meta.PublishedDate, len(cues))
			for _, w := range warnings {
				fmt.Printf("warning: line %d: %s\n", w.Line, w.Message)
			}
		},
	}
	parseCmd.Flags().BoolVar(&dumpTranscript, "dump", false, "Re-serialize the normalized transcript to stdout")
	rootCmd.AddCommand(parseCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status <episode-id>",
		Short: "Show per-stage checkpoint state for an episode",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(configPath)
			if err != nil {
				fatalErr(logger, err)
			}
			records, err := checkpoint.NewManager(cfg.Limits.CheckpointDir).Status(args[0])
			if err != nil {
				fatalErr(logger, err)
			}
			if jsonOutput {
				printJSON(records)
				return
			}
			for _, r := range records {
				line := fmt.Sprintf("%-10s %-9s attempts=%d", r.Stage, r.Status, r.Attempts)
				if r.Reason != "" {
					line += "  " + r.Reason
				}
				fmt.Println(line)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "analyze <podcast-id> <episode-id>",
		Short: "Re-run clustering and analysis for an already-ingested episode",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(logger)
			if err != nil {
				fatalErr(logger, err)
			}
			defer a.close(context.Background())

			podcastID, episodeID := args[0], args[1]
			store, err := a.registry.Store(ctx, podcastID)
			if err != nil {
				fatalErr(logger, err)
			}
			assigned, unassigned, err := a.post.AssignClusters(ctx, store, podcastID, episodeID)
			if err != nil {
				fatalErr(logger, err)
			}
			if err := a.post.Analyze(ctx, store, episodeID); err != nil {
				fatalErr(logger, err)
			}
			if jsonOutput {
				printJSON(map[string]any{
					"episode_id": episodeID,
					"clustered":  assigned,
					"unassigned": unassigned,
				})
			} else {
				fmt.Printf("analyzed %s: %d units clustered, %d left unassigned\n",
					episodeID, assigned, unassigned)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "credentials",
		Short: "Show API credential pool status",
		Run: func(cmd *cobra.Command, args []string) {
			a, err := buildApp(logger)
			if err != nil {
				fatalErr(logger, err)
			}
			defer a.close(context.Background())

			statuses := a.rotator.Status()
			if jsonOutput {
				printJSON(statuses)
				return
			}
			for _, s := range statuses {
				line := fmt.Sprintf("%-12s rpm_used=%d tpm_used=%d rpd_used=%d in_flight=%d failures=%d",
					s.Hint, s.RPMUsed, s.TPMUsed, s.RPDUsed, s.InFlight, s.FailureStreak)
				if s.CooldownUntil != nil {
					line += "  cooldown_until=" + s.CooldownUntil.Format("15:04:05")
				}
				fmt.Println(line)
			}
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// watchDirs lists the configured transcript directories, deduplicated.
func watchDirs(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	for _, p := range cfg.Podcasts {
		if p.Enabled {
			add(p.TranscriptDir)
		}
	}
	add(cfg.Limits.TranscriptDir)
	return dirs
}
