// Package main provides the CLI entry point for the deskassistd agent host.
//
// deskassistd loads an assistant configuration, opens its persistence layer,
// wires an LLM provider into the agent runtime, and runs the scheduler that
// fires ScheduledTask rows on their own clock.
//
// # Basic Usage
//
// Start the host:
//
//	deskassistd serve --config deskassist.yaml
//
// Fire a single scheduled task immediately, bypassing its clock:
//
//	deskassistd run-task --config deskassist.yaml --id <task-id>
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GOOGLE_API_KEY: Google AI API key for Gemini models
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskassist/core/internal/agent"
	"github.com/deskassist/core/internal/agent/providers"
	"github.com/deskassist/core/internal/config"
	"github.com/deskassist/core/internal/cron"
	"github.com/deskassist/core/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "deskassistd",
		Short:        "deskassistd - assistant agent host",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildRunTaskCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent host and its scheduler",
		Long: `Start the agent host: open the persistence layer, select an LLM
provider, and run the Scheduler that fires ScheduledTask rows on their own
clock. Runs until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "deskassist.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildRunTaskCmd() *cobra.Command {
	var (
		configPath string
		taskID     string
	)

	cmd := &cobra.Command{
		Use:   "run-task",
		Short: "Run a single ScheduledTask immediately",
		Long:  `Fire one ScheduledTask by ID regardless of its next_run_at, then exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(taskID) == "" {
				return fmt.Errorf("--id is required")
			}
			return runOneTask(cmd.Context(), configPath, taskID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "deskassist.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&taskID, "id", "", "ID of the ScheduledTask to run")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg, store, runtime, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}()

	sched, err := cron.NewScheduler(cfg.Tasks, store, runtime)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tasks.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		slog.Info("scheduler started", "poll_interval", cfg.Tasks.PollInterval)
	} else {
		slog.Info("scheduler disabled (tasks.enabled=false)")
	}

	slog.Info("deskassistd started", "llm_provider", cfg.LLM.DefaultProvider)
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping scheduler")

	sched.Stop()
	slog.Info("deskassistd stopped gracefully")
	return nil
}

func runOneTask(ctx context.Context, configPath, taskID string) error {
	_, store, runtime, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}()

	sched, err := cron.NewScheduler(config.TasksConfig{}, store, runtime)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	return sched.RunJob(ctx, taskID)
}

// bootstrap loads configuration and wires the persistence layer and agent
// runtime shared by every subcommand.
func bootstrap(configPath string) (*config.Config, storage.StoreSet, *agent.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, storage.StoreSet{}, nil, fmt.Errorf("load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, storage.StoreSet{}, nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, storage.StoreSet{}, nil, fmt.Errorf("build LLM provider: %w", err)
	}

	return cfg, store, agent.NewRuntime(provider, store), nil
}

// openStore opens the SQL-backed store named by database.url, falling back
// to an in-memory store when no URL is configured so a fresh checkout can
// still run deskassistd serve without provisioning a database first.
func openStore(cfg *config.Config) (storage.StoreSet, error) {
	url := strings.TrimSpace(cfg.Database.URL)
	if url == "" {
		slog.Warn("database.url is empty, using an in-memory store (data will not survive a restart)")
		return storage.NewMemoryStoreSet(), nil
	}

	sqlCfg := storage.DefaultSQLConfig()
	if cfg.Database.MaxConnections > 0 {
		sqlCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return storage.NewPostgresStoreSet(ctx, url, sqlCfg)
	}
	return storage.NewSQLiteStoreSet(ctx, url, sqlCfg)
}

// buildProvider selects and constructs the LLM provider named by
// llm.default_provider, reading its API key from llm.providers[name].
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if name == "" {
		name = "anthropic"
	}
	pc := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("OPENAI_API_KEY"))
		return providers.NewOpenAIProvider(apiKey), nil
	case "google":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("GOOGLE_API_KEY"))
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: apiKey})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
