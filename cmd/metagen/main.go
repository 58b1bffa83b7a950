// Package main provides the CLI entry point for the metagen agent runtime.
//
// Metagen runs a two-agent conversation system: a meta agent that talks
// to the user and a task agent that executes delegated work, connected
// by an in-process manager and exposed over an HTTP/SSE gateway.
//
// # Basic Usage
//
// Start the server:
//
//	metagen serve --config metagen.yaml
//
// # Environment Variables
//
//   - METAGEN_CONFIG: Path to configuration file
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/metagen-ai/metagen/internal/agent"
	"github.com/metagen-ai/metagen/internal/agent/providers"
	"github.com/metagen-ai/metagen/internal/config"
	"github.com/metagen-ai/metagen/internal/gateway"
	"github.com/metagen-ai/metagen/internal/manager"
	"github.com/metagen-ai/metagen/internal/memory"
	"github.com/metagen-ai/metagen/internal/observability"
	"github.com/metagen-ai/metagen/internal/tools"
	"github.com/metagen-ai/metagen/internal/tools/builtin"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "metagen",
		Short:        "Metagen - meta/task agent runtime",
		Long:         "Metagen runs a meta agent and a task agent over a shared tool layer,\nwith approval-gated execution and an HTTP/SSE transport.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "metagen %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the metagen server",
		Long: `Start the metagen server.

The server will:
1. Load configuration from the specified file
2. Open the turn/tool-usage store
3. Initialize the LLM provider
4. Start the meta and task agent workers
5. Start the HTTP server for chat streaming, approvals, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("METAGEN_CONFIG")
			}
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting metagen", "version", version, "commit", commit, "config", configPath)

	_, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    traceEndpoint(cfg),
		Insecure:    true,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	generator, err := newGenerator(cfg)
	if err != nil {
		return err
	}

	catalog := manager.NewCatalog()
	for _, task := range cfg.Tasks {
		if err := catalog.Register(manager.Task{
			ID:          task.ID,
			Description: task.Description,
			Prompt:      task.Prompt,
			Inputs:      task.Inputs,
		}); err != nil {
			return fmt.Errorf("task catalog: %w", err)
		}
	}

	metaExec, taskExec, err := buildExecutors(cfg, catalog, logger, metrics)
	if err != nil {
		return err
	}

	loopConfig := &agent.LoopConfig{
		MaxIterations:    cfg.Agents.MaxIterations,
		MaxToolsPerTurn:  cfg.Agents.MaxToolsPerTurn,
		MaxRepeatedCalls: cfg.Agents.MaxRepeatedCalls,
		RequireApproval:  cfg.Tools.RequireApproval,
		AutoApproveTools: cfg.Tools.AutoApproveTools,
		ApprovalTimeout:  cfg.Tools.ApprovalTimeout,
		ShowToolResults:  cfg.Agents.ShowToolResults,
	}
	opts := agent.Options{
		Store:   store,
		Config:  loopConfig,
		Logger:  logger,
		Metrics: metrics,
	}
	meta := agent.NewMetaAgent(generator, metaExec, opts)
	task := agent.NewTaskAgent(generator, taskExec, opts)

	mgr := manager.New(meta, task, metaExec, catalog, manager.Config{
		SessionIdleTimeout: cfg.Server.SessionIdleTimeout,
		Logger:             logger,
		Metrics:            metrics,
	})
	mgr.Start(ctx)

	server := gateway.NewServer(mgr, cfg, logger)
	if err := server.Start(ctx); err != nil {
		mgr.Shutdown()
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	server.Stop(context.Background())
	mgr.Shutdown()
	if err := store.Close(); err != nil {
		logger.Warn("store close failed", "error", err)
	}
	if err := traceShutdown(context.Background()); err != nil {
		logger.Warn("trace shutdown failed", "error", err)
	}
	return nil
}

func traceEndpoint(cfg *config.Config) string {
	if !cfg.Telemetry.Enabled {
		return ""
	}
	return cfg.Telemetry.OTLPEndpoint
}

func openStore(cfg *config.Config) (memory.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool := memory.DefaultPostgresConfig()
		if cfg.Database.MaxConnections > 0 {
			pool.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		return memory.NewPostgresStore(cfg.Database.URL, pool)
	case "sqlite":
		return memory.NewSQLiteStore(cfg.Database.Path)
	default:
		return memory.NewMemStore(), nil
	}
}

func newGenerator(cfg *config.Config) (agent.Generator, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return providers.NewOpenAIGenerator(providers.OpenAIConfig{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		})
	default:
		return providers.NewAnthropicGenerator(providers.AnthropicConfig{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		})
	}
}

// buildExecutors assembles the two tool surfaces. Both agents share the
// builtin tools; only the meta agent sees execute_task, which keeps the
// task agent from delegating recursively.
func buildExecutors(cfg *config.Config, catalog *manager.Catalog, logger *slog.Logger, metrics *observability.Metrics) (*tools.Executor, *tools.Executor, error) {
	builtins := []tools.Tool{
		&builtin.ClockTool{},
		&builtin.CalcTool{},
		&builtin.ReadFileTool{Root: cfg.Tools.WorkspaceRoot},
	}

	metaRegistry := tools.NewRegistry()
	taskRegistry := tools.NewRegistry()
	for _, tool := range builtins {
		if err := metaRegistry.Register(tool); err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
		if err := taskRegistry.Register(tool); err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	if err := metaRegistry.Register(manager.NewExecuteTaskTool(catalog)); err != nil {
		return nil, nil, fmt.Errorf("register execute_task: %w", err)
	}

	execConfig := tools.ExecutorConfig{
		Timeout: cfg.Tools.ExecTimeout,
		Logger:  logger,
		Metrics: metrics,
	}
	return tools.NewExecutor(metaRegistry, execConfig), tools.NewExecutor(taskRegistry, execConfig), nil
}
