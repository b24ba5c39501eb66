// DiPeO execution runner: loads a diagram, runs it through the execution
// engine, and streams lifecycle events to the log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dipeo/dipeo/pkg/config"
	"github.com/dipeo/dipeo/pkg/database"
	"github.com/dipeo/dipeo/pkg/diagram"
	"github.com/dipeo/dipeo/pkg/handler"
	"github.com/dipeo/dipeo/pkg/handler/builtin"
	"github.com/dipeo/dipeo/pkg/llm"
	"github.com/dipeo/dipeo/pkg/models"
	"github.com/dipeo/dipeo/pkg/ports"
	"github.com/dipeo/dipeo/pkg/runtime"
	"github.com/dipeo/dipeo/pkg/state"
	"github.com/dipeo/dipeo/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("DIPEO_CONFIG", "dipeo.yaml"), "Path to configuration file")
	timeout := flag.Duration("timeout", 0, "Execution timeout override")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: dipeo [flags] <diagram.yaml>")
		os.Exit(2)
	}
	diagramPath := flag.Arg(0)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	slog.Info("Starting DiPeO", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, database.Config{Path: cfg.State.DatabasePath})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	states := state.NewRegistry(state.NewSQLStore(dbClient.Bun()), slog.Default(),
		state.WithMaxInlineBytes(cfg.State.MaxInlineBytes))
	defer states.Close()

	cleanup := state.NewCleanupService(states, cfg.State.Retention, cfg.State.CleanupInterval)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	registry := handler.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		slog.Error("Failed to register handlers", "error", err)
		os.Exit(1)
	}

	d, err := diagram.Load(diagramPath)
	if err != nil {
		slog.Error("Failed to load diagram", "path", diagramPath, "error", err)
		os.Exit(1)
	}

	var llmClient ports.LLMClient
	if diagramUsesLLM(d) {
		client, err := llm.NewOpenAI(cfg.LLM, slog.Default())
		if err != nil {
			slog.Error("Failed to initialize LLM client", "error", err)
			os.Exit(1)
		}
		llmClient = client
	}

	mgr := runtime.NewManager(cfg, registry, states, llmClient, slog.Default())

	// Start paused so the event subscription is attached before any node runs.
	execID, err := mgr.Execute(ctx, d, runtime.Options{Timeout: *timeout, StartPaused: true})
	if err != nil {
		slog.Error("Failed to start execution", "error", err)
		os.Exit(1)
	}

	eventCh, unsubscribe := mgr.Subscribe(execID)
	defer unsubscribe()
	go func() {
		for ev := range eventCh {
			slog.Info("Event", "type", ev.Type, "node_id", ev.NodeID, "data", ev.Data)
		}
	}()
	if err := mgr.Control(execID, runtime.ControlResume, ""); err != nil {
		slog.Error("Failed to resume execution", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("Shutdown signal received, aborting execution", "signal", sig)
		if err := mgr.Control(execID, runtime.ControlAbort, ""); err != nil {
			slog.Warn("Abort failed", "error", err)
		}
	}()

	final, err := mgr.Wait(ctx, execID)
	if err != nil {
		slog.Error("Execution wait failed", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)

	slog.Info("Execution finished",
		"execution_id", execID,
		"status", final.Status,
		"token_usage", final.TokenUsage.Total,
		"error", final.Error)

	if final.Status != models.ExecutionStatusCompleted {
		os.Exit(1)
	}
}

// diagramUsesLLM reports whether any node needs the LLM client, so runs
// without person_job nodes don't require an API key.
func diagramUsesLLM(d *models.Diagram) bool {
	for _, n := range d.Nodes {
		if n.Type == models.NodeTypePersonJob {
			return true
		}
	}
	return false
}
