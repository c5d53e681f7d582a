// TurboBackend worker — consumes backend-generation jobs from the durable
// queue, drives the agentic pipelines, and serves health endpoints.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/SaaSManDan/turbobackend-worker/pkg/agent"
	"github.com/SaaSManDan/turbobackend-worker/pkg/agent/prompt"
	"github.com/SaaSManDan/turbobackend-worker/pkg/api"
	"github.com/SaaSManDan/turbobackend-worker/pkg/config"
	"github.com/SaaSManDan/turbobackend-worker/pkg/database"
	"github.com/SaaSManDan/turbobackend-worker/pkg/deploy"
	"github.com/SaaSManDan/turbobackend-worker/pkg/detect"
	"github.com/SaaSManDan/turbobackend-worker/pkg/events"
	"github.com/SaaSManDan/turbobackend-worker/pkg/github"
	"github.com/SaaSManDan/turbobackend-worker/pkg/llm"
	"github.com/SaaSManDan/turbobackend-worker/pkg/pipeline"
	"github.com/SaaSManDan/turbobackend-worker/pkg/queue"
	"github.com/SaaSManDan/turbobackend-worker/pkg/sandbox"
	"github.com/SaaSManDan/turbobackend-worker/pkg/schema"
	"github.com/SaaSManDan/turbobackend-worker/pkg/store"
)

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > random suffix.
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "worker-" + uuid.NewString()[:8]
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	podID := resolvePodID()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting TurboBackend worker",
		"pod_id", podID,
		"environment", cfg.Environment,
		"workers", cfg.Queue.WorkerCount)

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to control database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to control database")

	st := store.New(cfg.SchemaPrefix, string(cfg.Environment))

	publisher := events.NewPublisher(cfg.Redis)
	publisher.Start(ctx)
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("Error closing event publisher", "error", err)
		}
	}()

	llmClient := llm.NewAnthropicClient(cfg.AnthropicAPIKey)
	detector := detect.NewDetector(llmClient, cfg.ClassifierModel, cfg.Pricing, st)
	designer := schema.NewDesigner(llmClient, cfg.AgentModel, cfg.Pricing, st)
	provisioner := schema.NewProvisioner(cfg.ClusterDB, st)
	sandboxes := sandbox.NewManager(sandbox.NewProvisioner(cfg.SandboxAPIURL, cfg.SandboxAPIKey), st, cfg)
	prompts := prompt.NewBuilder(cfg.PromptDir)
	loop := agent.NewLoop(llmClient, cfg.AgentModel, cfg.MaxIterations, cfg.Pricing, st, prompts, publisher)
	ghClient := github.NewClient(cfg.GitHubToken, cfg.GitHubOwner)
	pusher := github.NewPusher(ghClient, st)
	deployer := deploy.NewDeployer(cfg, st)

	pipelines := pipeline.New(cfg, dbClient, st, publisher,
		detector, designer, provisioner, sandboxes, loop, ghClient, pusher, deployer)

	pool := queue.NewWorkerPool(podID, dbClient.DB, cfg.SchemaPrefix, cfg.Queue)
	pipelines.RegisterHandlers(pool)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	httpServer := api.NewServer(":"+cfg.HTTPPort, dbClient, pool)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", ":"+cfg.HTTPPort)
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("TurboBackend worker started", "pod_id", podID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — incomplete jobs will be orphan-recovered")
	}

	// Local runs wipe the pending backlog so stale dev jobs don't fire on
	// the next start. Production keeps the queue durable.
	if !cfg.IsProduction() {
		if n, err := pool.ClearPendingJobs(ctx); err != nil {
			slog.Error("Failed to clear pending jobs", "error", err)
		} else if n > 0 {
			slog.Info("Cleared pending jobs on shutdown", "count", n)
		}
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Stop(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
