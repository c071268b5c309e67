// Package main provides the voicedesk postprocessing worker daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/config"
	"github.com/voicedesk/voicedesk/internal/db"
	"github.com/voicedesk/voicedesk/internal/llm"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/notify"
	"github.com/voicedesk/voicedesk/internal/pipeline"
	"github.com/voicedesk/voicedesk/internal/prompts"
	"github.com/voicedesk/voicedesk/internal/queue"
	"github.com/voicedesk/voicedesk/internal/runtime"
	"github.com/voicedesk/voicedesk/internal/server"
)

const workerConcurrency = 4

func main() {
	cfg := config.Load()

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	slog.SetDefault(logger)
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}()

	scope := runtime.NewScope(cfg.BetaTag)
	logger.Info("starting voicedesk-worker", "runtime", scope.Tag, "listen", cfg.ListenAddr)

	// Connect to the database
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
	}, logger)
	if err != nil {
		cancel()
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := dbClient.InitSchema(ctx); err != nil {
		cancel()
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}
	cancel()
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	// Load the custom prompt registry
	registry, err := prompts.Load(cfg.PromptsDir)
	if err != nil {
		logger.Error("failed to load prompts", "dir", cfg.PromptsDir, "error", err)
		os.Exit(1)
	}
	logger.Info("prompts loaded", "dir", cfg.PromptsDir, "custom", len(registry.CustomNames()))

	// Completion client with timing metrics
	completer, err := llm.NewClient(llmOptions(cfg))
	if err != nil {
		logger.Error("failed to create completion client", "error", err)
		os.Exit(1)
	}
	collector := metrics.NewCollector()
	completer.SetObserver(collector.Record)

	// Durable queue, notification sinks, pipeline
	source := queue.NewSurreal(dbClient, logger)
	events := notify.NewQueueEvents(source, scope, logger)

	var chat pipeline.Chat = notify.NewLogChat(logger)
	if cfg.TelegramBotToken != "" {
		chat = client.NewTelegram(cfg.TelegramBotToken, cfg.TelegramAPIURL)
		logger.Info("telegram chat transport enabled")
	}

	pipe := pipeline.New(dbClient, source, completer, events, chat, registry, scope, pipeline.Config{
		DefaultModel:       cfg.DefaultModel,
		TaskModel:          cfg.TaskModel,
		WebBaseURL:         cfg.WebBaseURL,
		DefaultProjectName: cfg.DefaultProjectName,
	}, logger)

	worker := queue.NewWorker(source, workerConcurrency, cfg.WorkerPollRate, logger)
	worker.SetObserver(collector.Record)
	pipe.Register(worker)

	// Websocket hub consumes the events queue
	hub := notify.NewHub(logger)
	defer hub.Close()
	worker.Handle(scope.QueueName(queue.QueueEvents), notify.JobSendToSocket, hub.HandleSendToSocket)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Worker loop
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("worker stopped unexpectedly", "error", err)
		}
	}()

	// Dispatch sweep loop
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				err := pipe.Sweep(runCtx)
				collector.Record(metrics.OpSweep, time.Since(start), err)
				if err != nil && runCtx.Err() == nil {
					logger.Warn("sweep failed", "error", err)
				}
			}
		}
	}()

	// Diagnostics HTTP server: websocket event feed, health, metrics
	diag := server.New(cfg.ListenAddr, hub, collector.Snapshot, logger)
	go func() {
		if err := diag.Run(); err != nil {
			logger.Error("diagnostics server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	stop()
	<-workerDone
	<-sweepDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := diag.Shutdown(shutdownCtx); err != nil {
		logger.Error("diagnostics server forced to shutdown", "error", err)
	}

	logger.Info("worker stopped")
}

// llmOptions maps the flat environment config onto the provider-specific
// completion options.
func llmOptions(cfg config.Config) llm.Options {
	opts := llm.Options{
		Provider:     cfg.LLMProvider,
		DefaultModel: cfg.DefaultModel,
	}
	switch cfg.LLMProvider {
	case llm.ProviderAnthropic:
		opts.AnthropicAPIKey = cfg.LLMAPIKey
	case llm.ProviderOllama:
		opts.OllamaHost = cfg.LLMBaseURL
	default:
		opts.OpenAIAPIKey = cfg.LLMAPIKey
	}
	return opts
}
