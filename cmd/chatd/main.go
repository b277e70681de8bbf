// Chatd is a chat daemon fronting an OpenAI-compatible completion API.
//
// It streams assistant replies over Server-Sent Events, persists thread
// history in a SQLite checkpoint store, and condenses long histories
// with LLM-generated summaries.
//
// Configuration is loaded from environment variables, optionally merged
// with a YAML file. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	OPENAI_API_KEY=sk-... OPENAI_MODEL_NAME=gpt-4o chatd
//
//	# Configure via file + environment
//	chatd -config /etc/chatd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chatd/internal/config"
	"github.com/fyrsmithlabs/chatd/internal/conversation"
	chatdhttp "github.com/fyrsmithlabs/chatd/internal/http"
	"github.com/fyrsmithlabs/chatd/internal/llm"
	"github.com/fyrsmithlabs/chatd/internal/logging"
	"github.com/fyrsmithlabs/chatd/internal/store"
	"github.com/fyrsmithlabs/chatd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file merged under environment variables")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  chatd           Start the chat daemon\n")
			fmt.Fprintf(os.Stderr, "  chatd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("chatd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is canceled.
//
// Initialization order: config, logger, telemetry, store, LLM client,
// conversation service, HTTP server. Shutdown runs in reverse.
func run(ctx context.Context, configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
	} else {
		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("Starting chatd",
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.String("model", cfg.LLM.Model),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	tel, err := telemetry.New(ctx, &telemetry.Config{
		Enabled:        cfg.Observability.EnableTelemetry,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	st, err := store.NewSQLite(&store.Config{Path: cfg.Store.Path}, logger)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	client, err := llm.NewOpenAI(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     config.Duration(cfg.LLM.Timeout),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}

	convCfg := conversation.DefaultConfig()
	convCfg.SummarizeThresholdTokens = cfg.Conversation.SummarizeThresholdTokens
	convCfg.SummaryMessagesToKeep = cfg.Conversation.MessagesToKeep
	svc, err := conversation.NewService(convCfg, client, st, logger)
	if err != nil {
		return fmt.Errorf("failed to create conversation service: %w", err)
	}
	defer func() {
		_ = svc.Close()
	}()

	srv, err := chatdhttp.NewServer(svc, tel.Registry(), logger, &chatdhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("chat_endpoint", "/api/chat/stream"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// initLogger builds the structured logger from config.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	return logging.NewLogger(logCfg)
}
