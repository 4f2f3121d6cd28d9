package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/sukima/internal/blob"
	"github.com/ashita-ai/sukima/internal/config"
	"github.com/ashita-ai/sukima/internal/contextstore"
	"github.com/ashita-ai/sukima/internal/extract"
	"github.com/ashita-ai/sukima/internal/llm"
	"github.com/ashita-ai/sukima/internal/mcp"
	"github.com/ashita-ai/sukima/internal/pipeline"
	"github.com/ashita-ai/sukima/internal/ratelimit"
	"github.com/ashita-ai/sukima/internal/server"
	"github.com/ashita-ai/sukima/internal/storage"
	"github.com/ashita-ai/sukima/internal/telemetry"
	"github.com/ashita-ai/sukima/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SUKIMA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("sukima starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Blob store for context payloads too large to keep inline.
	blobs, err := blob.NewStore(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	contexts := contextstore.New(db, blobs, int64(cfg.InlineMaxBytes), logger)

	completer, err := newCompleter(cfg, logger)
	if err != nil {
		return err
	}
	extractor := extract.NewFileExtractor(cfg.PaperRoot)

	engine := pipeline.New(db, contexts, completer, extractor, pipeline.Config{
		Workers:    cfg.Workers,
		JobTimeout: cfg.JobTimeout,
	}, logger)

	// Resume runs the previous process left mid-flight.
	if err := recoverInterrupted(ctx, db, engine, logger); err != nil {
		logger.Warn("recovery scan failed", "error", err)
	}

	// MCP server (read-only poll surface), mounted at /mcp.
	mcpSrv := mcp.New(db, logger)

	var limiter ratelimit.Limiter
	if cfg.SubmitRatePerSec > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.SubmitRatePerSec, cfg.SubmitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
	}

	srv := server.New(server.Config{
		Engine:              engine,
		Store:               db,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("sukima shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("sukima stopped")
	return nil
}

// newCompleter creates the completion provider based on configuration.
func newCompleter(cfg config.Config, logger *slog.Logger) (llm.Completer, error) {
	switch cfg.CompletionProvider {
	case "openai":
		logger.Info("completion provider: openai", "model", cfg.CompletionModel)
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.CompletionModel, cfg.OpenAIBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.CompletionProvider)
	}
}

// recoverInterrupted re-executes runs that were pending or running when the
// previous process died. Agent rows are upsert-keyed, so re-running completed
// work is harmless; only unfinished stages actually re-execute.
func recoverInterrupted(ctx context.Context, db *storage.DB, engine *pipeline.Engine, logger *slog.Logger) error {
	ids, err := db.ListUnfinishedRuns(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		logger.Info("resuming interrupted run", "run_id", id)
		go func() {
			if err := engine.Resume(context.WithoutCancel(ctx), id); err != nil {
				logger.Error("run recovery failed", "run_id", id, "error", err)
			}
		}()
	}
	return nil
}
