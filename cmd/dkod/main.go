package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkod-io/dkod-engine/internal/auth"
	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/changeset"
	"github.com/dkod-io/dkod-engine/internal/config"
	"github.com/dkod-io/dkod-engine/internal/gitstore"
	"github.com/dkod-io/dkod-engine/internal/graph"
	"github.com/dkod-io/dkod-engine/internal/merge"
	"github.com/dkod-io/dkod-engine/internal/notify"
	"github.com/dkod-io/dkod-engine/internal/objectstore"
	"github.com/dkod-io/dkod-engine/internal/overlay"
	"github.com/dkod-io/dkod-engine/internal/secrets"
	"github.com/dkod-io/dkod-engine/internal/server"
	"github.com/dkod-io/dkod-engine/internal/session"
	"github.com/dkod-io/dkod-engine/internal/store/postgres"
	redisstore "github.com/dkod-io/dkod-engine/internal/store/redis"
	"github.com/dkod-io/dkod-engine/internal/verify"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("DKOD_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("DKOD_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Durable state: workspaces, overlays, changesets, pipelines,
	// symbols in PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Transient state: live sessions and resume snapshots in Redis.
	sessionStore, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sessionStore.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("closing redis")
		}
	}()

	// Commit store and overlay blob spill.
	git := gitstore.NewMemory()

	objects, err := objectstore.NewLocal(cfg.Overlay.BlobDir)
	if err != nil {
		return err
	}

	// The event bus outlives every publisher; it closes last.
	eventBus := bus.New(cfg.Bus.BufferSize)
	defer eventBus.Close()

	files := overlay.New(store.Overlays(), git, objects, int64(cfg.Overlay.InlineMaxBytes))
	sessions := session.New(sessionStore, store.Workspaces(), git, files, eventBus, cfg.Session)
	engine := changeset.New(store.Changesets(), store.Symbols(), store.Pipelines(), store.Workspaces(), files, eventBus)
	coordinator := merge.NewCoordinator(store.Changesets(), store.Workspaces(), store.Symbols(), store.Overlays(), files, git, eventBus)

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	// Vault for encrypted credentials in pipeline step configs.
	var vault *secrets.Vault
	if cfg.Vault.Key != "" {
		vault, err = secrets.NewVaultFromHex(cfg.Vault.Key)
		if err != nil {
			return fmt.Errorf("vault key: %w", err)
		}
	}

	// Verification executors: Docker sandbox for command-class steps,
	// the remote checker for review-class steps when configured.
	runtime, err := verify.NewRuntime(cfg.Docker)
	if err != nil {
		return fmt.Errorf("docker runtime: %w", err)
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("closing docker runtime")
		}
	}()

	sandbox := verify.NewSandbox(runtime, files, os.TempDir())
	remote := verify.NewRemote(ctx, cfg.Checker)
	registry := verify.NewRegistry(sandbox, remote)

	runner := verify.NewRunner(
		store.Changesets(),
		store.Pipelines(),
		store.Workspaces(),
		eventBus,
		vault,
		registry,
		coordinator,
		cfg.Verify,
	)

	// Symbol similarity search, no-op unless Weaviate is configured.
	var search graph.VectorSearch = graph.NoOp{}
	if cfg.Vector.Host != "" {
		wv, err := graph.NewWeaviate(ctx, cfg.Vector.Host, cfg.Vector.Scheme, cfg.Vector.APIKey)
		if err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		if err := wv.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		search = wv
	}

	notifier := notify.New(eventBus, cfg.Slack)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go runner.Start(ctx)
	go sessions.StartSweeper(ctx)
	go notifier.Start(ctx)

	srv := server.New(ctx, cfg, server.Deps{
		Auth:       authSvc,
		Sessions:   sessions,
		Files:      files,
		Changesets: engine,
		Verifier:   runner,
		Merger:     coordinator,
		Pipelines:  store.Pipelines(),
		Symbols:    store.Symbols(),
		Search:     search,
		Bus:        eventBus,
	})

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
