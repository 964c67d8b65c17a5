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

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/sqlassist/sqlassist/internal/api"
	"github.com/sqlassist/sqlassist/internal/archive"
	s3archive "github.com/sqlassist/sqlassist/internal/archive/s3"
	"github.com/sqlassist/sqlassist/internal/assistant"
	"github.com/sqlassist/sqlassist/internal/auth"
	"github.com/sqlassist/sqlassist/internal/config"
	historypostgres "github.com/sqlassist/sqlassist/internal/history/postgres"
	"github.com/sqlassist/sqlassist/internal/migrations"
	"github.com/sqlassist/sqlassist/internal/nl2sql"
	"github.com/sqlassist/sqlassist/internal/observability"
	"github.com/sqlassist/sqlassist/internal/presets"
	"github.com/sqlassist/sqlassist/internal/prompt"
	"github.com/sqlassist/sqlassist/internal/query"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/source"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlassist-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("failed to set GOMAXPROCS", slog.Any("error", err))
	}

	completer, err := nl2sql.NewCompleter(cfg.AI)
	if err != nil {
		logger.Error("failed to initialize ai backend", slog.Any("error", err))
		os.Exit(1)
	}

	catalog, err := presets.Load(cfg.Presets.File)
	if err != nil {
		logger.Error("failed to load presets", slog.Any("error", err))
		os.Exit(1)
	}

	store := session.NewStore(session.Config{
		IdleTTL:       cfg.Session.IdleTTL,
		SweepInterval: cfg.Session.SweepInterval,
		QueueWhenBusy: cfg.Session.BusyPolicy == config.BusyQueue,
		MaxSessions:   cfg.Session.MaxSessions,
		HistoryTurns:  cfg.Session.HistoryTurns,
		Introspection: schema.Options{
			SampleRows:      cfg.Prompt.SampleRows,
			InferenceSample: cfg.Source.InferenceSample,
		},
	}, logger)

	deps := assistant.Dependencies{
		Loader:     source.NewLoader(cfg.Source.WorkDir, cfg.Source.MaxUploadBytes, logger),
		Store:      store,
		Generator:  nl2sql.NewGenerator(completer, cfg.AI.Timeout, cfg.AI.RetryBackoff, logger),
		Summarizer: nl2sql.NewSummarizer(completer, cfg.AI.Timeout, logger),
		Presets:    catalog,
		Logger:     logger,
	}
	readiness := []api.ReadinessCheck{api.CheckBackend(cfg), api.CheckArchiveConfig(cfg)}

	if cfg.Archive.Enabled {
		objectStore, err := s3archive.New(context.Background(), cfg.Archive)
		if err != nil {
			logger.Error("failed to initialize upload archive", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Archiver = archive.NewArchiver(objectStore, logger)
	}

	if cfg.History.DSN != "" {
		historyDB, err := historypostgres.Open(context.Background(), cfg.History)
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()
		repo := historypostgres.NewRepository(historyDB)
		deps.History = repo
		readiness = append(readiness, repo.HealthCheck, migrations.NewRunner().CheckCurrent(historyDB))
	}

	engine, err := assistant.NewEngine(assistant.Config{
		MinQuestionRunes: cfg.Query.MinQuestion,
		Prompt: prompt.Options{
			SampleRows:     cfg.Prompt.SampleRows,
			MaxSchemaChars: cfg.Prompt.MaxSchemaChars,
			TopK:           cfg.Prompt.TopK,
		},
		Limits:            query.Limits{MaxRows: cfg.Query.MaxRows, Timeout: cfg.Query.Timeout},
		Backend:           completer.Name(),
		BackendConfigured: cfg.BackendConfigured(),
	}, deps)
	if err != nil {
		logger.Error("failed to initialize assistant", slog.Any("error", err))
		os.Exit(1)
	}

	handlerDeps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Assistant:         engine,
		MaxUploadBytes:    cfg.Source.MaxUploadBytes,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		handlerDeps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, handlerDeps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := store.Run(ctx); err != nil {
			logger.Error("session sweeper stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("backend", completer.Name()),
			slog.Bool("archive", cfg.Archive.Enabled),
			slog.Bool("history", cfg.History.DSN != ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("failed to close sessions", slog.Any("error", err))
		os.Exit(1)
	}
}
