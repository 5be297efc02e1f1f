package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Eriq7/SQL-AI-Agent/internal/archive"
	"github.com/Eriq7/SQL-AI-Agent/internal/config"
	historypostgres "github.com/Eriq7/SQL-AI-Agent/internal/conversation/postgres"
	historysqlite "github.com/Eriq7/SQL-AI-Agent/internal/conversation/sqlite"
	"github.com/Eriq7/SQL-AI-Agent/internal/database"
	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
	s3store "github.com/Eriq7/SQL-AI-Agent/internal/storage/s3"
)

func main() {
	once := flag.Bool("once", false, "run a single export cycle and exit")
	verify := flag.Bool("verify", false, "check archived objects against cursors and exit")
	userID := flag.String("user", "", "limit -once or -verify to one user")
	flag.Parse()

	cfg, err := config.LoadFromEnv("sqlagent-archiver")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	if !cfg.Archive.Enabled && !*once && !*verify {
		logger.Info("archive disabled; set SQLAGENT_ARCHIVE_ENABLED=true to run the worker")
		return
	}

	history, closeHistory, err := openHistory(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open conversation history", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeHistory()

	store, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	svc := &archive.Service{
		History:     history,
		ObjectStore: store,
		Config: archive.Config{
			Interval:   cfg.Archive.Interval,
			BatchSize:  cfg.Archive.BatchSize,
			PutRetries: 3,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *verify:
		summary, err := svc.VerifyOnce(ctx, *userID)
		logger.Info("archive verification finished", slog.Any("summary", summary))
		if err != nil || summary.MissingObjects > 0 || summary.SizeMismatches > 0 {
			logger.Error("archive verification failed", slog.Any("error", err))
			os.Exit(1)
		}
	case *once:
		summary, err := svc.RunOnce(ctx, *userID)
		logger.Info("archive cycle finished", slog.Any("summary", summary))
		if err != nil {
			logger.Error("archive cycle failed", slog.Any("error", err))
			os.Exit(1)
		}
	default:
		logger.Info("archiver worker started", slog.Duration("interval", cfg.Archive.Interval))
		if err := svc.Run(ctx); err != nil {
			logger.Error("archiver worker failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("archiver worker stopped")
	}
}

func openHistory(ctx context.Context, cfg config.Config) (archive.HistorySource, func(), error) {
	switch cfg.History.Backend {
	case config.HistoryBackendSQLite:
		store, err := historysqlite.Open(ctx, cfg.History.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.HistoryBackendPostgres:
		db, err := database.Open(ctx, database.DBConfig{Driver: database.DriverPostgres, DSN: cfg.History.DSN})
		if err != nil {
			return nil, nil, err
		}
		return historypostgres.NewStore(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("history backend %q cannot be archived", cfg.History.Backend)
	}
}
