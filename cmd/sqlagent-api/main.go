package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Eriq7/SQL-AI-Agent/internal/agent"
	"github.com/Eriq7/SQL-AI-Agent/internal/answer"
	"github.com/Eriq7/SQL-AI-Agent/internal/api"
	"github.com/Eriq7/SQL-AI-Agent/internal/auth"
	"github.com/Eriq7/SQL-AI-Agent/internal/config"
	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
	historypostgres "github.com/Eriq7/SQL-AI-Agent/internal/conversation/postgres"
	historysqlite "github.com/Eriq7/SQL-AI-Agent/internal/conversation/sqlite"
	"github.com/Eriq7/SQL-AI-Agent/internal/database"
	"github.com/Eriq7/SQL-AI-Agent/internal/nl2sql"
	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
	"github.com/Eriq7/SQL-AI-Agent/internal/oracle"
	"github.com/Eriq7/SQL-AI-Agent/internal/query"
	duckdbengine "github.com/Eriq7/SQL-AI-Agent/internal/query/duckdb"
	postgresengine "github.com/Eriq7/SQL-AI-Agent/internal/query/postgres"
	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
	duckdbschema "github.com/Eriq7/SQL-AI-Agent/internal/schema/duckdb"
	postgresschema "github.com/Eriq7/SQL-AI-Agent/internal/schema/postgres"
	"github.com/Eriq7/SQL-AI-Agent/internal/sqlguard"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlagent-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	targetDB, err := database.Open(context.Background(), database.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		ReadOnly:        true,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open target database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = targetDB.Close() }()

	var descriptions schema.Descriptions
	if cfg.Schema.DescriptionsFile != "" {
		descriptions, err = schema.LoadDescriptions(cfg.Schema.DescriptionsFile)
		if err != nil {
			logger.Error("failed to load schema descriptions", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("schema descriptions loaded", slog.Int("tables", len(descriptions)))
	}

	introspector, engine := targetBackends(cfg.Database.Driver, cfg.Schema.Name, targetDB)
	catalog := schema.NewCatalog(introspector, schema.Options{
		TTL:               cfg.Schema.TTL,
		IncludeTables:     cfg.Schema.IncludeTables,
		Descriptions:      descriptions,
		RefreshRetries:    cfg.Schema.RefreshRetries,
		RefreshBackoff:    cfg.Schema.RefreshBackoff,
		IntrospectTimeout: cfg.Schema.IntrospectTimeout,
		Logger:            logger,
	})

	history, historyReady, closeHistory, err := openHistory(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open conversation history", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeHistory()

	llm, err := oracle.NewOpenAIClient(oracle.OpenAIConfig{
		BaseURL:           cfg.AI.BaseURL,
		APIKey:            cfg.AI.APIKey,
		Model:             cfg.AI.Model,
		Temperature:       cfg.AI.Temperature,
		Timeout:           cfg.AI.Timeout,
		RequestsPerSecond: cfg.AI.RequestsPerSecond,
		Burst:             cfg.AI.Burst,
	})
	if err != nil {
		logger.Error("failed to initialize language model client", slog.Any("error", err))
		os.Exit(1)
	}

	service := agent.New(agent.Dependencies{
		Schema:  catalog,
		History: history,
		Synthesizer: nl2sql.NewSynthesizer(llm, nl2sql.Config{
			Dialect:    cfg.AI.Dialect,
			CharBudget: cfg.Schema.PromptCharBudget,
			RowCap:     cfg.Agent.RowCap,
		}),
		Validator: sqlguard.NewValidator(sqlguard.Policy{
			MaxJoins:         cfg.Guard.MaxJoins,
			MaxSubqueryDepth: cfg.Guard.MaxSubqueryDepth,
			LargeTableRows:   cfg.Guard.LargeTableRows,
			AutoLimit:        cfg.Guard.AutoLimit,
			RowCap:           cfg.Agent.RowCap,
		}),
		Engine:   engine,
		Composer: answer.NewComposer(llm, cfg.Agent.AnswerPromptRows),
		Logger:   logger,
	}, agent.Config{
		MaxAttempts:       cfg.Agent.MaxAttempts,
		HistoryWindow:     cfg.History.Window,
		ExecutionTimeout:  cfg.Agent.ExecutionTimeout,
		RowCap:            cfg.Agent.RowCap,
		SummaryRows:       cfg.Agent.SummaryRows,
		AppendRetries:     cfg.Agent.AppendRetries,
		AppendRetryBudget: cfg.Agent.AppendRetryBudget,
		TurnTimeout:       cfg.Agent.TurnTimeout,
	})

	deps := api.Dependencies{
		Logger:            logger,
		Agent:             service,
		History:           history,
		Schema:            catalog,
		Readiness:         api.CombineReadinessChecks(api.PingCheck("target database", targetDB), historyReady),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("api key auth enabled", slog.Int("keys", validator.Len()))
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	// Failures here are retried on the first question.
	if _, err := catalog.Snapshot(context.Background()); err != nil {
		logger.Warn("initial schema load failed", slog.Any("error", err))
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("driver", cfg.Database.Driver),
			slog.String("history", cfg.History.Backend),
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
		os.Exit(1)
	}
}

// targetBackends introspects and queries schemaName. Empty selects the
// driver's default schema.
func targetBackends(driver, schemaName string, db *sql.DB) (schema.Introspector, query.Engine) {
	if driver == config.DriverDuckDB {
		return duckdbschema.NewIntrospector(db, schemaName), duckdbengine.NewEngine(db).WithSearchPath(schemaName)
	}
	return postgresschema.NewIntrospector(db, schemaName), postgresengine.NewEngine(db).WithSearchPath(schemaName)
}

func openHistory(ctx context.Context, cfg config.Config) (conversation.Store, api.ReadinessCheck, func(), error) {
	switch cfg.History.Backend {
	case config.HistoryBackendMemory:
		return conversation.NewMemoryStore(), nil, func() {}, nil
	case config.HistoryBackendSQLite:
		store, err := historysqlite.Open(ctx, cfg.History.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store.HealthCheck, func() { _ = store.Close() }, nil
	case config.HistoryBackendPostgres:
		db, err := database.Open(ctx, database.DBConfig{
			Driver:       database.DriverPostgres,
			DSN:          cfg.History.DSN,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		store := historypostgres.NewStore(db)
		return store, store.HealthCheck, func() { _ = db.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported history backend %q", cfg.History.Backend)
	}
}
