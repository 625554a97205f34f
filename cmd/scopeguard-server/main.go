package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/opsrange/scopeguard/internal/api"
	"github.com/opsrange/scopeguard/internal/chread"
	"github.com/opsrange/scopeguard/internal/config"
	"github.com/opsrange/scopeguard/internal/evidence"
	"github.com/opsrange/scopeguard/internal/scope"
	"github.com/opsrange/scopeguard/internal/storage"
	"github.com/opsrange/scopeguard/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load(os.Getenv("SCOPEGUARD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting scopeguard server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("evidence_root", cfg.EvidenceRoot),
		zap.Int("risky_operations", len(cfg.RiskyOperations)),
		zap.Int("environments", len(cfg.Environments)),
	)

	guard := scope.NewGuard(cfg.RiskyOperations, cfg.Environments)

	evidenceStore, err := evidence.NewStore(cfg.EvidenceRoot, logger)
	if err != nil {
		logger.Fatal("failed to open evidence store", zap.Error(err))
	}

	// Storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no clickhouse_dsn set, using log writer")
	}
	defer writer.Close()

	// Postgres tenant registry (optional — shared-secret auth without it)
	var pgStore *store.Store
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore = store.NewStore(db)
		logger.Info("postgres connected")
	} else if cfg.Auth.SharedSecret == "" {
		logger.Fatal("either postgres_dsn or auth.shared_secret must be configured")
	} else {
		logger.Info("no postgres_dsn set, using shared-secret tenant auth")
	}

	// ClickHouse reader (for events/analytics HTTP endpoints)
	var chReader *chread.Reader
	if cfg.ClickHouseDSN != "" {
		chReader, err = chread.NewReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	// External approval workflow (optional)
	var approvals *scope.ApprovalWaiter
	if cfg.Approvals.Endpoint != "" {
		approvals = scope.NewApprovalWaiter(
			scope.NewHTTPApprovalSource(cfg.Approvals.Endpoint),
			time.Duration(cfg.Approvals.PollIntervalSeconds)*time.Second,
			time.Duration(cfg.Approvals.TimeoutSeconds)*time.Second,
			logger,
		)
		logger.Info("approval workflow enabled", zap.String("endpoint", cfg.Approvals.Endpoint))
	}

	deps := &api.Dependencies{
		Guard:             guard,
		Evidence:          evidenceStore,
		Writer:            writer,
		Store:             pgStore,
		Reader:            chReader,
		Approvals:         approvals,
		Logger:            logger,
		SharedSecret:      cfg.Auth.SharedSecret,
		AdminKeyHash:      cfg.Auth.AdminKeyHash,
		CacheTTL:          time.Duration(cfg.Auth.CacheTTLSeconds) * time.Second,
		AllowedExtensions: cfg.Evidence.AllowedExtensions,
		MaxResponseBytes:  cfg.Evidence.MaxResponseBytes,
	}
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("scopeguard server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
