package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirengine/internal/api"
	"github.com/ehr/fhirengine/internal/catalog"
	"github.com/ehr/fhirengine/internal/config"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/search"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/internal/store/memory"
	"github.com/ehr/fhirengine/internal/store/sqlstore"
	"github.com/ehr/fhirengine/internal/transaction"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// dbOptions maps the configured backend to database options. ok is false
// for the in-memory backend.
func dbOptions(cfg *config.Config) (opts db.Options, ok bool) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return db.Options{
			Driver:   db.DriverPostgres,
			DSN:      cfg.DatabaseURL,
			MaxConns: int(cfg.DBMaxConns),
			MinConns: int(cfg.DBMinConns),
		}, true
	case config.BackendSQLite:
		return db.Options{Driver: db.DriverSQLite, DSN: cfg.SQLitePath}, true
	}
	return db.Options{}, false
}

// openBackend opens the configured storage backend. SQL backends are
// migrated to the latest schema; the returned *sql.DB is nil for memory.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Backend, *sql.DB, error) {
	opts, ok := dbOptions(cfg)
	if !ok {
		logger.Warn().Msg("using the in-memory store; data is lost on exit")
		return memory.New(), nil, nil
	}
	conn, err := db.Open(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.StoreBackend, err)
	}
	applied, err := db.NewSchemaMigrator(conn).Up(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("migrate %s: %w", cfg.StoreBackend, err)
	}
	logger.Info().Str("backend", cfg.StoreBackend).Int("migrations_applied", applied).Msg("connected to database")
	return sqlstore.New(conn), conn, nil
}

func runServer(ctx context.Context) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	logger := newLogger(cfg)

	// Catalog
	cat, err := catalog.Load(cfg.SearchParamsFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info().Str("catalog", cat.Version()).Int("resource_types", len(cat.ResourceTypes())).Msg("catalog loaded")

	// Storage
	backend, conn, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	s := store.New(backend, cat, logger, store.Options{UpdateCreate: cfg.UpdateCreate})
	engine := search.NewEngine(s.Reader(), cat, logger)
	searchOpts := search.Options{DefaultCount: cfg.DefaultPageSize, MaxCount: cfg.MaxPageSize}
	tx := transaction.NewProcessor(s, engine, logger, transaction.Options{Search: searchOpts})

	h := api.NewHandler(s, engine, tx, api.Options{
		BaseURL: cfg.BaseURL,
		Search:  searchOpts,
		Version: version,
	}, logger)
	e := api.NewEcho(h, logger, api.ServerOptions{
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
		MaxBodySize:    cfg.MaxBodySize,
		MaxBundleSize:  cfg.MaxBundleSize,
		DB:             conn,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
