package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"slidegen/internal/app/jobs"
	"slidegen/internal/config"
	"slidegen/internal/domain/job"
	"slidegen/internal/infra/execution"
	"slidegen/internal/infra/metrics"
	"slidegen/internal/infra/notify"
	"slidegen/internal/infra/office"
	"slidegen/internal/infra/render"
	"slidegen/internal/infra/storage/memory"
	"slidegen/internal/infra/storage/postgres"
	"slidegen/internal/infra/storage/retry"
	"slidegen/pkg/common/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return trace.SpanContextFromContext(ctx).TraceID().String()
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	log := logger.NewWithEvents(os.Stdout, logLevel(cfg.Service.LogLevel), svcName, traceIDFn, logEvents)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	tracer := tracenoop.NewTracerProvider().Tracer(cfg.Service.Name)
	meter := metricnoop.NewMeterProvider().Meter(cfg.Service.Name)

	store, cleanup, err := buildStore(ctx, cfg, tracer, log)
	if err != nil {
		return fmt.Errorf("building state store: %w", err)
	}
	defer cleanup()

	metricCollector, err := metrics.NewRecorder(meter)
	if err != nil {
		return fmt.Errorf("creating metrics recorder: %w", err)
	}

	broker := notify.NewBroker()
	pool := execution.NewPool(cfg.Workers.Count, log, tracer)

	active := jobs.NewActiveCollection(store, pool, broker, metricCollector, log, tracer)
	completed := jobs.NewCompletedCollection(store, log, tracer)
	active.SetArchiveHook(func(ctx context.Context, group *job.Group) {
		completed.AddGroup(ctx, group)
	})

	opener := office.NewOpener()
	manager := jobs.NewManager(active, completed, store, opener, opener, log, tracer)
	runner := jobs.NewSheetRunner(active, render.NewRenderer(), store, broker, metricCollector, log, tracer)
	pool.SetRunner(runner.Run)

	if err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("restoring persisted jobs: %w", err)
	}

	log.Info(ctx, "server started",
		"storage", cfg.Storage.Backend,
		"workers", cfg.Workers.Count,
		"groups", manager.Active().GroupCount())

	<-ctx.Done()
	log.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "failed to drain execution pool", "error", err)
	}
	return nil
}

// buildStore creates the configured state store. The returned cleanup closes
// any underlying connections and is safe to call on the memory backend too.
func buildStore(ctx context.Context, cfg config.Config, tracer trace.Tracer, log *logger.Logger) (job.StateStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		return memory.NewStateStore(), func() {}, nil

	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening db pool: %w", err)
		}
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info(ctx, "migrations applied")
		return retry.NewStateStore(postgres.NewStateStore(pool, tracer)), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations" over a stdlib handle borrowed from the pgx pool.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func logLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
