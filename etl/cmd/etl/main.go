package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/rentals-lake/etl/pkg/config"
	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/pipeline"
	"github.com/malbeclabs/rentals-lake/etl/pkg/scheduler"
	"github.com/malbeclabs/rentals-lake/etl/pkg/server"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
	"github.com/malbeclabs/rentals-lake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath  = "config/pipeline.yaml"
	defaultMetricsAddr = "0.0.0.0:0"
	defaultListenAddr  = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", defaultConfigPath, "path to the pipeline configuration file")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Run modes
	dryRunFlag := flag.Bool("dry-run", false, "extract, validate, transform and plan loads without writing target tables")
	validateOnlyFlag := flag.Bool("validate-only", false, "stop after validation and write the data quality report")
	limitFlag := flag.Int("limit", 0, "read at most this many rows per source (0 = all)")
	serveFlag := flag.Bool("serve", false, "run on the configured schedule and serve the control API")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "control API listen address (with --serve)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (empty to disable)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "apply postgres warehouse migrations and exit")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show postgres warehouse migration status and exit")
	migrateDownFlag := flag.Bool("migrate-down", false, "roll back the most recent postgres warehouse migration and exit")

	// Config overrides, applied over file and environment values when set.
	flag.String("raw-data-dir", "", "directory holding the raw CSV snapshots")
	flag.String("warehouse-uri", "", "warehouse URI (postgres://... or a duckdb file path)")
	flag.String("warehouse-dialect", "", "warehouse dialect: postgres or duckdb (inferred from the URI when empty)")
	flag.String("schema", "", "schema for star schema tables")
	flag.String("staging-schema", "", "schema for SCD2 staging tables")
	flag.String("validation-policy", "", "block or warn when validation fails")
	flag.String("report-path", "", "data quality report output path")
	flag.Duration("interval", 0, "schedule interval (with --serve)")

	flag.Parse()

	// godotenv doesn't override existing env vars
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	configPath := *configFlag
	if !flag.CommandLine.Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			log.Warn("config file not found, using defaults", "path", configPath)
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath, flag.CommandLine)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateFlag || *migrateStatusFlag || *migrateDownFlag {
		mcfg := warehouse.MigrationConfig{URI: cfg.Warehouse.URI, Schema: cfg.Warehouse.Schema}
		switch {
		case *migrateStatusFlag:
			return warehouse.MigrationStatus(ctx, log, mcfg)
		case *migrateDownFlag:
			return warehouse.Down(ctx, log, mcfg)
		}
		return warehouse.Up(ctx, log, mcfg)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: env,
			Release:     "rentals-lake-etl@" + version,
		}); err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "environment", env)
			defer sentry.Flush(2 * time.Second)
		}
	}
	sentryEnabled := sentry.CurrentHub().Client() != nil

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	if *metricsAddrFlag != "" {
		stopMetrics, err := serveMetrics(log, *metricsAddrFlag)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	if cfg.Warehouse.Dialect != warehouse.DialectPostgres && !strings.Contains(cfg.Warehouse.URI, "://") && cfg.Warehouse.URI != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Warehouse.URI), 0o755); err != nil {
			return fmt.Errorf("failed to create warehouse directory: %w", err)
		}
	}
	client, err := warehouse.Open(ctx, warehouse.Config{
		Logger:    log,
		Dialect:   cfg.Warehouse.Dialect,
		URI:       cfg.Warehouse.URI,
		BatchSize: cfg.Warehouse.LoadBatchSize,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := pipeline.Build(ctx, cfg, client, pipeline.BuildOptions{Logger: log, Limit: *limitFlag})
	if err != nil {
		return err
	}

	if *serveFlag {
		sched, err := scheduler.New(scheduler.Config{
			Logger:         log,
			Runner:         p,
			Interval:       cfg.Schedule.Interval,
			Retries:        cfg.Schedule.Retries,
			RetryDelay:     cfg.Schedule.RetryDelay,
			SkipInitialRun: cfg.Schedule.SkipInitialRun,
			OnFailure:      captureFailure,
		})
		if err != nil {
			return err
		}
		var origins []string
		if v := os.Getenv("CORS_ORIGINS"); v != "" {
			origins = strings.Split(v, ",")
		}
		srv, err := server.New(server.Config{
			Logger:      log,
			ListenAddr:  *listenAddrFlag,
			VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
			CORSOrigins: origins,
			Scheduler:   sched,
			Sentry:      sentryEnabled,
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}

	report, err := p.Run(ctx, pipeline.RunOptions{
		Trigger:      "cli",
		DryRun:       *dryRunFlag,
		ValidateOnly: *validateOnlyFlag,
	})
	logSummary(log, report)
	if err != nil {
		captureFailure(report, err)
		return err
	}
	return nil
}

func serveMetrics(log *slog.Logger, addr string) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to serve prometheus metrics", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func captureFailure(report *pipeline.RunReport, err error) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		if report != nil {
			scope.SetTag("run_id", report.RunID)
			scope.SetTag("trigger", report.Trigger)
			scope.SetTag("status", report.Status)
		}
		sentry.CaptureException(err)
	})
}

func logSummary(log *slog.Logger, report *pipeline.RunReport) {
	if report == nil {
		return
	}
	if report.Validation != nil {
		s := report.Validation.Summary
		log.Info("validation summary", "validated", s.ValidatedDatasets, "valid", s.ValidDatasets, "invalid", s.InvalidDatasets)
	}
	for _, r := range report.Loads {
		log.Info("load summary", "table", r.Table, "strategy", r.Strategy, "rows", r.Rows,
			"inserted", r.Inserted, "closed", r.Closed, "unchanged", r.Unchanged, "dropped", r.Dropped, "skipped", r.Skipped, "dry_run", r.DryRun)
	}
	if report.OrphanedListings != nil {
		log.Info("integrity summary", "orphaned_listings", *report.OrphanedListings)
	}
	log.Info("run summary", "run_id", report.RunID, "status", report.Status,
		"duration", report.FinishedAt.Sub(report.StartedAt).String())
}
