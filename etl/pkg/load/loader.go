package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

type Config struct {
	Logger    *slog.Logger
	Warehouse warehouse.Client
	// Schema holds the star schema tables.
	Schema string
	// StagingSchema holds the transient SCD2 staging tables.
	StagingSchema string
	// KeepStaging leaves staging tables in place after a load.
	KeepStaging bool
	Clock       clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse client is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = defaultSchema(cfg.Warehouse.Dialect())
	}
	if cfg.StagingSchema == "" {
		cfg.StagingSchema = cfg.Schema
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

func defaultSchema(d warehouse.Dialect) string {
	if d.Name() == warehouse.DialectDuckDB {
		return "main"
	}
	return "public"
}

// Options apply to a single load call.
type Options struct {
	// RunTS is the effective timestamp of new versions. Zero means now.
	RunTS time.Time
	// DryRun computes what would change without modifying target tables.
	// SCD2 targets are still staged so the plan can be computed in SQL.
	DryRun bool
}

// Result summarizes the load of one table.
type Result struct {
	Table    string   `json:"table"`
	Strategy Strategy `json:"strategy"`
	// Rows is the number of input rows after projection and deduplication.
	Rows      int   `json:"rows"`
	Closed    int64 `json:"closed"`
	Inserted  int64 `json:"inserted"`
	Unchanged int   `json:"unchanged"`
	// Dropped counts input rows with a NULL or empty natural key.
	Dropped int  `json:"dropped,omitempty"`
	Skipped bool `json:"skipped,omitempty"`
	DryRun  bool `json:"dry_run,omitempty"`
}

type Loader struct {
	log *slog.Logger
	cfg Config
}

func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

func (l *Loader) Schema() string {
	return l.cfg.Schema
}

func (l *Loader) runTS(opts Options) time.Time {
	ts := opts.RunTS
	if ts.IsZero() {
		ts = l.cfg.Clock.Now()
	}
	// Warehouse timestamps are microsecond precision.
	return ts.UTC().Truncate(time.Microsecond)
}

// Load writes df into target using the target's strategy.
func (l *Loader) Load(ctx context.Context, target Target, df *table.Table, opts Options) (Result, error) {
	if err := target.Validate(); err != nil {
		return Result{}, err
	}
	switch target.Strategy {
	case StrategySCD2:
		return l.UpsertSCD2(ctx, target, df, opts)
	case StrategyReplace:
		return l.Replace(ctx, target, df, opts)
	default:
		return l.Append(ctx, target, df, opts)
	}
}

// LoadAll loads inputs in the order of Targets. A target with no input is
// skipped with a warning. The first failing table aborts the load; results
// for tables already committed are returned alongside the error.
func (l *Loader) LoadAll(ctx context.Context, inputs map[string]*table.Table, opts Options) ([]Result, error) {
	opts.RunTS = l.runTS(opts)
	if err := l.EnsureSchemas(ctx); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(Targets))
	for _, target := range Targets {
		df, ok := inputs[target.Table]
		if !ok || df == nil {
			l.log.Warn("load: no input for table, skipping", "table", target.Table)
			metrics.LoadsSkippedTotal.WithLabelValues(target.Table).Inc()
			results = append(results, Result{Table: target.Table, Strategy: target.Strategy, Skipped: true, DryRun: opts.DryRun})
			continue
		}
		res, err := l.Load(ctx, target, df, opts)
		if err != nil {
			return results, fmt.Errorf("failed to load %s: %w", target.Table, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// EnsureSchemas creates the target and staging schemas.
func (l *Loader) EnsureSchemas(ctx context.Context) error {
	for _, s := range []string{l.cfg.Schema, l.cfg.StagingSchema} {
		if err := l.cfg.Warehouse.EnsureSchema(ctx, s); err != nil {
			return connectorErr("create schema", s, err)
		}
	}
	return nil
}

func (l *Loader) skipped(target Target, opts Options) Result {
	l.log.Warn("load: input is empty, skipping", "table", target.Table, "strategy", target.Strategy)
	metrics.LoadsSkippedTotal.WithLabelValues(target.Table).Inc()
	return Result{Table: target.Table, Strategy: target.Strategy, Skipped: true, DryRun: opts.DryRun}
}
