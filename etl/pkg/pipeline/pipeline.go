// Package pipeline runs extract, validate, transform and load as one run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rentals-lake/etl/pkg/config"
	"github.com/malbeclabs/rentals-lake/etl/pkg/extract"
	"github.com/malbeclabs/rentals-lake/etl/pkg/load"
	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/transform"
	"github.com/malbeclabs/rentals-lake/etl/pkg/validate"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

// ErrValidationFailed is returned when validation fails under the block policy.
var ErrValidationFailed = errors.New("data validation failed")

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusBlocked = "blocked"
)

type Extractor interface {
	Extract(ctx context.Context) (*extract.Extraction, error)
}

type Validator interface {
	Validate(datasets map[string]*table.Table) *validate.Report
}

type Transformer interface {
	Transform(datasets map[string]*table.Table) (*transform.Result, error)
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Extractor   Extractor
	Validator   Validator
	Transformer Transformer
	Loader      *load.Loader
	Warehouse   warehouse.Client

	Policy config.PolicyMode
	// ReportPath receives the data quality report. Empty skips writing it.
	ReportPath     string
	IntegrityCheck bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Extractor == nil || cfg.Validator == nil || cfg.Transformer == nil {
		return errors.New("extractor, validator and transformer are required")
	}
	if cfg.Loader == nil || cfg.Warehouse == nil {
		return errors.New("loader and warehouse are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Policy == "" {
		cfg.Policy = config.PolicyBlock
	}
	return nil
}

// RunOptions select what a run does.
type RunOptions struct {
	// Trigger labels the run in logs and metrics, e.g. "cli" or "schedule".
	Trigger string
	// DryRun stages and plans loads without writing target tables.
	DryRun bool
	// ValidateOnly stops after validation.
	ValidateOnly bool
}

type RunReport struct {
	RunID            string                            `json:"run_id"`
	Trigger          string                            `json:"trigger"`
	Status           string                            `json:"status"`
	StartedAt        time.Time                         `json:"started_at"`
	FinishedAt       time.Time                         `json:"finished_at"`
	RunTS            time.Time                         `json:"run_ts"`
	DryRun           bool                              `json:"dry_run"`
	ValidateOnly     bool                              `json:"validate_only"`
	Sources          map[string]extract.SourceMetadata `json:"sources,omitempty"`
	Validation       *validate.Report                  `json:"validation,omitempty"`
	Loads            []load.Result                     `json:"loads,omitempty"`
	OrphanedListings *int64                            `json:"orphaned_listings,omitempty"`
	Error            string                            `json:"error,omitempty"`
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Run executes one pipeline run. The report is returned even when the run
// fails; tables committed before a failure stay committed.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (report *RunReport, err error) {
	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}
	now := p.cfg.Clock.Now().UTC()
	report = &RunReport{
		RunID:        uuid.NewString(),
		Trigger:      opts.Trigger,
		StartedAt:    now,
		RunTS:        now.Truncate(time.Microsecond),
		DryRun:       opts.DryRun,
		ValidateOnly: opts.ValidateOnly,
	}
	log := p.log.With("run_id", report.RunID, "trigger", opts.Trigger)
	log.Info("pipeline: run started", "dry_run", opts.DryRun, "validate_only", opts.ValidateOnly)

	defer func() {
		report.FinishedAt = p.cfg.Clock.Now().UTC()
		switch {
		case errors.Is(err, ErrValidationFailed):
			report.Status = StatusBlocked
		case err != nil:
			report.Status = StatusFailed
		default:
			report.Status = StatusSuccess
		}
		if err != nil {
			report.Error = err.Error()
		}
		duration := report.FinishedAt.Sub(report.StartedAt)
		metrics.PipelineRunsTotal.WithLabelValues(opts.Trigger, report.Status).Inc()
		metrics.PipelineRunDuration.WithLabelValues(opts.Trigger).Observe(duration.Seconds())
		if err != nil {
			log.Error("pipeline: run failed", "status", report.Status, "error", err, "duration", duration.String())
			return
		}
		metrics.PipelineLastSuccess.Set(float64(report.FinishedAt.Unix()))
		log.Info("pipeline: run finished", "duration", duration.String())
	}()

	var extraction *extract.Extraction
	if err := p.stage("extract", func() error {
		var err error
		extraction, err = p.cfg.Extractor.Extract(ctx)
		return err
	}); err != nil {
		return report, fmt.Errorf("failed to extract: %w", err)
	}
	report.Sources = extraction.Metadata

	if err := p.stage("validate", func() error {
		report.Validation = p.cfg.Validator.Validate(extraction.Tables)
		if p.cfg.ReportPath == "" {
			return nil
		}
		if err := validate.WriteReport(p.cfg.ReportPath, report.Validation); err != nil {
			return err
		}
		log.Info("pipeline: data quality report stored", "path", p.cfg.ReportPath)
		return nil
	}); err != nil {
		return report, fmt.Errorf("failed to validate: %w", err)
	}
	if !report.Validation.Passed() {
		if p.cfg.Policy == config.PolicyBlock {
			return report, fmt.Errorf("%w: %d of %d datasets invalid", ErrValidationFailed,
				report.Validation.Summary.InvalidDatasets, report.Validation.Summary.ValidatedDatasets)
		}
		log.Warn("pipeline: validation failed, continuing under warn policy", "invalid_datasets", report.Validation.Summary.InvalidDatasets)
	}
	if opts.ValidateOnly {
		return report, nil
	}

	var transformed *transform.Result
	if err := p.stage("transform", func() error {
		var err error
		transformed, err = p.cfg.Transformer.Transform(extraction.Tables)
		return err
	}); err != nil {
		return report, fmt.Errorf("failed to transform: %w", err)
	}

	release, err := p.cfg.Warehouse.AcquireRunLock(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	defer release()

	if err := p.stage("load", func() error {
		var err error
		report.Loads, err = p.cfg.Loader.LoadAll(ctx, transformed.Tables(), load.Options{RunTS: report.RunTS, DryRun: opts.DryRun})
		return err
	}); err != nil {
		return report, fmt.Errorf("failed to load: %w", err)
	}

	if p.cfg.IntegrityCheck && !opts.DryRun {
		n, err := p.cfg.Loader.OrphanedListings(ctx)
		if err != nil {
			// Reporting only; the load already committed.
			log.Warn("pipeline: integrity check failed", "error", err)
		} else {
			report.OrphanedListings = &n
		}
	}
	return report, nil
}

func (p *Pipeline) stage(name string, fn func() error) error {
	start := p.cfg.Clock.Now()
	err := fn()
	metrics.StageDuration.WithLabelValues(name).Observe(p.cfg.Clock.Since(start).Seconds())
	return err
}
