package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rentals-lake/etl/pkg/config"
	"github.com/malbeclabs/rentals-lake/etl/pkg/extract"
	"github.com/malbeclabs/rentals-lake/etl/pkg/load"
	"github.com/malbeclabs/rentals-lake/etl/pkg/transform"
	"github.com/malbeclabs/rentals-lake/etl/pkg/validate"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

type BuildOptions struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Limit keeps at most this many rows per source. Zero means no limit.
	Limit int
}

// NewStore returns the S3 store when a bucket is configured and the local
// raw data directory otherwise.
func NewStore(ctx context.Context, cfg *config.Config) (extract.Store, error) {
	s3 := cfg.Source.S3
	if s3.Bucket == "" {
		return extract.LocalStore{BaseDir: cfg.Paths.RawDataDir}, nil
	}
	return extract.NewS3Store(ctx, extract.S3StoreConfig{
		Bucket:          s3.Bucket,
		Prefix:          s3.Prefix,
		Region:          s3.Region,
		EndpointURL:     s3.EndpointURL,
		AccessKeyID:     s3.AccessKeyID,
		SecretAccessKey: s3.SecretAccessKey,
	})
}

// Build assembles a pipeline from configuration over an open warehouse.
func Build(ctx context.Context, cfg *config.Config, client warehouse.Client, opts BuildOptions) (*Pipeline, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	store, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create source store: %w", err)
	}
	extractor, err := extract.NewExtractor(extract.Config{
		Logger:  opts.Logger,
		Store:   store,
		Sources: cfg.ExtractSources(),
		Limit:   opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}
	validator, err := validate.NewValidator(validate.Config{
		Logger: opts.Logger,
		Rules:  cfg.Validation.Rules,
		Clock:  opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	transformer, err := transform.NewTransformer(transform.Config{
		Logger: opts.Logger,
		Clock:  opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transformer: %w", err)
	}
	loader, err := load.NewLoader(load.Config{
		Logger:        opts.Logger,
		Warehouse:     client,
		Schema:        cfg.Warehouse.Schema,
		StagingSchema: cfg.Warehouse.StagingSchema,
		KeepStaging:   cfg.Warehouse.KeepStaging,
		Clock:         opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create loader: %w", err)
	}
	if err := loader.EnsureSchemas(ctx); err != nil {
		return nil, err
	}

	return New(Config{
		Logger:         opts.Logger,
		Clock:          opts.Clock,
		Extractor:      extractor,
		Validator:      validator,
		Transformer:    transformer,
		Loader:         loader,
		Warehouse:      client,
		Policy:         cfg.Validation.Policy,
		ReportPath:     cfg.Validation.ReportPath,
		IntegrityCheck: cfg.Warehouse.IntegrityCheck,
	})
}
