// Package config loads the pipeline definition.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/malbeclabs/rentals-lake/etl/pkg/extract"
	"github.com/malbeclabs/rentals-lake/etl/pkg/validate"
)

// EnvPrefix selects environment overrides. Nested keys are separated by a
// double underscore: ETL_WAREHOUSE__STAGING_SCHEMA sets warehouse.staging_schema.
const EnvPrefix = "ETL_"

type PolicyMode string

const (
	// PolicyBlock stops the run before loading when validation fails.
	PolicyBlock PolicyMode = "block"
	// PolicyWarn logs validation failures and loads anyway.
	PolicyWarn PolicyMode = "warn"
)

type Config struct {
	Paths      PathsConfig             `koanf:"paths"`
	Sources    map[string]SourceConfig `koanf:"sources"`
	Source     SourceStoreConfig       `koanf:"source"`
	Warehouse  WarehouseConfig         `koanf:"warehouse"`
	Validation ValidationConfig        `koanf:"validation"`
	Schedule   ScheduleConfig          `koanf:"schedule"`
}

type PathsConfig struct {
	RawDataDir string `koanf:"raw_data_dir"`
}

type SourceConfig struct {
	File       string `koanf:"file"`
	PrimaryKey string `koanf:"primary_key"`
	DateColumn string `koanf:"date_column"`
}

type SourceStoreConfig struct {
	S3 S3Config `koanf:"s3"`
}

type S3Config struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Region          string `koanf:"region"`
	EndpointURL     string `koanf:"endpoint_url"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
}

type WarehouseConfig struct {
	Dialect       string `koanf:"dialect"`
	URI           string `koanf:"uri"`
	Schema        string `koanf:"schema"`
	StagingSchema string `koanf:"staging_schema"`
	LoadBatchSize int    `koanf:"load_batch_size"`
	KeepStaging   bool   `koanf:"keep_staging"`
	// IntegrityCheck reports current listings whose host is unknown.
	IntegrityCheck bool `koanf:"integrity_check"`
}

type ValidationConfig struct {
	Policy     PolicyMode      `koanf:"policy"`
	ReportPath string          `koanf:"report_path"`
	Rules      []validate.Rule `koanf:"rules"`
}

type ScheduleConfig struct {
	Interval   time.Duration `koanf:"interval"`
	RetryDelay time.Duration `koanf:"retry_delay"`
	Retries    int           `koanf:"retries"`
	// SkipInitialRun waits one interval before the first scheduled run.
	SkipInitialRun bool `koanf:"skip_initial_run"`
}

func defaults() map[string]any {
	return map[string]any{
		"paths.raw_data_dir":        "data/raw",
		"warehouse.schema":          "analytics",
		"warehouse.load_batch_size": 5000,
		"warehouse.integrity_check": true,
		"validation.policy":         string(PolicyBlock),
		"validation.report_path":    "output/data_quality_report.json",
		"schedule.interval":         "24h",
		"schedule.retry_delay":      "15m",
		"schedule.retries":          1,
		"source.s3.region":          extract.DefaultS3Region,
	}
}

// DefaultSources apply when the configuration names no sources.
func DefaultSources() map[string]SourceConfig {
	return map[string]SourceConfig{
		"listings": {File: "listings.csv", PrimaryKey: "id", DateColumn: "last_review"},
		"reviews":  {File: "reviews.csv", PrimaryKey: "listing_id", DateColumn: "date"},
	}
}

// flagKeys maps CLI flags to config keys. Only explicitly set flags apply.
var flagKeys = map[string]string{
	"raw-data-dir":      "paths.raw_data_dir",
	"warehouse-uri":     "warehouse.uri",
	"warehouse-dialect": "warehouse.dialect",
	"schema":            "warehouse.schema",
	"staging-schema":    "warehouse.staging_schema",
	"validation-policy": "validation.policy",
	"report-path":       "validation.report_path",
	"interval":          "schedule.interval",
}

// Load reads configuration with precedence flags > env > file > defaults.
// String values in the file may reference the environment as ${VAR} or
// ${VAR:-default}. An empty path skips the file.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		expanded := ExpandEnv(fk.Raw()).(map[string]any)
		if err := k.Load(confmap.Provider(expanded, ""), nil); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Validation.Policy {
	case "":
		c.Validation.Policy = PolicyBlock
	case PolicyBlock, PolicyWarn:
	default:
		return fmt.Errorf("invalid validation.policy %q: want block or warn", c.Validation.Policy)
	}
	if c.Warehouse.StagingSchema == "" {
		c.Warehouse.StagingSchema = c.Warehouse.Schema
	}
	if c.Warehouse.LoadBatchSize < 0 {
		return errors.New("warehouse.load_batch_size must not be negative")
	}
	if c.Schedule.Interval <= 0 {
		return errors.New("schedule.interval must be positive")
	}
	if c.Schedule.Retries < 0 {
		return errors.New("schedule.retries must not be negative")
	}
	if len(c.Sources) == 0 {
		c.Sources = DefaultSources()
	}
	if c.Source.S3.Bucket == "" && c.Paths.RawDataDir == "" {
		return errors.New("paths.raw_data_dir or source.s3.bucket is required")
	}
	return nil
}

// ExtractSources returns the configured sources ordered by name.
func (c *Config) ExtractSources() []extract.Source {
	names := make([]string, 0, len(c.Sources))
	for n := range c.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]extract.Source, 0, len(names))
	for _, n := range names {
		s := c.Sources[n]
		out = append(out, extract.Source{Name: n, File: s.File, PrimaryKey: s.PrimaryKey, DateColumn: s.DateColumn})
	}
	return out
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} in every string of a
// decoded YAML structure. Unset variables without a default expand to "".
func ExpandEnv(v any) any {
	switch x := v.(type) {
	case string:
		return envPattern.ReplaceAllStringFunc(x, func(m string) string {
			parts := envPattern.FindStringSubmatch(m)
			if val, ok := os.LookupEnv(parts[1]); ok {
				return val
			}
			return parts[3]
		})
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = ExpandEnv(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = ExpandEnv(val)
		}
		return out
	default:
		return v
	}
}
