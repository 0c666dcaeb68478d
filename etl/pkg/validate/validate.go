// Package validate checks raw datasets against declared schemas and builds
// the data quality report.
package validate

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
)

const (
	CheckColumnPresent = "column_in_dataframe"
	CheckNotNullable   = "not_nullable"
	CheckUnique        = "field_uniqueness"
)

// Issue is a single failed check. Index is the zero-based row, or nil for
// dataset-level failures such as a missing column.
type Issue struct {
	Dataset     string `json:"dataset"`
	Column      string `json:"column"`
	Check       string `json:"check"`
	Index       *int   `json:"index"`
	FailureCase any    `json:"failure_case"`
}

type DatasetResult struct {
	Name     string  `json:"name"`
	RowCount int     `json:"row_count"`
	Passed   bool    `json:"passed"`
	Issues   []Issue `json:"issues"`
}

type Summary struct {
	ValidatedDatasets int `json:"validated_datasets"`
	ValidDatasets     int `json:"valid_datasets"`
	InvalidDatasets   int `json:"invalid_datasets"`
}

type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Summary     Summary         `json:"summary"`
	Datasets    []DatasetResult `json:"datasets"`
}

// Passed reports whether every dataset passed.
func (r *Report) Passed() bool {
	return r.Summary.InvalidDatasets == 0
}

// Rule is an extra check on one dataset column, in addition to its schema.
type Rule struct {
	Dataset string `koanf:"dataset"`
	Column  string `koanf:"column"`
	Name    string `koanf:"name"`
	Expr    string `koanf:"expr"`
}

type Config struct {
	Logger *slog.Logger
	// Registry maps dataset names to schemas. Nil means DefaultRegistry.
	Registry map[string]Schema
	Rules    []Rule
	Clock    clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	for _, r := range cfg.Rules {
		if r.Dataset == "" || r.Column == "" || r.Expr == "" {
			return fmt.Errorf("validation rule %q requires dataset, column and expr", r.Name)
		}
	}
	return nil
}

type compiledCheck struct {
	name string
	prg  cel.Program
}

type Validator struct {
	log    *slog.Logger
	cfg    Config
	env    *cel.Env
	checks map[string]map[string][]compiledCheck
}

func NewValidator(cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	env, err := cel.NewEnv(cel.Variable("value", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	v := &Validator{log: cfg.Logger, cfg: cfg, env: env, checks: map[string]map[string][]compiledCheck{}}

	for dataset, schema := range cfg.Registry {
		for _, col := range schema.Columns {
			for _, c := range col.Checks {
				if err := v.compile(dataset, col.Name, c); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, r := range cfg.Rules {
		name := r.Name
		if name == "" {
			name = r.Expr
		}
		if err := v.compile(r.Dataset, r.Column, Check{Name: name, Expr: r.Expr}); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) compile(dataset, column string, c Check) error {
	ast, issues := v.env.Compile(c.Expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("check %s on %s.%s: %w", c.Name, dataset, column, issues.Err())
	}
	prg, err := v.env.Program(ast)
	if err != nil {
		return fmt.Errorf("check %s on %s.%s: %w", c.Name, dataset, column, err)
	}
	if v.checks[dataset] == nil {
		v.checks[dataset] = map[string][]compiledCheck{}
	}
	v.checks[dataset][column] = append(v.checks[dataset][column], compiledCheck{name: c.Name, prg: prg})
	return nil
}

// Validate checks every dataset and collects all failures. Inputs are not
// modified. Datasets without a schema pass with a warning.
func (v *Validator) Validate(datasets map[string]*table.Table) *Report {
	names := make([]string, 0, len(datasets))
	for n := range datasets {
		names = append(names, n)
	}
	sort.Strings(names)

	report := &Report{GeneratedAt: v.cfg.Clock.Now().UTC(), Datasets: make([]DatasetResult, 0, len(names))}
	for _, name := range names {
		res := v.dataset(name, datasets[name])
		report.Datasets = append(report.Datasets, res)
		report.Summary.ValidatedDatasets++
		if res.Passed {
			report.Summary.ValidDatasets++
		} else {
			report.Summary.InvalidDatasets++
		}
	}
	return report
}

func (v *Validator) dataset(name string, t *table.Table) DatasetResult {
	res := DatasetResult{Name: name, RowCount: t.Len(), Passed: true, Issues: []Issue{}}
	schema, ok := v.cfg.Registry[name]
	if !ok {
		v.log.Warn("validate: no schema registered, skipping", "dataset", name)
		return res
	}

	work := t.Clone()
	for _, col := range schema.Columns {
		res.Issues = append(res.Issues, v.column(name, work, col)...)
	}
	extra := make([]string, 0, len(v.checks[name]))
	for column := range v.checks[name] {
		if !slices.ContainsFunc(schema.Columns, func(c ColumnSchema) bool { return c.Name == column }) {
			extra = append(extra, column)
		}
	}
	sort.Strings(extra)
	for _, column := range extra {
		// Rules on columns outside the schema see raw values.
		if work.Has(column) {
			res.Issues = append(res.Issues, v.evaluate(name, work, column, v.checks[name][column], nil)...)
		}
	}

	if len(res.Issues) > 0 {
		res.Passed = false
		metrics.ValidationIssuesTotal.WithLabelValues(name).Add(float64(len(res.Issues)))
		v.log.Error("validate: dataset failed", "dataset", name, "issues", len(res.Issues))
	} else {
		v.log.Info("validate: dataset passed", "dataset", name, "rows", res.RowCount)
	}
	return res
}

func (v *Validator) column(dataset string, t *table.Table, col ColumnSchema) []Issue {
	if !t.Has(col.Name) {
		return []Issue{{Dataset: dataset, Column: col.Name, Check: CheckColumnPresent, FailureCase: col.Name}}
	}

	idx := t.Index(col.Name)
	original := make([]any, t.Len())
	for i, row := range t.Rows {
		original[i] = row[idx]
	}

	var issues []Issue
	failed := map[int]bool{}
	for _, i := range t.Coerce(col.Name, col.Type) {
		failed[i] = true
		issues = append(issues, issue(dataset, col.Name, fmt.Sprintf("coerce_dtype('%s')", dtype(col.Type)), i, original[i]))
	}

	if !col.Nullable {
		for i, row := range t.Rows {
			if row[idx] == nil && !failed[i] {
				issues = append(issues, issue(dataset, col.Name, CheckNotNullable, i, nil))
			}
		}
	}

	if col.Unique {
		counts := map[string]int{}
		for _, row := range t.Rows {
			if row[idx] != nil {
				counts[table.Text(row[idx])]++
			}
		}
		for i, row := range t.Rows {
			if row[idx] != nil && counts[table.Text(row[idx])] > 1 {
				issues = append(issues, issue(dataset, col.Name, CheckUnique, i, row[idx]))
			}
		}
	}

	return append(issues, v.evaluate(dataset, t, col.Name, v.checks[dataset][col.Name], failed)...)
}

func (v *Validator) evaluate(dataset string, t *table.Table, column string, checks []compiledCheck, skip map[int]bool) []Issue {
	if len(checks) == 0 {
		return nil
	}
	idx := t.Index(column)
	var issues []Issue
	for i, row := range t.Rows {
		val := row[idx]
		if val == nil || skip[i] {
			continue
		}
		in := celValue(val)
		for _, c := range checks {
			out, _, err := c.prg.Eval(map[string]any{"value": in})
			if err != nil {
				v.log.Debug("validate: check evaluation failed", "dataset", dataset, "column", column, "check", c.name, "error", err)
				issues = append(issues, issue(dataset, column, c.name, i, val))
				continue
			}
			if ok, _ := out.Value().(bool); !ok {
				issues = append(issues, issue(dataset, column, c.name, i, val))
			}
		}
	}
	return issues
}

func celValue(v any) any {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return v
	}
}

func issue(dataset, column, check string, index int, failure any) Issue {
	return Issue{Dataset: dataset, Column: column, Check: check, Index: &index, FailureCase: failure}
}
