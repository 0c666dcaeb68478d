// Package extract reads the raw marketplace snapshots into tables.
package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
)

// Source is one configured raw dataset.
type Source struct {
	Name       string
	File       string
	PrimaryKey string
	// DateColumn, if set and present, is parsed to timestamps. Unparseable
	// values become NULL.
	DateColumn string
}

// SourceMetadata describes what was read for one source.
type SourceMetadata struct {
	Path       string   `json:"path"`
	RowCount   int      `json:"row_count"`
	Columns    []string `json:"columns"`
	PrimaryKey string   `json:"primary_key,omitempty"`
	DateColumn string   `json:"date_column,omitempty"`
}

// Extraction holds every source read in a run.
type Extraction struct {
	Tables   map[string]*table.Table
	Metadata map[string]SourceMetadata
}

type Config struct {
	Logger  *slog.Logger
	Store   Store
	Sources []Source
	// Limit keeps at most this many rows per source. Zero means no limit.
	Limit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

type Extractor struct {
	log *slog.Logger
	cfg Config
}

func NewExtractor(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Extractor{log: cfg.Logger, cfg: cfg}, nil
}

// Extract reads every configured source.
func (e *Extractor) Extract(ctx context.Context) (*Extraction, error) {
	if err := e.cfg.Store.Check(ctx); err != nil {
		return nil, err
	}

	out := &Extraction{
		Tables:   make(map[string]*table.Table, len(e.cfg.Sources)),
		Metadata: make(map[string]SourceMetadata, len(e.cfg.Sources)),
	}
	for _, src := range e.cfg.Sources {
		t, meta, err := e.read(ctx, src)
		if err != nil {
			return nil, err
		}
		out.Tables[src.Name] = t
		out.Metadata[src.Name] = meta
	}
	e.log.Info("extract: completed", "sources", len(out.Tables))
	return out, nil
}

func (e *Extractor) read(ctx context.Context, src Source) (*table.Table, SourceMetadata, error) {
	if src.File == "" {
		return nil, SourceMetadata{}, fmt.Errorf("source %q is missing the file attribute", src.Name)
	}
	rc, loc, err := e.cfg.Store.Open(ctx, src.File)
	if err != nil {
		return nil, SourceMetadata{}, fmt.Errorf("source %q: %w", src.Name, err)
	}
	defer rc.Close()

	e.log.Info("extract: reading source", "source", src.Name, "path", loc)
	t, err := ReadCSV(rc, e.cfg.Limit)
	if err != nil {
		return nil, SourceMetadata{}, fmt.Errorf("failed to read source %q from %s: %w", src.Name, loc, err)
	}
	if src.DateColumn != "" && t.Has(src.DateColumn) {
		if failed := t.Coerce(src.DateColumn, table.TypeTimestamp); len(failed) > 0 {
			e.log.Warn("extract: unparseable dates set to null", "source", src.Name, "column", src.DateColumn, "count", len(failed))
		}
	}

	return t, SourceMetadata{
		Path:       loc,
		RowCount:   t.Len(),
		Columns:    t.ColumnNames(),
		PrimaryKey: src.PrimaryKey,
		DateColumn: src.DateColumn,
	}, nil
}

// ReadCSV reads a headed CSV into a text table. Empty cells are NULL. A
// positive limit stops after that many data rows.
func ReadCSV(r io.Reader, limit int) (*table.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return table.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make([]table.Column, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		cols[i] = table.Column{Name: h, Type: table.TypeText}
	}

	t := table.New(cols...)
	for limit <= 0 || t.Len() < limit {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", t.Len()+1, err)
		}
		row := make([]any, len(cols))
		for i := range cols {
			if i < len(rec) && rec[i] != "" {
				row[i] = rec[i]
			}
		}
		t.Append(row...)
	}
	return t, nil
}
