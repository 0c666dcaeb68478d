package warehouse

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
)

const (
	DialectPostgres = "postgres"
	DialectDuckDB   = "duckdb"
)

// TableRef names a table inside a schema.
type TableRef struct {
	Schema string
	Name   string
}

func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// Dialect captures the SQL differences between supported warehouses.
type Dialect interface {
	Name() string
	// Placeholder returns the bind parameter for the n-th (1-based) argument.
	Placeholder(n int) string
	ColumnType(t table.ColumnType) string
	// SurrogateKey returns statements to run before CREATE TABLE and the
	// column definition of an auto-assigned BIGINT key.
	SurrogateKey(ref TableRef, column string) (pre []string, def string)
	// Truncate returns the statements emptying def and restarting its
	// surrogate key. They may drop def, so callers run EnsureTable after.
	Truncate(def TableDef) []string
	// MaxParams is the largest number of bind parameters in one statement.
	MaxParams() int
}

// Quote renders a possibly schema-qualified identifier. Both dialects accept
// standard double-quoted identifiers.
func Quote(parts ...string) string {
	nonEmpty := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return nonEmpty.Sanitize()
}

// QuoteRef renders a table reference.
func QuoteRef(ref TableRef) string {
	return Quote(ref.Schema, ref.Name)
}

// DialectFor returns the dialect with the given name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case DialectPostgres, "postgresql", "pgx":
		return postgresDialect{}, nil
	case DialectDuckDB:
		return duckdbDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported warehouse dialect %q", name)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string             { return DialectPostgres }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) MaxParams() int           { return 65535 }

func (postgresDialect) ColumnType(t table.ColumnType) string {
	switch t {
	case table.TypeInt:
		return "BIGINT"
	case table.TypeFloat:
		return "DOUBLE PRECISION"
	case table.TypeBool:
		return "BOOLEAN"
	case table.TypeTimestamp:
		return "TIMESTAMPTZ"
	case table.TypeDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

func (postgresDialect) SurrogateKey(_ TableRef, column string) ([]string, string) {
	return nil, Quote(column) + " BIGSERIAL PRIMARY KEY"
}

func (postgresDialect) Truncate(def TableDef) []string {
	return []string{"TRUNCATE TABLE " + QuoteRef(def.Ref) + " RESTART IDENTITY CASCADE"}
}

type duckdbDialect struct{}

func (duckdbDialect) Name() string           { return DialectDuckDB }
func (duckdbDialect) Placeholder(int) string { return "?" }
func (duckdbDialect) MaxParams() int         { return 32767 }

// DuckDB timestamps are stored without zone; every value written is UTC.
func (duckdbDialect) ColumnType(t table.ColumnType) string {
	switch t {
	case table.TypeInt:
		return "BIGINT"
	case table.TypeFloat:
		return "DOUBLE"
	case table.TypeBool:
		return "BOOLEAN"
	case table.TypeTimestamp:
		return "TIMESTAMP"
	case table.TypeDate:
		return "DATE"
	default:
		return "VARCHAR"
	}
}

func duckdbSequence(ref TableRef, column string) TableRef {
	return TableRef{Schema: ref.Schema, Name: ref.Name + "_" + column + "_seq"}
}

func (duckdbDialect) SurrogateKey(ref TableRef, column string) ([]string, string) {
	seq := duckdbSequence(ref, column)
	return []string{"CREATE SEQUENCE IF NOT EXISTS " + QuoteRef(seq)},
		fmt.Sprintf("%s BIGINT DEFAULT nextval('%s')", Quote(column), strings.ReplaceAll(seq.String(), "'", "''"))
}

// DuckDB has no RESTART for sequences and will not drop one a column default
// still references, so a keyed table is dropped together with its sequence.
func (duckdbDialect) Truncate(def TableDef) []string {
	if def.SurrogateKey == "" {
		return []string{"DELETE FROM " + QuoteRef(def.Ref)}
	}
	return []string{
		"DROP TABLE IF EXISTS " + QuoteRef(def.Ref),
		"DROP SEQUENCE IF EXISTS " + QuoteRef(duckdbSequence(def.Ref, def.SurrogateKey)),
	}
}
