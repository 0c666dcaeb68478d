package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
)

// TableDef describes a table to create.
type TableDef struct {
	Ref     TableRef
	Columns []table.Column
	// SurrogateKey, if set, is an auto-assigned BIGINT column placed first.
	SurrogateKey string
}

// CreateTableSQL returns the statements creating def if it does not exist.
func CreateTableSQL(d Dialect, def TableDef) []string {
	var stmts []string
	defs := make([]string, 0, len(def.Columns)+1)
	if def.SurrogateKey != "" {
		pre, col := d.SurrogateKey(def.Ref, def.SurrogateKey)
		stmts = append(stmts, pre...)
		defs = append(defs, col)
	}
	for _, c := range def.Columns {
		defs = append(defs, Quote(c.Name)+" "+d.ColumnType(c.Type))
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteRef(def.Ref), strings.Join(defs, ", ")))
	return stmts
}

// EnsureTable creates def if it does not exist. Existing tables are left as is.
func EnsureTable(ctx context.Context, c Conn, def TableDef) error {
	for _, stmt := range CreateTableSQL(c.Dialect(), def) {
		if _, err := c.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", def.Ref, err)
		}
	}
	return nil
}

func bulkWrite(ctx context.Context, c conn, ref TableRef, t *table.Table, mode WriteMode) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("cannot write %s: table has no columns", ref)
	}

	if mode == WriteReplace {
		if _, err := c.Exec(ctx, "DROP TABLE IF EXISTS "+QuoteRef(ref)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", ref, err)
		}
	}
	if err := EnsureTable(ctx, c, TableDef{Ref: ref, Columns: t.Columns}); err != nil {
		return err
	}
	if t.Len() == 0 {
		return nil
	}

	cols := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		cols[i] = Quote(col.Name)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", QuoteRef(ref), strings.Join(cols, ", "))

	perBatch := c.batchSize
	if limit := c.dialect.MaxParams() / len(cols); limit < perBatch {
		perBatch = limit
	}
	if perBatch < 1 {
		perBatch = 1
	}

	for start := 0; start < t.Len(); start += perBatch {
		end := min(start+perBatch, t.Len())
		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, (end-start)*len(cols))
		for r := start; r < end; r++ {
			if r > start {
				sb.WriteString(", ")
			}
			sb.WriteByte('(')
			for i, v := range t.Rows[r] {
				if i > 0 {
					sb.WriteString(", ")
				}
				args = append(args, bindValue(v))
				sb.WriteString(c.dialect.Placeholder(len(args)))
			}
			sb.WriteByte(')')
		}
		if _, err := c.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert rows %d-%d into %s: %w", start, end, ref, err)
		}
	}
	return nil
}

func bindValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}
