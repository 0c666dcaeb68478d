// Package table is the typed, row-oriented tabular model passed between the
// extract, validate, transform and load stages.
//
// Values are nil (NULL), int64, float64, string, bool or time.Time.
package table

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// ColumnType is the logical type of a column. Warehouse dialects map it to DDL.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTimestamp
	TypeDate
)

func (t ColumnType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	case TypeDate:
		return "date"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

type Column struct {
	Name string
	Type ColumnType
}

// Table is an ordered schema plus rows. Every row has exactly len(Columns) values.
type Table struct {
	Columns []Column
	Rows    [][]any
}

func New(columns ...Column) *Table {
	return &Table{Columns: slices.Clone(columns)}
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

func (t *Table) Empty() bool {
	return t.Len() == 0
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) Has(name string) bool {
	return t.Index(name) >= 0
}

func (t *Table) Column(name string) (Column, bool) {
	i := t.Index(name)
	if i < 0 {
		return Column{}, false
	}
	return t.Columns[i], true
}

// Append adds a row. It panics on arity mismatch, which is a programming error.
func (t *Table) Append(values ...any) {
	if len(values) != len(t.Columns) {
		panic(fmt.Sprintf("table: row has %d values, want %d", len(values), len(t.Columns)))
	}
	t.Rows = append(t.Rows, values)
}

// Value returns the value at row i in the named column, or nil if the column is absent.
func (t *Table) Value(i int, name string) any {
	idx := t.Index(name)
	if idx < 0 {
		return nil
	}
	return t.Rows[i][idx]
}

// Clone deep-copies the row slices. Values themselves are immutable.
func (t *Table) Clone() *Table {
	out := &Table{Columns: slices.Clone(t.Columns), Rows: make([][]any, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = slices.Clone(r)
	}
	return out
}

// AddColumn appends a column filled with the given value.
func (t *Table) AddColumn(col Column, fill any) {
	t.Columns = append(t.Columns, col)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], fill)
	}
}

// SetColumn sets every row's value for name, adding the column if needed.
func (t *Table) SetColumn(col Column, fill any) {
	idx := t.Index(col.Name)
	if idx < 0 {
		t.AddColumn(col, fill)
		return
	}
	t.Columns[idx] = col
	for i := range t.Rows {
		t.Rows[i][idx] = fill
	}
}

// Rename renames a column if present.
func (t *Table) Rename(from, to string) {
	if idx := t.Index(from); idx >= 0 {
		t.Columns[idx].Name = to
	}
}

// Project returns a new table with exactly the given columns in order. Columns
// missing from t are added as NULL text columns.
func (t *Table) Project(names ...string) *Table {
	cols := make([]Column, len(names))
	src := make([]int, len(names))
	for i, n := range names {
		src[i] = t.Index(n)
		if src[i] >= 0 {
			cols[i] = t.Columns[src[i]]
		} else {
			cols[i] = Column{Name: n, Type: TypeText}
		}
	}
	out := &Table{Columns: cols, Rows: make([][]any, len(t.Rows))}
	for r, row := range t.Rows {
		nr := make([]any, len(names))
		for i, s := range src {
			if s >= 0 {
				nr[i] = row[s]
			}
		}
		out.Rows[r] = nr
	}
	return out
}

// DedupeLast keeps only the last occurrence of every value of key, preserving
// the relative order of the surviving rows.
func (t *Table) DedupeLast(key string) (*Table, error) {
	idx := t.Index(key)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found", key)
	}
	last := make(map[string]int, len(t.Rows))
	for i, row := range t.Rows {
		last[dedupeKey(row[idx])] = i
	}
	out := &Table{Columns: slices.Clone(t.Columns), Rows: make([][]any, 0, len(last))}
	for i, row := range t.Rows {
		if last[dedupeKey(row[idx])] == i {
			out.Rows = append(out.Rows, slices.Clone(row))
		}
	}
	return out, nil
}

// NULL sorts apart from every rendered value, including the empty string.
func dedupeKey(v any) string {
	if v == nil {
		return "\x00"
	}
	return "\x01" + Text(v)
}

// DropBlank removes rows whose value in column is NULL or renders as the
// empty string and reports how many were removed.
func (t *Table) DropBlank(column string) (*Table, int, error) {
	idx := t.Index(column)
	if idx < 0 {
		return nil, 0, fmt.Errorf("column %q not found", column)
	}
	out := &Table{Columns: slices.Clone(t.Columns), Rows: make([][]any, 0, len(t.Rows))}
	for _, row := range t.Rows {
		if Text(row[idx]) == "" {
			continue
		}
		out.Rows = append(out.Rows, slices.Clone(row))
	}
	return out, len(t.Rows) - len(out.Rows), nil
}

// DedupeFirst keeps the first occurrence of every combination of the given columns.
func (t *Table) DedupeFirst(keys ...string) (*Table, error) {
	idxs := make([]int, len(keys))
	for i, k := range keys {
		idxs[i] = t.Index(k)
		if idxs[i] < 0 {
			return nil, fmt.Errorf("column %q not found", k)
		}
	}
	seen := make(map[string]struct{}, len(t.Rows))
	out := &Table{Columns: slices.Clone(t.Columns)}
	for _, row := range t.Rows {
		var k string
		for _, i := range idxs {
			k += Text(row[i]) + "\x00"
			if row[i] == nil {
				k += "\x01"
			}
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out.Rows = append(out.Rows, slices.Clone(row))
	}
	return out, nil
}

// Head returns at most n rows. n <= 0 returns t unchanged.
func (t *Table) Head(n int) *Table {
	if n <= 0 || n >= len(t.Rows) {
		return t
	}
	return &Table{Columns: slices.Clone(t.Columns), Rows: t.Rows[:n]}
}

// Text renders a value the way the change comparison sees it: NULL is the
// empty string.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
