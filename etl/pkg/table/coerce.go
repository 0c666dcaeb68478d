package table

import (
	"math"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
}

// AsTime coerces v to a UTC time. Unparseable values report ok=false.
func AsTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// AsInt coerces v to an int64. Floats with a fractional part are rejected.
func AsInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	}
	return 0, false
}

// AsFloat coerces v to a float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Truthy reports whether v reads as a boolean true ("true", "t", "1", "yes", "y").
// Anything else, including NULL, is false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x == 1
	case nil:
		return false
	}
	switch strings.ToLower(strings.TrimSpace(Text(v))) {
	case "true", "t", "1", "yes", "y":
		return true
	}
	return false
}

// Coerce converts every value of the named column to typ, replacing values
// that cannot be converted with NULL. It returns the row indices that failed.
func (t *Table) Coerce(name string, typ ColumnType) []int {
	idx := t.Index(name)
	if idx < 0 {
		return nil
	}
	t.Columns[idx].Type = typ
	var failed []int
	for i, row := range t.Rows {
		if row[idx] == nil {
			continue
		}
		out, ok := convert(row[idx], typ)
		if !ok {
			failed = append(failed, i)
			out = nil
		}
		row[idx] = out
	}
	return failed
}

func convert(v any, typ ColumnType) (any, bool) {
	switch typ {
	case TypeInt:
		return AsInt(v)
	case TypeFloat:
		return AsFloat(v)
	case TypeBool:
		return Truthy(v), true
	case TypeTimestamp:
		return AsTime(v)
	case TypeDate:
		t, ok := AsTime(v)
		if !ok {
			return nil, false
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	default:
		return Text(v), true
	}
}
