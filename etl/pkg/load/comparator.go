package load

import (
	"fmt"
	"slices"
	"strings"

	"github.com/malbeclabs/rentals-lake/etl/pkg/model"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

// Row is a single record keyed by column name.
type Row map[string]any

// Changed reports whether candidate differs from current on any tracked
// column. Values are compared by their text rendering with NULL as the empty
// string, so NULL and "" are equal. A nil current (no current version) is
// always a change.
func Changed(tracked []string, candidate, current Row) bool {
	if current == nil {
		return true
	}
	for _, c := range tracked {
		if table.Text(candidate[c]) != table.Text(current[c]) {
			return true
		}
	}
	return false
}

// DiffCondition is the SQL counterpart of Changed for rows aliased left and
// right. With no tracked columns nothing can change.
func DiffCondition(left, right string, tracked []string) string {
	if len(tracked) == 0 {
		return "FALSE"
	}
	parts := make([]string, len(tracked))
	for i, c := range tracked {
		q := warehouse.Quote(c)
		parts[i] = fmt.Sprintf("COALESCE(CAST(%s.%s AS TEXT), '') IS DISTINCT FROM COALESCE(CAST(%s.%s AS TEXT), '')", left, q, right, q)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// DeriveTracked returns every column except the natural key and the
// versioning columns.
func DeriveTracked(columns []string, key string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == key || isVersioningColumn(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func isVersioningColumn(name string) bool {
	return slices.Contains([]string{model.EffectiveFrom, model.EffectiveTo, model.IsCurrent}, name)
}
