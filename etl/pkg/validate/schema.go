package validate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
)

// Check is a named boolean CEL expression over `value`. Numeric values are
// presented as doubles. A check only sees non-null values.
type Check struct {
	Name string
	Expr string
}

func celDouble(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func Gt(v float64) Check {
	return Check{Name: fmt.Sprintf("greater_than(%s)", num(v)), Expr: "value > " + celDouble(v)}
}

func Ge(v float64) Check {
	return Check{Name: fmt.Sprintf("greater_than_or_equal_to(%s)", num(v)), Expr: "value >= " + celDouble(v)}
}

func InRange(lo, hi float64) Check {
	return Check{
		Name: fmt.Sprintf("in_range(%s, %s)", num(lo), num(hi)),
		Expr: fmt.Sprintf("value >= %s && value <= %s", celDouble(lo), celDouble(hi)),
	}
}

func IsIn(values ...string) Check {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	list := "[" + strings.Join(quoted, ", ") + "]"
	return Check{Name: "isin(" + list + ")", Expr: "value in " + list}
}

// ColumnSchema constrains one column. Columns are non-nullable unless
// Nullable is set.
type ColumnSchema struct {
	Name     string
	Type     table.ColumnType
	Nullable bool
	Unique   bool
	Checks   []Check
}

// Schema constrains a dataset. Columns not named are allowed and ignored.
type Schema struct {
	Columns []ColumnSchema
}

var RoomTypes = []string{
	"Entire home/apt",
	"Private room",
	"Shared room",
	"Hotel room",
}

var ListingsSchema = Schema{Columns: []ColumnSchema{
	{Name: "id", Type: table.TypeInt, Unique: true, Checks: []Check{Gt(0)}},
	{Name: "name", Type: table.TypeText},
	{Name: "host_id", Type: table.TypeInt, Checks: []Check{Gt(0)}},
	{Name: "host_name", Type: table.TypeText, Nullable: true},
	{Name: "neighbourhood", Type: table.TypeText, Nullable: true},
	{Name: "room_type", Type: table.TypeText, Checks: []Check{IsIn(RoomTypes...)}},
	{Name: "price", Type: table.TypeFloat, Checks: []Check{Ge(0)}},
	{Name: "minimum_nights", Type: table.TypeInt, Checks: []Check{Ge(1)}},
	{Name: "availability_365", Type: table.TypeInt, Checks: []Check{InRange(0, 365)}},
	{Name: "number_of_reviews", Type: table.TypeInt, Checks: []Check{Ge(0)}},
	{Name: "reviews_per_month", Type: table.TypeFloat, Nullable: true, Checks: []Check{Ge(0)}},
	{Name: "calculated_host_listings_count", Type: table.TypeInt, Checks: []Check{Ge(0)}},
	{Name: "last_review", Type: table.TypeTimestamp, Nullable: true},
}}

var ReviewsSchema = Schema{Columns: []ColumnSchema{
	{Name: "listing_id", Type: table.TypeInt, Checks: []Check{Gt(0)}},
	{Name: "date", Type: table.TypeTimestamp},
}}

// DefaultRegistry maps dataset names to their schemas.
func DefaultRegistry() map[string]Schema {
	return map[string]Schema{
		"listings": ListingsSchema,
		"reviews":  ReviewsSchema,
	}
}

func dtype(t table.ColumnType) string {
	switch t {
	case table.TypeInt:
		return "int64"
	case table.TypeFloat:
		return "float64"
	case table.TypeBool:
		return "bool"
	case table.TypeTimestamp, table.TypeDate:
		return "datetime64[ns]"
	default:
		return "str"
	}
}
