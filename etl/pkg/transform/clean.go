package transform

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
)

var nonNumeric = regexp.MustCompile(`[^\d.-]`)

// CleanPrice strips currency formatting ("$1,200.00") and clamps to zero.
// Unparseable and missing values are zero.
func CleanPrice(v any) float64 {
	if f, ok := v.(float64); ok {
		return math.Max(f, 0)
	}
	s := nonNumeric.ReplaceAllString(table.Text(v), "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0
	}
	return math.Max(f, 0)
}

type priceTier struct {
	lower, upper float64
	label        string
}

var priceTiers = []priceTier{
	{0, 100, "budget"},
	{100, 200, "standard"},
	{200, 400, "premium"},
	{400, math.Inf(1), "luxury"},
}

// PriceTier buckets a nightly price. Prices outside every bucket are "unknown".
func PriceTier(price float64) string {
	for _, t := range priceTiers {
		if t.lower <= price && price < t.upper {
			return t.label
		}
	}
	return "unknown"
}

// OccupancyRate estimates occupancy from days available over the next year,
// clamped to [0, 1] and rounded to 4 places.
func OccupancyRate(availability365 float64) float64 {
	return round((365-availability365)/365, 4, 0, 1)
}

// EstimatedRevenue is a 30-day revenue estimate rounded to 2 places.
func EstimatedRevenue(price, occupancy float64) float64 {
	return round(price*occupancy*30, 2, math.Inf(-1), math.Inf(1))
}

func round(v float64, places int, lo, hi float64) float64 {
	v = math.Min(math.Max(v, lo), hi)
	p := math.Pow(10, float64(places))
	return math.RoundToEven(v*p) / p
}

// DateKey renders a date as the integer YYYYMMDD.
func DateKey(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

func dateKeyOf(v any) any {
	t, ok := table.AsTime(v)
	if !ok {
		return nil
	}
	return DateKey(t)
}

func intOrNil(v any) any {
	if n, ok := table.AsInt(v); ok {
		return n
	}
	return nil
}

func floatOrNil(v any) any {
	if f, ok := table.AsFloat(v); ok {
		return f
	}
	return nil
}

func timeOrNil(v any) any {
	if t, ok := table.AsTime(v); ok {
		return t
	}
	return nil
}

func textOrNil(v any) any {
	if v == nil {
		return nil
	}
	return table.Text(v)
}

func responseRate(v any) any {
	if v == nil {
		return nil
	}
	return floatOrNil(strings.ReplaceAll(table.Text(v), "%", ""))
}
