package validate_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/validate"
	etltesting "github.com/malbeclabs/rentals-lake/utils/pkg/testing"
)

var listingCols = []string{
	"id", "name", "host_id", "host_name", "neighbourhood", "room_type", "price", "minimum_nights",
	"availability_365", "number_of_reviews", "reviews_per_month", "calculated_host_listings_count", "last_review",
}

func listings(rows ...[]any) *table.Table {
	cols := make([]table.Column, len(listingCols))
	for i, c := range listingCols {
		cols[i] = table.Column{Name: c, Type: table.TypeText}
	}
	t := table.New(cols...)
	for _, r := range rows {
		t.Append(r...)
	}
	return t
}

func validListing(id string) []any {
	return []any{id, "Loft", "101", "Alice", "Downtown", "Entire home/apt", "150", "2", "200", "42", "1.2", "2", "2024-01-01"}
}

func reviews() *table.Table {
	t := table.New(table.Column{Name: "listing_id", Type: table.TypeText}, table.Column{Name: "date", Type: table.TypeText})
	t.Append("1", "2024-01-03")
	t.Append("2", "2024-02-20")
	return t
}

func newValidator(t *testing.T, rules ...validate.Rule) *validate.Validator {
	t.Helper()
	v, err := validate.NewValidator(validate.Config{
		Logger: etltesting.NewLogger(),
		Rules:  rules,
		Clock:  clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return v
}

func checks(issues []validate.Issue) map[string]int {
	out := map[string]int{}
	for _, i := range issues {
		out[i.Column+"/"+i.Check]++
	}
	return out
}

func TestETL_Validate_ValidDatasetsPass(t *testing.T) {
	t.Parallel()

	report := newValidator(t).Validate(map[string]*table.Table{
		"listings": listings(validListing("1"), validListing("2")),
		"reviews":  reviews(),
	})
	require.True(t, report.Passed())
	require.Equal(t, validate.Summary{ValidatedDatasets: 2, ValidDatasets: 2}, report.Summary)
	require.Equal(t, "listings", report.Datasets[0].Name)
	require.Equal(t, 2, report.Datasets[0].RowCount)
	require.Empty(t, report.Datasets[0].Issues)
}

func TestETL_Validate_CollectsAllFailures(t *testing.T) {
	t.Parallel()

	bad := validListing("1")
	bad[5] = "Castle"  // room_type
	bad[6] = "-5"      // price
	bad[7] = "0"       // minimum_nights
	bad[8] = "400"     // availability_365
	bad[10] = nil      // reviews_per_month is nullable
	bad[12] = "banana" // last_review
	noName := validListing("1")
	noName[1] = nil
	notInt := validListing("x")

	input := listings(bad, noName, notInt)
	report := newValidator(t).Validate(map[string]*table.Table{"listings": input})
	require.False(t, report.Passed())
	require.Equal(t, 1, report.Summary.InvalidDatasets)

	ds := report.Datasets[0]
	require.False(t, ds.Passed)
	require.Equal(t, map[string]int{
		"room_type/isin([\"Entire home/apt\", \"Private room\", \"Shared room\", \"Hotel room\"])": 1,
		"price/greater_than_or_equal_to(0)":                                                     1,
		"minimum_nights/greater_than_or_equal_to(1)":                                            1,
		"availability_365/in_range(0, 365)":                                                     1,
		"last_review/coerce_dtype('datetime64[ns]')":                                            1,
		"name/not_nullable":                                                                     1,
		"id/coerce_dtype('int64')":                                                              1,
		"id/field_uniqueness":                                                                   2,
	}, checks(ds.Issues))

	for _, i := range ds.Issues {
		require.Equal(t, "listings", i.Dataset)
		require.NotNil(t, i.Index)
		if i.Check == "coerce_dtype('int64')" {
			require.Equal(t, 2, *i.Index)
			require.Equal(t, "x", i.FailureCase)
		}
	}

	// Input is left as read.
	require.Equal(t, "-5", input.Value(0, "price"))
}

func TestETL_Validate_MissingColumn(t *testing.T) {
	t.Parallel()

	df := table.New(table.Column{Name: "listing_id", Type: table.TypeText})
	df.Append("1")
	report := newValidator(t).Validate(map[string]*table.Table{"reviews": df})
	require.False(t, report.Passed())
	issues := report.Datasets[0].Issues
	require.Len(t, issues, 1)
	require.Equal(t, validate.CheckColumnPresent, issues[0].Check)
	require.Nil(t, issues[0].Index)
}

func TestETL_Validate_UnregisteredDatasetPasses(t *testing.T) {
	t.Parallel()

	df := table.New(table.Column{Name: "anything", Type: table.TypeText})
	df.Append(nil)
	report := newValidator(t).Validate(map[string]*table.Table{"calendar": df})
	require.True(t, report.Passed())
	require.Equal(t, 1, report.Datasets[0].RowCount)
}

func TestETL_Validate_CustomRules(t *testing.T) {
	t.Parallel()

	v := newValidator(t,
		validate.Rule{Dataset: "listings", Column: "price", Name: "price_cap", Expr: "value < 1000.0"},
		validate.Rule{Dataset: "listings", Column: "license", Name: "license_format", Expr: `value.startsWith("LIC-")`},
	)
	expensive := validListing("1")
	expensive[6] = "5000"
	df := listings(expensive, validListing("2"))
	df.AddColumn(table.Column{Name: "license", Type: table.TypeText}, "LIC-1")
	df.Rows[1][len(df.Columns)-1] = "unlicensed"

	report := v.Validate(map[string]*table.Table{"listings": df})
	require.Equal(t, map[string]int{"price/price_cap": 1, "license/license_format": 1}, checks(report.Datasets[0].Issues))

	_, err := validate.NewValidator(validate.Config{
		Logger: etltesting.NewLogger(),
		Rules:  []validate.Rule{{Dataset: "listings", Column: "price", Expr: "value >"}},
	})
	require.Error(t, err)
}

func TestETL_Validate_WriteReport(t *testing.T) {
	t.Parallel()

	report := newValidator(t).Validate(map[string]*table.Table{"listings": listings(validListing("1")), "reviews": reviews()})
	path := filepath.Join(t.TempDir(), "output", "data_quality_report.json")
	require.NoError(t, validate.WriteReport(path, report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "2024-06-01T00:00:00Z", decoded["generated_at"])
	summary := decoded["summary"].(map[string]any)
	require.Equal(t, float64(2), summary["valid_datasets"])
	datasets := decoded["datasets"].([]any)
	require.Len(t, datasets, 2)
	require.Equal(t, true, datasets[0].(map[string]any)["passed"])
}
