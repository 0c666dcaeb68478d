package load

import (
	"fmt"

	"github.com/malbeclabs/rentals-lake/etl/pkg/model"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

// Strategy is how a target table is written.
type Strategy string

const (
	// StrategySCD2 versions rows by natural key with effective dating.
	StrategySCD2 Strategy = "scd2"
	// StrategyReplace truncates and reloads the table.
	StrategyReplace Strategy = "type1"
	// StrategyAppend appends rows without deduplication.
	StrategyAppend Strategy = "append"
)

// Target describes one warehouse table and how it is loaded.
type Target struct {
	Table    string
	Strategy Strategy

	// NaturalKey and Tracked apply to SCD2 targets. Empty Tracked means every
	// staged column except the key.
	NaturalKey string
	Tracked    []string

	// Columns, when set, is the projection applied to the input before
	// loading. Missing columns are filled with NULL of the declared type.
	Columns []table.Column

	// SurrogateKey is an auto-assigned BIGINT column, if any.
	SurrogateKey string
}

func (t Target) Validate() error {
	if t.Table == "" {
		return fmt.Errorf("target table is required")
	}
	switch t.Strategy {
	case StrategySCD2:
		if t.NaturalKey == "" {
			return fmt.Errorf("target %s: natural key is required for scd2", t.Table)
		}
	case StrategyReplace, StrategyAppend:
	default:
		return fmt.Errorf("target %s: unknown strategy %q", t.Table, t.Strategy)
	}
	return nil
}

func (t Target) ref(schema string) warehouse.TableRef {
	return warehouse.TableRef{Schema: schema, Name: t.Table}
}

// StagingTableName is the transient table an SCD2 load stages into.
func (t Target) StagingTableName() string {
	return t.Table + "_staging"
}

// project shapes df to the declared columns, coercing values whose column
// type differs from the declaration.
func (t Target) project(df *table.Table) *table.Table {
	if len(t.Columns) == 0 {
		return df.Clone()
	}
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	out := df.Project(names...)
	for _, c := range t.Columns {
		if cur, _ := out.Column(c.Name); cur.Type != c.Type {
			out.Coerce(c.Name, c.Type)
		}
	}
	return out
}

// Targets is the fixed load order: dimensions before facts, hosts before
// listings.
var Targets = []Target{
	{
		Table:        model.DimHost,
		Strategy:     StrategySCD2,
		NaturalKey:   "host_id",
		Tracked:      model.DimHostTracked,
		Columns:      model.DimHostColumns,
		SurrogateKey: "host_key",
	},
	{
		Table:        model.DimListing,
		Strategy:     StrategySCD2,
		NaturalKey:   "listing_id",
		Tracked:      model.DimListingTracked,
		Columns:      model.DimListingColumns,
		SurrogateKey: "listing_key",
	},
	{
		Table:        model.DimNeighborhood,
		Strategy:     StrategyReplace,
		Columns:      model.DimNeighborhoodColumns,
		SurrogateKey: "neighborhood_key",
	},
	{
		Table:        model.DimPropertyType,
		Strategy:     StrategyReplace,
		Columns:      model.DimPropertyTypeColumns,
		SurrogateKey: "property_type_key",
	},
	{
		Table:    model.DimDate,
		Strategy: StrategyReplace,
		Columns:  model.DimDateColumns,
	},
	{
		Table:        model.FactListingDailyMetrics,
		Strategy:     StrategyAppend,
		Columns:      model.FactListingDailyMetricsColumns,
		SurrogateKey: "metric_key",
	},
	{
		Table:        model.FactReview,
		Strategy:     StrategyAppend,
		Columns:      model.FactReviewColumns,
		SurrogateKey: "review_key",
	},
}
