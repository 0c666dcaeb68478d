// Package model declares the star schema the transform stage produces and the
// load stage persists.
package model

import "github.com/malbeclabs/rentals-lake/etl/pkg/table"

const (
	DimHost                 = "dim_host"
	DimListing              = "dim_listing"
	DimNeighborhood         = "dim_neighborhood"
	DimPropertyType         = "dim_property_type"
	DimDate                 = "dim_date"
	FactListingDailyMetrics = "fact_listing_daily_metrics"
	FactReview              = "fact_review"
)

// Versioning columns carried by every SCD2 dimension.
const (
	EffectiveFrom = "effective_from"
	EffectiveTo   = "effective_to"
	IsCurrent     = "is_current"
)

func col(name string, typ table.ColumnType) table.Column {
	return table.Column{Name: name, Type: typ}
}

var (
	DimHostColumns = []table.Column{
		col("host_id", table.TypeInt),
		col("host_name", table.TypeText),
		col("host_since", table.TypeTimestamp),
		col("host_response_time", table.TypeText),
		col("host_response_rate", table.TypeFloat),
		col("host_is_superhost", table.TypeBool),
		col("host_listings_count", table.TypeInt),
		col("host_total_listings", table.TypeInt),
		col("host_verifications", table.TypeText),
		col("host_identity_verified", table.TypeBool),
	}

	// DimHostTracked excludes only the natural key.
	DimHostTracked = []string{
		"host_name",
		"host_since",
		"host_response_time",
		"host_response_rate",
		"host_is_superhost",
		"host_listings_count",
		"host_total_listings",
		"host_verifications",
		"host_identity_verified",
	}

	DimListingColumns = []table.Column{
		col("listing_id", table.TypeInt),
		col("host_id", table.TypeInt),
		col("listing_name", table.TypeText),
		col("room_type", table.TypeText),
		col("accommodates", table.TypeInt),
		col("bathrooms", table.TypeFloat),
		col("bedrooms", table.TypeInt),
		col("beds", table.TypeInt),
		col("amenities_hash", table.TypeText),
		col("cancellation_policy", table.TypeText),
		col("minimum_nights", table.TypeInt),
		col("maximum_nights", table.TypeInt),
		col("instant_bookable", table.TypeBool),
		col("neighborhood", table.TypeText),
	}

	// DimListingTracked leaves host_id untracked: a listing changing hosts
	// does not by itself open a new version.
	DimListingTracked = []string{
		"listing_name",
		"room_type",
		"accommodates",
		"bathrooms",
		"bedrooms",
		"beds",
		"amenities_hash",
		"cancellation_policy",
		"minimum_nights",
		"maximum_nights",
		"instant_bookable",
		"neighborhood",
	}

	DimNeighborhoodColumns = []table.Column{
		col("neighborhood_name", table.TypeText),
		col("city", table.TypeText),
		col("state", table.TypeText),
		col("country", table.TypeText),
		col("geo_hash", table.TypeText),
	}

	DimPropertyTypeColumns = []table.Column{
		col("property_type_name", table.TypeText),
		col("property_category", table.TypeText),
		col("description", table.TypeText),
		col("is_active", table.TypeBool),
	}

	DimDateColumns = []table.Column{
		col("date_key", table.TypeInt),
		col("full_date", table.TypeDate),
		col("day_of_week", table.TypeInt),
		col("day_name", table.TypeText),
		col("week_of_year", table.TypeInt),
		col("month", table.TypeInt),
		col("month_name", table.TypeText),
		col("quarter", table.TypeInt),
		col("year", table.TypeInt),
		col("is_weekend", table.TypeBool),
		col("created_at", table.TypeTimestamp),
	}

	FactListingDailyMetricsColumns = []table.Column{
		col("listing_id", table.TypeInt),
		col("host_id", table.TypeInt),
		col("date_key", table.TypeInt),
		col("price", table.TypeFloat),
		col("cleaning_fee", table.TypeFloat),
		col("security_deposit", table.TypeFloat),
		col("minimum_nights", table.TypeInt),
		col("maximum_nights", table.TypeInt),
		col("availability_365", table.TypeInt),
		col("number_of_reviews", table.TypeInt),
		col("reviews_per_month", table.TypeFloat),
		col("occupancy_rate", table.TypeFloat),
		col("estimated_revenue", table.TypeFloat),
		col("price_tier", table.TypeText),
	}

	FactReviewColumns = []table.Column{
		col("review_id", table.TypeInt),
		col("listing_id", table.TypeInt),
		col("review_date", table.TypeTimestamp),
		col("date_key", table.TypeInt),
		col("reviewer_id", table.TypeInt),
		col("reviewer_name", table.TypeText),
		col("comments", table.TypeText),
	}
)
