package transform_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rentals-lake/etl/pkg/model"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/transform"
	etltesting "github.com/malbeclabs/rentals-lake/utils/pkg/testing"
)

func textTable(cols []string, rows ...[]any) *table.Table {
	cs := make([]table.Column, len(cols))
	for i, c := range cols {
		cs[i] = table.Column{Name: c, Type: table.TypeText}
	}
	t := table.New(cs...)
	for _, r := range rows {
		t.Append(r...)
	}
	return t
}

func sampleListings() *table.Table {
	return textTable(
		[]string{"id", "name", "host_id", "host_name", "host_response_rate", "host_is_superhost", "calculated_host_listings_count",
			"neighbourhood", "neighbourhood_group", "property_type", "room_type", "price", "cleaning_fee", "minimum_nights",
			"availability_365", "number_of_reviews", "last_review", "amenities", "instant_bookable"},
		[]any{"1", "Loft", "101", "Alice", "95%", "t", "2", "Alfama", "Lisboa", "Apartment", "Entire home/apt", "$1,150.00", "$50", "2", "200", "42", "2024-01-06", "Wifi,TV", "yes"},
		[]any{"2", "Studio", "101", "Alice Dup", "80%", "f", "2", "Baixa", nil, "Apartment", "Entire home/apt", "85", nil, nil, "400", "5", nil, nil, "0"},
		[]any{"3", "Room", "202", "Bob", nil, nil, "1", "Alfama", "Lisboa", "House", "Private room", "abc", nil, "3.7", nil, "0", "2024-01-08", "Kitchen", nil},
	)
}

func sampleReviews() *table.Table {
	return textTable([]string{"listing_id", "date"},
		[]any{"1", "2024-01-06"},
		[]any{"3", "2024-03-31"},
		[]any{"3", "garbage"},
	)
}

func run(t *testing.T, datasets map[string]*table.Table) *transform.Result {
	t.Helper()
	x, err := transform.NewTransformer(transform.Config{
		Logger: etltesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	res, err := x.Transform(datasets)
	require.NoError(t, err)
	return res
}

func TestETL_Transform_RequiresListings(t *testing.T) {
	t.Parallel()

	x, err := transform.NewTransformer(transform.Config{Logger: etltesting.NewLogger()})
	require.NoError(t, err)
	_, err = x.Transform(map[string]*table.Table{"reviews": sampleReviews()})
	require.ErrorIs(t, err, transform.ErrNoListings)
}

func TestETL_Transform_ProducesEveryTable(t *testing.T) {
	t.Parallel()

	res := run(t, map[string]*table.Table{"listings": sampleListings(), "reviews": sampleReviews()})
	all := res.Tables()
	require.Len(t, all, 7)
	require.Equal(t, []string{"host_id", "host_name", "host_since", "host_response_time", "host_response_rate", "host_is_superhost",
		"host_listings_count", "host_total_listings", "host_verifications", "host_identity_verified"}, all[model.DimHost].ColumnNames())

	// Reviews are optional.
	res = run(t, map[string]*table.Table{"listings": sampleListings()})
	require.True(t, res.Facts[model.FactReview].Empty())
}

func TestETL_Transform_DimHost(t *testing.T) {
	t.Parallel()

	host := transform.DimHost(sampleListings())
	require.Equal(t, 2, host.Len())
	require.Equal(t, int64(101), host.Value(0, "host_id"))
	require.Equal(t, "Alice", host.Value(0, "host_name"))
	require.Equal(t, 95.0, host.Value(0, "host_response_rate"))
	require.Equal(t, true, host.Value(0, "host_is_superhost"))
	require.Equal(t, int64(2), host.Value(0, "host_total_listings"))
	require.Equal(t, "", host.Value(0, "host_verifications"))
	require.Equal(t, false, host.Value(1, "host_identity_verified"))
	require.Nil(t, host.Value(1, "host_response_rate"))

	noKey := transform.DimHost(textTable([]string{"host_name"}, []any{"Alice"}))
	require.False(t, noKey.Has("host_id"))
}

func TestETL_Transform_DimListing(t *testing.T) {
	t.Parallel()

	listing := transform.DimListing(sampleListings())
	require.Equal(t, 3, listing.Len())
	require.Equal(t, int64(1), listing.Value(0, "listing_id"))
	require.Equal(t, "Loft", listing.Value(0, "listing_name"))
	require.Equal(t, "wifi,tv", listing.Value(0, "amenities_hash"))
	require.Equal(t, "", listing.Value(1, "amenities_hash"))
	require.Equal(t, "not_specified", listing.Value(0, "cancellation_policy"))
	require.Equal(t, true, listing.Value(0, "instant_bookable"))
	require.Equal(t, false, listing.Value(2, "instant_bookable"))
	require.Equal(t, "Alfama", listing.Value(0, "neighborhood"))
	require.Nil(t, listing.Value(0, "bedrooms"))
}

func TestETL_Transform_DimNeighborhoodAndPropertyType(t *testing.T) {
	t.Parallel()

	hood := transform.DimNeighborhood(sampleListings())
	require.Equal(t, 2, hood.Len())
	require.Equal(t, []any{"Alfama", "Lisboa", "", "", ""}, hood.Rows[0])
	require.Equal(t, []any{"Baixa", nil, "", "", ""}, hood.Rows[1])

	pt := transform.DimPropertyType(sampleListings())
	require.Equal(t, 2, pt.Len())
	require.Equal(t, []any{"Apartment", "Entire home/apt", "", true}, pt.Rows[0])
	require.Equal(t, []any{"House", "Private room", "", true}, pt.Rows[1])

	roomOnly := transform.DimPropertyType(textTable([]string{"room_type"}, []any{"Shared room"}, []any{"Shared room"}))
	require.Equal(t, 1, roomOnly.Len())
	require.Equal(t, []any{"Shared room", "Shared room", "", true}, roomOnly.Rows[0])
}

func TestETL_Transform_DimDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d := transform.DimDate(sampleListings(), sampleReviews(), now)
	require.Equal(t, 3, d.Len())
	require.Equal(t, []any{int64(20240106), int64(20240108), int64(20240331)},
		[]any{d.Value(0, "date_key"), d.Value(1, "date_key"), d.Value(2, "date_key")})

	// 2024-01-06 is a Saturday in ISO week 1.
	require.Equal(t, int64(6), d.Value(0, "day_of_week"))
	require.Equal(t, "Saturday", d.Value(0, "day_name"))
	require.Equal(t, int64(1), d.Value(0, "week_of_year"))
	require.Equal(t, true, d.Value(0, "is_weekend"))
	require.Equal(t, int64(1), d.Value(1, "day_of_week"))
	require.Equal(t, false, d.Value(1, "is_weekend"))
	require.Equal(t, int64(1), d.Value(2, "quarter"))
	require.Equal(t, "March", d.Value(2, "month_name"))
	require.Equal(t, now, d.Value(2, "created_at"))

	empty := transform.DimDate(textTable([]string{"id"}), textTable([]string{"listing_id"}), now)
	require.True(t, empty.Empty())
	require.Len(t, empty.Columns, len(model.DimDateColumns))
}

func TestETL_Transform_FactListingDailyMetrics(t *testing.T) {
	t.Parallel()

	f := transform.FactListingDailyMetrics(sampleListings())
	require.Equal(t, 3, f.Len())

	require.Equal(t, 1150.0, f.Value(0, "price"))
	require.Equal(t, 50.0, f.Value(0, "cleaning_fee"))
	require.Equal(t, 0.0, f.Value(0, "security_deposit"))
	require.Equal(t, 0.4521, f.Value(0, "occupancy_rate"))
	require.Equal(t, 15597.45, f.Value(0, "estimated_revenue"))
	require.Equal(t, "luxury", f.Value(0, "price_tier"))
	require.Equal(t, int64(20240106), f.Value(0, "date_key"))
	require.Equal(t, int64(2), f.Value(0, "minimum_nights"))
	require.Equal(t, int64(2), f.Value(0, "maximum_nights"))

	// Availability above a year clamps occupancy to zero.
	require.Equal(t, 0.0, f.Value(1, "occupancy_rate"))
	require.Equal(t, "budget", f.Value(1, "price_tier"))
	require.Equal(t, int64(1), f.Value(1, "minimum_nights"))
	require.Nil(t, f.Value(1, "date_key"))

	require.Equal(t, 0.0, f.Value(2, "price"))
	require.Equal(t, int64(3), f.Value(2, "minimum_nights"))
	require.Nil(t, f.Value(2, "occupancy_rate"))
	require.Nil(t, f.Value(2, "estimated_revenue"))
}

func TestETL_Transform_FactReview(t *testing.T) {
	t.Parallel()

	f := transform.FactReview(sampleReviews())
	require.Equal(t, 3, f.Len())
	require.Equal(t, int64(1), f.Value(0, "review_id"))
	require.Equal(t, int64(3), f.Value(2, "review_id"))
	require.Equal(t, int64(20240331), f.Value(1, "date_key"))
	require.Nil(t, f.Value(2, "date_key"))
	require.Nil(t, f.Value(2, "review_date"))

	withIDs := transform.FactReview(textTable([]string{"id", "listing_id", "date"}, []any{"900", "1", "2024-01-01"}))
	require.Equal(t, int64(900), withIDs.Value(0, "review_id"))
}

func TestETL_Transform_Helpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price float64
		tier  string
	}{
		{0, "budget"}, {99.99, "budget"}, {100, "standard"}, {199, "standard"},
		{200, "premium"}, {399.5, "premium"}, {400, "luxury"}, {1e6, "luxury"}, {-1, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.tier, transform.PriceTier(tt.price), "price %v", tt.price)
	}

	require.Equal(t, 1200.0, transform.CleanPrice("$1,200.00"))
	require.Equal(t, 0.0, transform.CleanPrice("-$5"))
	require.Equal(t, 0.0, transform.CleanPrice(nil))
	require.Equal(t, 0.0, transform.CleanPrice("n/a"))

	require.Equal(t, 1.0, transform.OccupancyRate(0))
	require.Equal(t, 0.0, transform.OccupancyRate(365))
	require.Equal(t, 1.0, transform.OccupancyRate(-10))
	require.Equal(t, 4500.0, transform.EstimatedRevenue(150, 1))

	require.Equal(t, int64(20241231), transform.DateKey(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)))
}
