// Package transform shapes extracted marketplace data into the star schema.
package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rentals-lake/etl/pkg/model"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
)

const (
	DatasetListings = "listings"
	DatasetReviews  = "reviews"
)

// ErrNoListings is returned when the extraction has no listings dataset.
var ErrNoListings = errors.New("listings dataset is required")

type Result struct {
	Dimensions map[string]*table.Table
	Facts      map[string]*table.Table
}

// Tables returns dimensions and facts keyed by table name.
func (r *Result) Tables() map[string]*table.Table {
	out := make(map[string]*table.Table, len(r.Dimensions)+len(r.Facts))
	for k, v := range r.Dimensions {
		out[k] = v
	}
	for k, v := range r.Facts {
		out[k] = v
	}
	return out
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Transformer struct {
	log *slog.Logger
	cfg Config
}

func NewTransformer(cfg Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Transformer{log: cfg.Logger, cfg: cfg}, nil
}

// Transform builds every dimension and fact from the raw datasets. Inputs
// are not modified. A missing reviews dataset yields empty review outputs.
func (x *Transformer) Transform(datasets map[string]*table.Table) (*Result, error) {
	listings, ok := datasets[DatasetListings]
	if !ok || listings == nil {
		return nil, ErrNoListings
	}
	reviews, ok := datasets[DatasetReviews]
	if !ok || reviews == nil {
		reviews = table.New(
			table.Column{Name: "listing_id", Type: table.TypeText},
			table.Column{Name: "date", Type: table.TypeText},
		)
	}

	res := &Result{
		Dimensions: map[string]*table.Table{
			model.DimHost:         DimHost(listings),
			model.DimListing:      DimListing(listings),
			model.DimNeighborhood: DimNeighborhood(listings),
			model.DimPropertyType: DimPropertyType(listings),
			model.DimDate:         DimDate(listings, reviews, x.cfg.Clock.Now()),
		},
		Facts: map[string]*table.Table{
			model.FactListingDailyMetrics: FactListingDailyMetrics(listings),
			model.FactReview:              FactReview(reviews),
		},
	}
	x.log.Info("transform: completed", "dimensions", len(res.Dimensions), "facts", len(res.Facts))
	return res, nil
}

// build fills a table of the given columns with one output row per source row.
func build(cols []table.Column, src *table.Table, row func(i int) []any) *table.Table {
	out := table.New(cols...)
	for i := range src.Rows {
		out.Append(row(i)...)
	}
	return out
}

// dropMissingKey removes the natural key column when the source lacked it, so
// the loader reports the missing key instead of loading NULL keys.
func dropMissingKey(t *table.Table, key string, present bool) *table.Table {
	if present {
		return t
	}
	names := make([]string, 0, len(t.Columns))
	for _, n := range t.ColumnNames() {
		if n != key {
			names = append(names, n)
		}
	}
	return t.Project(names...)
}

func DimHost(listings *table.Table) *table.Table {
	src := listings
	if listings.Has("host_id") {
		src, _ = listings.DedupeFirst("host_id")
	}
	hasVerifications := src.Has("host_verifications")
	out := build(model.DimHostColumns, src, func(i int) []any {
		v := func(c string) any { return src.Value(i, c) }
		verifications := any("")
		if hasVerifications {
			verifications = textOrNil(v("host_verifications"))
		}
		return []any{
			intOrNil(v("host_id")),
			textOrNil(v("host_name")),
			timeOrNil(v("host_since")),
			textOrNil(v("host_response_time")),
			responseRate(v("host_response_rate")),
			table.Truthy(v("host_is_superhost")),
			intOrNil(v("host_listings_count")),
			intOrNil(v("calculated_host_listings_count")),
			verifications,
			table.Truthy(v("host_identity_verified")),
		}
	})
	return dropMissingKey(out, "host_id", listings.Has("host_id"))
}

func DimListing(listings *table.Table) *table.Table {
	hasPolicy := listings.Has("cancellation_policy")
	out := build(model.DimListingColumns, listings, func(i int) []any {
		v := func(c string) any { return listings.Value(i, c) }
		policy := any("not_specified")
		if hasPolicy && v("cancellation_policy") != nil {
			policy = table.Text(v("cancellation_policy"))
		}
		return []any{
			intOrNil(v("id")),
			intOrNil(v("host_id")),
			textOrNil(v("name")),
			textOrNil(v("room_type")),
			intOrNil(v("accommodates")),
			floatOrNil(v("bathrooms")),
			intOrNil(v("bedrooms")),
			intOrNil(v("beds")),
			strings.ToLower(table.Text(v("amenities"))),
			policy,
			intOrNil(v("minimum_nights")),
			intOrNil(v("maximum_nights")),
			table.Truthy(v("instant_bookable")),
			textOrNil(v("neighbourhood")),
		}
	})
	return dropMissingKey(out, "listing_id", listings.Has("id"))
}

func DimNeighborhood(listings *table.Table) *table.Table {
	out := table.New(model.DimNeighborhoodColumns...)
	if !listings.Has("neighbourhood") {
		return out
	}
	hasGroup := listings.Has("neighbourhood_group")
	seen := map[string]bool{}
	for i := range listings.Rows {
		name := listings.Value(i, "neighbourhood")
		k := table.Text(name)
		if name == nil {
			k = "\x00null"
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		city := any("")
		if hasGroup {
			city = textOrNil(listings.Value(i, "neighbourhood_group"))
		}
		out.Append(textOrNil(name), city, "", "", "")
	}
	return out
}

func DimPropertyType(listings *table.Table) *table.Table {
	out := table.New(model.DimPropertyTypeColumns...)
	var (
		keys   []string
		nameOf string
	)
	switch {
	case listings.Has("property_type") && listings.Has("room_type"):
		keys, nameOf = []string{"property_type", "room_type"}, "property_type"
	case listings.Has("room_type"):
		keys, nameOf = []string{"room_type"}, "room_type"
	default:
		return out
	}
	src, _ := listings.DedupeFirst(keys...)
	for i := range src.Rows {
		out.Append(textOrNil(src.Value(i, nameOf)), textOrNil(src.Value(i, "room_type")), "", true)
	}
	return out
}

// DimDate has one row per distinct calendar day seen in listing last_review
// and review dates, in ascending order.
func DimDate(listings, reviews *table.Table, now time.Time) *table.Table {
	out := table.New(model.DimDateColumns...)
	days := map[int64]time.Time{}
	collect := func(t *table.Table, col string) {
		for i := range t.Rows {
			if ts, ok := table.AsTime(t.Value(i, col)); ok {
				d := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
				days[DateKey(d)] = d
			}
		}
	}
	collect(listings, "last_review")
	collect(reviews, "date")

	keys := make([]int64, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	createdAt := now.UTC()
	for _, k := range keys {
		d := days[k]
		dow := int64((int(d.Weekday())+6)%7 + 1)
		_, week := d.ISOWeek()
		out.Append(
			k,
			d,
			dow,
			d.Weekday().String(),
			int64(week),
			int64(d.Month()),
			d.Month().String(),
			int64((int(d.Month())-1)/3+1),
			int64(d.Year()),
			dow >= 6,
			createdAt,
		)
	}
	return out
}

func FactListingDailyMetrics(listings *table.Table) *table.Table {
	hasMax := listings.Has("maximum_nights")
	hasAvailability := listings.Has("availability_365")
	return build(model.FactListingDailyMetricsColumns, listings, func(i int) []any {
		v := func(c string) any { return listings.Value(i, c) }
		price := CleanPrice(v("price"))

		minNights := int64(1)
		if f, ok := table.AsFloat(v("minimum_nights")); ok {
			minNights = int64(math.Trunc(f))
		}
		maxNights := any(minNights)
		if hasMax {
			maxNights = intOrNil(v("maximum_nights"))
		}

		var availability, occupancy, revenue any
		avail, ok := 0.0, true
		if hasAvailability {
			avail, ok = table.AsFloat(v("availability_365"))
			availability = intOrNil(v("availability_365"))
		}
		if ok {
			occ := OccupancyRate(avail)
			occupancy = occ
			revenue = EstimatedRevenue(price, occ)
		}

		return []any{
			intOrNil(v("id")),
			intOrNil(v("host_id")),
			dateKeyOf(v("last_review")),
			price,
			CleanPrice(v("cleaning_fee")),
			CleanPrice(v("security_deposit")),
			minNights,
			maxNights,
			availability,
			intOrNil(v("number_of_reviews")),
			floatOrNil(v("reviews_per_month")),
			occupancy,
			revenue,
			PriceTier(price),
		}
	})
}

func FactReview(reviews *table.Table) *table.Table {
	hasID := reviews.Has("id")
	return build(model.FactReviewColumns, reviews, func(i int) []any {
		v := func(c string) any { return reviews.Value(i, c) }
		id := any(int64(i + 1))
		if hasID {
			id = intOrNil(v("id"))
		}
		return []any{
			id,
			intOrNil(v("listing_id")),
			timeOrNil(v("date")),
			dateKeyOf(v("date")),
			intOrNil(v("reviewer_id")),
			textOrNil(v("reviewer_name")),
			textOrNil(v("comments")),
		}
	})
}
