package extract_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rentals-lake/etl/pkg/extract"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	etltesting "github.com/malbeclabs/rentals-lake/utils/pkg/testing"
)

const listingsCSV = `id,name,host_id,host_name,neighbourhood,room_type,price,minimum_nights,availability_365,number_of_reviews,reviews_per_month,calculated_host_listings_count,last_review
1,Loft,101,Alice,Downtown,Entire home/apt,150,2,200,42,1.2,2,2024-01-01
2,Studio,202,Bob,Midtown,Private room,85,1,150,5,,1,not a date
3,"Room, with comma",303,Carol,Uptown,Shared room,40,1,0,0,,1,
`

const reviewsCSV = `listing_id,date
1,2024-01-03
2,2024-02-20
`

func rawDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "listings.csv"), []byte(listingsCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reviews.csv"), []byte(reviewsCSV), 0o644))
	return dir
}

func sources() []extract.Source {
	return []extract.Source{
		{Name: "listings", File: "listings.csv", PrimaryKey: "id", DateColumn: "last_review"},
		{Name: "reviews", File: "reviews.csv", PrimaryKey: "listing_id", DateColumn: "date"},
	}
}

func TestETL_Extract_ReadsAllSources(t *testing.T) {
	t.Parallel()

	dir := rawDir(t)
	ex, err := extract.NewExtractor(extract.Config{
		Logger:  etltesting.NewLogger(),
		Store:   extract.LocalStore{BaseDir: dir},
		Sources: sources(),
	})
	require.NoError(t, err)

	out, err := ex.Extract(t.Context())
	require.NoError(t, err)
	require.Len(t, out.Tables, 2)

	listings := out.Tables["listings"]
	require.Equal(t, 3, listings.Len())
	require.Equal(t, "Room, with comma", listings.Value(2, "name"))
	require.Nil(t, listings.Value(1, "reviews_per_month"))

	col, ok := listings.Column("last_review")
	require.True(t, ok)
	require.Equal(t, table.TypeTimestamp, col.Type)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), listings.Value(0, "last_review"))
	require.Nil(t, listings.Value(1, "last_review"))
	require.Nil(t, listings.Value(2, "last_review"))

	meta := out.Metadata["listings"]
	require.Equal(t, filepath.Join(dir, "listings.csv"), meta.Path)
	require.Equal(t, 3, meta.RowCount)
	require.Equal(t, "id", meta.PrimaryKey)
	require.Equal(t, "last_review", meta.DateColumn)
	require.Equal(t, listings.ColumnNames(), meta.Columns)
	require.Equal(t, 2, out.Metadata["reviews"].RowCount)
}

func TestETL_Extract_Limit(t *testing.T) {
	t.Parallel()

	ex, err := extract.NewExtractor(extract.Config{
		Logger:  etltesting.NewLogger(),
		Store:   extract.LocalStore{BaseDir: rawDir(t)},
		Sources: sources(),
		Limit:   1,
	})
	require.NoError(t, err)

	out, err := ex.Extract(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, out.Tables["listings"].Len())
	require.Equal(t, 1, out.Metadata["reviews"].RowCount)
}

func TestETL_Extract_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		ex, err := extract.NewExtractor(extract.Config{
			Logger:  etltesting.NewLogger(),
			Store:   extract.LocalStore{BaseDir: filepath.Join(t.TempDir(), "nope")},
			Sources: sources(),
		})
		require.NoError(t, err)
		_, err = ex.Extract(t.Context())
		require.ErrorIs(t, err, extract.ErrNotFound)
	})

	t.Run("missing file attribute", func(t *testing.T) {
		t.Parallel()
		ex, err := extract.NewExtractor(extract.Config{
			Logger:  etltesting.NewLogger(),
			Store:   extract.LocalStore{BaseDir: rawDir(t)},
			Sources: []extract.Source{{Name: "listings"}},
		})
		require.NoError(t, err)
		_, err = ex.Extract(t.Context())
		require.ErrorContains(t, err, "missing the file attribute")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		ex, err := extract.NewExtractor(extract.Config{
			Logger:  etltesting.NewLogger(),
			Store:   extract.LocalStore{BaseDir: rawDir(t)},
			Sources: []extract.Source{{Name: "calendar", File: "calendar.csv"}},
		})
		require.NoError(t, err)
		_, err = ex.Extract(t.Context())
		require.ErrorIs(t, err, extract.ErrNotFound)
	})

	t.Run("config", func(t *testing.T) {
		t.Parallel()
		_, err := extract.NewExtractor(extract.Config{Store: extract.LocalStore{}})
		require.Error(t, err)
		_, err = extract.NewExtractor(extract.Config{Logger: etltesting.NewLogger()})
		require.Error(t, err)
	})
}

func TestETL_Extract_ReadCSV(t *testing.T) {
	t.Parallel()

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		tbl, err := extract.ReadCSV(strings.NewReader(""), 0)
		require.NoError(t, err)
		require.True(t, tbl.Empty())
	})

	t.Run("short rows padded with null and bom stripped", func(t *testing.T) {
		t.Parallel()
		tbl, err := extract.ReadCSV(strings.NewReader("\ufeffa,b,c\n1,2\n"), 0)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, tbl.ColumnNames())
		require.Equal(t, []any{"1", "2", nil}, tbl.Rows[0])
	})
}

func TestETL_Extract_NewS3StoreRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := extract.NewS3Store(t.Context(), extract.S3StoreConfig{})
	require.Error(t, err)

	store, err := extract.NewS3Store(t.Context(), extract.S3StoreConfig{
		Bucket:          "raw",
		Prefix:          "/snapshots/",
		EndpointURL:     "http://127.0.0.1:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	require.NoError(t, err)
	require.NotNil(t, store)
}
