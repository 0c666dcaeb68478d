package warehouse_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
	warehousetesting "github.com/malbeclabs/rentals-lake/etl/pkg/warehouse/testing"
	etltesting "github.com/malbeclabs/rentals-lake/utils/pkg/testing"
)

func TestETL_Warehouse_DuckDB_BulkWriteRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	client := warehousetesting.NewDuckDBClient(t, etltesting.NewLogger())
	require.NoError(t, client.EnsureSchema(ctx, "analytics"))

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tbl := table.New(
		table.Column{Name: "host_id", Type: table.TypeInt},
		table.Column{Name: "host_name", Type: table.TypeText},
		table.Column{Name: "host_response_rate", Type: table.TypeFloat},
		table.Column{Name: "host_is_superhost", Type: table.TypeBool},
		table.Column{Name: "host_since", Type: table.TypeTimestamp},
	)
	tbl.Append(int64(1), "Alice", 98.5, true, ts)
	tbl.Append(int64(2), nil, nil, false, nil)

	ref := warehouse.TableRef{Schema: "analytics", Name: "hosts"}
	exists, err := client.TableExists(ctx, ref)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, client.BulkWrite(ctx, ref, tbl, warehouse.WriteAppend))
	require.NoError(t, client.BulkWrite(ctx, ref, tbl, warehouse.WriteAppend))

	exists, err = client.TableExists(ctx, ref)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, int64(4), countRows(t, client, ref))

	require.NoError(t, client.BulkWrite(ctx, ref, tbl, warehouse.WriteReplace))
	require.Equal(t, int64(2), countRows(t, client, ref))

	rows, err := client.Query(ctx, `SELECT host_name, host_response_rate, host_is_superhost, host_since FROM analytics.hosts WHERE host_id = 1`)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var (
		name      string
		rate      float64
		superhost bool
		since     time.Time
	)
	require.NoError(t, rows.Scan(&name, &rate, &superhost, &since))
	require.Equal(t, "Alice", name)
	require.Equal(t, 98.5, rate)
	require.True(t, superhost)
	require.True(t, ts.Equal(since))
}

func TestETL_Warehouse_DuckDB_WithTxRollsBack(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	client := warehousetesting.NewDuckDBClient(t, etltesting.NewLogger())
	ref := warehouse.TableRef{Schema: "main", Name: "t"}
	tbl := table.New(table.Column{Name: "id", Type: table.TypeInt})
	tbl.Append(int64(1))
	require.NoError(t, client.BulkWrite(ctx, ref, tbl, warehouse.WriteAppend))

	boom := errors.New("boom")
	err := client.WithTx(ctx, func(tx warehouse.Conn) error {
		if _, err := tx.Exec(ctx, "DELETE FROM main.t"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(1), countRows(t, client, ref))
}

func TestETL_Warehouse_DuckDB_SurrogateKeyAssigned(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	client := warehousetesting.NewDuckDBClient(t, etltesting.NewLogger())
	ref := warehouse.TableRef{Schema: "main", Name: "dim_property_type"}
	def := warehouse.TableDef{
		Ref:          ref,
		Columns:      []table.Column{{Name: "property_type_name", Type: table.TypeText}},
		SurrogateKey: "property_type_key",
	}
	require.NoError(t, warehouse.EnsureTable(ctx, client, def))
	require.NoError(t, warehouse.EnsureTable(ctx, client, def))

	tbl := table.New(table.Column{Name: "property_type_name", Type: table.TypeText})
	tbl.Append("Apartment")
	tbl.Append("House")
	require.NoError(t, client.BulkWrite(ctx, ref, tbl, warehouse.WriteAppend))

	rows, err := client.Query(ctx, "SELECT property_type_key FROM main.dim_property_type ORDER BY property_type_key")
	require.NoError(t, err)
	defer rows.Close()
	var keys []int64
	for rows.Next() {
		var k int64
		require.NoError(t, rows.Scan(&k))
		keys = append(keys, k)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []int64{1, 2}, keys)
}

func TestETL_Warehouse_DuckDB_RunLockSerializes(t *testing.T) {
	t.Parallel()

	client := warehousetesting.NewDuckDBClient(t, etltesting.NewLogger())
	release, err := client.AcquireRunLock(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = client.AcquireRunLock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := client.AcquireRunLock(t.Context())
	require.NoError(t, err)
	release2()
}

func countRows(t *testing.T, client warehouse.Client, ref warehouse.TableRef) int64 {
	t.Helper()
	rows, err := client.Query(t.Context(), "SELECT COUNT(*) FROM "+warehouse.QuoteRef(ref))
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int64
	require.NoError(t, rows.Scan(&n))
	return n
}
