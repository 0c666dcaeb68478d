package warehouse_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
	warehousetesting "github.com/malbeclabs/rentals-lake/etl/pkg/warehouse/testing"
	etltesting "github.com/malbeclabs/rentals-lake/utils/pkg/testing"
)

func TestETL_Warehouse_Migrations_UpDown(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("postgres container not started in short mode")
	}
	log := etltesting.NewLogger()
	db, err := warehousetesting.NewDB(t.Context(), log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	client, schema := warehousetesting.NewTestClient(t, db)
	mcfg := warehouse.MigrationConfig{URI: db.ConnStr(), Schema: schema}
	exists := func(name string) bool {
		ok, err := client.TableExists(t.Context(), warehouse.TableRef{Schema: schema, Name: name})
		require.NoError(t, err)
		return ok
	}

	require.True(t, exists("dim_host"))
	require.True(t, exists("fact_review"))
	require.NoError(t, warehouse.MigrationStatus(t.Context(), log, mcfg))

	require.NoError(t, warehouse.Down(t.Context(), log, mcfg))
	require.False(t, exists("fact_review"))
	require.False(t, exists("fact_listing_daily_metrics"))
	require.True(t, exists("dim_neighborhood"))
	require.True(t, exists("dim_host"))

	require.NoError(t, warehouse.Up(t.Context(), log, mcfg))
	require.True(t, exists("fact_review"))
}
