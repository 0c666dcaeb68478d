package load

import (
	"context"
	"fmt"

	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/model"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

// OrphanedListings counts current listings whose host_id has no current host
// version. Orphans are reported, never rejected. It returns 0 when either
// dimension has not been created yet.
func (l *Loader) OrphanedListings(ctx context.Context) (int64, error) {
	hosts := warehouse.TableRef{Schema: l.cfg.Schema, Name: model.DimHost}
	listings := warehouse.TableRef{Schema: l.cfg.Schema, Name: model.DimListing}
	for _, ref := range []warehouse.TableRef{hosts, listings} {
		ok, err := l.cfg.Warehouse.TableExists(ctx, ref)
		if err != nil {
			return 0, connectorErr("inspect", ref.Name, err)
		}
		if !ok {
			return 0, nil
		}
	}

	q := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s AS l WHERE l."is_current" AND l."host_id" IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s AS h WHERE h."host_id" = l."host_id" AND h."is_current")`,
		warehouse.QuoteRef(listings), warehouse.QuoteRef(hosts))
	rows, err := l.cfg.Warehouse.Query(ctx, q)
	if err != nil {
		return 0, connectorErr("integrity check", model.DimListing, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, connectorErr("integrity check", model.DimListing, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, connectorErr("integrity check", model.DimListing, err)
	}

	metrics.OrphanedListings.Set(float64(n))
	if n > 0 {
		l.log.Warn("load: current listings reference unknown hosts", "count", n)
	}
	return n, nil
}
