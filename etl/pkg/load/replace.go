package load

import (
	"context"
	"fmt"

	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

// Replace truncates target and reloads it from df in one transaction,
// restarting its surrogate key at 1. An empty df leaves the existing contents
// in place.
func (l *Loader) Replace(ctx context.Context, target Target, df *table.Table, opts Options) (Result, error) {
	if df.Empty() {
		return l.skipped(target, opts), nil
	}
	shaped := target.project(df)
	res := Result{Table: target.Table, Strategy: StrategyReplace, Rows: shaped.Len(), Inserted: int64(shaped.Len()), DryRun: opts.DryRun}
	if opts.DryRun {
		l.log.Info("load: replace (dry run)", "table", target.Table, "rows", res.Rows)
		return res, nil
	}

	def := warehouse.TableDef{Ref: target.ref(l.cfg.Schema), Columns: shaped.Columns, SurrogateKey: target.SurrogateKey}
	err := l.cfg.Warehouse.WithTx(ctx, func(tx warehouse.Conn) error {
		if err := warehouse.EnsureTable(ctx, tx, def); err != nil {
			return err
		}
		for _, stmt := range tx.Dialect().Truncate(def) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", def.Ref, err)
			}
		}
		if err := warehouse.EnsureTable(ctx, tx, def); err != nil {
			return err
		}
		return tx.BulkWrite(ctx, def.Ref, shaped, warehouse.WriteAppend)
	})
	if err != nil {
		return Result{}, connectorErr("replace", target.Table, err)
	}

	metrics.RowsLoadedTotal.WithLabelValues(target.Table, string(StrategyReplace)).Add(float64(res.Rows))
	l.log.Info("load: replaced table", "table", target.Table, "rows", res.Rows)
	return res, nil
}

// Append appends df to target without deduplication. Re-running with the
// same input duplicates rows.
func (l *Loader) Append(ctx context.Context, target Target, df *table.Table, opts Options) (Result, error) {
	if df.Empty() {
		return l.skipped(target, opts), nil
	}
	shaped := target.project(df)
	res := Result{Table: target.Table, Strategy: StrategyAppend, Rows: shaped.Len(), Inserted: int64(shaped.Len()), DryRun: opts.DryRun}
	if opts.DryRun {
		l.log.Info("load: append (dry run)", "table", target.Table, "rows", res.Rows)
		return res, nil
	}

	def := warehouse.TableDef{Ref: target.ref(l.cfg.Schema), Columns: shaped.Columns, SurrogateKey: target.SurrogateKey}
	err := l.cfg.Warehouse.WithTx(ctx, func(tx warehouse.Conn) error {
		if err := warehouse.EnsureTable(ctx, tx, def); err != nil {
			return err
		}
		return tx.BulkWrite(ctx, def.Ref, shaped, warehouse.WriteAppend)
	})
	if err != nil {
		return Result{}, connectorErr("append", target.Table, err)
	}

	metrics.RowsLoadedTotal.WithLabelValues(target.Table, string(StrategyAppend)).Add(float64(res.Rows))
	l.log.Info("load: appended rows", "table", target.Table, "rows", res.Rows)
	return res, nil
}
