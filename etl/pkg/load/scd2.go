package load

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/model"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/etl/pkg/warehouse"
)

// Staged is a dimension input materialized in the staging schema.
type Staged struct {
	Target  Target
	Ref     warehouse.TableRef
	Table   *table.Table
	Tracked []string
	// Dropped is the number of input rows discarded for a blank natural key.
	Dropped int
}

// Stage shapes df into the staging table for target: projected, stripped of
// rows whose natural key is NULL or empty, deduplicated on the natural key
// keeping the last occurrence, widened with NULL for any missing tracked
// column, and stamped as an open version at runTS. The staging table is
// replaced on every call.
func (l *Loader) Stage(ctx context.Context, target Target, df *table.Table, runTS time.Time) (*Staged, error) {
	if !df.Has(target.NaturalKey) {
		return nil, &MissingKeyError{Table: target.Table, Key: target.NaturalKey}
	}

	keyed, dropped, err := target.project(df).DropBlank(target.NaturalKey)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		l.log.Warn("load: dropping rows without a natural key", "table", target.Table, "key", target.NaturalKey, "rows", dropped)
		metrics.RowsDroppedTotal.WithLabelValues(target.Table).Add(float64(dropped))
	}
	shaped, err := keyed.DedupeLast(target.NaturalKey)
	if err != nil {
		return nil, err
	}

	tracked := target.Tracked
	if len(tracked) == 0 {
		tracked = DeriveTracked(shaped.ColumnNames(), target.NaturalKey)
	}
	for _, c := range tracked {
		if !shaped.Has(c) {
			shaped.AddColumn(table.Column{Name: c, Type: table.TypeText}, nil)
		}
	}

	shaped.SetColumn(table.Column{Name: model.EffectiveFrom, Type: table.TypeTimestamp}, runTS)
	shaped.SetColumn(table.Column{Name: model.EffectiveTo, Type: table.TypeTimestamp}, nil)
	shaped.SetColumn(table.Column{Name: model.IsCurrent, Type: table.TypeBool}, true)

	ref := warehouse.TableRef{Schema: l.cfg.StagingSchema, Name: target.StagingTableName()}
	l.log.Debug("load: staging dimension", "table", target.Table, "staging", ref.String(), "rows", shaped.Len())
	if err := l.cfg.Warehouse.BulkWrite(ctx, ref, shaped, warehouse.WriteReplace); err != nil {
		return nil, connectorErr("stage", target.Table, err)
	}
	return &Staged{Target: target, Ref: ref, Table: shaped, Tracked: tracked, Dropped: dropped}, nil
}

// Plan classifies staged rows against the current versions of the target.
type Plan struct {
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
}

// Plan compares every staged row with the current target version of its
// key using Changed.
func (l *Loader) Plan(ctx context.Context, staged *Staged) (Plan, error) {
	target := staged.Target
	tgt := target.ref(l.cfg.Schema)
	exists, err := l.cfg.Warehouse.TableExists(ctx, tgt)
	if err != nil {
		return Plan{}, connectorErr("inspect", target.Table, err)
	}
	if !exists {
		return Plan{New: staged.Table.Len()}, nil
	}

	key := warehouse.Quote(target.NaturalKey)
	sel := make([]string, 0, 2*len(staged.Tracked)+1)
	sel = append(sel, fmt.Sprintf("t.%s IS NOT NULL", key))
	for _, c := range staged.Tracked {
		sel = append(sel, fmt.Sprintf("CAST(s.%s AS TEXT)", warehouse.Quote(c)))
	}
	for _, c := range staged.Tracked {
		sel = append(sel, fmt.Sprintf("CAST(t.%s AS TEXT)", warehouse.Quote(c)))
	}
	q := fmt.Sprintf("SELECT %s FROM %s AS s LEFT JOIN %s AS t ON t.%s = s.%s AND t.%s",
		strings.Join(sel, ", "), warehouse.QuoteRef(staged.Ref), warehouse.QuoteRef(tgt), key, key, warehouse.Quote(model.IsCurrent))

	rows, err := l.cfg.Warehouse.Query(ctx, q)
	if err != nil {
		return Plan{}, connectorErr("plan", target.Table, err)
	}
	defer rows.Close()

	n := len(staged.Tracked)
	var plan Plan
	for rows.Next() {
		var matched bool
		vals := make([]sql.NullString, 2*n)
		dest := make([]any, 0, 2*n+1)
		dest = append(dest, &matched)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return Plan{}, connectorErr("plan", target.Table, err)
		}

		candidate := make(Row, n)
		var current Row
		if matched {
			current = make(Row, n)
		}
		for i, c := range staged.Tracked {
			candidate[c] = nullable(vals[i])
			if matched {
				current[c] = nullable(vals[n+i])
			}
		}
		switch {
		case current == nil:
			plan.New++
		case Changed(staged.Tracked, candidate, current):
			plan.Changed++
		default:
			plan.Unchanged++
		}
	}
	if err := rows.Err(); err != nil {
		return Plan{}, connectorErr("plan", target.Table, err)
	}
	return plan, nil
}

func nullable(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

// UpsertSCD2 applies df to an SCD2 target. Current versions whose tracked
// columns differ from the input are closed at the run timestamp, and new
// versions are inserted for new and changed keys, both in one transaction.
// Keys absent from the input are left untouched.
func (l *Loader) UpsertSCD2(ctx context.Context, target Target, df *table.Table, opts Options) (Result, error) {
	if df.Empty() {
		return l.skipped(target, opts), nil
	}
	runTS := l.runTS(opts)

	staged, err := l.Stage(ctx, target, df, runTS)
	if err != nil {
		return Result{}, err
	}
	defer l.dropStaging(staged)
	if staged.Table.Empty() {
		res := l.skipped(target, opts)
		res.Dropped = staged.Dropped
		return res, nil
	}

	plan, err := l.Plan(ctx, staged)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Table:     target.Table,
		Strategy:  StrategySCD2,
		Rows:      staged.Table.Len(),
		Closed:    int64(plan.Changed),
		Inserted:  int64(plan.New + plan.Changed),
		Unchanged: plan.Unchanged,
		Dropped:   staged.Dropped,
		DryRun:    opts.DryRun,
	}
	l.log.Info("load: scd2 plan", "table", target.Table, "rows", res.Rows, "new", plan.New, "changed", plan.Changed, "unchanged", plan.Unchanged, "dry_run", opts.DryRun)
	if opts.DryRun {
		return res, nil
	}

	def := warehouse.TableDef{Ref: target.ref(l.cfg.Schema), Columns: staged.Table.Columns, SurrogateKey: target.SurrogateKey}
	closeSQL, insertSQL := scd2Statements(def.Ref, staged)

	var closed, inserted int64
	err = l.cfg.Warehouse.WithTx(ctx, func(tx warehouse.Conn) error {
		if err := warehouse.EnsureTable(ctx, tx, def); err != nil {
			return err
		}
		var err error
		if closed, err = tx.Exec(ctx, closeSQL); err != nil {
			return fmt.Errorf("failed to close out versions: %w", err)
		}
		if inserted, err = tx.Exec(ctx, insertSQL); err != nil {
			return fmt.Errorf("failed to insert versions: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, connectorErr("upsert", target.Table, err)
	}
	if closed != res.Closed || inserted != res.Inserted {
		l.log.Warn("load: scd2 row counts differ from plan", "table", target.Table, "planned_closed", res.Closed, "closed", closed, "planned_inserted", res.Inserted, "inserted", inserted)
	}
	res.Closed, res.Inserted = closed, inserted

	metrics.VersionsClosedTotal.WithLabelValues(target.Table).Add(float64(closed))
	metrics.VersionsInsertedTotal.WithLabelValues(target.Table).Add(float64(inserted))
	metrics.RowsLoadedTotal.WithLabelValues(target.Table, string(StrategySCD2)).Add(float64(inserted))
	l.log.Info("load: scd2 applied", "table", target.Table, "closed", closed, "inserted", inserted)
	return res, nil
}

// scd2Statements builds the close-out and insert statements. The insert
// joins against versions still current after the close-out, so closed keys
// and unseen keys both get a fresh version.
func scd2Statements(tgt warehouse.TableRef, staged *Staged) (closeSQL, insertSQL string) {
	key := warehouse.Quote(staged.Target.NaturalKey)
	isCurrent := warehouse.Quote(model.IsCurrent)

	closeSQL = fmt.Sprintf(
		"UPDATE %s AS t SET %s = s.%s, %s = FALSE FROM %s AS s WHERE t.%s = s.%s AND t.%s AND %s",
		warehouse.QuoteRef(tgt),
		warehouse.Quote(model.EffectiveTo), warehouse.Quote(model.EffectiveFrom), isCurrent,
		warehouse.QuoteRef(staged.Ref),
		key, key, isCurrent,
		DiffCondition("t", "s", staged.Tracked),
	)

	names := staged.Table.ColumnNames()
	cols := make([]string, len(names))
	sel := make([]string, len(names))
	for i, n := range names {
		cols[i] = warehouse.Quote(n)
		sel[i] = "s." + cols[i]
	}
	insertSQL = fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s AS s LEFT JOIN %s AS t ON t.%s = s.%s AND t.%s WHERE t.%s IS NULL OR %s",
		warehouse.QuoteRef(tgt), strings.Join(cols, ", "), strings.Join(sel, ", "),
		warehouse.QuoteRef(staged.Ref), warehouse.QuoteRef(tgt),
		key, key, isCurrent, key,
		DiffCondition("t", "s", staged.Tracked),
	)
	return closeSQL, insertSQL
}

func (l *Loader) dropStaging(staged *Staged) {
	if l.cfg.KeepStaging {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := l.cfg.Warehouse.Exec(ctx, "DROP TABLE IF EXISTS "+warehouse.QuoteRef(staged.Ref)); err != nil {
		l.log.Warn("load: failed to drop staging table", "table", staged.Ref.String(), "error", err)
	}
}
