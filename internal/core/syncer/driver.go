package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatgrid/warehouse-etl/internal/core/schema"
)

// reportInterval is the minimum spacing between progress lines within one
// table's run. The first batch always reports regardless.
const reportInterval = 10 * time.Second

// Driver runs table syncs sequentially: resolve the resume point, recreate
// the destination on a full sync, then fetch-insert-report until the source
// is exhausted. One table finishes before the next starts.
type Driver struct {
	source Source
	wh     Warehouse
	log    *slog.Logger

	reportEvery time.Duration
}

func NewDriver(source Source, wh Warehouse, log *slog.Logger) *Driver {
	return &Driver{
		source:      source,
		wh:          wh,
		log:         log,
		reportEvery: reportInterval,
	}
}

// SyncAll syncs every target in order. A failed table is logged and skipped;
// the remaining tables still run. The returned error lists the failures so
// the caller can exit non-zero.
func (d *Driver) SyncAll(ctx context.Context, targets []Target) error {
	start := time.Now()

	var (
		totalRows uint64
		failures  []error
	)
	for _, target := range targets {
		rows, err := d.SyncTable(ctx, target)
		if err != nil {
			d.log.Error("table sync failed",
				slog.String("table", target.Table),
				slog.Any("error", err),
			)
			failures = append(failures, fmt.Errorf("%s: %w", target.Table, err))
			continue
		}
		totalRows += rows
	}

	d.log.Info("sync run finished",
		slog.Int("tables", len(targets)),
		slog.Int("failed", len(failures)),
		slog.String("rows", FormatCount(totalRows)),
		slog.String("elapsed", FormatDuration(time.Since(start))),
	)

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d tables failed: %w", len(failures), len(targets), errors.Join(failures...))
	}
	return nil
}

// SyncTable syncs a single target and returns the number of rows
// transferred.
func (d *Driver) SyncTable(ctx context.Context, target Target) (uint64, error) {
	if err := target.Validate(); err != nil {
		return 0, err
	}

	decision := ResolveResumePoint(ctx, d.wh, target, d.log)

	switch target.Strategy {
	case StrategyByDay:
		return d.syncByDay(ctx, target, decision)
	default:
		return d.syncOffset(ctx, target, decision)
	}
}

// syncOffset pages through the source with LIMIT/OFFSET, ordered by the
// watermark column. A batch shorter than requested is the authoritative
// end-of-data signal, even when the precomputed total says otherwise.
func (d *Driver) syncOffset(ctx context.Context, target Target, decision ResumeDecision) (uint64, error) {
	stats, err := d.source.Stats(ctx, target.Table, target.WatermarkColumn)
	if err != nil {
		return 0, fmt.Errorf("source stats: %w", err)
	}

	var (
		toSync uint64
		cutoff *time.Time
	)
	if decision.Mode == ModeIncremental {
		c := decision.Cutoff
		cutoff = &c
		toSync, err = d.source.CountAfter(ctx, target.Table, target.WatermarkColumn, c)
		if err != nil {
			return 0, fmt.Errorf("count new rows: %w", err)
		}
		if toSync == 0 {
			d.log.Info("already up to date", slog.String("table", target.Table))
			return 0, nil
		}
		d.log.Info("incremental sync",
			slog.String("table", target.Table),
			slog.Time("cutoff", c),
			slog.String("new_rows", FormatCount(toSync)),
		)
	} else {
		toSync = stats.Rows
		if err := d.recreateDest(ctx, target); err != nil {
			return 0, err
		}
		d.log.Info("full sync",
			slog.String("table", target.Table),
			slog.String("rows", FormatCount(toSync)),
		)
	}

	progress := NewProgress(toSync)
	var lastReport time.Time

	batchSize := uint64(target.BatchSize)
	var offset uint64
	for offset < toSync {
		batch, err := d.source.FetchBatch(ctx, target.Table, target.WatermarkColumn, cutoff, batchSize, offset)
		if err != nil {
			return progress.RowsSynced, fmt.Errorf("fetch batch at offset %d: %w", offset, err)
		}
		if batch.Len() == 0 {
			break
		}

		if err := d.wh.Insert(ctx, target.DestTable(), batch); err != nil {
			return progress.RowsSynced, fmt.Errorf("insert batch at offset %d: %w", offset, err)
		}

		progress.Add(batch.Len())
		offset += uint64(batch.Len())
		d.maybeReport(target.Table, progress, &lastReport)

		// Short batch: the source has no more rows, whatever the estimate said.
		if uint64(batch.Len()) < batchSize {
			break
		}
	}

	d.log.Info("table done",
		slog.String("table", target.Table),
		slog.String("summary", progress.Summary()),
	)
	return progress.RowsSynced, nil
}

// syncByDay transfers one calendar day per fetch. On an incremental run the
// cutoff day itself is refetched with a strict watermark filter so rows
// already loaded from that partial day are not duplicated.
func (d *Driver) syncByDay(ctx context.Context, target Target, decision ResumeDecision) (uint64, error) {
	var since *time.Time
	if decision.Mode == ModeIncremental {
		c := decision.Cutoff
		since = &c
	} else {
		if err := d.recreateDest(ctx, target); err != nil {
			return 0, err
		}
	}

	buckets, err := d.source.DayBuckets(ctx, target.Table, target.WatermarkColumn, since)
	if err != nil {
		return 0, fmt.Errorf("enumerate day buckets: %w", err)
	}
	if len(buckets) == 0 {
		d.log.Info("already up to date", slog.String("table", target.Table))
		return 0, nil
	}

	var toSync uint64
	for _, b := range buckets {
		toSync += b.Rows
	}
	d.log.Info("day-bucketed sync",
		slog.String("table", target.Table),
		slog.String("mode", string(decision.Mode)),
		slog.Int("days", len(buckets)),
		slog.String("rows", FormatCount(toSync)),
	)

	progress := NewProgress(toSync)
	var lastReport time.Time

	for _, bucket := range buckets {
		var batch Batch
		if since != nil && sameDay(bucket.Day, *since) {
			// Partial first day of an incremental run.
			batch, err = d.source.FetchAfter(ctx, target.Table, target.WatermarkColumn, *since)
		} else {
			batch, err = d.source.FetchDay(ctx, target.Table, target.WatermarkColumn, bucket.Day)
		}
		if err != nil {
			return progress.RowsSynced, fmt.Errorf("fetch day %s: %w", bucket.Day.Format(time.DateOnly), err)
		}

		if batch.Len() > 0 {
			if err := d.wh.Insert(ctx, target.DestTable(), batch); err != nil {
				return progress.RowsSynced, fmt.Errorf("insert day %s: %w", bucket.Day.Format(time.DateOnly), err)
			}
			progress.Add(batch.Len())
		}
		d.maybeReport(target.Table, progress, &lastReport)
	}

	d.log.Info("table done",
		slog.String("table", target.Table),
		slog.String("summary", progress.Summary()),
	)
	return progress.RowsSynced, nil
}

// recreateDest drops and recreates the destination table from a fresh source
// schema probe. Only full syncs do this; incremental runs rely on the schema
// established when the table was first created.
func (d *Driver) recreateDest(ctx context.Context, target Target) error {
	columns, err := d.source.Describe(ctx, target.Table)
	if err != nil {
		return fmt.Errorf("describe source table: %w", err)
	}
	if err := d.wh.Recreate(ctx, target.DestTable(), schema.Translate(columns)); err != nil {
		return fmt.Errorf("recreate destination table: %w", err)
	}
	return nil
}

// maybeReport emits a progress line right after the first batch and then at
// most every reportEvery, to bound log volume on fast syncs.
func (d *Driver) maybeReport(table string, p *Progress, lastReport *time.Time) {
	if !lastReport.IsZero() && time.Since(*lastReport) < d.reportEvery {
		return
	}
	*lastReport = time.Now()
	d.log.Info("sync progress",
		slog.String("table", table),
		slog.String("progress", p.Line()),
	)
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format(time.DateOnly) == b.UTC().Format(time.DateOnly)
}
