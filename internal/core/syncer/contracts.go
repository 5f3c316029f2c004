package syncer

import (
	"context"
	"time"

	"github.com/fatgrid/warehouse-etl/internal/core/schema"
)

// Batch is one fetched slice of source rows. Rows are positionally aligned
// to Columns; the warehouse inserts them in that same order.
type Batch struct {
	Columns []string
	Rows    [][]any
}

func (b Batch) Len() int {
	return len(b.Rows)
}

// TableStats summarizes a source table: row count and watermark range.
// Min/Max are zero when the table is empty.
type TableStats struct {
	Rows         uint64
	MinWatermark time.Time
	MaxWatermark time.Time
}

// DayBucket is one calendar day of source rows, used as the pagination unit
// of the by-day strategy.
type DayBucket struct {
	Day  time.Time
	Rows uint64
}

// Source is the engine rows are pulled from. Fetch results are ordered by
// the watermark column where the contract says so; implementations retry
// transient failures internally and return only terminal errors.
type Source interface {
	// Stats returns row count and watermark range for a table.
	Stats(ctx context.Context, table, watermarkCol string) (TableStats, error)

	// CountAfter counts rows with watermark strictly after cutoff.
	CountAfter(ctx context.Context, table, watermarkCol string, cutoff time.Time) (uint64, error)

	// Describe returns the ordered (name, source type) column list.
	Describe(ctx context.Context, table string) ([]schema.Column, error)

	// FetchBatch returns at most limit rows starting at offset, ordered by
	// the watermark column ascending. A nil cutoff means all rows; otherwise
	// only rows with watermark strictly after cutoff.
	FetchBatch(ctx context.Context, table, watermarkCol string, cutoff *time.Time, limit, offset uint64) (Batch, error)

	// DayBuckets enumerates the distinct calendar days holding rows to sync,
	// with per-day counts, in ascending day order. A nil since means all
	// days; otherwise only days at or after since's calendar day.
	DayBuckets(ctx context.Context, table, watermarkCol string, since *time.Time) ([]DayBucket, error)

	// FetchDay returns all rows whose watermark falls on the given calendar
	// day. One unbounded request; sized by the bucket, bounded by timeout.
	FetchDay(ctx context.Context, table, watermarkCol string, day time.Time) (Batch, error)

	// FetchAfter returns all rows with watermark strictly after cutoff.
	// Used for the partial first day of an incremental by-day run.
	FetchAfter(ctx context.Context, table, watermarkCol string, cutoff time.Time) (Batch, error)
}

// Warehouse is the destination store. Insert must be all-or-nothing per
// batch so that an interrupted run never leaves a half-written batch behind.
type Warehouse interface {
	// MaxWatermark returns the maximum value of column in table. ok is false
	// when the table is absent or empty.
	MaxWatermark(ctx context.Context, table, column string) (ts time.Time, ok bool, err error)

	// Recreate drops the table if it exists and creates it with the given
	// columns, in order.
	Recreate(ctx context.Context, table string, columns []schema.Column) error

	// Insert appends all rows of the batch in a single transaction.
	Insert(ctx context.Context, table string, batch Batch) error

	// Count returns the table's row count.
	Count(ctx context.Context, table string) (uint64, error)
}
