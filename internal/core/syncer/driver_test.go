package syncer_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatgrid/warehouse-etl/internal/core/schema"
	"github.com/fatgrid/warehouse-etl/internal/core/syncer"
	"github.com/fatgrid/warehouse-etl/internal/core/warehouse"
	"github.com/fatgrid/warehouse-etl/tests/testutils"
)

// fakeSource serves rows for a set of tables from memory, ordered by
// watermark, implementing the same contract as the ClickHouse client.
type fakeSource struct {
	tables     map[string][]fakeRow
	failStats  map[string]bool
	fetchCalls int

	// statsRowsOverride fakes a stale row-count estimate when non-zero.
	statsRowsOverride uint64
}

type fakeRow struct {
	id int64
	ts time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tables:    make(map[string][]fakeRow),
		failStats: make(map[string]bool),
	}
}

func (f *fakeSource) add(table string, rows ...fakeRow) {
	f.tables[table] = append(f.tables[table], rows...)
	sort.Slice(f.tables[table], func(i, j int) bool {
		return f.tables[table][i].ts.Before(f.tables[table][j].ts)
	})
}

func (f *fakeSource) Stats(_ context.Context, table, _ string) (syncer.TableStats, error) {
	if f.failStats[table] {
		return syncer.TableStats{}, assert.AnError
	}
	rows := f.tables[table]
	stats := syncer.TableStats{Rows: uint64(len(rows))}
	if f.statsRowsOverride > 0 {
		stats.Rows = f.statsRowsOverride
	}
	if len(rows) > 0 {
		stats.MinWatermark = rows[0].ts
		stats.MaxWatermark = rows[len(rows)-1].ts
	}
	return stats, nil
}

func (f *fakeSource) CountAfter(_ context.Context, table, _ string, cutoff time.Time) (uint64, error) {
	var n uint64
	for _, r := range f.tables[table] {
		if r.ts.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (f *fakeSource) Describe(_ context.Context, _ string) ([]schema.Column, error) {
	return []schema.Column{
		{Name: "id", Type: "UInt64"},
		{Name: "ts", Type: "DateTime"},
	}, nil
}

func (f *fakeSource) FetchBatch(_ context.Context, table, _ string, cutoff *time.Time, limit, offset uint64) (syncer.Batch, error) {
	f.fetchCalls++

	var filtered []fakeRow
	for _, r := range f.tables[table] {
		if cutoff == nil || r.ts.After(*cutoff) {
			filtered = append(filtered, r)
		}
	}

	if offset >= uint64(len(filtered)) {
		return syncer.Batch{Columns: []string{"id", "ts"}}, nil
	}
	end := offset + limit
	if end > uint64(len(filtered)) {
		end = uint64(len(filtered))
	}
	return toBatch(filtered[offset:end]), nil
}

func (f *fakeSource) DayBuckets(_ context.Context, table, _ string, since *time.Time) ([]syncer.DayBucket, error) {
	counts := make(map[string]uint64)
	for _, r := range f.tables[table] {
		day := r.ts.UTC().Format(time.DateOnly)
		if since != nil && day < since.UTC().Format(time.DateOnly) {
			continue
		}
		counts[day]++
	}

	days := make([]string, 0, len(counts))
	for day := range counts {
		days = append(days, day)
	}
	sort.Strings(days)

	buckets := make([]syncer.DayBucket, 0, len(days))
	for _, day := range days {
		d, _ := time.ParseInLocation(time.DateOnly, day, time.UTC)
		buckets = append(buckets, syncer.DayBucket{Day: d, Rows: counts[day]})
	}
	return buckets, nil
}

func (f *fakeSource) FetchDay(_ context.Context, table, _ string, day time.Time) (syncer.Batch, error) {
	var rows []fakeRow
	for _, r := range f.tables[table] {
		if r.ts.UTC().Format(time.DateOnly) == day.UTC().Format(time.DateOnly) {
			rows = append(rows, r)
		}
	}
	return toBatch(rows), nil
}

func (f *fakeSource) FetchAfter(_ context.Context, table, _ string, cutoff time.Time) (syncer.Batch, error) {
	var rows []fakeRow
	for _, r := range f.tables[table] {
		if r.ts.After(cutoff) {
			rows = append(rows, r)
		}
	}
	return toBatch(rows), nil
}

func toBatch(rows []fakeRow) syncer.Batch {
	batch := syncer.Batch{Columns: []string{"id", "ts"}}
	for _, r := range rows {
		batch.Rows = append(batch.Rows, []any{r.id, r.ts})
	}
	return batch
}

func openTestWarehouse(t *testing.T) *warehouse.DB {
	t.Helper()
	wh, err := warehouse.Open(filepath.Join(t.TempDir(), "warehouse.db"), testutils.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = wh.Close() })
	return wh
}

func rowsAt(base time.Time, step time.Duration, startID int64, n int) []fakeRow {
	rows := make([]fakeRow, n)
	for i := range rows {
		rows[i] = fakeRow{id: startID + int64(i), ts: base.Add(time.Duration(i) * step)}
	}
	return rows
}

var baseTS = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestResolveFullWhenTableAbsent(t *testing.T) {
	wh := openTestWarehouse(t)
	target := syncer.Target{Table: "events", WatermarkColumn: "ts", BatchSize: 10, Strategy: syncer.StrategyOffset}

	decision := syncer.ResolveResumePoint(context.Background(), wh, target, testutils.NewTestLogger())
	assert.Equal(t, syncer.ModeFull, decision.Mode)
}

func TestResolveIsIdempotent(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("events", rowsAt(baseTS, time.Minute, 1, 5)...)

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "events", WatermarkColumn: "ts", BatchSize: 10, Strategy: syncer.StrategyOffset}

	_, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)

	first := syncer.ResolveResumePoint(context.Background(), wh, target, testutils.NewTestLogger())
	second := syncer.ResolveResumePoint(context.Background(), wh, target, testutils.NewTestLogger())
	assert.Equal(t, first, second)
}

func TestFullThenIncrementalRoundTrip(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("events", rowsAt(baseTS, time.Minute, 1, 10)...)

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "events", WatermarkColumn: "ts", BatchSize: 4, Strategy: syncer.StrategyOffset}

	rows, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	assert.EqualValues(t, 10, rows)

	count, err := wh.Count(context.Background(), target.DestTable())
	require.NoError(t, err)
	assert.EqualValues(t, 10, count)

	// The resume point must be the maximum watermark just written.
	decision := syncer.ResolveResumePoint(context.Background(), wh, target, testutils.NewTestLogger())
	require.Equal(t, syncer.ModeIncremental, decision.Mode)
	assert.True(t, decision.Cutoff.Equal(baseTS.Add(9*time.Minute)), "cutoff %s", decision.Cutoff)

	// Re-sync with no new source rows: nothing transfers, count unchanged.
	rows, err = driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	assert.Zero(t, rows)

	count, err = wh.Count(context.Background(), target.DestTable())
	require.NoError(t, err)
	assert.EqualValues(t, 10, count)
}

func TestIncrementalTransfersOnlyNewRows(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("events", rowsAt(baseTS, time.Minute, 1, 10)...)

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "events", WatermarkColumn: "ts", BatchSize: 50, Strategy: syncer.StrategyOffset}

	_, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)

	src.add("events", rowsAt(baseTS.Add(time.Hour), time.Minute, 11, 3)...)

	rows, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rows)

	count, err := wh.Count(context.Background(), target.DestTable())
	require.NoError(t, err)
	assert.EqualValues(t, 13, count)
}

func TestOffsetPaginationFetchCount(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("events", rowsAt(baseTS, time.Second, 1, 10)...)

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "events", WatermarkColumn: "ts", BatchSize: 4, Strategy: syncer.StrategyOffset}

	rows, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	assert.EqualValues(t, 10, rows)
	// ceil(10/4) = 3 fetches: 4 + 4 + 2.
	assert.Equal(t, 3, src.fetchCalls)
}

func TestShortBatchIsAuthoritativeStop(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("events", rowsAt(baseTS, time.Second, 1, 7)...)
	// Estimate claims far more rows than the source still has.
	src.statsRowsOverride = 100

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "events", WatermarkColumn: "ts", BatchSize: 5, Strategy: syncer.StrategyOffset}

	rows, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	assert.EqualValues(t, 7, rows)
	// 5 rows, then a short batch of 2 ends the run despite the estimate.
	assert.Equal(t, 2, src.fetchCalls)
}

func TestByDaySyncFullThenMidDayCutoff(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()

	day1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	src.add("big_events", rowsAt(day1, time.Minute, 1, 3)...)
	src.add("big_events", rowsAt(day2, time.Minute, 4, 2)...)

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "big_events", WatermarkColumn: "ts", BatchSize: 1000, Strategy: syncer.StrategyByDay}

	rows, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	assert.EqualValues(t, 5, rows)

	// New rows land later on day 2, after the cutoff inside that day.
	src.add("big_events", rowsAt(day2.Add(3*time.Hour), time.Minute, 6, 4)...)

	rows, err = driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	// Only the 4 strictly-after-cutoff rows transfer; the 2 already-loaded
	// rows of the cutoff day are not re-imported.
	assert.EqualValues(t, 4, rows)

	count, err := wh.Count(context.Background(), target.DestTable())
	require.NoError(t, err)
	assert.EqualValues(t, 9, count)
}

func TestByDayUpToDate(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("big_events", rowsAt(baseTS, time.Minute, 1, 4)...)

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "big_events", WatermarkColumn: "ts", Strategy: syncer.StrategyByDay}

	_, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)

	rows, err := driver.SyncTable(context.Background(), target)
	require.NoError(t, err)
	assert.Zero(t, rows)

	count, err := wh.Count(context.Background(), target.DestTable())
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)
}

func TestSyncAllContinuesPastFailedTable(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("good", rowsAt(baseTS, time.Minute, 1, 3)...)
	src.add("bad", rowsAt(baseTS, time.Minute, 1, 3)...)
	src.failStats["bad"] = true

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	targets := []syncer.Target{
		{Table: "bad", WatermarkColumn: "ts", BatchSize: 10, Strategy: syncer.StrategyOffset},
		{Table: "good", WatermarkColumn: "ts", BatchSize: 10, Strategy: syncer.StrategyOffset},
	}

	err := driver.SyncAll(context.Background(), targets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	// The failure of one table must not stop the others.
	count, err := wh.Count(context.Background(), "ch_good")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestStatusReportsLag(t *testing.T) {
	wh := openTestWarehouse(t)
	src := newFakeSource()
	src.add("events", rowsAt(baseTS, time.Minute, 1, 6)...)

	driver := syncer.NewDriver(src, wh, testutils.NewTestLogger())
	target := syncer.Target{Table: "events", WatermarkColumn: "ts", BatchSize: 10, Strategy: syncer.StrategyOffset}

	// Before the first sync the warehouse table does not exist yet.
	statuses, err := driver.Status(context.Background(), []syncer.Target{target})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.EqualValues(t, 6, statuses[0].SourceRows)
	assert.EqualValues(t, 0, statuses[0].WarehouseRows)
	assert.EqualValues(t, 6, statuses[0].Behind)

	_, err = driver.SyncTable(context.Background(), target)
	require.NoError(t, err)

	statuses, err = driver.Status(context.Background(), []syncer.Target{target})
	require.NoError(t, err)
	assert.EqualValues(t, 6, statuses[0].WarehouseRows)
	assert.Zero(t, statuses[0].Behind)
}
