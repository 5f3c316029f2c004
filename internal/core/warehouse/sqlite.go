// Package warehouse is the local analytical store synced tables land in,
// backed by a single SQLite file via the pure-Go modernc driver.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	"github.com/fatgrid/warehouse-etl/internal/core/schema"
	"github.com/fatgrid/warehouse-etl/internal/core/syncer"
)

// timestampLayout is how time values are stored. Fixed width and UTC, so
// lexicographic ordering of stored values matches chronological ordering and
// MAX() on a timestamp column returns the true watermark.
const timestampLayout = "2006-01-02 15:04:05.000000000"

type Config struct {
	Path string `json:"path" default:"warehouse.db" split_words:"true"`
}

// DB wraps the warehouse database file.
type DB struct {
	db  *sql.DB
	log *slog.Logger
}

func Open(path string, log *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open warehouse %q: %w", path, err)
	}
	// Bulk loads and the status API may overlap in serve mode.
	if _, err := db.Exec("PRAGMA busy_timeout = 10000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &DB{db: db, log: log}, nil
}

func (w *DB) Close() error {
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("close warehouse: %w", err)
	}
	return nil
}

// MaxWatermark returns the maximum watermark value in a table. ok is false
// when the table is absent or holds no rows; errors are left to the caller
// to downgrade.
func (w *DB) MaxWatermark(ctx context.Context, table, column string) (zero time.Time, ok bool, _ error) {
	query := fmt.Sprintf(`SELECT max(%s) FROM %s`, quoteIdent(column), quoteIdent(table))

	var raw any
	if err := w.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		return zero, false, fmt.Errorf("query max watermark: %w", err)
	}
	if raw == nil {
		return zero, false, nil
	}

	ts, err := parseTimestamp(raw)
	if err != nil {
		return zero, false, fmt.Errorf("parse max watermark: %w", err)
	}
	return ts, true, nil
}

// Recreate drops and recreates a table with the given columns. There is no
// in-place migration path: a schema change always goes through here, as part
// of a full sync.
func (w *DB) Recreate(ctx context.Context, table string, columns []schema.Column) error {
	if len(columns) == 0 {
		return fmt.Errorf("recreate %s: no columns", table)
	}

	if _, err := w.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}

	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = quoteIdent(col.Name) + " " + col.Type
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	w.log.Debug("table recreated", slog.String("table", table), slog.Int("columns", len(columns)))
	return nil
}

// Insert writes a whole batch in one transaction. All-or-nothing per batch:
// an interrupted run either committed the batch or left no trace of it, so
// the next run's resume point stays consistent.
func (w *DB) Insert(ctx context.Context, table string, batch syncer.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch.Columns)), ",")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table), placeholders))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range batch.Rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = normalizeValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tx: %w", err)
	}
	return nil
}

func (w *DB) Count(ctx context.Context, table string) (uint64, error) {
	var count uint64
	err := w.db.QueryRowContext(ctx, "SELECT count(*) FROM "+quoteIdent(table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return count, nil
}

// normalizeValue coerces source-driver values into types the SQLite driver
// accepts. Nil pointers (from Nullable source columns) become NULL; missing
// or unknown values pass through and surface as driver errors rather than
// being silently dropped.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(timestampLayout)
	case uuid.UUID:
		return val.String()
	case uint64:
		return int64(val)
	case uint32:
		return int64(val)
	case uint16:
		return int64(val)
	case uint8:
		return int64(val)
	case uint:
		return int64(val)
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	}

	// Nullable source columns scan as typed pointers.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		return normalizeValue(rv.Elem().Interface())
	}
	return v
}

// parseTimestamp reads a stored watermark back. Values written by this
// package use timestampLayout, but tables loaded by other tools may carry
// RFC 3339 or date-only strings.
func parseTimestamp(raw any) (zero time.Time, _ error) {
	switch val := raw.(type) {
	case time.Time:
		return val, nil
	case []byte:
		return parseTimestampString(string(val))
	case string:
		return parseTimestampString(val)
	default:
		return zero, fmt.Errorf("unexpected watermark type %T", raw)
	}
}

func parseTimestampString(s string) (zero time.Time, _ error) {
	layouts := []string{
		timestampLayout,
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
		time.DateOnly,
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return zero, fmt.Errorf("unparseable watermark %q", s)
}

// quoteIdent quotes an identifier for SQLite. Table and column names come
// from configuration and source schemas, not user input, but source columns
// may still collide with keywords.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
