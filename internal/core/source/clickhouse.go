// Package source reads tables from the ClickHouse production database over
// the native protocol.
package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/fatgrid/warehouse-etl/internal/core/schema"
	"github.com/fatgrid/warehouse-etl/internal/core/syncer"
)

// Per-query deadlines. Day fetches are single unbounded requests and get a
// generous timeout; a day that cannot be fetched within it fails the table.
const (
	queryTimeout = 5 * time.Minute
	batchTimeout = 2 * time.Minute
	dayTimeout   = 10 * time.Minute
)

type Config struct {
	Host     string `default:"127.0.0.1" split_words:"true"`
	Port     string `default:"9000" split_words:"true"`
	Database string `default:"default" split_words:"true"`
	User     string `default:"default" split_words:"true"`
	Password string `split_words:"true"`
	Secure   bool   `split_words:"true"`
}

// ClickHouse implements syncer.Source against a ClickHouse server.
type ClickHouse struct {
	conn driver.Conn
	log  *slog.Logger
}

var _ syncer.Source = (*ClickHouse)(nil)

func NewClickHouse(ctx context.Context, cfg Config, log *slog.Logger) (*ClickHouse, error) {
	var tlsConfig *tls.Config
	if cfg.Secure {
		tlsConfig = &tls.Config{} //nolint:gosec // server-verified default config
	}

	conn, err := clickhouse.Open(&clickhouse.Options{ //nolint:exhaustruct // optional config
		Addr:     []string{cfg.Host + ":" + cfg.Port},
		Protocol: clickhouse.Native,
		TLS:      tlsConfig,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		if ex, ok := err.(*clickhouse.Exception); ok { //nolint:errorlint // typed exception
			return nil, fmt.Errorf("ping failed: exception [%d] %s\n%s", ex.Code, ex.Message, ex.StackTrace)
		}
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	return &ClickHouse{conn: conn, log: log}, nil
}

func (c *ClickHouse) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close clickhouse connection: %w", err)
	}
	return nil
}

// Tables lists the tables of the connected database.
func (c *ClickHouse) Tables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := c.conn.Query(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (c *ClickHouse) Stats(ctx context.Context, table, watermarkCol string) (zero syncer.TableStats, _ error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT count() AS cnt, min(%s) AS min_ts, max(%s) AS max_ts FROM %s",
		watermarkCol, watermarkCol, table)

	var stats syncer.TableStats
	row := c.conn.QueryRow(ctx, query)
	if err := row.Scan(&stats.Rows, &stats.MinWatermark, &stats.MaxWatermark); err != nil {
		return zero, fmt.Errorf("table stats for %s: %w", table, err)
	}
	return stats, nil
}

func (c *ClickHouse) CountAfter(ctx context.Context, table, watermarkCol string, cutoff time.Time) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT count() FROM %s WHERE %s > ?", table, watermarkCol)

	var count uint64
	if err := c.conn.QueryRow(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows after cutoff in %s: %w", table, err)
	}
	return count, nil
}

// Describe returns the ordered column list of a table. system.columns keeps
// declaration order in the position column.
func (c *ClickHouse) Describe(ctx context.Context, table string) ([]schema.Column, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := c.conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = currentDatabase() AND table = ? ORDER BY position",
		table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	var columns []schema.Column
	for rows.Next() {
		var col schema.Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("describe %s: table not found", table)
	}
	return columns, nil
}

func (c *ClickHouse) FetchBatch(ctx context.Context, table, watermarkCol string, cutoff *time.Time, limit, offset uint64) (syncer.Batch, error) {
	var (
		query string
		args  []any
	)
	if cutoff != nil {
		query = fmt.Sprintf("SELECT * FROM %s WHERE %s > ? ORDER BY %s LIMIT %d OFFSET %d",
			table, watermarkCol, watermarkCol, limit, offset)
		args = append(args, *cutoff)
	} else {
		query = fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT %d OFFSET %d",
			table, watermarkCol, limit, offset)
	}

	return withRetry(ctx, c.log, "fetch batch from "+table, retryDelay, func() (syncer.Batch, error) {
		return c.queryBatch(ctx, batchTimeout, query, args...)
	})
}

func (c *ClickHouse) DayBuckets(ctx context.Context, table, watermarkCol string, since *time.Time) ([]syncer.DayBucket, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		query string
		args  []any
	)
	if since != nil {
		query = fmt.Sprintf("SELECT toDate(%s) AS d, count() AS cnt FROM %s WHERE toDate(%s) >= toDate(?) GROUP BY d ORDER BY d",
			watermarkCol, table, watermarkCol)
		args = append(args, *since)
	} else {
		query = fmt.Sprintf("SELECT toDate(%s) AS d, count() AS cnt FROM %s GROUP BY d ORDER BY d",
			watermarkCol, table)
	}

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("day buckets for %s: %w", table, err)
	}
	defer rows.Close()

	var buckets []syncer.DayBucket
	for rows.Next() {
		var b syncer.DayBucket
		if err := rows.Scan(&b.Day, &b.Rows); err != nil {
			return nil, fmt.Errorf("scan day bucket of %s: %w", table, err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (c *ClickHouse) FetchDay(ctx context.Context, table, watermarkCol string, day time.Time) (syncer.Batch, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE toDate(%s) = toDate(?)", table, watermarkCol)
	return c.queryBatch(ctx, dayTimeout, query, day.Format(time.DateOnly))
}

func (c *ClickHouse) FetchAfter(ctx context.Context, table, watermarkCol string, cutoff time.Time) (syncer.Batch, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > ?", table, watermarkCol)
	return c.queryBatch(ctx, dayTimeout, query, cutoff)
}

// queryBatch runs a row query and collects the result into a positional
// batch. Scan targets come from the driver's per-column scan types, so
// Nullable columns surface as typed pointers and nil stays nil.
func (c *ClickHouse) queryBatch(ctx context.Context, timeout time.Duration, query string, args ...any) (zero syncer.Batch, _ error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return zero, fmt.Errorf("query batch: %w", err)
	}
	defer rows.Close()

	batch := syncer.Batch{
		Columns: rows.Columns(),
	}
	types := rows.ColumnTypes()

	for rows.Next() {
		scan := make([]any, len(types))
		for i, ct := range types {
			scan[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(scan...); err != nil {
			return zero, fmt.Errorf("scan row: %w", err)
		}

		row := make([]any, len(scan))
		for i, v := range scan {
			row[i] = reflect.ValueOf(v).Elem().Interface()
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return zero, fmt.Errorf("read batch rows: %w", err)
	}
	return batch, nil
}
