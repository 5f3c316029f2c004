// Package mongoexport loads MongoDB user and subscription data into the
// warehouse. Unlike the ClickHouse sync this is a full-replace load: the
// collections are small and carry in-place updates, so a watermark cannot
// tell changed documents apart.
package mongoexport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fatgrid/warehouse-etl/internal/core/schema"
	"github.com/fatgrid/warehouse-etl/internal/core/syncer"
)

type Config struct {
	URI       string `split_words:"true"`
	Database  string `default:"mydb" split_words:"true"`
	BatchSize int    `default:"5000" split_words:"true"`
}

// FieldSpec maps one document field to one warehouse column.
type FieldSpec struct {
	Field      string `json:"field"`
	Column     string `json:"column"`
	Type       string `json:"type"`
	ObjectID   bool   `json:"object_id,omitempty"`
	UnixMillis bool   `json:"unix_millis,omitempty"`
}

// CollectionSpec maps one collection to one warehouse table.
type CollectionSpec struct {
	Collection string      `json:"collection"`
	Table      string      `json:"table"`
	Fields     []FieldSpec `json:"fields"`
}

func (s CollectionSpec) columns() []schema.Column {
	cols := make([]schema.Column, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = schema.Column{Name: f.Column, Type: f.Type}
	}
	return cols
}

// DefaultCollections lists the exported collections and their field maps.
func DefaultCollections() []CollectionSpec {
	return []CollectionSpec{
		{
			Collection: "users",
			Table:      "mongo_users",
			Fields: []FieldSpec{
				{Field: "_id", Column: "id", Type: "TEXT", ObjectID: true},
				{Field: "email", Column: "email", Type: "TEXT"},
				{Field: "role", Column: "role", Type: "INTEGER"},
				{Field: "status", Column: "status", Type: "INTEGER"},
				{Field: "companyId", Column: "company_id", Type: "TEXT", ObjectID: true},
				{Field: "customerId", Column: "customer_id", Type: "TEXT"},
				{Field: "isPublisher", Column: "is_publisher", Type: "INTEGER"},
				{Field: "balance", Column: "balance", Type: "REAL"},
				{Field: "createdAt", Column: "created_at", Type: "TIMESTAMP"},
				{Field: "updatedAt", Column: "updated_at", Type: "TIMESTAMP"},
			},
		},
		{
			Collection: "subscriptions",
			Table:      "mongo_subscriptions",
			Fields: []FieldSpec{
				{Field: "_id", Column: "id", Type: "TEXT", ObjectID: true},
				{Field: "subscriptionId", Column: "subscription_id", Type: "TEXT"},
				{Field: "userId", Column: "user_id", Type: "TEXT", ObjectID: true},
				{Field: "status", Column: "status", Type: "TEXT"},
				{Field: "plan", Column: "plan", Type: "TEXT"},
				{Field: "amount", Column: "amount", Type: "REAL"},
				{Field: "createdAt", Column: "created_at", Type: "TIMESTAMP"},
				{Field: "currentPeriodEnd", Column: "current_period_end", Type: "TIMESTAMP", UnixMillis: true},
			},
		},
	}
}

type Exporter struct {
	client    *mongo.Client
	db        string
	wh        syncer.Warehouse
	batchSize int
	log       *slog.Logger
}

func NewExporter(ctx context.Context, cfg Config, wh syncer.Warehouse, log *slog.Logger) (*Exporter, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo export: URI is not configured")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Exporter{
		client:    client,
		db:        cfg.Database,
		wh:        wh,
		batchSize: cfg.BatchSize,
		log:       log,
	}, nil
}

func (e *Exporter) Close(ctx context.Context) error {
	if err := e.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// ExportAll replaces every configured table. A failed collection does not
// stop the remaining ones.
func (e *Exporter) ExportAll(ctx context.Context, specs []CollectionSpec) error {
	var failed int
	for _, spec := range specs {
		rows, err := e.ExportCollection(ctx, spec)
		if err != nil {
			e.log.Error("collection export failed",
				slog.String("collection", spec.Collection),
				slog.Any("error", err),
			)
			failed++
			continue
		}
		e.log.Info("collection exported",
			slog.String("collection", spec.Collection),
			slog.String("table", spec.Table),
			slog.String("rows", syncer.FormatCount(rows)),
		)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d collections failed", failed, len(specs))
	}
	return nil
}

func (e *Exporter) ExportCollection(ctx context.Context, spec CollectionSpec) (uint64, error) {
	if err := e.wh.Recreate(ctx, spec.Table, spec.columns()); err != nil {
		return 0, fmt.Errorf("recreate %s: %w", spec.Table, err)
	}

	coll := e.client.Database(e.db).Collection(spec.Collection)
	cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetBatchSize(int32(e.batchSize)))
	if err != nil {
		return 0, fmt.Errorf("find %s: %w", spec.Collection, err)
	}
	defer cursor.Close(ctx)

	columns := make([]string, len(spec.Fields))
	for i, f := range spec.Fields {
		columns[i] = f.Column
	}

	var (
		total uint64
		rows  [][]any
	)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := e.wh.Insert(ctx, spec.Table, syncer.Batch{Columns: columns, Rows: rows}); err != nil {
			return fmt.Errorf("insert into %s: %w", spec.Table, err)
		}
		total += uint64(len(rows))
		rows = nil
		return nil
	}

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return total, fmt.Errorf("decode document from %s: %w", spec.Collection, err)
		}

		row := make([]any, len(spec.Fields))
		for i, f := range spec.Fields {
			row[i] = ExtractValue(doc, f)
		}
		rows = append(rows, row)

		if len(rows) >= e.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return total, fmt.Errorf("iterate %s: %w", spec.Collection, err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// ExtractValue pulls one field out of a decoded document and coerces it for
// the warehouse. Missing fields load as NULL rather than dropping the row;
// analytical consumers tolerate sparse columns.
func ExtractValue(doc bson.M, f FieldSpec) any {
	val, ok := doc[f.Field]
	if !ok || val == nil {
		return nil
	}

	if f.ObjectID {
		if oid, ok := val.(primitive.ObjectID); ok {
			return oid.Hex()
		}
		return fmt.Sprintf("%v", val)
	}

	if f.UnixMillis {
		switch v := val.(type) {
		case int32:
			return time.UnixMilli(int64(v)).UTC()
		case int64:
			return time.UnixMilli(v).UTC()
		case float64:
			return time.UnixMilli(int64(v)).UTC()
		}
	}

	switch v := val.(type) {
	case primitive.DateTime:
		return v.Time().UTC()
	case primitive.Decimal128:
		return v.String()
	default:
		return v
	}
}
