package schema

import (
	"strings"
)

// Column is one (name, type) pair of a table schema. Depending on context the
// Type field holds either a ClickHouse type name or a warehouse type name.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// FallbackType is the warehouse type used for any source type without an
// explicit mapping. Analytical consumers can always work with text.
const FallbackType = "TEXT"

// warehouseTypes maps ClickHouse base types to warehouse column types.
var warehouseTypes = map[string]string{
	"UInt8":      "INTEGER",
	"UInt16":     "INTEGER",
	"UInt32":     "INTEGER",
	"UInt64":     "INTEGER",
	"Int8":       "INTEGER",
	"Int16":      "INTEGER",
	"Int32":      "INTEGER",
	"Int64":      "INTEGER",
	"Bool":       "INTEGER",
	"Float32":    "REAL",
	"Float64":    "REAL",
	"Decimal":    "REAL",
	"String":     "TEXT",
	"UUID":       "TEXT",
	"DateTime":   "TIMESTAMP",
	"DateTime64": "TIMESTAMP",
	"Date":       "DATE",
	"Date32":     "DATE",
}

// Translate converts an ordered ClickHouse column list into the matching
// warehouse column list. It is total: unknown types fall back to TEXT, the
// output always has one column per input column and preserves input order.
// Order matters because rows are inserted positionally.
func Translate(columns []Column) []Column {
	out := make([]Column, len(columns))
	for i, col := range columns {
		out[i] = Column{
			Name: col.Name,
			Type: WarehouseType(col.Type),
		}
	}
	return out
}

// WarehouseType resolves a single ClickHouse type name to a warehouse type.
//
// Nullable(T) and LowCardinality(T) are wrappers around the stored type: the
// warehouse declares every column nullable anyway and has no dictionary
// encoding, so both unwrap to T before lookup. Parametrized types such as
// DateTime64(3) or Decimal(18, 2) resolve by their base name.
func WarehouseType(chType string) string {
	t := unwrap(chType, "Nullable")
	t = unwrap(t, "LowCardinality")
	t = unwrap(t, "Nullable") // LowCardinality(Nullable(T)) is legal

	if wt, ok := warehouseTypes[t]; ok {
		return wt
	}
	if idx := strings.IndexByte(t, '('); idx > 0 {
		if wt, ok := warehouseTypes[t[:idx]]; ok {
			return wt
		}
	}
	return FallbackType
}

// unwrap strips a single wrapper(...) layer, e.g. Nullable(Int64) -> Int64.
func unwrap(t, wrapper string) string {
	if strings.HasPrefix(t, wrapper+"(") && strings.HasSuffix(t, ")") {
		return t[len(wrapper)+1 : len(t)-1]
	}
	return t
}
