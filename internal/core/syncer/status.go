package syncer

import (
	"context"
	"fmt"
)

// TableStatus is the per-table row-count delta between source and warehouse,
// computed without transferring data.
type TableStatus struct {
	Table         string `json:"table"`
	SourceRows    uint64 `json:"source_rows"`
	WarehouseRows uint64 `json:"warehouse_rows"`
	Behind        uint64 `json:"behind"`
}

// Status reports how far behind the warehouse is for each target. A missing
// warehouse table counts as zero rows rather than an error, since that just
// means the first sync has not run yet.
func (d *Driver) Status(ctx context.Context, targets []Target) ([]TableStatus, error) {
	statuses := make([]TableStatus, 0, len(targets))
	for _, target := range targets {
		stats, err := d.source.Stats(ctx, target.Table, target.WatermarkColumn)
		if err != nil {
			return nil, fmt.Errorf("source stats for %s: %w", target.Table, err)
		}

		whRows, err := d.wh.Count(ctx, target.DestTable())
		if err != nil {
			whRows = 0
		}

		st := TableStatus{
			Table:         target.Table,
			SourceRows:    stats.Rows,
			WarehouseRows: whRows,
		}
		if stats.Rows > whRows {
			st.Behind = stats.Rows - whRows
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
