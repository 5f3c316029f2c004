package syncer

import (
	"context"
	"log/slog"
	"time"
)

// Mode says whether a table needs a full transfer or only rows newer than
// the last recorded watermark.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ResumeDecision is the outcome of probing the warehouse for a resume point.
// Cutoff is only meaningful in incremental mode.
type ResumeDecision struct {
	Mode   Mode
	Cutoff time.Time
}

// ResolveResumePoint decides between a full and an incremental sync by
// probing the warehouse for the maximum watermark already loaded.
//
// Any probe failure (absent table, malformed schema, unreadable value)
// downgrades to a full sync instead of propagating.
func ResolveResumePoint(ctx context.Context, wh Warehouse, target Target, log *slog.Logger) ResumeDecision {
	maxTS, ok, err := wh.MaxWatermark(ctx, target.DestTable(), target.WatermarkColumn)
	if err != nil {
		log.Debug("watermark probe failed, falling back to full sync",
			slog.String("table", target.Table),
			slog.Any("error", err),
		)
		return ResumeDecision{Mode: ModeFull}
	}
	if !ok {
		return ResumeDecision{Mode: ModeFull}
	}
	return ResumeDecision{Mode: ModeIncremental, Cutoff: maxTS}
}
