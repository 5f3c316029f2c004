package syncer

import (
	"fmt"
	"time"
)

// Progress tracks one table's sync run. RowsTotal is an estimate taken at
// run start; concurrent writes at the source may make it drift, which is
// tolerated (the short-batch signal ends the run, not the total).
type Progress struct {
	RowsSynced uint64
	RowsTotal  uint64
	StartedAt  time.Time
}

func NewProgress(total uint64) *Progress {
	return &Progress{
		RowsTotal: total,
		StartedAt: time.Now(),
	}
}

func (p *Progress) Add(rows int) {
	p.RowsSynced += uint64(rows)
}

func (p *Progress) Elapsed() time.Duration {
	return time.Since(p.StartedAt)
}

// Speed is the transfer rate in rows per second, 0 before any time passed.
func (p *Progress) Speed() float64 {
	elapsed := p.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.RowsSynced) / elapsed
}

// Percent reports completion against the start-of-run estimate. A zero
// total means there was nothing to do, reported as 100.
func (p *Progress) Percent() float64 {
	if p.RowsTotal == 0 {
		return 100
	}
	return float64(p.RowsSynced) / float64(p.RowsTotal) * 100
}

// ETA estimates the remaining transfer time, 0 when the rate is unknown or
// the run is already past the estimated total.
func (p *Progress) ETA() time.Duration {
	speed := p.Speed()
	if speed <= 0 || p.RowsSynced >= p.RowsTotal {
		return 0
	}
	remaining := float64(p.RowsTotal-p.RowsSynced) / speed
	return time.Duration(remaining * float64(time.Second))
}

// Line formats one progress report, e.g.
//
//	[ 42.0%] 1.2M/2.9M | 85.3K/s | ETA: 20s
func (p *Progress) Line() string {
	return fmt.Sprintf("[%5.1f%%] %s/%s | %s/s | ETA: %s",
		p.Percent(),
		FormatCount(p.RowsSynced),
		FormatCount(p.RowsTotal),
		FormatCount(uint64(p.Speed())),
		FormatDuration(p.ETA()),
	)
}

// Summary formats the end-of-run line, e.g.
//
//	662.3K rows in 1.5m (7.2K/s)
func (p *Progress) Summary() string {
	return fmt.Sprintf("%s rows in %s (%s/s)",
		FormatCount(p.RowsSynced),
		FormatDuration(p.Elapsed()),
		FormatCount(uint64(p.Speed())),
	)
}

// FormatCount renders large counts with K/M suffixes: one decimal above a
// thousand, one decimal in millions above a million.
func FormatCount(n uint64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// FormatDuration renders durations as integer seconds under a minute, one
// decimal in minutes under an hour, one decimal in hours beyond.
func FormatDuration(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s < 60:
		return fmt.Sprintf("%.0fs", s)
	case s < 3600:
		return fmt.Sprintf("%.1fm", s/60)
	default:
		return fmt.Sprintf("%.1fh", s/3600)
	}
}
