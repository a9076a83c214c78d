package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmhistory-go/internal/record"
)

// Stats are the live counters of one import. Fields may be read from
// other goroutines while the import runs.
type Stats struct {
	Nodes     atomic.Int64
	Ways      atomic.Int64
	Relations atomic.Int64

	Points   atomic.Int64
	Lines    atomic.Int64
	Polygons atomic.Int64

	MinorVersions    atomic.Int64
	GeometryFailures atomic.Int64
	Dropped          atomic.Int64
}

func (s *Stats) countRecord(t record.Table) {
	switch t {
	case record.TablePoint:
		s.Points.Add(1)
	case record.TableLine:
		s.Lines.Add(1)
	case record.TablePolygon:
		s.Polygons.Add(1)
	}
}

// Records is the number of rows emitted to all tables
func (s *Stats) Records() int64 {
	return s.Points.Load() + s.Lines.Load() + s.Polygons.Load()
}

// Entities is the number of input versions processed
func (s *Stats) Entities() int64 {
	return s.Nodes.Load() + s.Ways.Load() + s.Relations.Load()
}

// Fields returns the counters as log fields
func (s *Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int64("nodes", s.Nodes.Load()),
		zap.Int64("ways", s.Ways.Load()),
		zap.Int64("relations", s.Relations.Load()),
		zap.Int64("points", s.Points.Load()),
		zap.Int64("lines", s.Lines.Load()),
		zap.Int64("polygons", s.Polygons.Load()),
		zap.Int64("minor_versions", s.MinorVersions.Load()),
		zap.Int64("geometry_failures", s.GeometryFailures.Load()),
		zap.Int64("dropped", s.Dropped.Load()),
	}
}

// ProgressTracker estimates completion from the bytes consumed of the
// input file
type ProgressTracker struct {
	totalBytes int64
	startTime  time.Time

	lastCount int64
	lastTime  time.Time
}

// NewProgressTracker creates a tracker for an input of totalBytes.
// A non-positive size disables the percentage and ETA.
func NewProgressTracker(totalBytes int64) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{totalBytes: totalBytes, startTime: now, lastTime: now}
}

// Progress is one progress sample
type Progress struct {
	Percentage float64
	Elapsed    time.Duration
	ETA        time.Duration
	// Rate is entities per second since the previous sample
	Rate float64
}

// Sample returns progress for count entities and bytesRead input bytes
func (p *ProgressTracker) Sample(count, bytesRead int64) Progress {
	now := time.Now()
	elapsed := now.Sub(p.startTime)

	var pr Progress
	pr.Elapsed = elapsed.Round(time.Second)

	if p.totalBytes > 0 && bytesRead > 0 {
		pr.Percentage = float64(bytesRead) / float64(p.totalBytes) * 100
		if pr.Percentage > 100 {
			pr.Percentage = 100
		}
		if bytesRead < p.totalBytes && elapsed > 0 {
			bytesPerSecond := float64(bytesRead) / elapsed.Seconds()
			remaining := float64(p.totalBytes - bytesRead)
			pr.ETA = time.Duration(remaining / bytesPerSecond * float64(time.Second)).Round(time.Second)
		}
	}

	if dt := now.Sub(p.lastTime).Seconds(); dt > 0 {
		pr.Rate = float64(count-p.lastCount) / dt
	}
	p.lastCount, p.lastTime = count, now
	return pr
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats a rate as items per second
func FormatThroughput(itemsPerSec float64) string {
	switch {
	case itemsPerSec >= 1_000_000:
		return fmt.Sprintf("%.1fM/s", itemsPerSec/1_000_000)
	case itemsPerSec >= 1_000:
		return fmt.Sprintf("%.1fK/s", itemsPerSec/1_000)
	default:
		return fmt.Sprintf("%.0f/s", itemsPerSec)
	}
}

// FormatBytes formats a byte count with a binary unit
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}
