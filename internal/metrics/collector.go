package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// DefaultLowSpace is the free space below which a watched directory is
// reported with a warning
const DefaultLowSpace = 1 << 30

// Sample is one reading of the resources an import depends on: memory
// held by the node history, I/O of the sinks and free space where the
// node store and output files grow.
type Sample struct {
	Time       time.Time
	ProcessCPU float64 // percent of one core, exceeds 100 on several cores
	RSS        uint64
	HeapAlloc  uint64
	Available  uint64 // system memory still available

	// ReadRate and WriteRate are process I/O in bytes per second since
	// the previous sample
	ReadRate  float64
	WriteRate float64

	// Free holds the free bytes of each watched directory
	Free map[string]uint64
}

// ProgressFunc returns import progress fields logged with each sample
type ProgressFunc func() []zap.Field

// CollectorOptions configure a Collector
type CollectorOptions struct {
	Interval time.Duration
	Logger   *zap.Logger
	// Progress is appended to every log line, may be nil
	Progress ProgressFunc
	// Dirs are reported with their free space
	Dirs []string
	// LowSpace defaults to DefaultLowSpace
	LowSpace uint64
	// Metrics receives the sampled gauges, may be nil
	Metrics *ImportMetrics
}

// Collector periodically samples process and disk resources and logs
// them together with the import progress
type Collector struct {
	opts CollectorOptions
	proc *process.Process

	lastIO   *process.IOCountersStat
	lastTime time.Time
	warned   map[string]bool

	mu   sync.RWMutex
	last *Sample
}

// NewCollector creates a collector. Intervals under a second fall back
// to 30s.
func NewCollector(opts CollectorOptions) *Collector {
	if opts.Interval < time.Second {
		opts.Interval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LowSpace == 0 {
		opts.LowSpace = DefaultLowSpace
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{opts: opts, proc: proc, warned: make(map[string]bool)}
}

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	// first sample sets the I/O baseline
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.opts.Logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent sample, nil before the first one
func (c *Collector) Last() *Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	s := c.sample()

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()

	c.publish(s)

	fields := []zap.Field{
		zap.Float64("proc_cpu", s.ProcessCPU),
		zap.String("rss", formatGB(s.RSS)),
		zap.String("heap", formatGB(s.HeapAlloc)),
		zap.String("mem_avail", formatGB(s.Available)),
		zap.String("io_r", formatMBps(s.ReadRate)),
		zap.String("io_w", formatMBps(s.WriteRate)),
	}
	for _, dir := range sortedDirs(s.Free) {
		fields = append(fields, zap.String("free:"+dir, formatGB(s.Free[dir])))
	}
	if c.opts.Progress != nil {
		fields = append(fields, c.opts.Progress()...)
	}
	c.opts.Logger.Info("System metrics", fields...)

	c.checkSpace(s)
}

func (c *Collector) sample() *Sample {
	now := time.Now()
	s := &Sample{Time: now, Free: make(map[string]uint64, len(c.opts.Dirs))}

	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPU = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			s.RSS = info.RSS
		}
		if io, err := c.proc.IOCounters(); err == nil {
			if c.lastIO != nil {
				if elapsed := now.Sub(c.lastTime).Seconds(); elapsed > 0 {
					s.ReadRate = rate(io.ReadBytes, c.lastIO.ReadBytes, elapsed)
					s.WriteRate = rate(io.WriteBytes, c.lastIO.WriteBytes, elapsed)
				}
			}
			c.lastIO, c.lastTime = io, now
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.HeapAlloc = ms.HeapAlloc

	if vmem, err := mem.VirtualMemory(); err == nil {
		s.Available = vmem.Available
	}

	for _, dir := range c.opts.Dirs {
		if usage, err := disk.Usage(dir); err == nil {
			s.Free[dir] = usage.Free
		}
	}
	return s
}

func (c *Collector) publish(s *Sample) {
	m := c.opts.Metrics
	if m == nil {
		return
	}
	m.ResidentBytes.Set(float64(s.RSS))
	for dir, free := range s.Free {
		m.FreeBytes.WithLabelValues(dir).Set(float64(free))
	}
}

// checkSpace warns once per directory when it runs low
func (c *Collector) checkSpace(s *Sample) {
	for dir, free := range s.Free {
		if free >= c.opts.LowSpace || c.warned[dir] {
			continue
		}
		c.warned[dir] = true
		c.opts.Logger.Warn("Low disk space",
			zap.String("dir", dir),
			zap.String("free", formatGB(free)))
	}
}

// rate handles counters that went backwards as no activity
func rate(cur, last uint64, seconds float64) float64 {
	if cur < last {
		return 0
	}
	return float64(cur-last) / seconds
}

func sortedDirs(free map[string]uint64) []string {
	dirs := make([]string, 0, len(free))
	for dir := range free {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func formatGB(bytes uint64) string {
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1<<30))
}

func formatMBps(bytesPerSec float64) string {
	return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1<<20))
}
