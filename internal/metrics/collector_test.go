package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollectLogsProgress(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	dir := t.TempDir()
	m := NewImportMetrics()
	c := NewCollector(CollectorOptions{
		Interval: time.Minute,
		Logger:   zap.New(core),
		Progress: func() []zap.Field { return []zap.Field{zap.Int64("ways", 42)} },
		Dirs:     []string{dir},
		Metrics:  m,
	})

	c.collect()

	entries := logs.FilterMessage("System metrics").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(42), fields["ways"])
	assert.Contains(t, fields, "free:"+dir)

	s := c.Last()
	require.NotNil(t, s)
	assert.NotZero(t, s.HeapAlloc)
	assert.Contains(t, s.Free, dir)
}

func TestLowSpaceWarnsOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	dir := t.TempDir()
	c := NewCollector(CollectorOptions{
		Logger:   zap.New(core),
		Dirs:     []string{dir},
		LowSpace: 1 << 62,
	})

	c.collect()
	c.collect()

	warnings := logs.FilterMessage("Low disk space").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
	assert.Equal(t, dir, warnings[0].ContextMap()["dir"])
}

func TestCollectorDefaults(t *testing.T) {
	c := NewCollector(CollectorOptions{})
	assert.Equal(t, 30*time.Second, c.opts.Interval)
	assert.Equal(t, uint64(DefaultLowSpace), c.opts.LowSpace)
	assert.Nil(t, c.Last())
}

func TestRate(t *testing.T) {
	assert.Equal(t, 50.0, rate(200, 100, 2))
	assert.Zero(t, rate(100, 200, 2))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.5 GB", formatGB(3<<29))
	assert.Equal(t, "2.0 MB/s", formatMBps(2<<20))
}
