package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmhistory-go/internal/classify"
	"github.com/wegman-software/osmhistory-go/internal/config"
	"github.com/wegman-software/osmhistory-go/internal/logger"
	"github.com/wegman-software/osmhistory-go/internal/metrics"
	"github.com/wegman-software/osmhistory-go/internal/nodestore"
	"github.com/wegman-software/osmhistory-go/internal/proj"
	"github.com/wegman-software/osmhistory-go/internal/record"
	"github.com/wegman-software/osmhistory-go/internal/sink"
	"github.com/wegman-software/osmhistory-go/internal/source"
	"github.com/wegman-software/osmhistory-go/internal/style"
	"github.com/wegman-software/osmhistory-go/internal/tagtransform"
)

// progressInterval is how often live progress is logged
const progressInterval = 5 * time.Second

// Result summarizes a finished import
type Result struct {
	Stats    *Stats
	Rows     map[record.Table]int64
	Duration time.Duration
}

// Coordinator wires input, importer and sink. The importer runs on the
// calling goroutine, every table is written by its own goroutine.
type Coordinator struct {
	cfg     *config.Config
	metrics *metrics.ImportMetrics
	log     *zap.Logger
}

// NewCoordinator creates a coordinator. m may be nil.
func NewCoordinator(cfg *config.Config, m *metrics.ImportMetrics) *Coordinator {
	return &Coordinator{cfg: cfg, metrics: m, log: logger.Get()}
}

// Run imports cfg.InputFile into the configured sink
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	src, err := source.Open(ctx, c.cfg.InputFile)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	c.log.Info("Opened input",
		zap.String("file", c.cfg.InputFile),
		zap.String("size", FormatBytes(src.Size())),
		zap.Bool("history", src.Kind().History))

	opts, cleanup, err := c.importerOptions()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	snk, err := sink.Open(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	defer snk.Close()

	if c.cfg.MetricsListen != "" && c.metrics != nil {
		serveCtx, cancelServe := context.WithCancel(ctx)
		defer cancelServe()
		go func() {
			if err := c.metrics.Serve(serveCtx, c.cfg.MetricsListen, c.log); err != nil {
				c.log.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	return c.Import(ctx, src, snk, opts, src.Size())
}

// importerOptions opens the node store and loads style and script
func (c *Coordinator) importerOptions() (ImporterOptions, func(), error) {
	var opts ImporterOptions
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	styleCfg := style.DefaultConfig()
	if c.cfg.StyleFile != "" {
		loaded, err := style.LoadConfig(c.cfg.StyleFile)
		if err != nil {
			return opts, cleanup, err
		}
		styleCfg = loaded
	}
	classifier := classify.New(styleCfg)

	transformer, err := proj.NewTransformer(4326, c.cfg.SRID())
	if err != nil {
		return opts, cleanup, err
	}

	kind, err := nodestore.ParseKind(c.cfg.NodeStore)
	if err != nil {
		return opts, cleanup, err
	}
	store, err := nodestore.Open(kind, nodestore.Options{
		FlatNodesFile: c.cfg.FlatNodesFile,
		KeepFlatNodes: c.cfg.KeepFlatNodes,
		Dir:           c.cfg.NodeStoreDir,
	})
	if err != nil {
		return opts, cleanup, fmt.Errorf("failed to open node store: %w", err)
	}
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			c.log.Warn("Failed to close node store", zap.Error(err))
		}
	})

	var script *tagtransform.Script
	if c.cfg.TagScript != "" {
		script, err = tagtransform.Load(c.cfg.TagScript, classifier)
		if err != nil {
			cleanup()
			return opts, func() {}, err
		}
		closers = append(closers, script.Close)
	}

	opts = ImporterOptions{
		Store:                store,
		Transformer:          transformer,
		Classifier:           classifier,
		Filters:              styleCfg.Filters(),
		Script:               script,
		Metrics:              c.metrics,
		Logger:               c.log,
		Interior:             c.cfg.Interior,
		StoreErrors:          c.cfg.StoreErrors,
		MinorUpperInclusive:  c.cfg.MinorUpperInclusive,
		RecordInvisibleNodes: c.cfg.RecordInvisibleNodes,
	}
	c.log.Info("Node store opened", zap.String("kind", string(kind)))
	return opts, cleanup, nil
}

// Import streams src through an importer into snk. Each table loads in
// its own transaction. Nothing is committed unless the whole input was
// processed; tables are then committed one after another, and a failed
// commit rolls back only that table and the ones not yet committed.
func (c *Coordinator) Import(ctx context.Context, src source.Scanner, snk sink.Sink, opts ImporterOptions, inputSize int64) (*Result, error) {
	start := time.Now()

	if err := snk.Begin(ctx); err != nil {
		return nil, err
	}

	writers := make(map[record.Table]sink.TableWriter, len(record.Tables))
	abortAll := func() {
		for _, w := range writers {
			w.Abort()
		}
	}
	for _, t := range record.Tables {
		w, err := snk.Table(ctx, t)
		if err != nil {
			abortAll()
			return nil, fmt.Errorf("failed to open %s table: %w", t, err)
		}
		writers[t] = w
	}

	g, gctx := errgroup.WithContext(ctx)
	chans := make(map[record.Table]chan *record.Record, len(record.Tables))
	for _, t := range record.Tables {
		t := t
		ch := make(chan *record.Record, c.channelBuffer())
		chans[t] = ch
		w := writers[t]
		g.Go(func() error {
			for r := range ch {
				if err := w.Write(gctx, r); err != nil {
					return fmt.Errorf("%s load failed: %w", t, err)
				}
			}
			return nil
		})
	}

	im, err := NewImporter(opts, EmitterFunc(func(ctx context.Context, r *record.Record) error {
		select {
		case chans[r.Table] <- r:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	}))
	if err != nil {
		for _, ch := range chans {
			close(ch)
		}
		g.Wait()
		abortAll()
		return nil, err
	}

	monitorCtx, stopMonitors := context.WithCancel(ctx)
	defer stopMonitors()
	go c.reportProgress(monitorCtx, im.Stats(), src, inputSize)
	if c.cfg.MetricsInterval > 0 {
		collector := metrics.NewCollector(metrics.CollectorOptions{
			Interval: c.cfg.MetricsInterval,
			Logger:   c.log,
			Progress: im.Stats().Fields,
			Dirs:     c.watchedDirs(),
			Metrics:  c.metrics,
		})
		go collector.Start(monitorCtx)
		c.log.Info("System metrics collection started", zap.Duration("interval", c.cfg.MetricsInterval))
	}

	runErr := c.feed(gctx, src, im)
	for _, ch := range chans {
		close(ch)
	}
	loadErr := g.Wait()
	stopMonitors()

	// a failed loader cancels the importer, report the cause
	if loadErr != nil {
		runErr = loadErr
	}
	if runErr != nil {
		abortAll()
		return nil, runErr
	}

	res := &Result{Stats: im.Stats(), Rows: make(map[record.Table]int64, len(writers))}
	for i, t := range record.Tables {
		if err := writers[t].Commit(ctx); err != nil {
			for _, rest := range record.Tables[i+1:] {
				writers[rest].Abort()
			}
			return nil, fmt.Errorf("failed to commit %s table: %w", t, err)
		}
		res.Rows[t] = writers[t].Rows()
	}

	if err := snk.Finish(ctx); err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	c.log.Info("Import complete", append(im.Stats().Fields(),
		zap.Duration("duration", res.Duration.Round(time.Second)))...)
	return res, nil
}

func (c *Coordinator) feed(ctx context.Context, src source.Scanner, im *Importer) error {
	var n int64
	for src.Scan() {
		if err := im.Process(ctx, src.Version()); err != nil {
			return err
		}
		n++
		if n%8192 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err := src.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return im.Finish(ctx)
}

// watchedDirs are the directories the import fills on disk
func (c *Coordinator) watchedDirs() []string {
	var dirs []string
	switch {
	case c.cfg.FlatNodesFile != "":
		dirs = append(dirs, filepath.Dir(c.cfg.FlatNodesFile))
	case c.cfg.NodeStoreDir != "":
		dirs = append(dirs, c.cfg.NodeStoreDir)
	case c.cfg.NodeStore == string(nodestore.KindLevel):
		dirs = append(dirs, os.TempDir())
	}
	if c.cfg.Sink != config.SinkPostgres && c.cfg.OutputDir != "" {
		dirs = append(dirs, c.cfg.OutputDir)
	}
	return dirs
}

func (c *Coordinator) channelBuffer() int {
	if c.cfg.ChannelBuffer <= 0 {
		return 10000
	}
	return c.cfg.ChannelBuffer
}

// reportProgress periodically logs live import progress
func (c *Coordinator) reportProgress(ctx context.Context, stats *Stats, src source.Scanner, inputSize int64) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	tracker := NewProgressTracker(inputSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			read := src.BytesRead()
			p := tracker.Sample(stats.Entities(), read)
			c.log.Info("Import progress",
				zap.Int64("entities", stats.Entities()),
				zap.Int64("records", stats.Records()),
				zap.String("rate", FormatThroughput(p.Rate)),
				zap.String("read", FormatBytes(read)),
				zap.String("progress", fmt.Sprintf("%.1f%%", p.Percentage)),
				zap.String("eta", FormatETA(p.ETA)),
			)
		}
	}
}
