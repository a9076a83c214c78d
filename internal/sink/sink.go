// Package sink writes history records to their destination. Every table
// is loaded as a unit: a table writer either commits all of its rows or
// none of them.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wegman-software/osmhistory-go/internal/config"
	"github.com/wegman-software/osmhistory-go/internal/record"
)

// ErrAborted is returned by writes after a table writer was aborted
var ErrAborted = errors.New("table load aborted")

// TableWriter receives the records of one table in output order
type TableWriter interface {
	Write(ctx context.Context, r *record.Record) error
	// Commit makes all written rows visible and releases the writer
	Commit(ctx context.Context) error
	// Abort discards all written rows. Safe to call after Commit.
	Abort()
	Rows() int64
}

// Sink opens one table writer per output table
type Sink interface {
	// Begin prepares the destination before any table is opened
	Begin(ctx context.Context) error
	Table(ctx context.Context, t record.Table) (TableWriter, error)
	// Finish runs after every table has been committed
	Finish(ctx context.Context) error
	Close() error
}

// Open creates the sink selected by cfg.Sink
func Open(ctx context.Context, cfg *config.Config) (Sink, error) {
	switch cfg.Sink {
	case config.SinkPostgres:
		return NewPostgres(ctx, PostgresOptions{
			ConnString:   cfg.ConnectionString(),
			Schema:       cfg.DBSchema,
			Prefix:       cfg.Prefix,
			SRID:         cfg.SRID(),
			CreateTables: cfg.CreateTables,
			BeforeSQL:    cfg.BeforeSQL,
			AfterSQL:     cfg.AfterSQL,
		})
	case config.SinkTSV:
		return NewTSV(cfg.OutputDir, cfg.Prefix), nil
	case config.SinkParquet:
		return NewParquet(cfg.OutputDir, cfg.Prefix, DefaultBatchSize), nil
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

// fileTable holds the rename-on-commit bookkeeping shared by the file
// sinks. Rows go to a temporary file next to the target.
type fileTable struct {
	path string
	tmp  *os.File
	rows int64
	done bool
}

func createFileTable(dir, name string) (*fileTable, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}
	return &fileTable{path: path, tmp: tmp}, nil
}

func (f *fileTable) commit() error {
	if f.done {
		return ErrAborted
	}
	f.done = true
	// the parquet writer closes its sink itself
	if err := f.tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("failed to close %s: %w", f.path, err)
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("failed to move %s into place: %w", f.path, err)
	}
	return nil
}

func (f *fileTable) abort() {
	if f.done {
		return
	}
	f.done = true
	f.tmp.Close()
	os.Remove(f.tmp.Name())
}
