package sink

import (
	"bufio"
	"context"
	"fmt"

	"github.com/wegman-software/osmhistory-go/internal/copyfmt"
	"github.com/wegman-software/osmhistory-go/internal/record"
)

// TSV writes every table as a COPY text file "<prefix><table>.tsv"
// that psql's \copy can load unchanged
type TSV struct {
	dir    string
	prefix string
}

// NewTSV creates a TSV sink writing into dir
func NewTSV(dir, prefix string) *TSV {
	return &TSV{dir: dir, prefix: prefix}
}

// Begin does nothing, directories are created per table
func (s *TSV) Begin(ctx context.Context) error { return nil }

// Finish does nothing
func (s *TSV) Finish(ctx context.Context) error { return nil }

// Close does nothing
func (s *TSV) Close() error { return nil }

// Table opens the file of table t
func (s *TSV) Table(ctx context.Context, t record.Table) (TableWriter, error) {
	ft, err := createFileTable(s.dir, t.Name(s.prefix)+".tsv")
	if err != nil {
		return nil, err
	}
	return &tsvTable{
		fileTable: ft,
		w:         bufio.NewWriterSize(ft.tmp, 1<<20),
		enc:       copyfmt.NewEncoder(),
	}, nil
}

type tsvTable struct {
	*fileTable
	w   *bufio.Writer
	enc *copyfmt.Encoder
}

func (t *tsvTable) Write(ctx context.Context, r *record.Record) error {
	if t.done {
		return ErrAborted
	}
	line, err := t.enc.Line(r)
	if err != nil {
		return err
	}
	if _, err := t.w.Write(line); err != nil {
		return fmt.Errorf("failed to write %s: %w", t.path, err)
	}
	t.rows++
	return nil
}

func (t *tsvTable) Commit(ctx context.Context) error {
	if t.done {
		return ErrAborted
	}
	if err := t.w.Flush(); err != nil {
		t.abort()
		return fmt.Errorf("failed to flush %s: %w", t.path, err)
	}
	return t.commit()
}

func (t *tsvTable) Abort() { t.abort() }

func (t *tsvTable) Rows() int64 { return t.rows }
