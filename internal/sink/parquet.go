package sink

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"

	"github.com/wegman-software/osmhistory-go/internal/record"
)

// DefaultBatchSize is the number of rows buffered per row group batch
const DefaultBatchSize = 65536

// Parquet writes every table as "<prefix><table>.parquet" with EWKB
// geometry columns and a string map of tags
type Parquet struct {
	dir       string
	prefix    string
	batchSize int
}

// NewParquet creates a Parquet sink writing into dir
func NewParquet(dir, prefix string, batchSize int) *Parquet {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Parquet{dir: dir, prefix: prefix, batchSize: batchSize}
}

// Begin does nothing, directories are created per table
func (s *Parquet) Begin(ctx context.Context) error { return nil }

// Finish does nothing
func (s *Parquet) Finish(ctx context.Context) error { return nil }

// Close does nothing
func (s *Parquet) Close() error { return nil }

// Schema returns the arrow schema of table t, one field per column
func Schema(t record.Table) *arrow.Schema {
	cols := t.Columns()
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = columnField(c)
	}
	return arrow.NewSchema(fields, nil)
}

func columnField(name string) arrow.Field {
	switch name {
	case "id", "user_id":
		return arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int64}
	case "version", "minor", "z_order":
		return arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int32}
	case "visible":
		return arrow.Field{Name: name, Type: arrow.FixedWidthTypes.Boolean}
	case "user_name":
		return arrow.Field{Name: name, Type: arrow.BinaryTypes.String}
	case "valid_from":
		return arrow.Field{Name: name, Type: arrow.FixedWidthTypes.Timestamp_s}
	case "valid_to":
		return arrow.Field{Name: name, Type: arrow.FixedWidthTypes.Timestamp_s, Nullable: true}
	case "tags":
		return arrow.Field{Name: name, Type: arrow.MapOf(arrow.BinaryTypes.String, arrow.BinaryTypes.String)}
	case "area":
		return arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64}
	default: // geom, interior
		return arrow.Field{Name: name, Type: arrow.BinaryTypes.Binary, Nullable: true}
	}
}

// Table opens the file of table t
func (s *Parquet) Table(ctx context.Context, t record.Table) (TableWriter, error) {
	ft, err := createFileTable(s.dir, t.Name(s.prefix)+".parquet")
	if err != nil {
		return nil, err
	}

	schema := Schema(t)
	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)
	writer, err := pqarrow.NewFileWriter(schema, ft.tmp, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		ft.abort()
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	return &parquetTable{
		fileTable: ft,
		table:     t,
		cols:      t.Columns(),
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, schema),
		batchSize: s.batchSize,
	}, nil
}

type parquetTable struct {
	*fileTable
	table     record.Table
	cols      []string
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
}

func (w *parquetTable) Write(ctx context.Context, r *record.Record) error {
	if w.done {
		return ErrAborted
	}
	if r.Table != w.table {
		return fmt.Errorf("record %s written to table %s", r, w.table)
	}
	for i, c := range w.cols {
		if err := w.appendColumn(i, c, r); err != nil {
			return fmt.Errorf("failed to encode %s: %w", r, err)
		}
	}
	w.rows++
	w.count++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

func (w *parquetTable) appendColumn(i int, name string, r *record.Record) error {
	fb := w.builder.Field(i)
	switch name {
	case "id":
		fb.(*array.Int64Builder).Append(r.ID)
	case "user_id":
		fb.(*array.Int64Builder).Append(r.UserID)
	case "version":
		fb.(*array.Int32Builder).Append(int32(r.Version))
	case "minor":
		fb.(*array.Int32Builder).Append(int32(r.Minor))
	case "z_order":
		fb.(*array.Int32Builder).Append(int32(r.ZOrder))
	case "visible":
		fb.(*array.BooleanBuilder).Append(r.Visible)
	case "user_name":
		fb.(*array.StringBuilder).Append(r.User)
	case "valid_from":
		fb.(*array.TimestampBuilder).Append(arrow.Timestamp(r.ValidFrom.Unix()))
	case "valid_to":
		if r.Open() {
			fb.AppendNull()
		} else {
			fb.(*array.TimestampBuilder).Append(arrow.Timestamp(r.ValidTo.Unix()))
		}
	case "tags":
		mb := fb.(*array.MapBuilder)
		mb.Append(true)
		kb := mb.KeyBuilder().(*array.StringBuilder)
		ib := mb.ItemBuilder().(*array.StringBuilder)
		for _, t := range r.Tags {
			kb.Append(t.Key)
			ib.Append(t.Value)
		}
	case "area":
		fb.(*array.Float64Builder).Append(r.Area)
	case "geom":
		return w.appendGeom(fb.(*array.BinaryBuilder), r.Geom, r.SRID)
	case "interior":
		if r.Interior == nil {
			fb.AppendNull()
			return nil
		}
		return w.appendGeom(fb.(*array.BinaryBuilder), *r.Interior, r.SRID)
	default:
		return fmt.Errorf("unknown column %q", name)
	}
	return nil
}

func (w *parquetTable) appendGeom(b *array.BinaryBuilder, g orb.Geometry, srid int) error {
	if g == nil {
		b.AppendNull()
		return nil
	}
	data, err := ewkb.Marshal(g, srid)
	if err != nil {
		return err
	}
	b.Append(data)
	return nil
}

func (w *parquetTable) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

func (w *parquetTable) Commit(ctx context.Context) error {
	if w.done {
		return ErrAborted
	}
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		w.abort()
		return fmt.Errorf("failed to write %s: %w", w.path, err)
	}
	if err := w.writer.Close(); err != nil {
		w.abort()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return w.commit()
}

func (w *parquetTable) Abort() {
	if w.done {
		return
	}
	w.builder.Release()
	w.abort()
}

func (w *parquetTable) Rows() int64 { return w.rows }
