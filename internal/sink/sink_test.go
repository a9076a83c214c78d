package sink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmhistory-go/internal/config"
	"github.com/wegman-software/osmhistory-go/internal/record"
)

func sampleRecords() []*record.Record {
	t0 := time.Date(2012, 3, 1, 10, 0, 0, 0, time.UTC)
	interior := orb.Point{1, 1}
	return []*record.Record{
		{
			Table: record.TablePolygon, ID: 5, Version: 2, Visible: true,
			UserID: 7, User: "mapper", ValidFrom: t0, ValidTo: t0.Add(time.Hour),
			Tags: osm.Tags{{Key: "building", Value: "yes"}},
			Area: 4, SRID: 3857,
			Geom:     orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}},
			Interior: &interior,
		},
		{
			Table: record.TablePolygon, ID: 5, Version: 3, Visible: false,
			UserID: 7, User: "mapper", ValidFrom: t0.Add(time.Hour), ValidTo: t0.Add(time.Hour),
			SRID: 3857,
		},
		{
			Table: record.TablePolygon, ID: 9, Version: 1, Visible: true,
			ValidFrom: t0, SRID: 3857,
			Tags: osm.Tags{{Key: "landuse", Value: "grass"}},
			Area: 1,
			Geom: orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}},
		},
	}
}

func writeAll(t *testing.T, s Sink, recs []*record.Record) TableWriter {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx))
	w, err := s.Table(ctx, record.TablePolygon)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Write(ctx, r))
	}
	return w
}

func TestTSVCommit(t *testing.T) {
	dir := t.TempDir()
	s := NewTSV(dir, "hist_")
	w := writeAll(t, s, sampleRecords())
	assert.Equal(t, int64(3), w.Rows())

	path := filepath.Join(dir, "hist_polygon.tsv")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file must not appear before commit")

	require.NoError(t, w.Commit(context.Background()))
	require.NoError(t, s.Finish(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "5\t2\t0\tt\t7\tmapper\t2012-03-01T10:00:00Z\t2012-03-01T11:00:00Z\t"))
	assert.True(t, strings.HasSuffix(lines[0], "\tSRID=3857;POINT(1 1)"))
	assert.True(t, strings.HasSuffix(lines[1], `\N`+"\t"+`\N`))
	assert.Contains(t, lines[2], "\t\\N\t", "open interval")

	assert.ErrorIs(t, w.Write(context.Background(), sampleRecords()[0]), ErrAborted)
}

func TestTSVAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	w := writeAll(t, NewTSV(dir, "hist_"), sampleRecords())
	w.Abort()
	w.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.ErrorIs(t, w.Commit(context.Background()), ErrAborted)
}

func TestParquetCommit(t *testing.T) {
	dir := t.TempDir()
	s := NewParquet(dir, "hist_", 2)
	w := writeAll(t, s, sampleRecords())
	require.NoError(t, w.Commit(context.Background()))

	rdr, err := file.OpenParquetFile(filepath.Join(dir, "hist_polygon.parquet"), false)
	require.NoError(t, err)
	defer rdr.Close()
	assert.Equal(t, int64(3), rdr.NumRows())
	assert.Equal(t, len(record.TablePolygon.Columns()), Schema(record.TablePolygon).NumFields())
}

func TestParquetGeometryIsEWKB(t *testing.T) {
	dir := t.TempDir()
	recs := sampleRecords()
	w := writeAll(t, NewParquet(dir, "hist_", 0), recs)
	require.NoError(t, w.Commit(context.Background()))

	f, err := os.Open(filepath.Join(dir, "hist_polygon.parquet"))
	require.NoError(t, err)
	defer f.Close()
	tbl, err := pqarrow.ReadTable(context.Background(), f, nil, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	defer tbl.Release()

	idx := tbl.Schema().FieldIndices("geom")
	require.Len(t, idx, 1)
	geoms := tbl.Column(idx[0]).Data().Chunk(0).(*array.Binary)
	require.Equal(t, 3, geoms.Len())

	g, srid, err := ewkb.Unmarshal(geoms.Value(0))
	require.NoError(t, err)
	assert.Equal(t, 3857, srid)
	assert.Equal(t, recs[0].Geom, g)
	assert.True(t, geoms.IsNull(1), "deleted version has no geometry")
}

func TestParquetRejectsForeignTable(t *testing.T) {
	w := writeAll(t, NewParquet(t.TempDir(), "", 0), nil)
	defer w.Abort()
	err := w.Write(context.Background(), &record.Record{Table: record.TableLine, ValidFrom: time.Unix(0, 0)})
	assert.Error(t, err)
}

func TestCreateTableSQL(t *testing.T) {
	sql := CreateTableSQL("public", "hist_", record.TablePolygon, 3857)
	assert.True(t, strings.HasPrefix(sql, "CREATE TABLE IF NOT EXISTS public.hist_polygon ("))
	assert.Contains(t, sql, "geom GEOMETRY(Polygon, 3857)")
	assert.Contains(t, sql, "interior GEOMETRY(Point, 3857)")
	assert.Contains(t, sql, "tags HSTORE")

	sql = CreateTableSQL("osm", "hist_", record.TableLine, 4326)
	assert.Contains(t, sql, "geom GEOMETRY(LineString, 4326)")
	assert.Contains(t, sql, "z_order INTEGER")
	assert.NotContains(t, sql, "interior")
}

func TestCopyValues(t *testing.T) {
	recs := sampleRecords()

	values, err := CopyValues(recs[0])
	require.NoError(t, err)
	require.Len(t, values, len(record.TablePolygon.Columns()))

	assert.Equal(t, int64(5), values[0])
	assert.Equal(t, int32(2), values[1])
	assert.Equal(t, int32(0), values[2])
	assert.Equal(t, true, values[3])
	assert.Equal(t, int64(7), values[4])
	assert.Equal(t, "mapper", values[5])
	assert.Equal(t, recs[0].ValidFrom, values[6])
	assert.Equal(t, recs[0].ValidTo, values[7])

	tags, ok := values[8].(pgtype.Hstore)
	require.True(t, ok)
	require.Contains(t, tags, "building")
	assert.Equal(t, "yes", *tags["building"])

	assert.Equal(t, 4.0, values[9])
	assert.Equal(t, ewkb.MustMarshal(recs[0].Geom, 3857), values[10])
	assert.Equal(t, ewkb.MustMarshal(*recs[0].Interior, 3857), values[11])

	g, srid, err := ewkb.Unmarshal(values[10].([]byte))
	require.NoError(t, err)
	assert.Equal(t, 3857, srid)
	assert.Equal(t, recs[0].Geom, g)
}

func TestCopyValuesNulls(t *testing.T) {
	recs := sampleRecords()

	// deleted version without geometry
	values, err := CopyValues(recs[1])
	require.NoError(t, err)
	assert.Equal(t, false, values[3])
	assert.Nil(t, values[10])

	// open interval and no interior point
	values, err = CopyValues(recs[2])
	require.NoError(t, err)
	assert.Nil(t, values[7])
	assert.NotNil(t, values[10])
	assert.Nil(t, values[11])

	values, err = CopyValues(&record.Record{
		Table: record.TablePoint, ID: 1, Visible: false,
		ValidFrom: time.Unix(0, 0),
	})
	require.NoError(t, err)
	require.Len(t, values, len(record.TablePoint.Columns()))
	assert.Nil(t, values[9], "deleted node has no geometry")
	assert.Empty(t, values[8])
}

func TestCopyValuesKeepsQuotedTags(t *testing.T) {
	values, err := CopyValues(&record.Record{
		Table: record.TableLine, ID: 1, Visible: true, ValidFrom: time.Unix(0, 0),
		Tags: osm.Tags{{Key: `na"me`, Value: "a\\b,c=>d"}},
		Geom: orb.LineString{{0, 0}, {1, 1}},
	})
	require.NoError(t, err)

	tags := values[8].(pgtype.Hstore)
	require.Contains(t, tags, `na"me`)
	assert.Equal(t, "a\\b,c=>d", *tags[`na"me`])
}

func TestRowSourceAbort(t *testing.T) {
	src := &rowSource{rows: make(chan []any, 2)}
	src.rows <- []any{int64(1)}
	src.rows <- []any{int64(2)}

	require.True(t, src.Next())
	values, err := src.Values()
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, values)

	aborted := ErrAborted
	src.abort.Store(&aborted)
	close(src.rows)
	assert.False(t, src.Next())
	assert.ErrorIs(t, src.Err(), ErrAborted)
}

func TestRowSourceDrains(t *testing.T) {
	src := &rowSource{rows: make(chan []any, 1)}
	src.rows <- []any{"x"}
	close(src.rows)

	assert.True(t, src.Next())
	assert.False(t, src.Next())
	assert.NoError(t, src.Err())
}

func TestOpenFileSinks(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()

	cfg.Sink = config.SinkTSV
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &TSV{}, s)

	cfg.Sink = config.SinkParquet
	s, err = Open(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &Parquet{}, s)

	cfg.Sink = "kafka"
	_, err = Open(context.Background(), cfg)
	assert.Error(t, err)
}
