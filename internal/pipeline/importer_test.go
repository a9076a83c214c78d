package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmhistory-go/internal/metrics"
	"github.com/wegman-software/osmhistory-go/internal/nodestore"
	"github.com/wegman-software/osmhistory-go/internal/osmhist"
	"github.com/wegman-software/osmhistory-go/internal/proj"
	"github.com/wegman-software/osmhistory-go/internal/record"
	"github.com/wegman-software/osmhistory-go/internal/sortcheck"
	"github.com/wegman-software/osmhistory-go/internal/style"
	"github.com/wegman-software/osmhistory-go/internal/tagtransform"
)

func ts(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func node(id int64, version int, t int64, lon, lat float64) *osmhist.Version {
	return &osmhist.Version{
		Type: osmhist.TypeNode, ID: id, Version: version, Visible: true,
		Timestamp: ts(t), UserID: 1, User: "alice", Lon: lon, Lat: lat,
	}
}

func deletedNode(id int64, version int, t int64) *osmhist.Version {
	return &osmhist.Version{
		Type: osmhist.TypeNode, ID: id, Version: version, Visible: false,
		Timestamp: ts(t), UserID: 1, User: "alice",
	}
}

func way(id int64, version int, t int64, tags osm.Tags, nodes ...int64) *osmhist.Version {
	return &osmhist.Version{
		Type: osmhist.TypeWay, ID: id, Version: version, Visible: true,
		Timestamp: ts(t), UserID: 2, User: "carol", Tags: tags, Nodes: nodes,
	}
}

func deletedWay(id int64, version int, t int64) *osmhist.Version {
	return &osmhist.Version{
		Type: osmhist.TypeWay, ID: id, Version: version, Visible: false,
		Timestamp: ts(t), UserID: 2, User: "carol",
	}
}

type collector struct {
	records []*record.Record
}

func (c *collector) Emit(ctx context.Context, r *record.Record) error {
	c.records = append(c.records, r)
	return nil
}

func (c *collector) table(t record.Table) []*record.Record {
	var out []*record.Record
	for _, r := range c.records {
		if r.Table == t {
			out = append(out, r)
		}
	}
	return out
}

func testOptions(t *testing.T) ImporterOptions {
	t.Helper()
	tr, err := proj.NewTransformer(4326, 4326)
	require.NoError(t, err)
	return ImporterOptions{Store: nodestore.NewMap(), Transformer: tr}
}

func runImport(t *testing.T, opts ImporterOptions, versions ...*osmhist.Version) (*collector, *Importer) {
	t.Helper()
	c := &collector{}
	im, err := NewImporter(opts, c)
	require.NoError(t, err)
	ctx := context.Background()
	for _, v := range versions {
		require.NoError(t, im.Process(ctx, v))
	}
	require.NoError(t, im.Finish(ctx))
	return c, im
}

func TestNodeDeletionIsZeroWidth(t *testing.T) {
	c, _ := runImport(t, testOptions(t),
		node(1, 1, 100, 8.5, 47.3),
		deletedNode(1, 2, 200),
	)

	require.Len(t, c.records, 2)
	first, second := c.records[0], c.records[1]

	assert.Equal(t, record.TablePoint, first.Table)
	assert.True(t, first.Visible)
	assert.Equal(t, ts(100), first.ValidFrom)
	assert.Equal(t, ts(200), first.ValidTo)
	assert.Equal(t, orb.Point{8.5, 47.3}, first.Geom)
	assert.Equal(t, 4326, first.SRID)

	assert.False(t, second.Visible)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, ts(200), second.ValidFrom)
	assert.Equal(t, ts(200), second.ValidTo)
	assert.Nil(t, second.Geom)
}

func TestNodeIntervals(t *testing.T) {
	opts := testOptions(t)
	c, im := runImport(t, opts,
		node(1, 1, 100, 1, 1),
		node(1, 2, 150, 1, 2),
		node(2, 1, 120, 3, 3),
	)

	require.Len(t, c.records, 3)
	assert.Equal(t, ts(150), c.records[0].ValidTo)
	assert.True(t, c.records[1].Open(), "last version of node 1 stays open")
	assert.True(t, c.records[2].Open())
	assert.Equal(t, int64(3), im.Stats().Nodes.Load())
	assert.Equal(t, int64(3), im.Stats().Points.Load())

	history, ok := opts.Store.History(1)
	require.True(t, ok)
	assert.Len(t, history, 2)
}

func TestInvisibleNodesNotRecordedByDefault(t *testing.T) {
	opts := testOptions(t)
	runImport(t, opts, node(1, 1, 100, 1, 1), deletedNode(1, 2, 200))
	history, _ := opts.Store.History(1)
	assert.Len(t, history, 1)

	opts = testOptions(t)
	opts.RecordInvisibleNodes = true
	runImport(t, opts, node(1, 1, 100, 1, 1), deletedNode(1, 2, 200))
	history, _ = opts.Store.History(1)
	assert.Len(t, history, 2)
}

// nodeStores lists every node history backend the importer runs on
func nodeStores(t *testing.T) map[string]func() nodestore.Store {
	return map[string]func() nodestore.Store{
		"map": func() nodestore.Store { return nodestore.NewMap() },
		"paged": func() nodestore.Store {
			s, err := nodestore.NewPaged("", false)
			require.NoError(t, err)
			return s
		},
		"paged-file": func() nodestore.Store {
			s, err := nodestore.NewPaged(filepath.Join(t.TempDir(), "nodes.bin"), false)
			require.NoError(t, err)
			return s
		},
		"leveldb": func() nodestore.Store {
			s, err := nodestore.OpenLevel(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
}

func TestWayMinorVersions(t *testing.T) {
	for name, open := range nodeStores(t) {
		t.Run(name, func(t *testing.T) {
			opts := testOptions(t)
			opts.Store = open()
			defer opts.Store.Close()
			checkWayMinorVersions(t, opts)
		})
	}
}

func checkWayMinorVersions(t *testing.T, opts ImporterOptions) {
	moved := node(2, 2, 20, 1, 1)
	moved.UserID, moved.User = 9, "bob"

	c, im := runImport(t, opts,
		node(1, 1, 10, 0, 0),
		node(2, 1, 10, 1, 0),
		moved,
		node(2, 3, 25, 2, 2),
		way(7, 1, 10, osm.Tags{{Key: "highway", Value: "primary"}}, 1, 2),
		way(7, 2, 30, osm.Tags{{Key: "highway", Value: "primary"}}, 1, 2),
	)

	lines := c.table(record.TableLine)
	require.Len(t, lines, 4)

	type interval struct {
		version, minor int
		from, to       time.Time
		user           string
	}
	got := make([]interval, len(lines))
	for i, r := range lines {
		got[i] = interval{r.Version, r.Minor, r.ValidFrom, r.ValidTo, r.User}
	}
	assert.Equal(t, []interval{
		{1, 0, ts(10), ts(20), "carol"},
		{1, 1, ts(20), ts(25), "bob"},
		{1, 2, ts(25), ts(30), "alice"},
		{2, 0, ts(30), time.Time{}, "carol"},
	}, got)

	assert.Equal(t, orb.LineString{{0, 0}, {1, 0}}, lines[0].Geom)
	assert.Equal(t, orb.LineString{{0, 0}, {1, 1}}, lines[1].Geom)
	assert.Equal(t, orb.LineString{{0, 0}, {2, 2}}, lines[2].Geom)
	assert.Equal(t, 7, lines[0].ZOrder, "highway=primary offset")
	assert.Equal(t, int64(2), im.Stats().MinorVersions.Load())
}

func TestMinorUpperBound(t *testing.T) {
	versions := func() []*osmhist.Version {
		return []*osmhist.Version{
			node(1, 1, 10, 0, 0),
			node(2, 1, 10, 1, 0),
			node(2, 2, 30, 1, 1),
			way(7, 1, 10, nil, 1, 2),
			way(7, 2, 30, nil, 1, 2),
		}
	}

	c, _ := runImport(t, testOptions(t), versions()...)
	require.Len(t, c.records, 5)
	lines := c.table(record.TableLine)
	require.Len(t, lines, 2, "change at the next version's time belongs to that version")

	opts := testOptions(t)
	opts.MinorUpperInclusive = true
	c, _ = runImport(t, opts, versions()...)
	lines = c.table(record.TableLine)
	require.Len(t, lines, 3)
	assert.Equal(t, 1, lines[1].Minor)
	assert.Equal(t, ts(30), lines[1].ValidFrom)
	assert.Equal(t, ts(30), lines[1].ValidTo)
}

func TestInvertedWayTimestampsSkipMinors(t *testing.T) {
	c, _ := runImport(t, testOptions(t),
		node(1, 1, 10, 0, 0),
		node(2, 1, 10, 1, 0),
		node(2, 2, 15, 1, 1),
		way(7, 1, 30, nil, 1, 2),
		way(7, 2, 20, nil, 1, 2),
	)

	lines := c.table(record.TableLine)
	require.Len(t, lines, 2)
	assert.Equal(t, 0, lines[0].Minor)
	assert.Equal(t, ts(20), lines[0].ValidTo)
}

func squareNodes() []*osmhist.Version {
	return []*osmhist.Version{
		node(1, 1, 10, 0, 0),
		node(2, 1, 10, 1, 0),
		node(3, 1, 10, 1, 1),
		node(4, 1, 10, 0, 1),
	}
}

func TestDeletedWayFollowsPriorShape(t *testing.T) {
	building := osm.Tags{{Key: "building", Value: "yes"}}
	versions := append(squareNodes(),
		way(5, 1, 20, building, 1, 2, 3, 4, 1),
		deletedWay(5, 2, 40),
		deletedWay(6, 1, 40),
	)

	c, _ := runImport(t, testOptions(t), versions...)

	polys := c.table(record.TablePolygon)
	require.Len(t, polys, 2)
	assert.Equal(t, ts(40), polys[0].ValidTo)
	assert.InDelta(t, 1.0, polys[0].Area, 1e-9)
	assert.True(t, polys[0].Visible)

	assert.False(t, polys[1].Visible)
	assert.Equal(t, ts(40), polys[1].ValidFrom)
	assert.Equal(t, ts(40), polys[1].ValidTo)
	assert.Nil(t, polys[1].Geom)

	lines := c.table(record.TableLine)
	require.Len(t, lines, 1, "deletion without prior version goes to the line table")
	assert.Equal(t, int64(6), lines[0].ID)
}

func TestInteriorPoint(t *testing.T) {
	opts := testOptions(t)
	opts.Interior = true
	versions := append(squareNodes(), way(5, 1, 20, osm.Tags{{Key: "landuse", Value: "grass"}}, 1, 2, 3, 4, 1))

	c, _ := runImport(t, opts, versions...)
	polys := c.table(record.TablePolygon)
	require.Len(t, polys, 1)
	require.NotNil(t, polys[0].Interior)
	p := *polys[0].Interior
	assert.True(t, p[0] > 0 && p[0] < 1 && p[1] > 0 && p[1] < 1, "interior point %v", p)
}

func TestUnresolvableWayIsSkipped(t *testing.T) {
	m := metrics.NewImportMetrics()
	opts := testOptions(t)
	opts.Metrics = m

	c, im := runImport(t, opts,
		node(1, 1, 10, 0, 0),
		way(7, 1, 20, nil, 1, 99),
	)
	assert.Empty(t, c.table(record.TableLine))
	assert.Equal(t, int64(1), im.Stats().GeometryFailures.Load())
}

func TestUnsortedInputIsFatal(t *testing.T) {
	im, err := NewImporter(testOptions(t), &collector{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, im.Process(ctx, node(5, 1, 10, 0, 0)))
	err = im.Process(ctx, node(4, 1, 10, 0, 0))
	require.ErrorIs(t, err, sortcheck.ErrUnsorted)

	var serr *sortcheck.SortError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, int64(4), serr.Offending.ID)
	assert.Equal(t, int64(5), serr.Prior.ID)
}

func TestProjectionFailureIsFatal(t *testing.T) {
	opts := testOptions(t)
	tr, err := proj.NewTransformer(proj.SRID4326, proj.SRID3857)
	require.NoError(t, err)
	opts.Transformer = tr
	im, err := NewImporter(opts, &collector{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, im.Process(ctx, node(1, 1, 10, 200, 0)))
	assert.ErrorIs(t, im.Finish(ctx), proj.ErrProjection)
}

func TestRawCoordinatesAreNotValidated(t *testing.T) {
	for name, open := range nodeStores(t) {
		t.Run(name, func(t *testing.T) {
			opts := testOptions(t)
			opts.Store = open()
			defer opts.Store.Close()

			c, _ := runImport(t, opts,
				node(1, 1, 10, 180.0000001, 0),
				node(2, 1, 10, 179, 0),
				way(7, 1, 20, nil, 1, 2),
			)
			points := c.table(record.TablePoint)
			require.Len(t, points, 2)
			assert.Equal(t, orb.Point{180.0000001, 0}, points[0].Geom)

			lines := c.table(record.TableLine)
			require.Len(t, lines, 1)
			line := lines[0].Geom.(orb.LineString)
			assert.InDelta(t, 180.0000001, line[0][0], 1e-7)
		})
	}
}

func TestRelationsAreCountedOnly(t *testing.T) {
	rel := &osmhist.Version{Type: osmhist.TypeRelation, ID: 1, Version: 1, Visible: true, Timestamp: ts(10)}
	c, im := runImport(t, testOptions(t), node(1, 1, 10, 0, 0), rel)
	assert.Len(t, c.records, 1)
	assert.Equal(t, int64(1), im.Stats().Relations.Load())
}

func TestStyleFiltersDropVisibleVersions(t *testing.T) {
	cfg := style.DefaultConfig()
	cfg.Points = &style.FilterConfig{RequireAny: []string{"amenity"}}
	opts := testOptions(t)
	opts.Filters = cfg.Filters()

	plain := node(1, 1, 10, 0, 0)
	cafe := node(2, 1, 10, 0, 0)
	cafe.Tags = osm.Tags{{Key: "amenity", Value: "cafe"}}

	c, im := runImport(t, opts, plain, deletedNode(1, 2, 20), cafe)
	require.Len(t, c.records, 2)
	assert.False(t, c.records[0].Visible, "deletions pass filters")
	assert.Equal(t, int64(2), c.records[1].ID)
	assert.Equal(t, int64(1), im.Stats().Dropped.Load())
}

func TestTagScriptDecidesPolygon(t *testing.T) {
	script, err := tagtransform.LoadString(`
function filter_tags_way(tags, n)
  if tags.highway then
    return 1, tags, 0, 0
  end
  tags.area = nil
  return 0, tags, 1, 0
end
`, nil)
	require.NoError(t, err)
	defer script.Close()

	opts := testOptions(t)
	opts.Script = script
	versions := append(squareNodes(),
		way(5, 1, 20, osm.Tags{{Key: "area", Value: "yes"}, {Key: "foo", Value: "bar"}}, 1, 2, 3, 4, 1),
		way(6, 1, 20, osm.Tags{{Key: "highway", Value: "service"}}, 1, 2),
	)

	c, im := runImport(t, opts, versions...)
	polys := c.table(record.TablePolygon)
	require.Len(t, polys, 1)
	assert.Equal(t, osm.Tags{{Key: "foo", Value: "bar"}}, polys[0].Tags)
	assert.Empty(t, c.table(record.TableLine))
	assert.Equal(t, int64(1), im.Stats().Dropped.Load())
}

func TestTrackerSlotsShiftByOne(t *testing.T) {
	c, _ := runImport(t, testOptions(t),
		node(1, 1, 10, 0, 0),
		node(1, 2, 20, 0, 0),
		node(1, 3, 30, 0, 0),
		node(1, 4, 40, 0, 0),
	)
	require.Len(t, c.records, 4)
	for i, r := range c.records {
		assert.Equal(t, i+1, r.Version)
		if i < 3 {
			assert.Equal(t, c.records[i+1].ValidFrom, r.ValidTo)
		}
	}
}
