package copyfmt

import (
	"bytes"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmhistory-go/internal/record"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"tab\there", `tab\there`},
		{"line\nbreak\r", `line\nbreak\r`},
		{`back\slash`, `back\\slash`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(Escape(nil, tt.in)))
	}
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, Null, Timestamp(time.Time{}))
	ts := time.Date(2012, 3, 4, 5, 6, 7, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2012-03-04T04:06:07Z", Timestamp(ts))
}

func TestHStore(t *testing.T) {
	assert.Equal(t, "", HStore(nil))
	tags := osm.Tags{{Key: "name", Value: `say "hi"`}, {Key: `a\b`, Value: "x"}}
	assert.Equal(t, `"name"=>"say \"hi\"","a\\b"=>"x"`, HStore(tags))
}

func TestPointText(t *testing.T) {
	assert.Equal(t, "SRID=4326;POINT(8.5 47.3)", PointText(orb.Point{8.5, 47.3}, 4326))
	assert.Equal(t, "SRID=3857;POINT(-1 0.25)", PointText(orb.Point{-1, 0.25}, 3857))
}

func TestUnknownTable(t *testing.T) {
	_, err := NewEncoder().Line(&record.Record{Table: record.Table(9)})
	assert.Error(t, err)
}

func TestLinesGolden(t *testing.T) {
	ring := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	interior := orb.Point{0.5, 0.5}
	records := []*record.Record{
		{
			Table: record.TablePoint, ID: 42, Version: 1, Visible: true,
			UserID: 7, User: "alice\tb",
			ValidFrom: time.Date(2010, 1, 2, 3, 4, 5, 0, time.UTC),
			Tags:      osm.Tags{{Key: "amenity", Value: "cafe"}, {Key: "name", Value: `Joe's "Best"`}},
			Geom:      orb.Point{8.5, 47.25}, SRID: 4326,
		},
		{
			Table: record.TableLine, ID: 7, Version: 3,
			ValidFrom: time.Date(2011, 5, 6, 0, 0, 0, 0, time.UTC),
			ValidTo:   time.Date(2011, 5, 6, 0, 0, 0, 0, time.UTC),
			SRID:      3857,
		},
		{
			Table: record.TableLine, ID: 8, Version: 1, Minor: 1, Visible: true,
			UserID: 9, User: "bob",
			ValidFrom: time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC),
			Tags:      osm.Tags{{Key: "highway", Value: "primary"}},
			ZOrder:    7,
			Geom:      orb.LineString{{0, 0}, {1, 1}}, SRID: 3857,
		},
		{
			Table: record.TablePolygon, ID: 9, Version: 2, Minor: 2, Visible: true,
			UserID: 9, User: "bob",
			ValidFrom: time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidTo:   time.Date(2012, 2, 1, 0, 0, 0, 0, time.UTC),
			Tags:      osm.Tags{{Key: "building", Value: "yes"}},
			Area:      1,
			Geom:      orb.Polygon{ring}, Interior: &interior, SRID: 3857,
		},
		{
			Table: record.TablePolygon, ID: 10, Version: 1, Visible: true,
			ValidFrom: time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC),
			Area:      0.25,
			Geom:      orb.Polygon{ring}, SRID: 3857,
		},
	}

	enc := NewEncoder()
	var out bytes.Buffer
	for _, r := range records {
		line, err := enc.Line(r)
		require.NoError(t, err)
		out.Write(line)
	}

	g := goldie.New(t)
	g.Assert(t, "records", out.Bytes())
}
