// Package record defines the versioned geometry rows written to the
// output tables.
package record

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
)

// Table identifies one output table
type Table int8

const (
	TablePoint Table = iota
	TableLine
	TablePolygon
)

// Tables lists every output table in load order
var Tables = []Table{TablePoint, TableLine, TablePolygon}

func (t Table) String() string {
	switch t {
	case TablePoint:
		return "point"
	case TableLine:
		return "line"
	case TablePolygon:
		return "polygon"
	default:
		return fmt.Sprintf("table(%d)", int8(t))
	}
}

// Name returns the database table name, e.g. "hist_point"
func (t Table) Name(prefix string) string {
	return prefix + t.String()
}

// Columns returns the column order of a table
func (t Table) Columns() []string {
	cols := []string{"id", "version", "minor", "visible", "user_id", "user_name", "valid_from", "valid_to", "tags"}
	switch t {
	case TableLine:
		return append(cols, "z_order", "geom")
	case TablePolygon:
		return append(cols, "area", "geom", "interior")
	default:
		return append(cols, "geom")
	}
}

// Record is one geometry version
type Record struct {
	Table   Table
	ID      int64
	Version int
	// Minor is 0 for a recorded version and counts up for versions
	// synthesized from node movements
	Minor   int
	Visible bool
	UserID  int64
	User    string

	ValidFrom time.Time
	// ValidTo is zero while the version is still current
	ValidTo time.Time

	Tags   osm.Tags
	ZOrder int
	Area   float64

	// Geom is nil for deleted versions and unbuildable geometries
	Geom     orb.Geometry
	Interior *orb.Point
	SRID     int
}

// Open reports whether the validity interval has no upper bound
func (r *Record) Open() bool {
	return r.ValidTo.IsZero()
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %d v%d.%d", r.Table, r.ID, r.Version, r.Minor)
}
