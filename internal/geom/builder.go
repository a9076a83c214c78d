// Package geom synthesizes way geometries from the node history at a
// point in time.
package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/wegman-software/osmhistory-go/internal/nodestore"
	"github.com/wegman-software/osmhistory-go/internal/proj"
)

var (
	// ErrTooFewCoordinates means fewer than two node references resolved
	ErrTooFewCoordinates = errors.New("too few coordinates")
	// ErrInvalidRing means a closed way collapsed into a degenerate ring
	ErrInvalidRing = errors.New("invalid polygon ring")
)

// Kind is the shape of a built geometry
type Kind int8

const (
	KindLine Kind = iota + 1
	KindPolygon
)

func (k Kind) String() string {
	switch k {
	case KindLine:
		return "line"
	case KindPolygon:
		return "polygon"
	default:
		return "unknown"
	}
}

// Geometry is a way geometry valid at one moment
type Geometry struct {
	Kind    Kind
	Line    orb.LineString
	Polygon orb.Polygon
	SRID    int
	// Area is the planar area in projection units, polygons only
	Area float64
	// Interior is a point inside the polygon, nil if not computed or
	// the computation failed
	Interior *orb.Point

	// Lookup outcome counts for the referenced nodes
	Found      int
	SoftMisses int
	HardMisses int
}

// Orb returns the geometry as an orb value
func (g *Geometry) Orb() orb.Geometry {
	if g.Kind == KindPolygon {
		return g.Polygon
	}
	return g.Line
}

// Builder resolves node references against a node history.
// Reads only, so one Builder may serve concurrent callers once the
// node history is no longer written.
type Builder struct {
	store       nodestore.Store
	transformer *proj.Transformer
	interior    bool
}

// NewBuilder creates a builder. With interior set, polygons get an
// interior point.
func NewBuilder(store nodestore.Store, transformer *proj.Transformer, interior bool) *Builder {
	return &Builder{store: store, transformer: transformer, interior: interior}
}

// SRID is the reference id of every geometry this builder produces
func (b *Builder) SRID() int {
	return b.transformer.TargetSRID
}

// Point projects a node coordinate. Raw coordinates are returned as
// recorded.
func (b *Builder) Point(lon, lat float64) (orb.Point, error) {
	if !b.transformer.NeedsTransform() {
		return orb.Point{lon, lat}, nil
	}
	return b.transformer.TransformPoint(orb.Point{lon, lat})
}

// BuildWay assembles the geometry of nodes as of asOf. Unresolvable
// nodes are skipped. Errors wrapping ErrTooFewCoordinates or
// ErrInvalidRing are recoverable; projection errors are not.
func (b *Builder) BuildWay(nodes []int64, asOf int64, looksLikePolygon bool) (*Geometry, error) {
	g := &Geometry{SRID: b.SRID()}
	points := make([]orb.Point, 0, len(nodes))

	for _, id := range nodes {
		e, res := b.store.CoordinateAt(id, asOf)
		switch res {
		case nodestore.HardMiss:
			g.HardMisses++
			continue
		case nodestore.SoftMiss:
			g.SoftMisses++
		default:
			g.Found++
		}
		p, err := b.Point(e.Lon, e.Lat)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		points = append(points, p)
	}

	if len(points) < 2 {
		return g, fmt.Errorf("%w: %d of %d nodes resolved", ErrTooFewCoordinates, len(points), len(nodes))
	}

	if looksLikePolygon && len(points) >= 4 && points[0] == points[len(points)-1] {
		return b.polygon(g, orb.Ring(points))
	}

	g.Kind = KindLine
	g.Line = orb.LineString(points)
	return g, nil
}

func (b *Builder) polygon(g *Geometry, ring orb.Ring) (*Geometry, error) {
	if distinct(ring) < 3 {
		return g, fmt.Errorf("%w: fewer than 3 distinct points", ErrInvalidRing)
	}
	poly := orb.Polygon{ring}
	area := math.Abs(planar.Area(poly))
	if area == 0 || math.IsNaN(area) {
		return g, fmt.Errorf("%w: zero area", ErrInvalidRing)
	}

	g.Kind = KindPolygon
	g.Polygon = poly
	g.Area = area
	if b.interior {
		if p, ok := InteriorPoint(poly); ok {
			g.Interior = &p
		}
	}
	return g, nil
}

func distinct(ring orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(ring))
	for _, p := range ring {
		seen[p] = struct{}{}
	}
	return len(seen)
}
