package geom

import (
	"sort"

	"github.com/paulmach/orb"
)

// InteriorPoint finds a point strictly inside a polygon. It intersects
// the polygon with a horizontal line close to the middle of its bounds
// that avoids every vertex, and returns the middle of the widest inside
// section. It fails for polygons without height.
func InteriorPoint(poly orb.Polygon) (orb.Point, bool) {
	if len(poly) == 0 || len(poly[0]) < 4 {
		return orb.Point{}, false
	}

	y, ok := scanLineY(poly)
	if !ok {
		return orb.Point{}, false
	}

	var xs []float64
	for _, ring := range poly {
		for i := 0; i+1 < len(ring); i++ {
			a, b := ring[i], ring[i+1]
			if (a[1] > y) == (b[1] > y) {
				continue
			}
			xs = append(xs, a[0]+(y-a[1])*(b[0]-a[0])/(b[1]-a[1]))
		}
	}
	if len(xs) < 2 {
		return orb.Point{}, false
	}
	sort.Float64s(xs)

	best, width := -1, 0.0
	for i := 0; i+1 < len(xs); i += 2 {
		if w := xs[i+1] - xs[i]; w > width {
			best, width = i, w
		}
	}
	if best < 0 {
		return orb.Point{}, false
	}
	return orb.Point{(xs[best] + xs[best+1]) / 2, y}, true
}

// scanLineY picks the midpoint between the two vertex heights closest
// to the centre of the bounds, one at or below and one above it
func scanLineY(poly orb.Polygon) (float64, bool) {
	bound := poly.Bound()
	centre := (bound.Min[1] + bound.Max[1]) / 2
	lo, hi := bound.Min[1], bound.Max[1]
	if lo == hi {
		return 0, false
	}
	for _, ring := range poly {
		for _, p := range ring {
			if p[1] <= centre && p[1] > lo {
				lo = p[1]
			} else if p[1] > centre && p[1] < hi {
				hi = p[1]
			}
		}
	}
	return (lo + hi) / 2, true
}
