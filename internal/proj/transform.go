package proj

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// SRID constants for common projections
const (
	SRID4326 = 4326 // WGS84 (lat/lon)
	SRID3857 = 3857 // Web Mercator
)

// ErrProjection is returned for coordinates that cannot be projected
var ErrProjection = errors.New("coordinate cannot be projected")

// Transformer handles coordinate transformations between projections.
// It holds no mutable state and is safe for concurrent use.
type Transformer struct {
	SourceSRID int
	TargetSRID int
}

// NewTransformer creates a transformer from source to target SRID
func NewTransformer(sourceSRID, targetSRID int) (*Transformer, error) {
	if sourceSRID != SRID4326 {
		return nil, fmt.Errorf("unsupported source SRID: %d (only 4326 supported)", sourceSRID)
	}
	if targetSRID != SRID4326 && targetSRID != SRID3857 {
		return nil, fmt.Errorf("unsupported target SRID: %d (only 4326 and 3857 supported)", targetSRID)
	}

	return &Transformer{
		SourceSRID: sourceSRID,
		TargetSRID: targetSRID,
	}, nil
}

// Transform converts a coordinate from source to target projection.
// Without a projection coordinates pass through unchecked; otherwise
// coordinates outside the WGS84 range fail with ErrProjection.
func (t *Transformer) Transform(lon, lat float64) (x, y float64, err error) {
	if !t.NeedsTransform() {
		return lon, lat, nil
	}
	if !validLonLat(lon, lat) {
		return 0, 0, fmt.Errorf("%w: lon=%v lat=%v", ErrProjection, lon, lat)
	}

	x, y = lonLatToWebMercator(lon, lat)
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return 0, 0, fmt.Errorf("%w: lon=%v lat=%v", ErrProjection, lon, lat)
	}
	return x, y, nil
}

// TransformPoint is Transform for orb points in lon/lat order
func (t *Transformer) TransformPoint(p orb.Point) (orb.Point, error) {
	x, y, err := t.Transform(p.Lon(), p.Lat())
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{x, y}, nil
}

// NeedsTransform returns true if transformation is required
func (t *Transformer) NeedsTransform() bool {
	return t.SourceSRID != t.TargetSRID
}

// Web Mercator constants
const (
	// Semi-major axis of WGS84 ellipsoid in meters
	earthRadius = 6378137.0
	// Maximum extent of Web Mercator
	maxExtent = 20037508.342789244
	// Latitude at which Web Mercator becomes square
	maxLat = 85.0511287798066
)

func validLonLat(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// lonLatToWebMercator converts WGS84 (lon, lat) to Web Mercator (x, y)
func lonLatToWebMercator(lon, lat float64) (x, y float64) {
	// Clamp latitude to avoid infinity at poles
	if lat > maxLat {
		lat = maxLat
	} else if lat < -maxLat {
		lat = -maxLat
	}

	x = lon * maxExtent / 180.0

	// y = R * ln(tan(π/4 + φ/2))
	latRad := lat * math.Pi / 180.0
	y = math.Log(math.Tan(math.Pi/4.0+latRad/2.0)) * earthRadius

	return x, y
}

// ParseSRID parses a projection string to SRID
// Accepts: "4326", "3857", "EPSG:4326", "EPSG:3857"
func ParseSRID(s string) (int, error) {
	switch s {
	case "4326", "EPSG:4326":
		return SRID4326, nil
	case "3857", "EPSG:3857":
		return SRID3857, nil
	default:
		return 0, fmt.Errorf("unsupported projection: %s (supported: 4326, 3857)", s)
	}
}
