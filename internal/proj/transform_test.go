package proj

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebMercator(t *testing.T) {
	tr, err := NewTransformer(SRID4326, SRID3857)
	require.NoError(t, err)
	assert.True(t, tr.NeedsTransform())

	tests := []struct {
		lon, lat float64
		x, y     float64
	}{
		{0, 0, 0, 0},
		{180, 0, maxExtent, 0},
		{-180, 0, -maxExtent, 0},
		{0, maxLat, 0, maxExtent},
		{13.377704, 52.516275, 1489199.2, 6894018.4},
	}
	for _, tt := range tests {
		x, y, err := tr.Transform(tt.lon, tt.lat)
		require.NoError(t, err)
		assert.InDelta(t, tt.x, x, 1, "x for %v,%v", tt.lon, tt.lat)
		assert.InDelta(t, tt.y, y, 1, "y for %v,%v", tt.lon, tt.lat)
	}

	_, y, err := tr.Transform(0, 90)
	require.NoError(t, err)
	assert.InDelta(t, maxExtent, y, 1)
}

func TestTransformFailures(t *testing.T) {
	tr, err := NewTransformer(SRID4326, SRID3857)
	require.NoError(t, err)

	for _, c := range [][2]float64{{math.NaN(), 0}, {0, math.Inf(1)}, {181, 0}, {0, -91}} {
		_, _, err := tr.Transform(c[0], c[1])
		assert.ErrorIs(t, err, ErrProjection, "%v", c)
	}
}

func TestIdentityKeepsCoordinates(t *testing.T) {
	tr, err := NewTransformer(SRID4326, SRID4326)
	require.NoError(t, err)
	assert.False(t, tr.NeedsTransform())

	p, err := tr.TransformPoint(orb.Point{8.5, 47.3})
	require.NoError(t, err)
	assert.Equal(t, orb.Point{8.5, 47.3}, p)

	// raw coordinates are never projected, so nothing can fail
	p, err = tr.TransformPoint(orb.Point{180.0000001, 147.3})
	require.NoError(t, err)
	assert.Equal(t, orb.Point{180.0000001, 147.3}, p)
}

func TestParseSRID(t *testing.T) {
	for in, want := range map[string]int{"4326": 4326, "EPSG:3857": 3857} {
		got, err := ParseSRID(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSRID("2056")
	assert.Error(t, err)

	_, err = NewTransformer(SRID3857, SRID4326)
	assert.Error(t, err)
}
