// Package classify holds the tag heuristics applied to way versions:
// whether a closed way is an area and which draw order a line gets.
package classify

import (
	"strconv"
	"strings"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmhistory-go/internal/style"
)

// Classifier evaluates the classification tables of a style.
// It is immutable and safe for concurrent use.
type Classifier struct {
	polygonKeys map[string]struct{}
	highways    map[string]style.HighwayLayer
}

// DrawOrder is the result of the z-order heuristic
type DrawOrder struct {
	ZOrder int
	// LowZoom marks features worth drawing at low zoom levels
	LowZoom bool
}

// New builds a classifier from a style configuration
func New(cfg *style.Config) *Classifier {
	if cfg == nil {
		cfg = style.DefaultConfig()
	}
	c := &Classifier{
		polygonKeys: make(map[string]struct{}, len(cfg.PolygonKeys)),
		highways:    make(map[string]style.HighwayLayer, len(cfg.HighwayLayers)),
	}
	for _, k := range cfg.PolygonKeys {
		c.polygonKeys[k] = struct{}{}
	}
	for _, l := range cfg.HighwayLayers {
		if _, dup := c.highways[l.Value]; !dup {
			c.highways[l.Value] = l
		}
	}
	return c
}

// Default returns a classifier using the built-in tables
func Default() *Classifier {
	return New(nil)
}

// LooksLikePolygon reports whether any tag key is an area key
func (c *Classifier) LooksLikePolygon(tags osm.Tags) bool {
	for _, t := range tags {
		if _, ok := c.polygonKeys[t.Key]; ok {
			return true
		}
	}
	return false
}

// DrawOrder computes the z-order of a line from its tags
func (c *Classifier) DrawOrder(tags osm.Tags) DrawOrder {
	var d DrawOrder

	if layer := tags.Find("layer"); layer != "" {
		d.ZOrder = parseLayer(layer) * 10
	}

	if highway := tags.Find("highway"); highway != "" {
		if l, ok := c.highways[highway]; ok {
			d.ZOrder += l.Offset
			d.LowZoom = d.LowZoom || l.LowZoom
		}
	}

	if tags.HasTag("railway") {
		d.ZOrder += 5
		d.LowZoom = true
	}

	if tags.Find("boundary") == "administrative" {
		d.LowZoom = true
	}

	if truthy(tags.Find("bridge")) {
		d.ZOrder += 10
	}
	if truthy(tags.Find("tunnel")) {
		d.ZOrder -= 10
	}
	return d
}

// ZOrder is DrawOrder without the low zoom flag
func (c *Classifier) ZOrder(tags osm.Tags) int {
	return c.DrawOrder(tags).ZOrder
}

func truthy(v string) bool {
	return v == "true" || v == "yes" || v == "1"
}

// parseLayer reads the leading base-10 integer of a layer value, so
// "2;3" yields 2 and garbage yields 0
func parseLayer(v string) int {
	v = strings.TrimLeft(v, " \t")
	end := 0
	if end < len(v) && (v[end] == '-' || v[end] == '+') {
		end++
	}
	digits := end
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	n, err := strconv.Atoi(v[:end])
	if err != nil {
		return 0
	}
	return n
}
