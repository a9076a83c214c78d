package style

import (
	"fmt"
	"os"

	"github.com/paulmach/osm"
	"gopkg.in/yaml.v3"
)

// Config holds the static classification tables and the per-table
// output filters
type Config struct {
	// PolygonKeys are tag keys that mark a closed way as an area
	PolygonKeys []string `yaml:"polygon_keys,omitempty"`
	// HighwayLayers maps highway values to a draw order offset.
	// The first matching entry wins.
	HighwayLayers []HighwayLayer `yaml:"highway_layers,omitempty"`

	// Points configuration for node records
	Points *FilterConfig `yaml:"points,omitempty"`
	// Lines configuration for line records
	Lines *FilterConfig `yaml:"lines,omitempty"`
	// Polygons configuration for polygon records
	Polygons *FilterConfig `yaml:"polygons,omitempty"`
}

// HighwayLayer is one row of the highway draw order table
type HighwayLayer struct {
	Value   string `yaml:"value"`
	Offset  int    `yaml:"offset"`
	LowZoom bool   `yaml:"lowzoom,omitempty"`
}

// FilterConfig defines filtering rules for one output table
type FilterConfig struct {
	// Include specifies which tag keys/values to include
	// If empty, all tags are included (no filtering)
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude specifies which tag keys/values to exclude
	// Applied after include rules
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny specifies that at least one of these tags must be present
	RequireAny []string `yaml:"require_any,omitempty"`
}

// DefaultPolygonKeys is the built-in area key list
var DefaultPolygonKeys = []string{
	"aeroway", "amenity", "area", "building", "harbour", "historic",
	"landuse", "leisure", "man_made", "military", "natural", "power",
	"place", "shop", "sport", "tourism", "water", "waterway", "wetland",
}

// DefaultHighwayLayers is the built-in highway draw order table
var DefaultHighwayLayers = []HighwayLayer{
	{Value: "minor", Offset: 3},
	{Value: "road", Offset: 3},
	{Value: "unclassified", Offset: 3},
	{Value: "residential", Offset: 3},
	{Value: "tertiary_link", Offset: 4},
	{Value: "tertiary", Offset: 4},
	{Value: "secondary_link", Offset: 6, LowZoom: true},
	{Value: "secondary", Offset: 6, LowZoom: true},
	{Value: "primary_link", Offset: 7, LowZoom: true},
	{Value: "primary", Offset: 7, LowZoom: true},
	{Value: "trunk_link", Offset: 8, LowZoom: true},
	{Value: "trunk", Offset: 8, LowZoom: true},
	{Value: "motorway_link", Offset: 9, LowZoom: true},
	{Value: "motorway", Offset: 9, LowZoom: true},
}

// LoadConfig loads a style configuration from a YAML file. Tables the
// file leaves out keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse style YAML: %w", err)
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid style %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in tables with no filtering
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

func (c *Config) fillDefaults() {
	if len(c.PolygonKeys) == 0 {
		c.PolygonKeys = append([]string(nil), DefaultPolygonKeys...)
	}
	if len(c.HighwayLayers) == 0 {
		c.HighwayLayers = append([]HighwayLayer(nil), DefaultHighwayLayers...)
	}
}

// Validate checks the classification tables
func (c *Config) Validate() error {
	for i, k := range c.PolygonKeys {
		if k == "" {
			return fmt.Errorf("polygon_keys[%d] is empty", i)
		}
	}
	for i, l := range c.HighwayLayers {
		if l.Value == "" {
			return fmt.Errorf("highway_layers[%d] has no value", i)
		}
	}
	return nil
}

// Filter checks if tags match the filter configuration
type Filter struct {
	cfg *FilterConfig
}

// NewFilter creates a filter from configuration
func NewFilter(cfg *FilterConfig) *Filter {
	if cfg == nil {
		return &Filter{cfg: &FilterConfig{}}
	}
	return &Filter{cfg: cfg}
}

// Match checks if the given tags match the filter rules
// Returns true if the version should be written
func (f *Filter) Match(tags osm.Tags) bool {
	if f == nil || f.cfg == nil {
		return true
	}

	if len(f.cfg.RequireAny) > 0 {
		found := false
		for _, key := range f.cfg.RequireAny {
			if tags.HasTag(key) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.cfg.Include) > 0 {
		matched := false
		for key, values := range f.cfg.Include {
			if tags.HasTag(key) && valueListed(values, tags.Find(key)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for key, values := range f.cfg.Exclude {
		if tags.HasTag(key) && valueListed(values, tags.Find(key)) {
			return false
		}
	}

	return true
}

// valueListed treats an empty list as "any value"
func valueListed(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, allowed := range values {
		if allowed == v || allowed == "*" {
			return true
		}
	}
	return false
}

// HasFilter returns true if filtering is enabled
func (f *Filter) HasFilter() bool {
	if f == nil || f.cfg == nil {
		return false
	}
	return len(f.cfg.Include) > 0 || len(f.cfg.Exclude) > 0 || len(f.cfg.RequireAny) > 0
}

// Filters bundles the filter of each output table
type Filters struct {
	Points   *Filter
	Lines    *Filter
	Polygons *Filter
}

// Filters builds the per-table filters of the configuration
func (c *Config) Filters() Filters {
	return Filters{
		Points:   NewFilter(c.Points),
		Lines:    NewFilter(c.Lines),
		Polygons: NewFilter(c.Polygons),
	}
}
