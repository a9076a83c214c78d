package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Sink names
const (
	SinkPostgres = "postgres"
	SinkTSV      = "tsv"
	SinkParquet  = "parquet"
)

var (
	validate    = validator.New()
	sqlIdentRgx = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

func init() {
	_ = validate.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return sqlIdentRgx.MatchString(fl.Field().String())
	})
}

// Config holds the configuration of one import run
type Config struct {
	// Input settings
	InputFile string `validate:"required"`

	// Output settings
	Sink       string `validate:"oneof=postgres tsv parquet"`
	OutputDir  string `validate:"required_unless=Sink postgres"`
	Prefix     string `validate:"omitempty,sqlident"`
	Projection int    `validate:"oneof=3857 4326"`
	KeepLatLng bool   // Write raw WGS84 coordinates (SRID 4326)
	StyleFile  string // Path to style YAML with classification tables and filters
	TagScript  string // Path to Lua tag transform script

	// Database settings
	DBHost       string `validate:"required_if=Sink postgres"`
	DBPort       int    `validate:"min=1,max=65535"`
	DBName       string `validate:"required_if=Sink postgres"`
	DBUser       string
	DBPassword   string
	DBSchema     string `validate:"omitempty,sqlident"`
	CreateTables bool   // Create extensions and missing tables before loading
	BeforeSQL    string // Script run before loading, e.g. 00-before.sql
	AfterSQL     string // Script run after all tables committed, e.g. 99-after.sql

	// Node history settings
	NodeStore     string `validate:"oneof=map paged leveldb"`
	FlatNodesFile string // Back the paged store with this file
	KeepFlatNodes bool
	NodeStoreDir  string // leveldb directory, temporary when empty

	// History semantics
	Interior             bool // Compute interior points of polygons
	StoreErrors          bool // Log skipped geometries and lookup misses at warn level
	MinorUpperInclusive  bool // Node changes at the next way version's timestamp start a minor version
	RecordInvisibleNodes bool // Record deleted node versions in the node history

	// Processing settings
	ChannelBuffer int `validate:"min=1"`

	// Logging and metrics
	Verbose         bool
	LogFile         string        // Path to log file (empty = no file logging)
	MetricsInterval time.Duration // Interval for system metrics logging, 0 disables
	MetricsListen   string        `validate:"omitempty,hostname_port"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Sink:            SinkPostgres,
		OutputDir:       "./osmhistory_out",
		Prefix:          "hist_",
		Projection:      3857,
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "osm",
		DBUser:          "postgres",
		DBSchema:        "public",
		CreateTables:    true,
		NodeStore:       "map",
		ChannelBuffer:   10000,
		MetricsInterval: 30 * time.Second,
	}
}

// SRID returns the SRID of written geometries
func (c *Config) SRID() int {
	if c.KeepLatLng {
		return 4326
	}
	return c.Projection
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.FlatNodesFile != "" && c.NodeStore != "paged" {
		return fmt.Errorf("flat nodes file requires the paged node store, not %q", c.NodeStore)
	}
	if c.NodeStoreDir != "" && c.NodeStore != "leveldb" {
		return fmt.Errorf("node store directory requires the leveldb node store, not %q", c.NodeStore)
	}
	// 0 turns system metrics off
	if c.MetricsInterval != 0 && c.MetricsInterval < time.Second {
		return fmt.Errorf("metrics interval must be 0 or at least 1s")
	}
	if (c.BeforeSQL != "" || c.AfterSQL != "") && c.Sink != SinkPostgres {
		return fmt.Errorf("before/after SQL scripts need the postgres sink")
	}
	return nil
}
