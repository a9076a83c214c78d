package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmhistory-go/internal/logger"
	"github.com/wegman-software/osmhistory-go/internal/metrics"
	"github.com/wegman-software/osmhistory-go/internal/pipeline"
	"github.com/wegman-software/osmhistory-go/internal/proj"
	"github.com/wegman-software/osmhistory-go/internal/record"
)

var projectionStr string

var importCmd = &cobra.Command{
	Use:   "import <input.osh.pbf>",
	Short: "Import a full-history file into versioned geometry tables",
	Long: `Import a full-history OSM file sorted by type, id and version.

Nodes are written to the point table while their coordinates are kept in
a node history. Ways are assembled from that history as it was at each
way version, and again at every moment one of their nodes moved.

Each of the three tables is loaded in its own transaction: TRUNCATE
followed by COPY. Tables are only committed once the whole input was
processed; an error before that rolls every table back.`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	flags := importCmd.Flags()
	flags.StringVar(&cfg.Sink, "sink", cfg.Sink, "Output sink: postgres, tsv or parquet")
	flags.StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "Directory for tsv and parquet output")
	flags.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "Table name prefix")
	flags.StringVarP(&projectionStr, "projection", "E", "3857", "Target projection SRID (3857 or 4326)")
	flags.BoolVarP(&cfg.KeepLatLng, "latlong", "l", false, "Keep coordinates in WGS84 (SRID 4326)")
	flags.StringVarP(&cfg.StyleFile, "style", "S", "", "Style YAML file with polygon keys, highway layers and filters")
	flags.StringVar(&cfg.TagScript, "tag-transform-script", "", "Lua script with filter_tags_node/filter_tags_way")

	flags.BoolVar(&cfg.CreateTables, "create-tables", cfg.CreateTables, "Create extensions and missing tables before loading")
	flags.StringVar(&cfg.BeforeSQL, "before-sql", "", "SQL script run before loading")
	flags.StringVar(&cfg.AfterSQL, "after-sql", "", "SQL script run after all tables are committed")

	flags.StringVar(&cfg.NodeStore, "node-store", cfg.NodeStore, "Node history store: map, paged or leveldb")
	flags.StringVar(&cfg.FlatNodesFile, "flat-nodes", "", "Back the paged node store with this file")
	flags.BoolVar(&cfg.KeepFlatNodes, "keep-flat-nodes", false, "Keep the flat nodes file after the import")
	flags.StringVar(&cfg.NodeStoreDir, "node-store-dir", "", "Directory of the leveldb node store (temporary if empty)")

	flags.BoolVarP(&cfg.Interior, "interior", "i", false, "Compute interior points of polygons")
	flags.BoolVar(&cfg.StoreErrors, "store-errors", false, "Log skipped geometries and node lookup misses as warnings")
	flags.BoolVar(&cfg.MinorUpperInclusive, "minor-upper-inclusive", false, "Node changes at a way's next version time also start a minor version")
	flags.BoolVar(&cfg.RecordInvisibleNodes, "record-invisible-nodes", false, "Keep deleted node versions in the node history")
	flags.IntVar(&cfg.ChannelBuffer, "channel-buffer", cfg.ChannelBuffer, "Buffer size of each table's record channel")
}

func runImport(cmd *cobra.Command, args []string) {
	cfg.InputFile = args[0]
	log := logger.Get()

	srid, err := proj.ParseSRID(projectionStr)
	if err != nil {
		exitWithError("invalid projection", err)
	}
	cfg.Projection = srid

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	output := cfg.OutputDir
	if cfg.Sink == "postgres" {
		output = fmt.Sprintf("%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	logFields := []zap.Field{
		zap.String("input", cfg.InputFile),
		zap.String("sink", cfg.Sink),
		zap.String("output", output),
		zap.String("prefix", cfg.Prefix),
		zap.Int("srid", cfg.SRID()),
		zap.String("node_store", cfg.NodeStore),
	}
	if cfg.StyleFile != "" {
		logFields = append(logFields, zap.String("style", cfg.StyleFile))
	}
	if cfg.TagScript != "" {
		logFields = append(logFields, zap.String("tag_script", cfg.TagScript))
	}
	log.Info("Starting history import", logFields...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	totalStart := time.Now()
	res, err := pipeline.NewCoordinator(cfg, metrics.NewImportMetrics()).Run(ctx)
	if err != nil {
		exitWithError("import failed", err)
	}

	log.Info("History import complete",
		zap.Duration("total_time", time.Since(totalStart).Round(time.Second)),
		zap.Int64("point_rows", res.Rows[record.TablePoint]),
		zap.Int64("line_rows", res.Rows[record.TableLine]),
		zap.Int64("polygon_rows", res.Rows[record.TablePolygon]),
		zap.Int64("minor_versions", res.Stats.MinorVersions.Load()),
		zap.Int64("geometry_failures", res.Stats.GeometryFailures.Load()),
	)
}
