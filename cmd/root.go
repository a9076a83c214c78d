package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wegman-software/osmhistory-go/internal/config"
	"github.com/wegman-software/osmhistory-go/internal/logger"
)

// envPrefix prefixes environment overrides, e.g. OSMHISTORY_DB_HOST
const envPrefix = "OSMHISTORY"

var (
	cfg        = config.DefaultConfig()
	configFile string
	runID      string
)

var rootCmd = &cobra.Command{
	Use:   "osmhistory-go",
	Short: "OSM full-history importer for PostgreSQL/PostGIS",
	Long: `osmhistory-go imports OpenStreetMap full-history files into versioned
point, line and polygon tables. Every row carries the interval during
which that version of the geometry was valid.

Ways get additional minor versions whenever one of their nodes moved
between two recorded versions of the way.

Flags can also be set in a YAML config file (--config) or through
environment variables such as OSMHISTORY_DB_HOST.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applySettings(cmd); err != nil {
			return err
		}

		runID = uuid.NewString()
		logger.Init(logger.Options{
			Debug:  cfg.Verbose,
			File:   cfg.LogFile,
			Fields: []zap.Field{zap.String("run_id", runID)},
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML file with flag values")

	// Logging and metrics flags
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	flags.StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m), 0 disables")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address, e.g. :9187")

	// Database flags (persistent so they're available to all subcommands)
	flags.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	flags.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	flags.StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	flags.StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	flags.StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	flags.StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// applySettings fills flags the user did not pass from the environment
// and the config file, in that order of precedence
func applySettings(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed || f.Name == "config" || !v.IsSet(f.Name) {
			return
		}
		if serr := cmd.Flags().Set(f.Name, v.GetString(f.Name)); serr != nil {
			err = fmt.Errorf("invalid value for %s: %w", f.Name, serr)
		}
	})
	return err
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
