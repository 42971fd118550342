// Package commands implements the s3xfer CLI commands.
package commands

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/internal/telemetry"
	"github.com/objfs/s3transport/pkg/s3config"
	"github.com/objfs/s3transport/pkg/s3metrics"
	s3promMetrics "github.com/objfs/s3transport/pkg/s3metrics/prometheus"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "s3xfer",
	Short: "Manual harness for the S3 streaming transport",
	Long: `s3xfer drives pkg/transport directly against a real S3-compatible
endpoint: put stages a local file through streaming or cache-mode multipart
upload, get streams an object back down to a local file, and stat reports
the size Open's HEAD observed.

Use "s3xfer [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and parses flags.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command, for testing.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return configFile
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to config file (default: ./s3transport.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(statCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("s3xfer %s (commit %s, built %s)\n", Version, Commit, Date)
		return nil
	},
}

// setup loads configuration, starts the structured logger, starts an
// OpenTelemetry tracer (span recording only — this harness wires no
// exporter, since pkg/s3config.TelemetryConfig scopes only sampling and
// resource attribution), and builds an S3Metrics backed by a private
// Prometheus registry when metrics are enabled. The returned shutdown func
// flushes the tracer and should be deferred by the caller.
func setup(ctx context.Context) (*s3config.Config, s3metrics.S3Metrics, func(context.Context) error, error) {
	cfg, err := s3config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	var metrics s3metrics.S3Metrics
	if cfg.Metrics.Enabled {
		metrics = s3promMetrics.New(prometheus.NewRegistry())
	}

	return cfg, metrics, shutdown, nil
}
