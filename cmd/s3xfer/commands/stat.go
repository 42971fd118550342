package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/pkg/transport"
)

var statCmd = &cobra.Command{
	Use:   "stat <bucket/key>",
	Short: "Report the size Open's HEAD observed for an object",
	Long: `stat opens the object read-only, which forces Open to HEAD it and
fail if it doesn't exist, then reports the size recorded from that HEAD.

Examples:
  s3xfer stat mybucket/reports/report.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runStat,
}

func runStat(cmd *cobra.Command, args []string) error {
	s3Path := args[0]

	ctx := context.Background()
	cfg, metrics, shutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	tr, err := transport.Open(ctx, cfg, metrics, normalizePath(s3Path), transport.OpenRead, -1)
	if err != nil {
		return fmt.Errorf("open %s: %w", s3Path, err)
	}
	size := tr.Size()
	if err := tr.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s3Path, err)
	}

	fmt.Printf("%s: %d bytes\n", s3Path, size)
	return nil
}
