package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/pkg/transport"
)

var getCmd = &cobra.Command{
	Use:   "get <bucket/key> <local-file>",
	Short: "Download an S3 object to a local file",
	Long: `get opens the object read-only and streams it through the
transport's Read path into a local file, exercising range-get mode.

Examples:
  s3xfer get mybucket/reports/report.csv ./report.csv`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	s3Path, localPath := args[0], args[1]

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

	start := time.Now()
	tr, err := transport.Open(ctx, cfg, metrics, normalizePath(s3Path), transport.OpenRead, -1)
	if err != nil {
		return fmt.Errorf("open %s: %w", s3Path, err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("create local file: %w", err)
	}

	n, copyErr := io.Copy(out, tr)
	closeErr := errCombine(out.Close(), tr.Close())
	if copyErr != nil {
		return fmt.Errorf("read %s: %w", s3Path, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close: %w", closeErr)
	}

	fmt.Printf("get %s -> %s (%d bytes, %s)\n", s3Path, localPath, n, time.Since(start).Round(time.Millisecond))
	return nil
}

// errCombine returns the first non-nil error among errs.
func errCombine(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
