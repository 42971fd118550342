package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/pkg/transport"
)

var putAppend bool

var putCmd = &cobra.Command{
	Use:   "put <local-file> <bucket/key>",
	Short: "Upload a local file to an S3 object",
	Long: `put streams a local file through the transport's Write path.

The local file's size is passed to Open as the declared size, which is what
lets a write to a brand-new key qualify for streaming multipart upload
instead of cache mode (see pkg/transport.Open).

Examples:
  s3xfer put ./report.csv mybucket/reports/report.csv
  s3xfer put --append ./tail.log mybucket/logs/app.log`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

func init() {
	putCmd.Flags().BoolVar(&putAppend, "append", false, "Append to the object instead of replacing it")
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath, s3Path := args[0], args[1]

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

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

	mode := transport.OpenWrite | transport.OpenPutRepl
	if putAppend {
		mode = transport.OpenAppend
	}

	start := time.Now()
	tr, err := transport.Open(ctx, cfg, metrics, normalizePath(s3Path), mode, info.Size())
	if err != nil {
		return fmt.Errorf("open %s: %w", s3Path, err)
	}

	n, copyErr := io.Copy(tr, f)
	closeErr := tr.Close()
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", s3Path, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", s3Path, closeErr)
	}

	fmt.Printf("put %s -> %s (%d bytes, fd=%d, %s)\n", localPath, s3Path, n, tr.FileDescriptor(), time.Since(start).Round(time.Millisecond))
	return nil
}

// normalizePath ensures path has the leading slash parsePath expects, so
// users can type "bucket/key" instead of "/bucket/key" on the command line.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
