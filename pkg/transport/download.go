package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/internal/telemetry"
	"github.com/objfs/s3transport/pkg/coordinator"
)

// headObjectSize issues HeadObject with the transport's retry policy and
// reports the object's size, or ok=false if it does not exist.
func (t *Transport) headObjectSize(ctx context.Context) (size int64, ok bool, err error) {
	var lastErr error
	for attempt := 0; attempt <= t.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.retry.calculateBackoff(attempt - 1)
			logger.Debug("headObjectSize: retrying", "backoff", backoff, "attempt", attempt, "key", t.key)
			if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
				return 0, false, sleepErr
			}
		}

		out, headErr := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.key),
		})
		if headErr == nil {
			size := int64(0)
			if out.ContentLength != nil {
				size = *out.ContentLength
			}
			return size, true, nil
		}

		lastErr = headErr
		if isNotFoundError(headErr) {
			return 0, false, nil
		}
		if !isRetryableError(headErr) {
			break
		}
	}
	return 0, false, fmt.Errorf("head object %s/%s: %w", t.bucket, t.key, lastErr)
}

// Read issues a bounded range GET in streaming mode, or reads from the cache
// stream in cache mode, advancing the stream offset by the number of bytes
// actually read — spec.md §4.1 and §4.3. A read whose range extends past the
// object's end is clipped; a read starting at or past the end returns
// io.EOF with zero bytes.
func (t *Transport) Read(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrNotOpen
	}
	if err := t.sticky(); err != nil {
		return 0, err
	}

	if t.sel.useCache {
		n, err := t.cacheFile.Read(buf)
		return n, err
	}

	if len(buf) == 0 {
		return 0, nil
	}
	if t.objectSize >= 0 && t.offset >= t.objectSize {
		return 0, io.EOF
	}

	end := t.offset + int64(len(buf))
	if t.objectSize >= 0 && end > t.objectSize {
		end = t.objectSize
	}
	if end <= t.offset {
		return 0, io.EOF
	}
	wanted := int(end - t.offset)

	ctx, span := telemetry.StartSpan(context.Background(), "transport.read")
	defer span.End()

	n, err := t.rangeGet(ctx, t.offset, end-1, buf[:wanted])
	if err != nil {
		telemetry.RecordError(ctx, err)
		return n, t.recordErrLocked(ErrorCodeDownloadFile, err)
	}
	t.offset += int64(n)
	return n, nil
}

// rangeGet performs one GetObject with Range: bytes=start-end and copies the
// response body into dst, retrying transient failures with exponential
// backoff (spec.md §4.3, "retries follow the same exponential-backoff policy").
func (t *Transport) rangeGet(ctx context.Context, start, end int64, dst []byte) (int, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)

	var lastErr error
	for attempt := 0; attempt <= t.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.retry.calculateBackoff(attempt - 1)
			logger.Debug("rangeGet: retrying", "backoff", backoff, "attempt", attempt, "key", t.key, "range", rangeHeader)
			if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
				return 0, sleepErr
			}
		}

		out, getErr := t.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.key),
			Range:  aws.String(rangeHeader),
		})
		if getErr != nil {
			lastErr = getErr
			if isInvalidRangeError(getErr) {
				return 0, io.EOF
			}
			if !isRetryableError(getErr) {
				break
			}
			continue
		}

		n, readErr := io.ReadFull(out.Body, dst)
		_ = out.Body.Close()
		// One data-consumer invocation for this GetObject response body,
		// throttled the same way the upload worker's producer side is
		// (SPEC_FULL.md §4.6).
		_ = t.liveness.Tick()
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			lastErr = readErr
			if !isRetryableError(readErr) {
				break
			}
			continue
		}

		if t.metrics != nil {
			t.metrics.RecordBytes("read", int64(n))
		}
		return n, nil
	}
	return 0, fmt.Errorf("range get %s/%s %s: %w", t.bucket, t.key, rangeHeader, lastErr)
}

// downloadToCache populates the cache file the first time a cache-mode open
// requires the object's current content (spec.md §4.3, "Parallel download to
// cache"). Exactly one opener performs the download, serialized through the
// coordinator record's cache_file_download_progress state machine; later
// openers see SUCCESS (or FAILED, which they surface as an error) and skip it.
func (t *Transport) downloadToCache(ctx context.Context) error {
	var shouldDownload bool
	if err := t.coord.AtomicExec(func(r *coordinator.Record) {
		if r.CacheFileDownloadProgress == coordinator.DownloadNotStarted {
			r.CacheFileDownloadProgress = coordinator.DownloadInProgress
			shouldDownload = true
		}
	}); err != nil {
		return err
	}

	if !shouldDownload {
		return t.waitForDownload(ctx)
	}

	err := t.doParallelDownload(ctx)

	status := coordinator.DownloadComplete
	if err != nil {
		status = coordinator.DownloadFailed
	}
	_ = t.coord.AtomicExec(func(r *coordinator.Record) {
		r.CacheFileDownloadProgress = status
	})
	return err
}

func (t *Transport) waitForDownload(ctx context.Context) error {
	for {
		var status coordinator.CacheFileDownloadStatus
		if err := t.coord.AtomicExec(func(r *coordinator.Record) { status = r.CacheFileDownloadProgress }); err != nil {
			return err
		}
		switch status {
		case coordinator.DownloadComplete:
			return nil
		case coordinator.DownloadInProgress:
			if sleepErr := sleepWithContext(ctx, 50*time.Millisecond); sleepErr != nil {
				return sleepErr
			}
		default:
			return fmt.Errorf("transport: cache download for %s/%s failed in another holder", t.bucket, t.key)
		}
	}
}

type downloadChunkResult struct {
	written int64
	err     error
}

// doParallelDownload splits [0, objectSize) into contiguous disjoint ranges
// and fetches them concurrently with up to cfg.MPUThreads workers, each
// clamped to at least ~1MiB so small objects don't fan out pointlessly,
// matching spec.md §4.3's "clamped so each handles ≥ ~1 MiB".
func (t *Transport) doParallelDownload(ctx context.Context) error {
	size := t.objectSize
	if size <= 0 {
		_, err := os.Create(t.cachePath)
		return err
	}

	const minChunk = 1 << 20
	workers := t.cfg.MPUThreads
	if workers < 1 {
		workers = 1
	}
	if maxByChunk := int(size / minChunk); maxByChunk < workers {
		if maxByChunk < 1 {
			maxByChunk = 1
		}
		workers = maxByChunk
	}
	chunkSize := size / int64(workers)
	if chunkSize < 1 {
		chunkSize = size
		workers = 1
	}

	f, err := os.OpenFile(t.cachePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("allocate cache file: %w", err)
	}

	var wg sync.WaitGroup
	results := make(chan downloadChunkResult, workers)

	for i := 0; i < workers; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if i == workers-1 {
			end = size - 1
		}
		if start > end {
			continue
		}

		wg.Add(1)
		go func(start, end int64) {
			defer wg.Done()
			buf := make([]byte, end-start+1)
			n, getErr := t.rangeGet(ctx, start, end, buf)
			if getErr != nil {
				results <- downloadChunkResult{err: getErr}
				return
			}
			if _, writeErr := f.WriteAt(buf[:n], start); writeErr != nil {
				results <- downloadChunkResult{err: writeErr}
				return
			}
			results <- downloadChunkResult{written: int64(n)}
		}(start, end)
	}

	wg.Wait()
	close(results)

	var total int64
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		total += r.written
	}
	if firstErr != nil {
		_ = os.Remove(t.cachePath)
		return fmt.Errorf("parallel download to cache: %w", firstErr)
	}
	if total != size {
		_ = os.Remove(t.cachePath)
		return fmt.Errorf("parallel download to cache: got %d bytes, expected %d", total, size)
	}
	return nil
}
