package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objfs/s3transport/internal/logger"
)

// openCacheFile opens (downloading first if required) the local staging file
// for cache mode, per spec.md §4.1's mode-selection table and §4.3's
// "Parallel download to cache".
func (t *Transport) openCacheFile(ctx context.Context) error {
	t.cachePath = cacheFilePath(t.cfg, t.bucket, t.key)
	if err := os.MkdirAll(filepath.Dir(t.cachePath), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	// downloadToCache itself gates on the coordinator's
	// CacheFileDownloadProgress state machine, not local file presence: the
	// cache file is created and truncated to full size by doParallelDownload
	// before it is filled, so a concurrent opener that sees the file "exists"
	// on disk cannot tell a completed download from one still in flight.
	// downloadToCache/waitForDownload make that distinction correctly.
	if t.sel.downloadToCache && !t.mode.has(OpenTruncate) {
		if err := t.downloadToCache(ctx); err != nil {
			return fmt.Errorf("download to cache: %w", err)
		}
	}

	flags := os.O_RDWR | os.O_CREATE
	if t.mode.has(OpenTruncate) {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(t.cachePath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	t.cacheFile = f

	if t.mode.has(OpenAppend) {
		if _, err := f.Seek(0, 2); err != nil {
			return fmt.Errorf("seek cache file to end: %w", err)
		}
	}
	return nil
}

// Write, in cache mode, writes to and flushes the cache stream; in streaming
// mode it lazily initiates the multipart upload on the first call and
// copies buf into the circular buffer the upload worker drains — spec.md
// §4.1, "write(buf, n)".
func (t *Transport) Write(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrNotOpen
	}
	if err := t.sticky(); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if t.sel.useCache {
		n, err := t.cacheFile.Write(buf)
		if err != nil {
			return n, t.recordErrLocked(ErrorCodeUploadFile, err)
		}
		if err := t.cacheFile.Sync(); err != nil {
			return n, t.recordErrLocked(ErrorCodeUploadFile, err)
		}
		t.offset += int64(n)
		return n, nil
	}

	if t.buf == nil {
		if err := t.startStreamingWriteLocked(context.Background()); err != nil {
			return 0, t.recordErrLocked(ErrorCodeInitiateMultipartUpload, err)
		}
	}

	// Queue at most one part size per page, so the buffer's page capacity
	// bounds the bytes held ahead of the upload worker to that many parts.
	chunk := int(t.cfg.MPUChunkSize.Int64())
	for off := 0; off < len(buf); off += chunk {
		end := min(off+chunk, len(buf))
		if err := t.buf.Push(buf[off:end]); err != nil {
			return off, t.recordErrLocked(ErrorCodeUploadFile, err)
		}
		t.offset += int64(end - off)
	}
	return len(buf), nil
}

// flushCacheFile is the finalizer's spec.md §4.1.2/§4.2.2 cache-flush path:
// close the stream, measure its size, choose single PutObject or multipart
// upload depending on size and configured thread count, upload, then delete
// the cache file.
func (t *Transport) flushCacheFile(ctx context.Context) error {
	if err := t.cacheFile.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}

	info, err := os.Stat(t.cachePath)
	if err != nil {
		return fmt.Errorf("stat cache file: %w", err)
	}
	size := info.Size()

	if err := t.uploadCacheFile(ctx, size); err != nil {
		return err
	}

	if err := os.Remove(t.cachePath); err != nil && !os.IsNotExist(err) {
		logger.Warn("flushCacheFile: failed to remove cache file", "path", t.cachePath, "error", err)
	}
	return nil
}

func (t *Transport) uploadCacheFile(ctx context.Context, size int64) error {
	minPart := t.cfg.MPUChunkSize.Int64()

	threads := t.cfg.MPUThreads
	if threads < 1 {
		threads = 1
	}
	for threads > 1 && size/int64(threads) < minPart {
		threads--
	}

	if !t.cfg.EnableMPU || threads <= 1 || size < minPart {
		return t.putCacheFileSinglePart(ctx, size)
	}
	return t.putCacheFileMultipart(ctx, size, threads)
}

func (t *Transport) putCacheFileSinglePart(ctx context.Context, size int64) error {
	data := make([]byte, size)
	if size > 0 {
		f, err := os.Open(t.cachePath)
		if err != nil {
			return fmt.Errorf("reopen cache file: %w", err)
		}
		defer f.Close()
		if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read cache file: %w", err)
		}
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
		Body:   bytes.NewReader(data),
	}
	if t.cfg.ServerSideEncrypt {
		input.ServerSideEncryption = "AES256"
	}

	var lastErr error
	for attempt := 0; attempt <= t.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.retry.calculateBackoff(attempt - 1)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return err
			}
		}
		_, err := t.client.PutObject(ctx, input)
		if err == nil {
			if t.metrics != nil {
				t.metrics.RecordBytes("write", size)
			}
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return fmt.Errorf("put cache file object: %w", lastErr)
}

func (t *Transport) putCacheFileMultipart(ctx context.Context, size int64, threads int) error {
	uploadID, err := t.createMultipartUpload(ctx)
	if err != nil {
		return err
	}

	partSize := t.cfg.MPUChunkSize.Int64()
	totalParts := int((size + partSize - 1) / partSize)
	if totalParts > coordinatorMaxParts {
		_ = t.abortMultipartUpload(ctx, uploadID)
		return ErrPartLimitExceeded
	}

	f, err := os.Open(t.cachePath)
	if err != nil {
		_ = t.abortMultipartUpload(ctx, uploadID)
		return fmt.Errorf("reopen cache file: %w", err)
	}
	defer f.Close()

	type partJob struct {
		num   int32
		start int64
		end   int64
	}
	jobs := make(chan partJob, totalParts)
	for p := 1; p <= totalParts; p++ {
		start := int64(p-1) * partSize
		end := start + partSize
		if end > size {
			end = size
		}
		jobs <- partJob{num: int32(p), start: start, end: end}
	}
	close(jobs)

	errCh := make(chan error, threads)
	for w := 0; w < threads; w++ {
		go func() {
			for job := range jobs {
				buf := make([]byte, job.end-job.start)
				if _, err := f.ReadAt(buf, job.start); err != nil && !errors.Is(err, io.EOF) {
					errCh <- err
					continue
				}
				errCh <- t.uploadPartWithRetry(ctx, uploadID, job.num, buf)
			}
		}()
	}

	var firstErr error
	for p := 0; p < totalParts; p++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		_ = t.abortMultipartUpload(ctx, uploadID)
		return firstErr
	}

	return t.completeMultipartUpload(ctx, uploadID, int32(totalParts))
}
