package transport

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/internal/telemetry"
	"github.com/objfs/s3transport/pkg/coordinator"
)

// Close implements spec.md §4.1.2's close/finalization protocol. A second
// Close call on an already-closed transport is a no-op (spec.md §8,
// "Repeated close() calls beyond the first are either refused or no-op;
// they never trigger a second completion").
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	streamingWrote := t.buf != nil
	useCache := t.sel.useCache
	t.mu.Unlock()

	ctx, span := telemetry.StartSpan(context.Background(), "transport.close")
	defer span.End()

	var closeErr error

	// Step 1: each instance that actually started an upload worker stops it
	// and joins it before anything else happens, regardless of whether it
	// turns out to be the finalizer. This must complete before
	// ThreadsRemainingToClose is decremented below: the count reaching zero
	// is the finalizer's signal that every sibling instance has already
	// flushed its parts and filled its ETag slot, which only holds once
	// every instance's own worker has actually been joined, not merely
	// handed an EOF sentinel.
	if streamingWrote {
		if err := t.buf.Push(nil); err != nil {
			closeErr = err
		}
		if werr := t.waitForWorker(); werr != nil && closeErr == nil {
			closeErr = werr
		}
	}

	if closeErr != nil {
		_ = t.coord.AtomicExec(func(r *coordinator.Record) { r.LastErrorCode = coordinator.ErrorCodeError })
	}

	var threadsRemaining int32
	if err := t.coord.AtomicExec(func(r *coordinator.Record) {
		if r.ThreadsRemainingToClose > 0 {
			r.ThreadsRemainingToClose--
		}
		if r.FileOpenCounter > 0 {
			r.FileOpenCounter--
		}
		threadsRemaining = r.ThreadsRemainingToClose
	}); err != nil {
		t.releaseAndCloseCoord()
		return err
	}
	isFinalizer := threadsRemaining == 0

	t.mu.Lock()
	t.lastFileToClose = isFinalizer
	t.mu.Unlock()

	var fatal bool
	_ = t.coord.AtomicExec(func(r *coordinator.Record) { fatal = r.LastErrorCode != coordinator.ErrorCodeSuccess })

	if fatal {
		// Step 2: a fatal error anywhere on this key skips completion and
		// cache flush. The finalizer still must not leave an orphaned
		// multipart upload running against the bucket.
		if isFinalizer {
			var uploadID string
			var doneInit bool
			_ = t.coord.AtomicExec(func(r *coordinator.Record) {
				uploadID = r.UploadID
				doneInit = r.DoneInitiateMultipart
			})
			if doneInit && uploadID != "" {
				if err := t.abortMultipartUpload(ctx, uploadID); err != nil {
					logger.Warn("transport.Close: failed to abort multipart upload after fatal error", "error", err)
				}
			}
			if useCache && t.cacheFile != nil {
				_ = t.cacheFile.Close()
			}
		} else if useCache && t.cacheFile != nil {
			_ = t.cacheFile.Close()
		}
		t.releaseAndCloseCoord()
		if closeErr != nil {
			return closeErr
		}
		return fmt.Errorf("transport: close failed, a latched error was recorded for %s/%s", t.bucket, t.key)
	}

	if isFinalizer {
		switch {
		case useCache:
			if err := t.flushCacheFile(ctx); err != nil {
				closeErr = err
			}
		default:
			if err := t.finalizeStreamingUpload(ctx); err != nil {
				closeErr = err
			}
		}

		if closeErr == nil {
			if err := t.postCloseHeadWithRetry(ctx); err != nil {
				logger.Warn("transport.Close: post-close HEAD did not observe the object", "bucket", t.bucket, "key", t.key, "error", err)
			}
		}
	} else if useCache && t.cacheFile != nil {
		if err := t.cacheFile.Close(); err != nil {
			closeErr = err
		}
	}

	releaseErr := t.releaseAndCloseCoord()
	if closeErr != nil {
		t.mu.Lock()
		t.recordErrLocked(ErrorCodeUploadFile, closeErr)
		t.mu.Unlock()
		return closeErr
	}
	return releaseErr
}

// finalizeStreamingUpload is the finalizer's streaming-mode branch of
// spec.md §4.1.2: complete the multipart upload if one was ever initiated
// for this key and at least one part was recorded, or abort it and put an
// empty object if it was initiated but no part was recorded. Multipart
// upload is initiated only by a non-empty Write, so when no instance ever
// wrote a byte (a read-only key, or a streaming writer that never wrote or
// wrote only zero-length buffers) done_initiate_multipart stays false and
// the finalizer does nothing here: no object is created.
func (t *Transport) finalizeStreamingUpload(ctx context.Context) error {
	var uploadID string
	var doneInit bool
	var highest int32
	if err := t.coord.AtomicExec(func(r *coordinator.Record) {
		uploadID = r.UploadID
		doneInit = r.DoneInitiateMultipart
		highest = r.HighestPartWritten
	}); err != nil {
		return err
	}

	if !doneInit {
		return nil
	}

	if highest == 0 {
		if uploadID != "" {
			if err := t.abortMultipartUpload(ctx, uploadID); err != nil {
				logger.Warn("finalizeStreamingUpload: failed to abort empty upload", "error", err)
			}
		}
		return t.putEmptyObject(ctx)
	}

	return t.completeMultipartUpload(ctx, uploadID, highest)
}

func (t *Transport) putEmptyObject(ctx context.Context) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
		Body:   bytes.NewReader(nil),
	}
	if t.cfg.ServerSideEncrypt {
		input.ServerSideEncryption = "AES256"
	}
	_, err := t.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("put empty object %s/%s: %w", t.bucket, t.key, err)
	}
	return nil
}

// postCloseHeadWithRetry mitigates S3's read-after-write eventual
// consistency window: the finalizer alone retries a 404 HEAD on a fixed
// short delay, separate from the exponential backoff used elsewhere
// (spec.md §4.1.2 step 6, §7).
func (t *Transport) postCloseHeadWithRetry(ctx context.Context) error {
	const (
		attempts = 5
		delay    = 200 * time.Millisecond
	)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
		}
		_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(t.bucket),
			Key:    aws.String(t.key),
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !isNotFoundError(err) {
			return err
		}
	}
	return fmt.Errorf("post-close HEAD for %s/%s did not observe the object after %d attempts: %w", t.bucket, t.key, attempts, lastErr)
}

// releaseAndCloseCoord decrements the coordinator's reference count
// (reclaiming the coordination file if this was the last holder) and
// releases this transport's reference on the process-shared S3 client.
func (t *Transport) releaseAndCloseCoord() error {
	err := t.coord.Close()
	if t.releaseClient != nil {
		t.releaseClient()
	}
	return err
}
