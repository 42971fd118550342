package transport

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/internal/telemetry"
	"github.com/objfs/s3transport/pkg/coordinator"
	"github.com/objfs/s3transport/pkg/ringbuffer"
)

const coordinatorMaxParts = coordinator.MaxParts

// startStreamingWriteLocked is called on the first Write to a streaming-mode
// transport: it ensures exactly one multipart upload is initiated for this
// key (spec.md invariant 1, §4.2), records this instance's starting part
// number from its current offset, and starts the upload worker goroutine
// that owns the circular buffer. Must be called with t.mu held.
func (t *Transport) startStreamingWriteLocked(ctx context.Context) error {
	uploadID, err := t.ensureMultipartInitiated(ctx)
	if err != nil {
		return err
	}
	t.uploadID = uploadID
	t.startPart = int32(t.offset/t.cfg.MPUChunkSize.Int64()) + 1

	t.buf = ringbuffer.New(t.cfg.CircularBufferSize, ringbuffer.TimeoutWaitStrategy{Timeout: t.cfg.CircularBufferTimeout})
	t.workerDone = make(chan struct{})

	go t.uploadWorker(context.Background())
	return nil
}

// ensureMultipartInitiated implements spec.md §4.2's "Multipart initiation":
// the first caller under the coordinator's lock flips done_initiate_multipart
// and calls CreateMultipartUpload; every other caller polls the shared
// record until upload_id is populated or a terminal error is latched.
func (t *Transport) ensureMultipartInitiated(ctx context.Context) (string, error) {
	var isInitiator bool
	if err := t.coord.AtomicExec(func(r *coordinator.Record) {
		if !r.DoneInitiateMultipart {
			r.DoneInitiateMultipart = true
			isInitiator = true
		}
	}); err != nil {
		return "", err
	}

	if isInitiator {
		uploadID, err := t.createMultipartUpload(ctx)
		if err != nil {
			_ = t.coord.AtomicExec(func(r *coordinator.Record) {
				r.LastErrorCode = coordinator.ErrorCodeError
			})
			return "", err
		}
		if err := t.coord.AtomicExec(func(r *coordinator.Record) { r.UploadID = uploadID }); err != nil {
			return "", err
		}
		return uploadID, nil
	}

	for {
		var uploadID string
		var failed bool
		if err := t.coord.AtomicExec(func(r *coordinator.Record) {
			uploadID = r.UploadID
			failed = r.LastErrorCode != coordinator.ErrorCodeSuccess
		}); err != nil {
			return "", err
		}
		if failed {
			return "", fmt.Errorf("transport: multipart initiation failed in another instance for %s/%s", t.bucket, t.key)
		}
		if uploadID != "" {
			return uploadID, nil
		}
		if err := sleepWithContext(ctx, 10*time.Millisecond); err != nil {
			return "", err
		}
	}
}

func (t *Transport) createMultipartUpload(ctx context.Context) (string, error) {
	// ServerSideEncrypt is intentionally not applied here: spec.md §6 and
	// pkg/s3config.Config.ServerSideEncrypt both document SSE as a
	// single-part-PUT-only option; multipart uploads never request it.
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
	}

	var lastErr error
	for attempt := 0; attempt <= t.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.retry.calculateBackoff(attempt - 1)
			logger.Debug("createMultipartUpload: retrying", "backoff", backoff, "attempt", attempt, "key", t.key)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return "", err
			}
		}
		out, err := t.client.CreateMultipartUpload(ctx, input)
		if err == nil {
			return aws.ToString(out.UploadId), nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return "", fmt.Errorf("initiate multipart upload for %s/%s: %w", t.bucket, t.key, lastErr)
}

// uploadWorker is the single goroutine per streaming-write transport that
// drains pages from the circular buffer and turns them into UploadPart
// calls, per spec.md §4.2's "Per-part upload" protocol. It communicates with
// the writer exclusively through the buffer and the coordinator record
// (spec.md §9, "do not share mutable transport state with the worker beyond
// these").
func (t *Transport) uploadWorker(ctx context.Context) {
	partNum := t.startPart
	var pending []byte
	partSize := t.cfg.MPUChunkSize.Int64()

	defer close(t.workerDone)

	for {
		// Check the sticky timeout flag at the top of every iteration,
		// resolving spec.md §9's open question about circular_buffer_read_timeout
		// not always being consulted before a retry begins.
		var timedOutAlready bool
		_ = t.coord.Inspect(func(r *coordinator.Record) { timedOutAlready = r.CircularBufferReadTimeout })
		if timedOutAlready {
			t.workerErr = ringbuffer.ErrTimeout
			return
		}

		out := make([]ringbuffer.Page, 1)
		if err := t.buf.Peek(0, 1, out); err != nil {
			t.workerErr = err
			if err == ringbuffer.ErrTimeout {
				_ = t.coord.AtomicExec(func(r *coordinator.Record) {
					r.CircularBufferReadTimeout = true
					r.LastErrorCode = coordinator.ErrorCodeError
				})
			}
			return
		}
		page := out[0]
		_ = t.buf.PopFront(1)
		// One data-producer invocation; SPEC_FULL.md §4.6 throttles the
		// resulting coordinator liveness touch to once per
		// s3ops.LivenessUpdateInterval invocations.
		_ = t.liveness.Tick()

		if len(page) == 0 {
			// EOF sentinel pushed by Close: flush the final (possibly
			// partial) part and finish.
			if len(pending) > 0 {
				if err := t.uploadPartWithRetry(ctx, t.uploadID, partNum, pending); err != nil {
					t.workerErr = err
					return
				}
				t.recordHighestPart(partNum)
			}
			return
		}

		pending = append(pending, page...)
		for int64(len(pending)) >= partSize {
			chunk := pending[:partSize]
			if err := t.uploadPartWithRetry(ctx, t.uploadID, partNum, chunk); err != nil {
				t.workerErr = err
				return
			}
			t.recordHighestPart(partNum)
			partNum++
			pending = pending[partSize:]
		}
	}
}

func (t *Transport) recordHighestPart(partNum int32) {
	_ = t.coord.AtomicExec(func(r *coordinator.Record) {
		if partNum > r.HighestPartWritten {
			r.HighestPartWritten = partNum
		}
	})
}

// uploadPartWithRetry uploads one part, retrying transient failures with
// exponential backoff while reusing the same byte slice — spec.md §4.2's
// "reusing the same producer callback state (the buffer still contains the
// bytes; only processed bytes are popped on success)" is satisfied trivially
// here since data is an in-memory slice, not a re-entrant callback.
func (t *Transport) uploadPartWithRetry(ctx context.Context, uploadID string, partNum int32, data []byte) error {
	if partNum < 1 || int(partNum) > coordinatorMaxParts {
		return ErrPartLimitExceeded
	}

	_, span := telemetry.StartSpan(ctx, "transport.upload_part")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= t.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.retry.calculateBackoff(attempt - 1)
			logger.Debug("uploadPartWithRetry: retrying", "backoff", backoff, "attempt", attempt, "part", partNum, "key", t.key)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return err
			}
		}

		out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(t.bucket),
			Key:        aws.String(t.key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNum),
			Body:       bytes.NewReader(data),
		})
		if err == nil {
			if setErr := t.coord.SetETag(int(partNum), aws.ToString(out.ETag)); setErr != nil {
				return setErr
			}
			if t.metrics != nil {
				t.metrics.RecordBytes("write", int64(len(data)))
			}
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			telemetry.RecordError(ctx, err)
			return fmt.Errorf("upload part %d for %s/%s: %w", partNum, t.bucket, t.key, err)
		}
		logger.Debug("uploadPartWithRetry: transient error", "attempt", attempt+1, "part", partNum, "error", err)
	}

	err := fmt.Errorf("upload part %d for %s/%s after %d attempts: %w", partNum, t.bucket, t.key, t.retry.maxRetries+1, lastErr)
	telemetry.RecordError(ctx, err)
	return err
}

// completeMultipartUpload assembles the ordered ETag list up to highestPart
// and calls CompleteMultipartUpload with retry, per spec.md §4.2's
// "Completion". An empty slot inside [1, highestPart] is treated as a
// dropped part and surfaces as an error rather than being silently skipped
// (spec.md §9's ETag-ordering open question).
func (t *Transport) completeMultipartUpload(ctx context.Context, uploadID string, highestPart int32) error {
	etags, err := t.coord.CompletionETags(int(highestPart))
	if err != nil {
		return err
	}

	parts := make([]s3types.CompletedPart, len(etags))
	for i, etag := range etags {
		parts[i] = s3types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		}
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(t.key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	}

	var lastErr error
	for attempt := 0; attempt <= t.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := t.retry.calculateBackoff(attempt - 1)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return err
			}
		}
		_, err := t.client.CompleteMultipartUpload(ctx, input)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return fmt.Errorf("complete multipart upload %s for %s/%s: %w", uploadID, t.bucket, t.key, lastErr)
}

func (t *Transport) abortMultipartUpload(ctx context.Context, uploadID string) error {
	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(t.key),
		UploadId: aws.String(uploadID),
	})
	return err
}
