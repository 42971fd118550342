package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objfs/s3transport/internal/logger"
	"github.com/objfs/s3transport/internal/telemetry"
	"github.com/objfs/s3transport/pkg/coordinator"
	"github.com/objfs/s3transport/pkg/ringbuffer"
	"github.com/objfs/s3transport/pkg/s3config"
	"github.com/objfs/s3transport/pkg/s3metrics"
	"github.com/objfs/s3transport/pkg/transport/s3ops"
)

// fdCounter assigns process-local file descriptor numbers starting at 3, for
// parity with the POSIX convention the reference implementation observes
// (0/1/2 reserved for stdio) — spec.md §3, "locally assigned file descriptor
// number (>=3, process-local counter)".
var fdCounter int64 = 2

// Transport is a per-open, per-instance handle on one S3 object: it owns a
// configuration record, an open-mode bitset, a file offset (streaming mode
// only), a reference to the process-shared S3 client, a handle on the
// cross-process coordination record, an optional cache-file stream, a
// circular buffer shared with its upload worker, and an error accumulator —
// spec.md §3, "Transport instance (per open, per thread)".
type Transport struct {
	cfg           *s3config.Config
	client        s3API
	releaseClient func()
	metrics       s3metrics.S3Metrics
	retry         retryPolicy

	bucket string
	key    string
	mode   OpenMode
	sel    selectedMode

	fd int64

	mu              sync.Mutex
	offset          int64
	objectSize      int64 // -1 when unknown
	closed          bool
	lastFileToClose bool
	err             error

	coord    *coordinator.Coordinator
	liveness *s3ops.LivenessTracker

	// Streaming-write state.
	buf          *ringbuffer.Buffer
	uploadID     string
	startPart    int32
	workerDone   chan struct{}
	workerErr    error

	// Cache-mode state.
	cacheFile *os.File
	cachePath string
}

// Open parses path (must be "/bucket/key...") and, per spec.md §4.1, picks
// streaming or cache mode from mode's bits, performs a HEAD on every open
// and fails if the selected mode requires the object to exist and the HEAD
// found none (or, for opens without OpenWrite, if the HEAD errored), finds-or-creates the
// key's coordination record, and assigns a file descriptor. declaredSize is
// the total object size the caller already knows it intends to write (e.g.
// from the resource plugin's incoming dataSize on a PUT), or -1 if unknown;
// it is what lets a write to a brand-new key qualify for streaming mode in
// spec.md §4.1.1's table, since a HEAD on a key that doesn't exist yet can
// never supply a size.
func Open(ctx context.Context, cfg *s3config.Config, metrics s3metrics.S3Metrics, path string, mode OpenMode, declaredSize int64) (*Transport, error) {
	client, release, err := acquireClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return openWithClient(ctx, cfg, metrics, path, mode, declaredSize, client, release)
}

// openWithClient is Open's body, taking the s3API and its release func
// directly instead of building them through acquireClient. Exported to
// pkg/transport/transporttest's callers only via this package's own test
// files (it is unexported), so tests can substitute an in-memory fake
// without going through the process-shared *s3.Client machinery.
func openWithClient(ctx context.Context, cfg *s3config.Config, metrics s3metrics.S3Metrics, path string, mode OpenMode, declaredSize int64, client s3API, release func()) (*Transport, error) {
	bucket, key, err := parsePath(path)
	if err != nil {
		release()
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "transport.open",
		trace.WithAttributes(attribute.String("bucket", bucket), attribute.String("key", key)))
	defer span.End()

	coord, err := coordinator.Open(cfg.Coordinator.Dir, bucket+"/"+key, cfg.Coordinator.StaleAfter)
	if err != nil {
		release()
		return nil, fmt.Errorf("open coordination record: %w", err)
	}

	t := &Transport{
		cfg:           cfg,
		client:        client,
		releaseClient: release,
		metrics:       metrics,
		retry:         newRetryPolicy(cfg),
		bucket:        bucket,
		key:           key,
		mode:          mode,
		objectSize:    -1,
		coord:         coord,
		liveness:      s3ops.NewLivenessTracker(coord),
		fd:            atomic.AddInt64(&fdCounter, 1),
	}

	knownSize := int64(-1)
	if size, ok, headErr := t.headObjectSize(ctx); headErr == nil && ok {
		knownSize = size
		t.objectSize = size
	} else if headErr != nil && !mode.has(OpenWrite) {
		t.cleanupAfterOpenFailure()
		return nil, headErr
	} else if declaredSize >= 0 {
		knownSize = declaredSize
	}

	t.sel = selectMode(mode, knownSize, t.cfg.MPUChunkSize.Int64(), t.cfg.MPUThreads)

	if t.sel.mustExist && knownSize < 0 {
		t.cleanupAfterOpenFailure()
		return nil, fmt.Errorf("transport: object %s does not exist", path)
	}

	if mode.has(OpenAtEnd) && knownSize >= 0 {
		t.offset = knownSize
	}
	if mode.has(OpenAppend) {
		if knownSize >= 0 {
			t.offset = knownSize
		}
	}

	if err := t.coord.AtomicExec(func(r *coordinator.Record) {
		r.ThreadsRemainingToClose++
		r.FileOpenCounter++
	}); err != nil {
		t.cleanupAfterOpenFailure()
		return nil, err
	}

	if t.sel.useCache {
		if err := t.openCacheFile(ctx); err != nil {
			t.cleanupAfterOpenFailure()
			return nil, err
		}
	} else {
		t.sel.streaming = true
	}

	logger.Debug("transport.Open", "bucket", bucket, "key", key, "fd", t.fd,
		"streaming", t.sel.streaming, "use_cache", t.sel.useCache, "download_to_cache", t.sel.downloadToCache)

	return t, nil
}

func (t *Transport) cleanupAfterOpenFailure() {
	if t.coord != nil {
		_ = t.coord.Close()
	}
	if t.releaseClient != nil {
		t.releaseClient()
	}
}

// parsePath splits "/bucket/key..." at the first slash after any leading
// slash, per spec.md §6's "Object URIs".
func parsePath(path string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx <= 0 || idx == len(trimmed)-1 {
		return "", "", ErrInvalidFilePath
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}

// IsOpen reports whether the transport has not yet been Closed.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// FileDescriptor returns the process-local descriptor number assigned at Open.
func (t *Transport) FileDescriptor() int64 { return t.fd }

// Offset returns the current stream position.
func (t *Transport) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// IsLastFileToClose reports whether this instance's Close call was the
// finalizer (the close that drove threads_remaining_to_close to zero).
func (t *Transport) IsLastFileToClose() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFileToClose
}

// Err returns the first error recorded against this transport instance, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Size returns the object size Open's HEAD observed, or -1 if the object did
// not exist at Open. A declaredSize passed to Open is not reported here.
func (t *Transport) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.objectSize
}

func (t *Transport) recordErrLocked(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	wrapped := wrapErr(code, err)
	if t.err == nil {
		t.err = wrapped
	}
	_ = t.coord.AtomicExec(func(r *coordinator.Record) {
		if r.LastErrorCode == coordinator.ErrorCodeSuccess {
			r.LastErrorCode = coordinator.ErrorCodeError
		}
	})
	return wrapped
}

func (t *Transport) sticky() error {
	var stickyErr error
	_ = t.coord.AtomicExec(func(r *coordinator.Record) {
		if r.LastErrorCode != coordinator.ErrorCodeSuccess {
			stickyErr = fmt.Errorf("transport: object %s/%s has a latched error from another holder", t.bucket, t.key)
		}
	})
	return stickyErr
}

// Seek repositions the stream, delegating to the cache file in cache mode
// and adjusting the tracked offset directly in streaming mode. An
// end-relative seek in streaming mode requires the object size to already be
// known (from Open's HEAD), per spec.md §4.1.
func (t *Transport) Seek(offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrNotOpen
	}

	if t.sel.useCache {
		return t.cacheFile.Seek(offset, whence)
	}

	var base int64
	switch whence {
	case 0: // io.SeekStart
		base = 0
	case 1: // io.SeekCurrent
		base = t.offset
	case 2: // io.SeekEnd
		if t.objectSize < 0 {
			return 0, ErrSeekUnknownSize
		}
		base = t.objectSize
	default:
		return 0, fmt.Errorf("transport: invalid whence %d", whence)
	}

	t.offset = base + offset
	return t.offset, nil
}

// waitForWorker blocks until the upload worker goroutine (if any) has
// exited, returning the error it latched.
func (t *Transport) waitForWorker() error {
	if t.workerDone == nil {
		return nil
	}
	<-t.workerDone
	return t.workerErr
}

// sleepWithContext sleeps for d or returns ctx.Err() if ctx is cancelled
// first, the shape every retry loop in this package shares.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cacheFilePath(cfg *s3config.Config, bucket, key string) string {
	dir := filepath.Join(cfg.CacheDir, bucket)
	safeName := strings.ReplaceAll(key, "/", "_")
	return filepath.Join(dir, safeName+"-cache")
}
