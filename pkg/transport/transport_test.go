package transport

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objfs/s3transport/internal/bytesize"
	"github.com/objfs/s3transport/pkg/coordinator"
	"github.com/objfs/s3transport/pkg/s3config"
	"github.com/objfs/s3transport/pkg/transport/transporttest"
)

func testConfig(t *testing.T, partSize int64, threads int) *s3config.Config {
	t.Helper()
	dir := t.TempDir()
	return &s3config.Config{
		Region:                "us-east-1",
		MPUChunkSize:          bytesize.ByteSize(partSize),
		MaxUploadSize:         bytesize.ByteSize(partSize * 1000),
		MPUThreads:            threads,
		EnableMPU:             true,
		RetryCount:            2,
		WaitTime:              time.Millisecond,
		MaxWaitTime:           5 * time.Millisecond,
		CircularBufferSize:    4,
		CircularBufferTimeout: time.Second,
		CacheDir:              filepath.Join(dir, "cache"),
		Coordinator: s3config.CoordinatorConfig{
			Dir:        filepath.Join(dir, "coord"),
			StaleAfter: time.Minute,
		},
	}
}

func openFake(t *testing.T, fake *transporttest.FakeS3, cfg *s3config.Config, path string, mode OpenMode) *Transport {
	t.Helper()
	return openFakeSized(t, fake, cfg, path, mode, -1)
}

func openFakeSized(t *testing.T, fake *transporttest.FakeS3, cfg *s3config.Config, path string, mode OpenMode, declaredSize int64) *Transport {
	t.Helper()
	tr, err := openWithClient(context.Background(), cfg, nil, path, mode, declaredSize, fake, func() {})
	if err != nil {
		t.Fatalf("openWithClient(%s): %v", path, err)
	}
	return tr
}

func TestOpen_InvalidPathRejected(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 5*1024*1024, 2)
	_, err := openWithClient(context.Background(), cfg, nil, "no-slash", OpenRead, -1, fake, func() {})
	if err != ErrInvalidFilePath {
		t.Fatalf("expected ErrInvalidFilePath, got %v", err)
	}
}

func TestOpen_ReadOnlyMissingObjectFails(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 5*1024*1024, 2)
	_, err := openWithClient(context.Background(), cfg, nil, "/bucket/missing", OpenRead, -1, fake, func() {})
	if err == nil {
		t.Fatal("expected an error opening a nonexistent key read-only")
	}
}

func TestStreamingWriteThenReadRoundTrip(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2) // small part size so a few KB exercises multipart

	data := bytes.Repeat([]byte("abcdefgh"), 1024) // 8KiB, several parts at 1KiB chunks

	// A brand-new key has no HEAD-discoverable size, so the caller must supply
	// the declared size up front for selectMode to pick streaming mode at all
	// (see Open's declaredSize parameter).
	w := openFakeSized(t, fake, cfg, "/bucket/obj", OpenWrite|OpenPutRepl, int64(len(data)))
	if !w.sel.streaming {
		t.Fatalf("expected declared size %d to select streaming mode, got %+v", len(data), w.sel)
	}
	n, err := w.Write(data)
	if err != nil || n != len(data) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, ok := fake.Object("obj")
	if !ok {
		t.Fatal("expected object to exist after close")
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round-tripped content mismatch: got %d bytes, want %d", len(got), len(data))
	}

	r := openFake(t, fake, cfg, "/bucket/obj", OpenRead)
	defer r.Close()
	buf := make([]byte, len(data))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("read-back mismatch")
	}
}

func TestStreamingWrite_WithoutDeclaredSizeFallsBackToCache(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2)

	w := openFake(t, fake, cfg, "/bucket/undeclared", OpenWrite|OpenPutRepl)
	if w.sel.streaming {
		t.Fatalf("a new key opened without a declared size must not stream, got %+v", w.sel)
	}
	if !w.sel.useCache {
		t.Fatalf("expected cache-mode fallback, got %+v", w.sel)
	}
}

func TestStreamingWrite_NoBytesWrittenSkipsFinalization(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2)

	// A streaming-mode writer that never calls Write never sets
	// DoneInitiateMultipart (Write only starts the upload worker lazily on
	// its first non-empty call), so the finalizer must do nothing rather
	// than conjure an object into existence.
	w := openFakeSized(t, fake, cfg, "/bucket/untouched", OpenWrite|OpenPutRepl, 2048)
	if !w.sel.streaming {
		t.Fatalf("expected streaming mode for a declared size large enough to stream, got %+v", w.sel)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close with no writes: %v", err)
	}

	if _, ok := fake.Object("untouched"); ok {
		t.Fatal("a streaming writer that never wrote a byte must not create the object")
	}
}

func TestFinalizeStreamingUpload_NoBytesWrittenPutsEmptyObject(t *testing.T) {
	// Models the cross-instance race spec.md §8 describes: one instance's
	// Write already flipped done_initiate_multipart and created the
	// multipart upload, but the finalizer (possibly a different instance)
	// observes highest_part_written still at zero and must put an empty
	// object instead of completing a partless upload.
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2)
	w := openFakeSized(t, fake, cfg, "/bucket/race", OpenWrite|OpenPutRepl, 2048)

	out, err := fake.CreateMultipartUpload(context.Background(), &s3.CreateMultipartUploadInput{
		Bucket: aws.String("bucket"),
		Key:    aws.String("race"),
	})
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	id := aws.ToString(out.UploadId)
	if err := w.coord.AtomicExec(func(r *coordinator.Record) {
		r.DoneInitiateMultipart = true
		r.UploadID = id
	}); err != nil {
		t.Fatalf("AtomicExec: %v", err)
	}

	// w never wrote a byte (t.buf stays nil), so its own Close takes the
	// non-streaming-started branch but, as sole opener, is still the
	// finalizer and runs finalizeStreamingUpload against the state above.
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, ok := fake.Object("race")
	if !ok {
		t.Fatal("expected an empty object after finalizing with highest_part_written==0")
	}
	if len(got) != 0 {
		t.Fatalf("expected zero-length object, got %d bytes", len(got))
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2)
	w := openFake(t, fake, cfg, "/bucket/obj2", OpenWrite|OpenPutRepl)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got error: %v", err)
	}
}

func TestReadOnly_LastReaderIsFinalizerAndDoesNotOverwrite(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2)
	fake.PutTestObject("existing", []byte("original content"))

	r := openFake(t, fake, cfg, "/bucket/existing", OpenRead)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !r.IsLastFileToClose() {
		t.Fatal("sole opener's close should be the finalizer")
	}

	got, _ := fake.Object("existing")
	if string(got) != "original content" {
		t.Fatalf("a read-only finalizer must never modify the object, got %q", got)
	}
}

func TestRangeGet_ClipsAtObjectEnd(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2)
	content := []byte("0123456789")
	fake.PutTestObject("clip", content)

	r := openFake(t, fake, cfg, "/bucket/clip", OpenRead)
	defer r.Close()

	if _, err := r.Seek(8, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 10)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 2 || string(buf[:n]) != "89" {
		t.Fatalf("expected clipped read of 2 bytes \"89\", got %d bytes %q", n, buf[:n])
	}

	n, err = r.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected io.EOF reading past end, got n=%d err=%v", n, err)
	}
}

func TestCacheMode_AppendDownloadsThenFlushesOnClose(t *testing.T) {
	fake := transporttest.New()
	cfg := testConfig(t, 1024, 2)
	fake.PutTestObject("cached", []byte("preexisting"))

	w := openFake(t, fake, cfg, "/bucket/cached", OpenAppend)
	if _, err := w.Write([]byte("-appended")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, _ := fake.Object("cached")
	if string(got) != "preexisting-appended" {
		t.Fatalf("unexpected flushed content: %q", got)
	}
}

func TestUploadPart_RetriesOnThrottling(t *testing.T) {
	fake := transporttest.New()
	fake.FailNextN["UploadPart"] = 1
	cfg := testConfig(t, 1024, 2)

	w := openFake(t, fake, cfg, "/bucket/retry", OpenWrite|OpenPutRepl)
	data := bytes.Repeat([]byte("x"), 2048)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close should succeed after one transient UploadPart failure: %v", err)
	}

	got, ok := fake.Object("retry")
	if !ok || !bytes.Equal(got, data) {
		t.Fatalf("expected object to match written data after retry, ok=%v len=%d", ok, len(got))
	}
}
