package s3metrics

import (
	"errors"
	"testing"
	"time"
)

// fakeMetrics records calls for assertions; it never touches Prometheus.
type fakeMetrics struct {
	observed  []string
	bytes     map[string]int64
	active    int
	parts     []int
	orphaned  int
	aborted   int
}

func newFake() *fakeMetrics {
	return &fakeMetrics{bytes: map[string]int64{}}
}

func (f *fakeMetrics) ObserveOperation(operation string, _ time.Duration, err error) {
	f.observed = append(f.observed, operation)
}
func (f *fakeMetrics) RecordBytes(operation string, bytes int64) { f.bytes[operation] += bytes }
func (f *fakeMetrics) RecordActiveUpload(delta int)              { f.active += delta }
func (f *fakeMetrics) RecordPartNumber(partNumber int)           { f.parts = append(f.parts, partNumber) }
func (f *fakeMetrics) RecordOrphanedUpload()                     { f.orphaned++ }
func (f *fakeMetrics) RecordAbortedUpload()                      { f.aborted++ }

func TestNilMetricsAreNoOps(t *testing.T) {
	var m S3Metrics // nil
	ObserveOperation(m, "PutObject", time.Millisecond, errors.New("boom"))
	RecordBytes(m, "upload_part", 1024)
	RecordActiveUpload(m, 1)
	RecordPartNumber(m, 3)
	RecordOrphanedUpload(m)
	RecordAbortedUpload(m)
	// No panic means success; nothing else to assert about a nil backend.
}

func TestFreeFunctionsDelegate(t *testing.T) {
	f := newFake()
	ObserveOperation(f, "GetObject", time.Millisecond, nil)
	RecordBytes(f, "read", 2048)
	RecordBytes(f, "read", 0) // zero bytes must not be recorded
	RecordActiveUpload(f, 1)
	RecordPartNumber(f, 7)
	RecordOrphanedUpload(f)
	RecordAbortedUpload(f)

	if len(f.observed) != 1 || f.observed[0] != "GetObject" {
		t.Fatalf("unexpected observed operations: %v", f.observed)
	}
	if f.bytes["read"] != 2048 {
		t.Fatalf("expected 2048 bytes recorded, got %d", f.bytes["read"])
	}
	if f.active != 1 {
		t.Fatalf("expected active uploads 1, got %d", f.active)
	}
	if len(f.parts) != 1 || f.parts[0] != 7 {
		t.Fatalf("unexpected parts: %v", f.parts)
	}
	if f.orphaned != 1 || f.aborted != 1 {
		t.Fatalf("expected orphaned=1 aborted=1, got orphaned=%d aborted=%d", f.orphaned, f.aborted)
	}
}
