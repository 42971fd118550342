// Package s3metrics defines the metrics surface the transport reports
// through, decoupled from any specific backend. Callers that don't need
// metrics pass a nil S3Metrics; the free functions below are nil-safe
// wrappers for each method, and pkg/transport checks for nil before its own
// direct calls, so a disabled transport carries zero instrumentation overhead.
package s3metrics

import "time"

// S3Metrics is implemented by a metrics backend (see pkg/s3metrics/prometheus
// for the Prometheus-backed one). A nil S3Metrics is valid everywhere a
// caller accepts one; the free functions in this package treat it as "do
// nothing".
type S3Metrics interface {
	// ObserveOperation records one S3 API call and its outcome.
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes moved by operation (pkg/transport uses "write" and "read").
	RecordBytes(operation string, bytes int64)

	// RecordActiveUpload adjusts the in-flight multipart upload gauge by delta.
	RecordActiveUpload(delta int)

	// RecordPartNumber records which part number was just transferred, so
	// operators can see the size distribution of objects flowing through.
	RecordPartNumber(partNumber int)

	// RecordOrphanedUpload records a multipart upload found abandoned by
	// coordinator staleness recovery and aborted on the caller's behalf.
	RecordOrphanedUpload()

	// RecordAbortedUpload records a multipart upload aborted because of an error.
	RecordAbortedUpload()
}

// ObserveOperation is a nil-safe wrapper around S3Metrics.ObserveOperation.
func ObserveOperation(m S3Metrics, operation string, duration time.Duration, err error) {
	if m != nil {
		m.ObserveOperation(operation, duration, err)
	}
}

// RecordBytes is a nil-safe wrapper around S3Metrics.RecordBytes.
func RecordBytes(m S3Metrics, operation string, bytes int64) {
	if m != nil && bytes > 0 {
		m.RecordBytes(operation, bytes)
	}
}

// RecordActiveUpload is a nil-safe wrapper around S3Metrics.RecordActiveUpload.
func RecordActiveUpload(m S3Metrics, delta int) {
	if m != nil {
		m.RecordActiveUpload(delta)
	}
}

// RecordPartNumber is a nil-safe wrapper around S3Metrics.RecordPartNumber.
func RecordPartNumber(m S3Metrics, partNumber int) {
	if m != nil {
		m.RecordPartNumber(partNumber)
	}
}

// RecordOrphanedUpload is a nil-safe wrapper around S3Metrics.RecordOrphanedUpload.
func RecordOrphanedUpload(m S3Metrics) {
	if m != nil {
		m.RecordOrphanedUpload()
	}
}

// RecordAbortedUpload is a nil-safe wrapper around S3Metrics.RecordAbortedUpload.
func RecordAbortedUpload(m S3Metrics) {
	if m != nil {
		m.RecordAbortedUpload()
	}
}
