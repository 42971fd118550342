// Package prometheus provides a Prometheus-backed implementation of
// s3metrics.S3Metrics, following the same promauto-against-a-registry
// pattern the reference dittofs project uses for its content-store metrics.
package prometheus

import (
	"time"

	"github.com/objfs/s3transport/pkg/s3metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	operationsTotal     *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	bytesTransferred    *prometheus.CounterVec
	activeUploads       prometheus.Gauge
	multipartPartNumber prometheus.Histogram
	orphanedUploads     prometheus.Counter
	abortedUploads      prometheus.Counter
}

// New registers the transport's metric set against reg and returns an
// S3Metrics backed by it. Pass a dedicated registry (or
// prometheus.DefaultRegisterer) — New does not create one itself, so callers
// control registry lifetime. The metric names are fixed and carry no
// constant labels, so one registry can hold only one such set.
func New(reg prometheus.Registerer) s3metrics.S3Metrics {
	f := promauto.With(reg)
	return &metrics{
		operationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3transport_operations_total",
				Help: "Total number of S3 operations by operation type and outcome.",
			},
			[]string{"operation", "status"},
		),
		operationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "s3transport_operation_duration_milliseconds",
				Help: "Duration of S3 operations in milliseconds.",
				Buckets: []float64{
					10, 50, 100, 500, 1000, 5000, 10000, 30000,
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3transport_bytes_transferred_total",
				Help: "Total bytes transferred by operation.",
			},
			[]string{"operation"},
		),
		activeUploads: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "s3transport_active_multipart_uploads",
				Help: "Current number of in-flight multipart uploads.",
			},
		),
		multipartPartNumber: f.NewHistogram(
			prometheus.HistogramOpts{
				Name: "s3transport_multipart_part_number",
				Help: "Distribution of multipart part numbers transferred.",
				Buckets: []float64{
					1, 2, 5, 10, 20, 50, 100, 200, 500, 1000,
				},
			},
		),
		orphanedUploads: f.NewCounter(
			prometheus.CounterOpts{
				Name: "s3transport_multipart_orphaned_total",
				Help: "Multipart uploads recovered as stale by the coordinator and aborted.",
			},
		),
		abortedUploads: f.NewCounter(
			prometheus.CounterOpts{
				Name: "s3transport_multipart_aborted_total",
				Help: "Multipart uploads aborted due to an error.",
			},
		),
	}
}

func (m *metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}

func (m *metrics) RecordBytes(operation string, bytes int64) {
	m.bytesTransferred.WithLabelValues(operation).Add(float64(bytes))
}

func (m *metrics) RecordActiveUpload(delta int) {
	m.activeUploads.Add(float64(delta))
}

func (m *metrics) RecordPartNumber(partNumber int) {
	m.multipartPartNumber.Observe(float64(partNumber))
}

func (m *metrics) RecordOrphanedUpload() {
	m.orphanedUploads.Inc()
}

func (m *metrics) RecordAbortedUpload() {
	m.abortedUploads.Inc()
}
