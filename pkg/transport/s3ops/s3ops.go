// Package s3ops defines the callback shapes the transport's upload and
// download paths are built from, per SPEC_FULL.md §4.6: response-properties,
// data-producer, data-consumer, and response-complete. The reference
// implementation expresses these as C function-pointer callbacks passed into
// its S3 client library; aws-sdk-go-v2 already takes an io.Reader as a
// request body and hands back an io.ReadCloser response body, so the Go
// shapes here wrap that surface rather than reinvent it.
package s3ops

import (
	"errors"

	smithy "github.com/aws/smithy-go"

	"github.com/objfs/s3transport/pkg/coordinator"
)

// LivenessUpdateInterval is how many data-callback invocations elapse
// between coordinator liveness touches, per SPEC_FULL.md §4.6: "Every data
// callback touches the coordinator's last_access_time only once per
// LivenessUpdateInterval invocations (default 32)". Touching the mmap'd
// record on every single chunk would turn a multi-megabyte transfer into a
// flock/syscall round trip per chunk; throttling it keeps liveness
// information fresh without that cost.
const LivenessUpdateInterval = 32

// ResponsePropertiesFunc receives the properties of a completed S3 response
// (HeadObject/GetObject's content length, an UploadPart's returned ETag).
type ResponsePropertiesFunc func(contentLength int64, etag string)

// DataProducerFunc supplies up to len(buf) bytes for an outbound request
// body (UploadPart/PutObject), returning the number of bytes written into
// buf. It is the io.Reader-shaped analogue of the reference implementation's
// data producer callback.
type DataProducerFunc func(buf []byte) (n int, err error)

// DataConsumerFunc receives one chunk of a GetObject response body.
type DataConsumerFunc func(chunk []byte) (n int, err error)

// ResponseCompleteFunc is invoked once a request has reached a terminal
// outcome (success or a non-retryable failure), receiving the terminal
// error, if any.
type ResponseCompleteFunc func(err error)

// LivenessTracker throttles coordinator liveness touches to once every
// LivenessUpdateInterval data-callback invocations, shared by a transport
// instance's producer and consumer wrappers.
type LivenessTracker struct {
	coord *coordinator.Coordinator
	count int
}

// NewLivenessTracker returns a tracker that touches coord's liveness
// timestamp through Tick.
func NewLivenessTracker(coord *coordinator.Coordinator) *LivenessTracker {
	return &LivenessTracker{coord: coord}
}

// Tick counts one data-callback invocation and touches the coordinator's
// liveness timestamp every LivenessUpdateInterval calls.
func (t *LivenessTracker) Tick() error {
	t.count++
	if t.count < LivenessUpdateInterval {
		return nil
	}
	t.count = 0
	return t.coord.AtomicExec(func(*coordinator.Record) {})
}

// WrapProducer wraps next so every invocation also ticks tracker, throttling
// how often the upload worker's body reads touch the coordinator record.
func WrapProducer(tracker *LivenessTracker, next DataProducerFunc) DataProducerFunc {
	return func(buf []byte) (int, error) {
		n, err := next(buf)
		if tickErr := tracker.Tick(); tickErr != nil && err == nil {
			err = tickErr
		}
		return n, err
	}
}

// WrapConsumer wraps next the same way WrapProducer does, for the
// download-side response body reads.
func WrapConsumer(tracker *LivenessTracker, next DataConsumerFunc) DataConsumerFunc {
	return func(chunk []byte) (int, error) {
		n, err := next(chunk)
		if tickErr := tracker.Tick(); tickErr != nil && err == nil {
			err = tickErr
		}
		return n, err
	}
}

// Complete runs cb (if non-nil) with err, passed through unchanged;
// ResponseCompleteFunc implementations that want the AWS error code and
// message call ErrorDetail themselves.
func Complete(cb ResponseCompleteFunc, err error) {
	if cb == nil {
		return
	}
	cb(err)
}

// ErrorDetail extracts the AWS error code and message from err if it wraps a
// smithy.APIError, for ResponseCompleteFunc implementations that want to log
// or record structured failure detail rather than just err.Error().
func ErrorDetail(err error) (code, message string, ok bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode(), apiErr.ErrorMessage(), true
	}
	if err != nil {
		return "", err.Error(), false
	}
	return "", "", false
}
