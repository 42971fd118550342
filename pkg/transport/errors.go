// Package transport implements the per-object S3 streaming transport: a
// read/write/seek/close surface that turns sequential writes into an S3
// multipart upload and range reads into a sequential stream, coordinated
// across goroutines and processes that have the same object key open.
package transport

import (
	"errors"
	"fmt"
)

// ErrorCode mirrors the reference transport's last_error_code enum (spec.md
// §3, §7). Recording one also latches the coordinator record's generic
// coordinator.ErrorCodeError (the specific code is not stored there), so
// every holder of the same key observes a terminal failure and short-circuits.
type ErrorCode int

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeOutOfDiskSpace
	ErrorCodeBytesTransferredMismatch
	ErrorCodeInitiateMultipartUpload
	ErrorCodeCompleteMultipartUpload
	ErrorCodeUploadFile
	ErrorCodeDownloadFile
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeOutOfDiskSpace:
		return "out_of_disk_space"
	case ErrorCodeBytesTransferredMismatch:
		return "bytes_transferred_mismatch"
	case ErrorCodeInitiateMultipartUpload:
		return "initiate_multipart_upload_error"
	case ErrorCodeCompleteMultipartUpload:
		return "complete_multipart_upload_error"
	case ErrorCodeUploadFile:
		return "upload_file_error"
	case ErrorCodeDownloadFile:
		return "download_file_error"
	default:
		return "unknown"
	}
}

// Error wraps a lower-level error with the ErrorCode recorded for it on this
// transport instance.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

var (
	// ErrInvalidFilePath is returned by Open when path does not contain a
	// slash after any leading slash (spec.md §6, "Object URIs").
	ErrInvalidFilePath = errors.New("transport: invalid file path, expected /bucket/key")

	// ErrNotOpen is returned by operations called before Open or after Close.
	ErrNotOpen = errors.New("transport: not open")

	// ErrAlreadyOpen reports an already-open transport. Open is a package
	// function that always returns a new instance, so nothing in this
	// package returns it.
	ErrAlreadyOpen = errors.New("transport: already open")

	// ErrPartLimitExceeded is returned when an upload would require more
	// than coordinator.MaxParts parts (spec.md §4.2.1).
	ErrPartLimitExceeded = errors.New("transport: upload would exceed the 10,000 part limit")

	// ErrSeekUnknownSize is returned by an end-relative Seek in streaming
	// mode before the object size is known.
	ErrSeekUnknownSize = errors.New("transport: cannot seek relative to end without a known object size")
)
