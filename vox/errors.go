package vox

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrorCode classifies the fatal errors that can abort a streaming batch.
type ErrorCode string

const (
	// ErrInvalidDimensions flags a zero-sized slice or volume.
	ErrInvalidDimensions ErrorCode = "invalid-dimensions"

	// ErrSliceBeforeInit flags a slice message for a volume that never sent
	// its start message.
	ErrSliceBeforeInit ErrorCode = "slice-before-initialization"

	// ErrSliceCountMismatch flags a slice message whose declared slice count
	// disagrees with the volume's depth.
	ErrSliceCountMismatch ErrorCode = "slice-count-mismatch"

	// ErrSliceIndexOutOfBounds flags a slice index outside [0, sliceCount).
	ErrSliceIndexOutOfBounds ErrorCode = "slice-index-out-of-bounds"

	// ErrUnexpectedSliceByteLength flags a slice buffer whose length is not
	// exactly width*height*channels*bytesPerValue.
	ErrUnexpectedSliceByteLength ErrorCode = "unexpected-slice-byte-length"

	// ErrVolumeTooLarge flags a volume whose full byte size exceeds the
	// configured budget.  Its details are machine readable (TooLargeDetails).
	ErrVolumeTooLarge ErrorCode = "volume-too-large"

	// ErrChunkWriteOutOfBounds is a programming-invariant violation in the
	// chunk scatter path and is never expected in correct operation.
	ErrChunkWriteOutOfBounds ErrorCode = "chunk-write-out-of-bounds"

	// ErrProducerFatal means the decode producer itself reported an error.
	ErrProducerFatal ErrorCode = "producer-fatal"

	// ErrMissingVolumeAtCompletion means a declared volume index never reached
	// its loaded message before the batch completed.
	ErrMissingVolumeAtCompletion ErrorCode = "missing-volume-at-completion"
)

// TooLargeDetails carries the structured diagnostics of a volume-too-large
// error so callers can render a precise message.
type TooLargeDetails struct {
	RequiredBytes int64
	MaxBytes      int64
	Dimensions    VolumeMetadata
	FileName      string
}

// StreamError is a fatal batch error.  Details is non-nil only for codes that
// guarantee structured diagnostics (currently volume-too-large).
type StreamError struct {
	Code    ErrorCode
	Message string
	Details interface{}
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTooLargeError builds the one structured error of the taxonomy.  The
// required and maximum byte counts are carried unchanged in the details and
// humanized in the message text.
func NewTooLargeError(meta VolumeMetadata, maxBytes int64) *StreamError {
	required := meta.VolumeBytes()
	msg := fmt.Sprintf("volume %s needs %s but only %s is allowed",
		meta, humanize.Bytes(uint64(required)), humanize.Bytes(uint64(maxBytes)))
	if meta.Name != "" {
		msg = fmt.Sprintf("%s (%s)", msg, meta.Name)
	}
	return &StreamError{
		Code:    ErrVolumeTooLarge,
		Message: msg,
		Details: TooLargeDetails{
			RequiredBytes: required,
			MaxBytes:      maxBytes,
			Dimensions:    meta,
			FileName:      meta.Name,
		},
	}
}

// ErrorCodeOf returns the StreamError code of err, or "" if err is not a
// StreamError.
func ErrorCodeOf(err error) ErrorCode {
	if se, ok := err.(*StreamError); ok {
		return se.Code
	}
	return ""
}
