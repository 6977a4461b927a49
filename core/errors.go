package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferOverflow is returned when a destination buffer has fewer
	// remaining bytes than the record being serialized.
	ErrBufferOverflow = errors.New("buffer overflow")
	// ErrBufferUnderflow is returned when a source buffer ends in the middle of a record.
	ErrBufferUnderflow = errors.New("buffer underflow")
	// ErrBufferTooSmall is returned by the reader when a record cannot fit in its buffer.
	ErrBufferTooSmall = errors.New("buffer too small for record")
	// ErrMalformedRecord is returned when a record's framing cannot be completed from the file.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrRecordTooLarge is returned when an append exceeds the writer's maximum record size.
	ErrRecordTooLarge = errors.New("record too large")
	// ErrWriterClosed is returned by operations on a closed log writer.
	ErrWriterClosed = errors.New("log writer is closed")
	// ErrUnknownEntryState is returned for a state code outside the known set.
	ErrUnknownEntryState = errors.New("unknown entry state")
	// ErrStoreClosed is returned by operations on a closed offset store.
	ErrStoreClosed = errors.New("offset store is closed")
	// ErrNotStarted is returned when the resume strategy is used before Start.
	ErrNotStarted = errors.New("resume strategy is not started")
)

// InvalidHeaderError is returned when a log file carries a header that does
// not belong to this format.
type InvalidHeaderError struct {
	Path   string
	Reason string
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid log header in %s: %s", e.Path, e.Reason)
}

// IsInvalidHeader checks if an error is an InvalidHeaderError.
func IsInvalidHeader(err error) bool {
	var headerErr *InvalidHeaderError
	return errors.As(err, &headerErr)
}

// IsMalformed reports whether err signals a record that could not be framed.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrUnknownEntryState)
}

// IsBufferError reports whether err is one of the working-buffer conditions.
func IsBufferError(err error) bool {
	return errors.Is(err, ErrBufferOverflow) || errors.Is(err, ErrBufferUnderflow) || errors.Is(err, ErrBufferTooSmall)
}
