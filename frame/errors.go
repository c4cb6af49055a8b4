package frame

import (
	"fmt"

	"github.com/viefmoon/chirpstack-agricos/errors"
)

// Kind classifies a frame-level decode failure.
type Kind int

const (
	// InvalidEnvelope means the payload is not a JSON object with a string data field.
	InvalidEnvelope Kind = iota + 1
	// InvalidEncoding means data is not valid base64 or not UTF-8 text.
	InvalidEncoding
	// TooFewFields means the decoded text has fewer than four pipe-separated fields.
	TooFewFields
	// InvalidTimestamp means the timestamp field is not an integer.
	InvalidTimestamp
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case InvalidEnvelope:
		return "invalid_envelope"
	case InvalidEncoding:
		return "invalid_encoding"
	case TooFewFields:
		return "too_few_fields"
	case InvalidTimestamp:
		return "invalid_timestamp"
	default:
		return "unknown"
	}
}

// DecodeError aborts decoding of one message. It matches errors.ErrInvalidData
// and the sentinel of its kind with errors.Is.
type DecodeError struct {
	Kind   Kind
	Detail string
	Err    error
}

// Sentinels for errors.Is checks against a specific kind.
var (
	ErrInvalidEnvelope  = &DecodeError{Kind: InvalidEnvelope}
	ErrInvalidEncoding  = &DecodeError{Kind: InvalidEncoding}
	ErrTooFewFields     = &DecodeError{Kind: TooFewFields}
	ErrInvalidTimestamp = &DecodeError{Kind: InvalidTimestamp}
)

func (e *DecodeError) Error() string {
	msg := "decode frame: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches any DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

// Unwrap exposes the cause and the invalid-data class.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{errors.ErrInvalidData}
	}
	return []error{errors.ErrInvalidData, e.Err}
}

func newDecodeError(kind Kind, err error, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}
