package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// ErrorKind classifies extraction failures for retry and fallback decisions.
type ErrorKind string

const (
	KindAuthFailure ErrorKind = "AuthFailure"
	KindRateLimited ErrorKind = "RateLimited"
	KindTransient   ErrorKind = "Transient"
	KindMalformed   ErrorKind = "Malformed"
)

// ExtractionError is the only error type a FieldExtractor reports.
type ExtractionError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// NewExtractionError builds an ExtractionError with a stack-carrying cause.
func NewExtractionError(kind ErrorKind, message string, cause error) *ExtractionError {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &ExtractionError{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the extraction kind carried by err.
func KindOf(err error) (ErrorKind, bool) {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

// IsRetryable reports whether another attempt may succeed. Malformed output is
// final; unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return !errors.Is(err, context.Canceled)
	}
	return kind != KindMalformed
}

// ClassifyStatus maps a non-2xx provider response onto an extraction kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthFailure
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindTransient
	}
}
