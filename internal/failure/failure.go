// Package failure defines the error taxonomy shared by the pipeline and its
// service adapters. Adapters translate vendor errors into a Kind at their
// boundary so callers never inspect raw SDK errors.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	SourceMissing            Kind = "SourceMissing"
	TransientServiceError    Kind = "TransientServiceError"
	PermanentServiceError    Kind = "PermanentServiceError"
	Timeout                  Kind = "Timeout"
	AnalysisIncomplete       Kind = "AnalysisIncomplete"
	PolicyViolation          Kind = "PolicyViolation"
	AbandonedAfterMaxRetries Kind = "AbandonedAfterMaxRetries"
)

func (k Kind) String() string { return string(k) }

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind and operation context. A nil err still yields an
// error so callers can report conditions that have no underlying cause.
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Err: err}
}

// Newf builds a tagged error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err. Context deadlines map to Timeout and
// untagged errors are considered transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return TransientServiceError
}

// IsTransient reports whether err may succeed on retry within the same
// invocation. Timeouts are deliberately excluded.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == TransientServiceError
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	return KindOf(err) == PermanentServiceError
}

// FromHTTPStatus classifies a non-2xx response from a remote service.
// Throttling, request timeouts, and server errors are transient; any other
// client error is permanent.
func FromHTTPStatus(op string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return Wrap(TransientServiceError, op, err)
	default:
		return Wrap(PermanentServiceError, op, err)
	}
}
