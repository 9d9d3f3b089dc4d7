package transport

import (
	"fmt"
)

// Kind classifies a transport failure so the retry policy can decide
// whether the attempt is worth repeating.
type Kind int

const (
	KindConnection Kind = iota
	KindTimeout
	KindTLS
	KindHTTPStatus
	KindTruncated
	KindStorage
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindTLS:
		return "tls"
	case KindHTTPStatus:
		return "http-status"
	case KindTruncated:
		return "truncated"
	case KindStorage:
		return "storage"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure for a single fetch attempt.
type Error struct {
	Kind      Kind
	Operation string
	URL       string
	Status    int // set for KindHTTPStatus
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("%s error during %s for %s: status %d: %v",
			e.Kind, e.Operation, e.URL, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s error during %s for %s: %v",
			e.Kind, e.Operation, e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewStatusError reports an HTTP response code outside {200, 206}.
func NewStatusError(op, url string, status int, err error) *Error {
	return &Error{Kind: KindHTTPStatus, Operation: op, URL: url, Status: status, Err: err}
}

// NewStorageError reports a failure to create or write the destination file.
func NewStorageError(op, url string, err error) *Error {
	return &Error{Kind: KindStorage, Operation: op, URL: url, Err: err}
}

// NewTruncatedError reports a body that ended before the expected size.
func NewTruncatedError(url string, got, want int64) *Error {
	return &Error{
		Kind:      KindTruncated,
		Operation: "read",
		URL:       url,
		Err:       fmt.Errorf("body ended at %d of %d bytes", got, want),
	}
}

// NewValidationError reports a request that could not be constructed.
func NewValidationError(url string, err error) *Error {
	return &Error{Kind: KindValidation, Operation: "request", URL: url, Err: err}
}
