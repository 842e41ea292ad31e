package ocrsdk

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failed API exchange so callers can decide whether to retry.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindAuth
	KindInvalidRequest
	KindNotFound
	KindNotEnoughCredits
	KindServer
	KindParse
	KindStorage
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindTransport:        "transport",
	KindAuth:             "auth",
	KindInvalidRequest:   "invalid_request",
	KindNotFound:         "not_found",
	KindNotEnoughCredits: "not_enough_credits",
	KindServer:           "server",
	KindParse:            "parse",
	KindStorage:          "storage",
}

// String returns the stable name used in logs and gateway responses.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrClosed is reported by Async once Close has been called.
var ErrClosed = errors.New("ocrsdk: client closed")

// Error describes a failed operation against the Cloud OCR SDK.
type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether re-issuing the same request may succeed later.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTransport:
		return true
	case KindServer:
		return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is an *Error that may succeed on retry.
func IsRetryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusPaymentRequired:
		return KindNotEnoughCredits
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	default:
		return KindServer
	}
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
