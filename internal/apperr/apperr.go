// Package apperr defines the service error taxonomy and its mapping onto HTTP
// and gRPC status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies an error for propagation and status mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindQuotaExceeded
	KindTransient
	KindIntegrity
	KindInfrastructure
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindInfrastructure:
		return "infrastructure"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Response error codes, shared by the HTTP and gRPC surfaces.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeRateLimit  = "RATE_LIMIT_EXCEEDED"
	CodeIntegrity  = "INTEGRITY_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
	CodeConflict   = "CONFLICT"
)

// Error is a classified error. Op names the failing operation, Msg is safe to
// show to callers, Err is the wrapped cause (never shown to callers).
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Integrity(op, format string, args ...any) error {
	return &Error{Kind: KindIntegrity, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func QuotaExceeded(op, format string, args ...any) error {
	return &Error{Kind: KindQuotaExceeded, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a retryable processing failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Infrastructure wraps a store failure. Its message is never shown to callers.
func Infrastructure(op string, err error) error {
	return &Error{Kind: KindInfrastructure, Op: op, Err: err}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain.
// Context cancellation and deadline errors count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool { return KindOf(err) == k }

// Message returns the caller-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" && e.Kind != KindInfrastructure {
		return e.Msg
	}
	return "internal server error"
}

// HTTPStatus maps err onto an HTTP status code and response error code.
func HTTPStatus(err error) (int, string) {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest, CodeValidation
	case KindNotFound:
		return http.StatusNotFound, CodeNotFound
	case KindQuotaExceeded:
		return http.StatusTooManyRequests, CodeRateLimit
	case KindIntegrity:
		return http.StatusUnprocessableEntity, CodeIntegrity
	case KindConflict:
		return http.StatusConflict, CodeConflict
	case KindTransient, KindInfrastructure:
		return http.StatusServiceUnavailable, CodeInternal
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// GRPCCode maps err onto a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch KindOf(err) {
	case KindValidation, KindIntegrity:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindQuotaExceeded:
		return codes.ResourceExhausted
	case KindConflict:
		return codes.Aborted
	case KindTransient, KindInfrastructure:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
