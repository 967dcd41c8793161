package apperr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Code string

const (
	CodeUnknown                  Code = "UNKNOWN"
	CodeInvalidArgument          Code = "INVALID_ARGUMENT"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeConflict                 Code = "CONFLICT"
	CodePermissionDenied         Code = "PERMISSION_DENIED"
	CodeUnauthenticated          Code = "UNAUTHENTICATED"
	CodeSessionExpired           Code = "SESSION_EXPIRED"
	CodeEncryptionNotInitialized Code = "ENCRYPTION_NOT_INITIALIZED"
	CodeIntegrity                Code = "INTEGRITY"
	CodeFailedPrecondition       Code = "FAILED_PRECONDITION"
	CodeDeadlineExceeded         Code = "DEADLINE_EXCEEDED"
	CodeUnavailable              Code = "UNAVAILABLE"
	CodeInternal                 Code = "INTERNAL"
)

// Error is the error type shared by the server, the REST surface and the
// client. Two errors are equal under errors.Is when their codes match and the
// target either has no message or the same message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Code sentinels, matched with errors.Is.
var (
	ErrInvalidArgument          = &Error{Code: CodeInvalidArgument}
	ErrNotFound                 = &Error{Code: CodeNotFound}
	ErrConflict                 = &Error{Code: CodeConflict}
	ErrPermissionDenied         = &Error{Code: CodePermissionDenied}
	ErrUnauthenticated          = &Error{Code: CodeUnauthenticated}
	ErrSessionExpired           = &Error{Code: CodeSessionExpired}
	ErrEncryptionNotInitialized = &Error{Code: CodeEncryptionNotInitialized}
	ErrIntegrity                = &Error{Code: CodeIntegrity}
	ErrFailedPrecondition       = &Error{Code: CodeFailedPrecondition}
	ErrDeadlineExceeded         = &Error{Code: CodeDeadlineExceeded}
	ErrUnavailable              = &Error{Code: CodeUnavailable}
	ErrInternal                 = &Error{Code: CodeInternal}
)

// Constructors
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Conflict(msg string) error {
	return New(CodeConflict, msg)
}

func Forbidden(msg string) error {
	return New(CodePermissionDenied, msg)
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func FailedPrecondition(msg string) error {
	return New(CodeFailedPrecondition, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// From returns err as an *Error, wrapping foreign errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error", Cause: err}
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeEncryptionNotInitialized, CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeIntegrity:
		return http.StatusUnprocessableEntity
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
