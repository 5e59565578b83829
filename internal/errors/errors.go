package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound         ErrorType = "NOT_FOUND"
	ErrorTypeValidation       ErrorType = "VALIDATION"
	ErrorTypeInternal         ErrorType = "INTERNAL"
	ErrorTypeUnauthorized     ErrorType = "UNAUTHORIZED"
	ErrorTypeRateLimited      ErrorType = "RATE_LIMITED"
	ErrorTypeTransport        ErrorType = "TRANSPORT_FAILURE"
	ErrorTypeConflict         ErrorType = "CONFLICT"
	ErrorTypePermissionDenied ErrorType = "PERMISSION_DENIED"
	ErrorTypeMalformed        ErrorType = "MALFORMED_CONTENT"
	ErrorTypeIntegrity        ErrorType = "INTEGRITY_VIOLATION"
)

// Sentinels for errors.Is. Matching is by Type only.
var (
	ErrNotFound         = &Error{Type: ErrorTypeNotFound}
	ErrValidation       = &Error{Type: ErrorTypeValidation}
	ErrInternal         = &Error{Type: ErrorTypeInternal}
	ErrUnauthorized     = &Error{Type: ErrorTypeUnauthorized}
	ErrRateLimited      = &Error{Type: ErrorTypeRateLimited}
	ErrTransport        = &Error{Type: ErrorTypeTransport}
	ErrConflict         = &Error{Type: ErrorTypeConflict}
	ErrPermissionDenied = &Error{Type: ErrorTypePermissionDenied}
	ErrMalformed        = &Error{Type: ErrorTypeMalformed}
	ErrIntegrity        = &Error{Type: ErrorTypeIntegrity}
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// TypeOf returns the ErrorType of the first *Error in err's chain, or
// ErrorTypeInternal if there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// StatusCode maps err onto an HTTP status.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// FromStatus rebuilds a typed error from an HTTP response status.
func FromStatus(status int, message string) *Error {
	e := &Error{Message: message, Code: status}
	switch status {
	case http.StatusNotFound:
		e.Type = ErrorTypeNotFound
	case http.StatusBadRequest:
		e.Type = ErrorTypeValidation
	case http.StatusUnauthorized:
		e.Type = ErrorTypeUnauthorized
	case http.StatusForbidden:
		e.Type = ErrorTypePermissionDenied
	case http.StatusConflict:
		e.Type = ErrorTypeConflict
	case http.StatusUnprocessableEntity:
		e.Type = ErrorTypeMalformed
	case http.StatusTooManyRequests:
		e.Type = ErrorTypeRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		e.Type = ErrorTypeTransport
	default:
		e.Type = ErrorTypeInternal
	}
	return e
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Internal(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
		Err:     err,
	}
}

func Unauthorized(message string) *Error {
	return &Error{
		Type:    ErrorTypeUnauthorized,
		Message: message,
		Code:    http.StatusUnauthorized,
	}
}

func RateLimited(message string) *Error {
	return &Error{
		Type:    ErrorTypeRateLimited,
		Message: message,
		Code:    http.StatusTooManyRequests,
	}
}

// Transport reports a source operation that could not complete.
func Transport(message string, err error) *Error {
	return &Error{
		Type:    ErrorTypeTransport,
		Message: message,
		Code:    http.StatusBadGateway,
		Err:     err,
	}
}

func Conflict(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeConflict,
		Message: message,
		Code:    http.StatusConflict,
		Details: details,
	}
}

func PermissionDenied(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypePermissionDenied,
		Message: message,
		Code:    http.StatusForbidden,
		Details: details,
	}
}

// Malformed reports a file at path that a loader could not parse.
func Malformed(path string, err error) *Error {
	return &Error{
		Type:    ErrorTypeMalformed,
		Message: fmt.Sprintf("malformed content at %s", path),
		Code:    http.StatusUnprocessableEntity,
		Details: map[string]string{"path": path},
		Err:     err,
	}
}

func Integrity(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeIntegrity,
		Message: message,
		Code:    http.StatusConflict,
		Details: details,
	}
}
