package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMalformed       = NewError("MALFORMED", "malformed envelope", http.StatusBadRequest)
	ErrUnauthenticated = NewError("UNAUTHENTICATED", "envelope signature rejected", http.StatusForbidden)
	ErrUnknownProject  = NewError("UNKNOWN_PROJECT", "project not found", http.StatusForbidden)
	ErrProjectDisabled = NewError("PROJECT_DISABLED", "project is disabled", http.StatusForbidden)
	ErrRateLimited     = NewError("RATE_LIMITED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrPayloadTooLarge = NewError("PAYLOAD_TOO_LARGE", "envelope exceeds size limit", http.StatusRequestEntityTooLarge)
	ErrUpstream        = NewError("UPSTREAM_UNAVAILABLE", "upstream unavailable", http.StatusBadGateway)
	ErrInternal        = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrTimeout         = NewError("TIMEOUT", "operation timed out", http.StatusRequestTimeout)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a retry of the same request could succeed.
// Client-side rejections (malformed, unauthenticated, unknown project)
// never are; upstream and internal failures default to retryable.
func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	switch e.Code {
	case ErrMalformed.Code, ErrUnauthenticated.Code, ErrUnknownProject.Code,
		ErrProjectDisabled.Code, ErrPayloadTooLarge.Code:
		return false
	}
	return true
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return !e.IsRetryable()
}

// clone copies the error including its details map, so derived errors
// never share mutable state with the package-level sentinels.
func (e *Error) clone() *Error {
	err := *e
	err.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		err.Details[k] = v
	}
	return &err
}

func (e *Error) WithCause(cause error) *Error {
	err := e.clone()
	err.Cause = cause
	return err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := e.clone()
	err.Details[key] = value
	return err
}

func (e *Error) AsRetryable() *Error {
	err := e.clone()
	retryable := true
	err.retryable = &retryable
	return err
}

func (e *Error) AsFatal() *Error {
	err := e.clone()
	retryable := false
	err.retryable = &retryable
	return err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func IsMalformed(err error) bool {
	return hasCode(err, ErrMalformed.Code)
}

func IsUnauthenticated(err error) bool {
	return hasCode(err, ErrUnauthenticated.Code)
}

func IsUnknownProject(err error) bool {
	return hasCode(err, ErrUnknownProject.Code)
}

func IsRateLimited(err error) bool {
	return hasCode(err, ErrRateLimited.Code)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
