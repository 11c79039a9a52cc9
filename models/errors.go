package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and internal error handling.
const (
	// Backend pool errors.
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeBackendLaunch      = "BACKEND_LAUNCH_FAILED"
	ErrCodeSurfaceCreation    = "SURFACE_CREATION_FAILED"
	ErrCodeContentSubmission  = "CONTENT_SUBMISSION_FAILED"
	ErrCodeCapture            = "CAPTURE_FAILED"
	ErrCodeTimeout            = "RENDER_TIMEOUT"

	// Request pipeline errors.
	ErrCodeTemplate     = "TEMPLATE_FAILED"
	ErrCodeAvatarFetch  = "AVATAR_FETCH_FAILED"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RenderError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type RenderError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *RenderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// NewRenderError creates a new RenderError.
func NewRenderError(code, message string, err error) *RenderError {
	return &RenderError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *RenderError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// AsRenderError returns err as a *RenderError, wrapping foreign errors
// as INTERNAL_ERROR.
func AsRenderError(err error) *RenderError {
	var re *RenderError
	if errors.As(err, &re) {
		return re
	}
	return NewRenderError(ErrCodeInternal, err.Error(), err)
}

// IsCode reports whether err is a RenderError with the given code.
func IsCode(err error, code string) bool {
	var re *RenderError
	return errors.As(err, &re) && re.Code == code
}
