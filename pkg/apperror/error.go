package apperror

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error represents an application error with HTTP status and error code
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// Is reports whether target is the same sentinel (matched by code).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ToEchoError converts the app error to an echo.HTTPError for proper handling
func (e *Error) ToEchoError() *echo.HTTPError {
	errBody := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		errBody["details"] = e.Details
	}
	return echo.NewHTTPError(e.HTTPStatus, map[string]any{
		"error": errBody,
	})
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithMessagef returns a copy of the error with a formatted message
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Common error definitions
var (
	// Request errors
	ErrInvalidRequest = New(http.StatusBadRequest, "invalid_request", "Invalid request payload")
	ErrBadRequest     = New(http.StatusBadRequest, "bad_request", "Invalid request")
	ErrValidation     = New(http.StatusUnprocessableEntity, "validation_error", "Validation failed")

	// Resource errors
	ErrNotFound = New(http.StatusNotFound, "not_found", "Record not found")
	ErrConflict = New(http.StatusConflict, "conflict", "Resource already exists")

	// Relationship target resolution failed in strict (non-upsert) mode
	ErrMissingRelatedNode = New(http.StatusBadRequest, "missing_related_node",
		"Related record does not exist. Set upsert=true to create placeholder records")

	// A field is locked by another client
	ErrFieldLocked = New(http.StatusConflict, "field_locked", "Field is locked by another client")

	// Schema inconsistency (e.g. unresolvable inverse relationship); a config
	// defect, never retried
	ErrSchema = New(http.StatusInternalServerError, "schema_error", "Schema inconsistency")

	// Backend errors
	ErrGraphBackend = New(http.StatusInternalServerError, "graph_backend_error", "Graph store operation failed")
	ErrBlobBackend  = New(http.StatusInternalServerError, "blob_backend_error", "Blob store operation failed")
	ErrInternal     = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
)

// ToHTTPError converts an app error to an HTTP-friendly format
func ToHTTPError(err error) (int, map[string]any) {
	if appErr, ok := err.(*Error); ok {
		errBody := map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if len(appErr.Details) > 0 {
			errBody["details"] = appErr.Details
		}
		return appErr.HTTPStatus, map[string]any{
			"error": errBody,
		}
	}

	// Default to internal server error for unknown errors
	return http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"code":    "internal_error",
			"message": "An internal error occurred",
		},
	}
}

// NewInvalidRequest creates an invalid request error with a custom message
func NewInvalidRequest(message string) *Error {
	return ErrInvalidRequest.WithMessage(message)
}

// NewNotFound creates a not found error for a record type and code
func NewNotFound(recordType, code string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", recordType, code))
}

// NewFieldLocked creates a field locked error naming the owning client
func NewFieldLocked(field, owningClient string) *Error {
	return ErrFieldLocked.
		WithMessage(fmt.Sprintf("Field '%s' is locked by client '%s'", field, owningClient)).
		WithDetails(map[string]any{"field": field, "lockedBy": owningClient})
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}
