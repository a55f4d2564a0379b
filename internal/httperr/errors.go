package httperr

import (
	"fmt"
	"net/http"
)

// Error is an error that can be written back to the client. The data plane
// answers with short plain-text bodies; callers that need JSON (the admin
// API) encode the struct themselves.
type Error struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// WriteText writes the error to the response as plain text.
func (e *Error) WriteText(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Code)
	if e.Detail != "" {
		fmt.Fprintf(w, "%s: %s\n", e.Message, e.Detail)
		return
	}
	fmt.Fprintln(w, e.Message)
}

// Common errors
var (
	ErrNotFound = &Error{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrOriginNotConfigured = &Error{
		Code:    http.StatusNotFound,
		Message: "Domain not configured",
	}

	ErrBadGateway = &Error{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &Error{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrBadRequest = &Error{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInternalServer = &Error{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// New creates a new Error.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a status code and client-facing message.
func Wrap(err error, code int, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetail returns a copy of the error carrying extra client-facing detail.
func (e *Error) WithDetail(detail string) *Error {
	return &Error{
		Code:       e.Code,
		Message:    e.Message,
		Detail:     detail,
		underlying: e.underlying,
	}
}

// From extracts an *Error if err is one.
func From(err error) (*Error, bool) {
	if pe, ok := err.(*Error); ok {
		return pe, true
	}
	return nil, false
}
