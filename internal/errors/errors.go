// Package errors defines the application error type shared by the HTTP
// control plane and the CLI, and renders it as a JSON error envelope.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/simrunner/pkg/job"
)

// Error codes carried in HTTP error envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeNotAccepting       = "NOT_ACCEPTING"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context to the envelope.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

func NewMethodNotAllowed(message string) *AppError {
	return &AppError{Code: CodeMethodNotAllowed, Status: http.StatusMethodNotAllowed, Message: message}
}

func NewInvalidRequest(message string, err error) *AppError {
	return &AppError{Code: CodeInvalidRequest, Status: http.StatusBadRequest, Message: message, Err: err}
}

func NewConflict(message string, err error) *AppError {
	return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: message, Err: err}
}

func NewNotAccepting(message string) *AppError {
	return &AppError{Code: CodeNotAccepting, Status: http.StatusServiceUnavailable, Message: message}
}

// NewExternalServiceError reports a dependency that is down.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message}
}

// WrapInternal wraps err as an internal error, keeping the request id from
// ctx in the details.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if id := RequestID(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// FromJobError maps engine submission and lookup errors to an AppError.
// Errors it does not recognize become internal errors.
func FromJobError(ctx context.Context, err error) *AppError {
	var app *AppError
	if stderrors.As(err, &app) {
		return app
	}
	switch {
	case stderrors.Is(err, job.ErrNotFound):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "job not found", Err: err}
	case stderrors.Is(err, job.ErrDuplicateID), stderrors.Is(err, job.ErrCyclicDependency):
		return NewConflict("job rejected", err)
	case stderrors.Is(err, job.ErrInvalidSpec), stderrors.Is(err, job.ErrUnknownDependency):
		return NewInvalidRequest("job rejected", err)
	}
	return WrapInternal(ctx, err, "internal error")
}

// HTTPError is the body of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// RespondWithError writes err as a JSON error envelope. Errors that are not
// an *AppError are reported as internal errors.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var app *AppError
	if !stderrors.As(err, &app) {
		app = WrapInternal(r.Context(), err, "internal error")
	}

	msg := app.Message
	if app.Err != nil && app.Status < http.StatusInternalServerError {
		msg = app.Error()
	}

	WriteEnvelope(w, app.Status, HTTPError{
		Code:      app.Code,
		Message:   msg,
		RequestID: RequestID(r.Context()),
		Details:   app.Details,
	})
}

// WriteEnvelope writes body as the error envelope with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, body HTTPError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}
