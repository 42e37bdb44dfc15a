// ABOUTME: Standardized error envelope and error taxonomy for HTTP handlers
// ABOUTME: Maps typed errors (auth, session claim, upstream) to status codes and the JSON error envelope

package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// TimestampLayout is the ISO-8601 UTC layout used in every response timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Now returns the current time formatted with TimestampLayout.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// Kind classifies an error for status mapping.
type Kind string

const (
	// Client errors (4xx)
	KindBadRequest      Kind = "bad_request"
	KindAuthMissing     Kind = "auth_missing"
	KindSessionRejected Kind = "session_rejected"
	KindNotFound        Kind = "not_found"
	KindMethod          Kind = "method_not_allowed"

	// Upstream and server errors
	KindUpstream            Kind = "upstream"
	KindSessionUnavailable  Kind = "session_unavailable"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// ErrorResponse is the body of every failed response:
//
//	{"error": {"message": "...", "statusCode": 401, "timestamp": "...", "details": "..."}}
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner part of ErrorResponse.
type ErrorBody struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
	Details    string `json:"details,omitempty"`
}

// Error is a classified error carrying everything needed to render the envelope.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var kindStatus = map[Kind]int{
	KindBadRequest:          http.StatusBadRequest,
	KindAuthMissing:         http.StatusUnauthorized,
	KindSessionRejected:     http.StatusUnauthorized,
	KindNotFound:            http.StatusNotFound,
	KindMethod:              http.StatusMethodNotAllowed,
	KindSessionUnavailable:  http.StatusServiceUnavailable,
	KindUpstreamUnavailable: http.StatusServiceUnavailable,
	KindInternal:            http.StatusInternalServerError,
}

// New creates an error of kind with the status that kind maps to.
// KindUpstream has no fixed status; use Upstream for it.
func New(kind Kind, message string) *Error {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// Wrap is New with a cause attached.
func Wrap(kind Kind, message string, err error) *Error {
	e := New(kind, message)
	e.Err = err
	return e
}

// WithDetails sets the optional details string and returns e.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// Upstream creates a KindUpstream error that passes status through.
// Statuses outside 400..599 are reported as 502.
func Upstream(status int, message string, err error) *Error {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &Error{Kind: KindUpstream, Status: status, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Write renders err as the JSON envelope. Errors outside the taxonomy become
// 500 "Internal server error" and their text is not exposed.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !stderrors.As(err, &e) {
		e = New(KindInternal, "Internal server error").WithDetails("Error processing request")
	}
	WriteError(w, e.Status, e.Message, e.Details)
}

// WriteError writes the envelope with an explicit status and message.
func WriteError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{
		Message:    message,
		StatusCode: status,
		Timestamp:  Now(),
		Details:    details,
	}})
}

// WriteJSON writes v as a JSON body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NotFoundHandler answers unknown routes with the envelope.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Not found", fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path))
}

// MethodNotAllowedHandler answers known routes hit with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", fmt.Sprintf("%s is not supported for %s", r.Method, r.URL.Path))
}
