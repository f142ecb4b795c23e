package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the client core. Callers check them with errors.Is.
var (
	// ErrNotConnected is returned by outbound operations that require a live
	// real-time connection when the session is not live. The message is dropped.
	ErrNotConnected = errors.New("real-time connection is not live")

	// ErrAuthExpired indicates that the server rejected the bearer token,
	// either with a 401 from the REST API or an auth rejection on the transport.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrTransport marks handshake failures and unexpected disconnects.
	ErrTransport = errors.New("transport error")

	// ErrStaleHandshake is reported internally when a handshake completes for an
	// identity that is no longer current. It is never surfaced to the UI.
	ErrStaleHandshake = errors.New("stale handshake discarded")

	// ErrInvalidMessage is returned when an outbound message fails validation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNotFound is returned when a cached record does not exist.
	ErrNotFound = errors.New("requested resource not found")

	// ErrNoIdentity is returned by operations that need a signed-in user.
	ErrNoIdentity = errors.New("no authenticated identity")
)

// TransportError wraps a failure of the real-time transport with the operation
// that produced it.
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError creates a TransportError for the given operation.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes both the cause and ErrTransport, so errors.Is matches either.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// APIError represents a non-2xx response from the REST API.
type APIError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Is reports a 401 response as ErrAuthExpired.
func (e *APIError) Is(target error) bool {
	return target == ErrAuthExpired && e.Status == http.StatusUnauthorized
}
