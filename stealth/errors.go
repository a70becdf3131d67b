package stealth

import (
	"errors"
	"fmt"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

// Errors
var (
	// ErrEngineInit marks failures to open the engine session of a Session.
	ErrEngineInit = errors.New("engine initialization failed")
	// ErrTimeout marks calls the engine aborted because of a timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrConnect marks calls that failed to establish a connection: DNS, refused
	// connections, proxy or TLS handshake failures.
	ErrConnect = errors.New("failed to connect")
	// ErrRequest marks every other engine-reported failure.
	ErrRequest = errors.New("request failed")
	// ErrInvalidRequest marks requests rejected before reaching the engine.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrHTTPStatus marks responses with a 4xx or 5xx status, see Response.RaiseForStatus.
	ErrHTTPStatus = errors.New("http status error")
	// ErrJSONDecode marks bodies that are not valid JSON.
	ErrJSONDecode = errors.New("failed to decode json body")
	// ErrClosed is returned by calls on a closed Session.
	ErrClosed = errors.New("session is closed")
)

// EngineInitError is returned by session constructors when the engine is unavailable,
// incompatible, or rejects the profile. The Session is unusable; build a new one.
type EngineInitError struct {
	Profile string
	Err     error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("%s for profile %q: %s", ErrEngineInit, e.Profile, e.Err)
}

func (e *EngineInitError) Unwrap() []error { return []error{ErrEngineInit, e.Err} }

// RequestError is an engine-reported failure of one call. Kind is one of ErrTimeout,
// ErrConnect or ErrRequest; Message is the engine's raw message.
type RequestError struct {
	Kind    error
	Method  string
	URL     string
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Method, e.URL, e.Message)
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout reports whether the engine classified the failure as a timeout.
func (e *RequestError) Timeout() bool { return e.Kind == ErrTimeout }

// InvalidRequestError is a local validation failure. It never reaches the engine and
// retrying it without changes is pointless.
type InvalidRequestError struct {
	Reason string
	Err    error
}

func (e *InvalidRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", ErrInvalidRequest, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, e.Reason)
}

func (e *InvalidRequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidRequest}
	}
	return []error{ErrInvalidRequest, e.Err}
}

// HTTPStatusError carries a response whose status is in [400, 599].
type HTTPStatusError struct {
	Response *Response
}

func (e *HTTPStatusError) Error() string {
	kind := "server error"
	if e.Response.StatusCode < 500 {
		kind = "client error"
	}
	return fmt.Sprintf("%s: %s %d for url %s", ErrHTTPStatus, kind, e.Response.StatusCode, e.Response.URL)
}

func (e *HTTPStatusError) Unwrap() error { return ErrHTTPStatus }

// JSONDecodeError is returned by Response.JSON when the body is not valid JSON.
type JSONDecodeError struct {
	Err error
}

func (e *JSONDecodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrJSONDecode, e.Err)
}

func (e *JSONDecodeError) Unwrap() []error { return []error{ErrJSONDecode, e.Err} }

// classifyCallError turns an engine failure into exactly one error kind. The engine's
// category is authoritative.
func classifyCallError(req *Request, err error) error {
	var ce *engine.CallError
	if !errors.As(err, &ce) {
		return &RequestError{Kind: ErrRequest, Method: req.Method, URL: req.URL, Message: err.Error(), Err: err}
	}
	kind := ErrRequest
	switch ce.Category {
	case engine.CategoryTimeout:
		kind = ErrTimeout
	case engine.CategoryConnect:
		kind = ErrConnect
	}
	return &RequestError{Kind: kind, Method: req.Method, URL: req.URL, Message: ce.Message}
}
