package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Header is a single name/value pair. Headers travel as ordered pairs so that the
// engine can reproduce the caller's header order on the wire.
type Header [2]string

// Name returns the header name.
func (h Header) Name() string { return h[0] }

// Value returns the header value.
func (h Header) Value() string { return h[1] }

// Cookie is the wire form of a cookie, both for cookies sent with a request and for
// cookies the server asked to set.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Expires  int64  `json:"expires,omitempty"` // unix seconds, 0 if unset
	MaxAge   int    `json:"maxAge,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	// Origin is the host of the response that set the cookie, for cookies set along a
	// redirect chain. Empty means the final host of the call.
	Origin string `json:"origin,omitempty"`
}

// ExpiresAt returns the absolute expiry of the cookie relative to now. The second
// return value is false for session cookies.
func (c Cookie) ExpiresAt(now time.Time) (time.Time, bool) {
	switch {
	case c.MaxAge < 0:
		return time.Unix(0, 0), true
	case c.MaxAge > 0:
		return now.Add(time.Duration(c.MaxAge) * time.Second), true
	case c.Expires != 0:
		return time.Unix(c.Expires, 0), true
	}
	return time.Time{}, false
}

// Request is the canonical request handed to an engine.
type Request struct {
	SessionID           string   `json:"sessionId"`
	TLSClientIdentifier string   `json:"tlsClientIdentifier"`
	RequestMethod       string   `json:"requestMethod"`
	RequestURL          string   `json:"requestUrl"`
	Headers             []Header `json:"headers"`
	RequestBody         []byte   `json:"requestBody,omitempty"`
	ProxyURL            string   `json:"proxyUrl,omitempty"`
	InsecureSkipVerify  bool     `json:"insecureSkipVerify"`
	ForceHTTP1          bool     `json:"forceHttp1"`
	TimeoutMilliseconds int64    `json:"timeoutMilliseconds"`
	FollowRedirects     bool     `json:"followRedirects"`
	RequestCookies      []Cookie `json:"requestCookies"`
}

// Timeout returns the request timeout as a duration.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMilliseconds) * time.Millisecond
}

// Failure is the error an engine reports in place of a response.
type Failure struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
}

// Response is the canonical response returned by an engine.
type Response struct {
	SessionID string   `json:"sessionId"`
	Status    int      `json:"status"`
	Target    string   `json:"target"`
	Headers   []Header `json:"headers"`
	Body      []byte   `json:"body,omitempty"`
	Cookies   []Cookie `json:"cookies"`
	Error     *Failure `json:"error,omitempty"`
}

// EncodeRequest serializes a request to its wire form.
func EncodeRequest(r *Request) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrEncode, err)
	}
	return b, nil
}

// DecodeRequest parses a request from its wire form.
func DecodeRequest(payload []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrDecode, err)
	}
	return &r, nil
}

// EncodeResponse serializes a response to its wire form.
func EncodeResponse(r *Response) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrEncode, err)
	}
	return b, nil
}

// DecodeResponse parses a response from its wire form.
func DecodeResponse(payload []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrDecode, err)
	}
	return &r, nil
}

// FailureResponse builds the response an engine returns when a call fails.
func FailureResponse(sessionID string, category Category, err error) *Response {
	return &Response{
		SessionID: sessionID,
		Error:     &Failure{Category: category, Message: err.Error()},
	}
}
