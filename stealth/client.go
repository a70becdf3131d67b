package stealth

import (
	"context"
	"net/http"
)

// Client is the synchronous façade: every verb blocks the calling goroutine until the
// engine answers. It embeds its Session, so cookies, headers and Close are reachable
// directly.
type Client struct {
	*Session
}

// NewClient builds a Client on a fresh Session.
//
// Example:
//
//	client, err := stealth.NewClient(stealth.WithProfile("chrome_133"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	resp, err := client.Get(ctx, "https://tls.peet.ws/api/all")
func NewClient(opts ...Option) (*Client, error) {
	s, err := NewSession(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{Session: s}, nil
}

// Do executes req.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	return c.Execute(ctx, req)
}

// Request builds and executes a request with an arbitrary method.
func (c *Client) Request(ctx context.Context, method, url string, opts ...RequestOption) (*Response, error) {
	return c.Execute(ctx, NewRequest(method, url, opts...))
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodGet, url, opts...)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPost, url, opts...)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPut, url, opts...)
}

// Patch issues a PATCH request.
func (c *Client) Patch(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodPatch, url, opts...)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, url, opts...)
}

// Head issues a HEAD request.
func (c *Client) Head(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodHead, url, opts...)
}

// Options issues an OPTIONS request.
func (c *Client) Options(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodOptions, url, opts...)
}
