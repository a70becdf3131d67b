// Package remote is an engine driver for an engine running in another process, reached
// over HTTP. It speaks the JSON wire schema of package engine to the endpoints served by
// the stealth-engine server:
//
//	POST /api/open-session  OpenSessionRequest in, opens the engine session eagerly
//	POST /api/forward       one engine call, wire request in, wire response out
//	POST /api/free-session  {"sessionId": "..."} releases an engine session
//	GET  /healthz           liveness
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

// Endpoints
const (
	OpenSessionEndpoint = "/api/open-session"
	ForwardEndpoint     = "/api/forward"
	FreeSessionEndpoint = "/api/free-session"
	HealthEndpoint      = "/healthz"

	// APIKeyHeader carries the shared secret when the server requires one.
	APIKeyHeader = "x-api-key"
)

// Errors
const (
	ErrOpenFailed         = "engine server failed to open session"
	ErrUnexpectedStatus   = "unexpected status code from engine server"
	ErrFailedToReadAnswer = "failed to read engine server answer"
)

// DriverName is reported by Driver.Name.
const DriverName = "remote"

// callGrace is added to the request timeout to bound one round trip to the server.
const callGrace = 5 * time.Second

// Driver opens engine sessions on a remote engine server.
type Driver struct {
	// Endpoint is the server base URL, e.g. "http://127.0.0.1:8080".
	Endpoint string
	// APIKey is sent in the x-api-key header when set.
	APIKey string
	// HTTPClient is used for every call. Nil selects a client without a global timeout.
	HTTPClient *http.Client
}

// NewDriver returns a driver for the server at endpoint.
func NewDriver(endpoint, apiKey string) *Driver {
	return &Driver{Endpoint: strings.TrimRight(endpoint, "/"), APIKey: apiKey}
}

// Name implements engine.Driver.
func (d *Driver) Name() string { return DriverName }

func (d *Driver) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{}
}

// OpenSessionRequest is the body of the open-session endpoint.
type OpenSessionRequest struct {
	SessionID           string `json:"sessionId"`
	TLSClientIdentifier string `json:"tlsClientIdentifier"`
	ProxyURL            string `json:"proxyUrl,omitempty"`
	InsecureSkipVerify  bool   `json:"insecureSkipVerify"`
	ForceHTTP1          bool   `json:"forceHttp1"`
	TimeoutMilliseconds int64  `json:"timeoutMilliseconds"`
	FollowRedirects     bool   `json:"followRedirects"`
}

// Config returns the engine configuration carried by the request.
func (r *OpenSessionRequest) Config() engine.Config {
	return engine.Config{
		ProxyURL:           r.ProxyURL,
		InsecureSkipVerify: r.InsecureSkipVerify,
		ForceHTTP1:         r.ForceHTTP1,
		Timeout:            time.Duration(r.TimeoutMilliseconds) * time.Millisecond,
		FollowRedirects:    r.FollowRedirects,
	}
}

// Open implements engine.Driver. The server opens the engine session right away, so a
// profile the engine rejects fails here rather than on the first call.
func (d *Driver) Open(sessionID, profile string, cfg engine.Config) (engine.Conn, error) {
	body, err := json.Marshal(&OpenSessionRequest{
		SessionID:           sessionID,
		TLSClientIdentifier: profile,
		ProxyURL:            cfg.ProxyURL,
		InsecureSkipVerify:  cfg.InsecureSkipVerify,
		ForceHTTP1:          cfg.ForceHTTP1,
		TimeoutMilliseconds: cfg.Timeout.Milliseconds(),
		FollowRedirects:     cfg.FollowRedirects,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), callGrace)
	defer cancel()
	if _, err := d.post(ctx, OpenSessionEndpoint, body); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrOpenFailed, err)
	}

	klog.V(2).Infof("remote: opened session %s with profile %s on %s", sessionID, profile, d.Endpoint)
	return &conn{driver: d, sessionID: sessionID, timeout: cfg.Timeout}, nil
}

func (d *Driver) authorize(req *http.Request) {
	if d.APIKey != "" {
		req.Header.Set(APIKeyHeader, d.APIKey)
	}
}

// post sends a JSON body and returns the answer body of a 200 response.
func (d *Driver) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	d.authorize(req)

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrFailedToReadAnswer, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(answer)))
	}
	return answer, nil
}

type conn struct {
	driver    *Driver
	sessionID string
	timeout   time.Duration
}

// Invoke implements engine.Conn. Failures to reach the server are returned as
// *engine.CallError classified by error type; failures of the call itself come back
// from the server inside the wire response.
func (c *conn) Invoke(payload []byte) ([]byte, error) {
	timeout := c.timeout
	if req, err := engine.DecodeRequest(payload); err == nil && req.Timeout() > 0 {
		timeout = req.Timeout()
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+callGrace)
		defer cancel()
	}

	answer, err := c.driver.post(ctx, ForwardEndpoint, payload)
	if err != nil {
		klog.V(1).Infof("remote: forward for session %s failed: %s", c.sessionID, err)
		return nil, &engine.CallError{Category: engine.Classify(err), Message: err.Error(), Err: err}
	}
	return answer, nil
}

// Close implements engine.Conn.
func (c *conn) Close() error {
	body, err := json.Marshal(map[string]string{"sessionId": c.sessionID})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callGrace)
	defer cancel()
	if _, err := c.driver.post(ctx, FreeSessionEndpoint, body); err != nil {
		return fmt.Errorf("failed to free remote session %s: %w", c.sessionID, err)
	}
	return nil
}
