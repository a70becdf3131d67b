// Package enginetest provides a scriptable in-memory engine driver for tests.
package enginetest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

// Responder produces the response for one call. Returning an error makes the call fail
// with that error as the conn error; return a response with Error set to simulate an
// engine-reported failure.
type Responder func(req *engine.Request) (*engine.Response, error)

// Driver is a fake engine.Driver. The zero value answers every call with an empty 200.
type Driver struct {
	// Respond answers calls; nil means a plain 200.
	Respond Responder
	// OpenErr, when set, makes Open fail.
	OpenErr error
	// CloseErr is returned by every Conn.Close.
	CloseErr error
	// BeforeOpen, when set, runs at the start of every Open. Tests use it to hold an
	// open in progress.
	BeforeOpen func(sessionID, profile string)

	mu       sync.Mutex
	requests []*engine.Request
	opened   []*Conn

	// Overlaps counts calls that started while another call on the same conn was still
	// running.
	Overlaps atomic.Int64
}

// Name implements engine.Driver.
func (d *Driver) Name() string { return "enginetest" }

// Open implements engine.Driver.
func (d *Driver) Open(sessionID, profile string, cfg engine.Config) (engine.Conn, error) {
	if d.BeforeOpen != nil {
		d.BeforeOpen(sessionID, profile)
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	c := &Conn{driver: d, SessionID: sessionID, Profile: profile, Config: cfg}
	d.mu.Lock()
	d.opened = append(d.opened, c)
	d.mu.Unlock()
	return c, nil
}

// Requests returns every request received so far, in arrival order.
func (d *Driver) Requests() []*engine.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*engine.Request(nil), d.requests...)
}

// LastRequest returns the most recent request, or nil.
func (d *Driver) LastRequest() *engine.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return nil
	}
	return d.requests[len(d.requests)-1]
}

// Conns returns every conn opened so far.
func (d *Driver) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.opened...)
}

// Conn is the fake engine session.
type Conn struct {
	driver *Driver

	SessionID string
	Profile   string
	Config    engine.Config

	inFlight atomic.Int32
	closes   atomic.Int32
}

// Invoke implements engine.Conn.
func (c *Conn) Invoke(payload []byte) ([]byte, error) {
	if c.inFlight.Add(1) > 1 {
		c.driver.Overlaps.Add(1)
	}
	defer c.inFlight.Add(-1)

	if c.closes.Load() > 0 {
		return nil, errors.New("enginetest: invoke on closed conn")
	}

	req, err := engine.DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	c.driver.mu.Lock()
	c.driver.requests = append(c.driver.requests, req)
	c.driver.mu.Unlock()

	var resp *engine.Response
	if c.driver.Respond != nil {
		resp, err = c.driver.Respond(req)
		if err != nil {
			return nil, err
		}
	}
	if resp == nil {
		resp = &engine.Response{Status: 200}
	}
	if resp.Target == "" && resp.Error == nil {
		resp.Target = req.RequestURL
	}
	resp.SessionID = req.SessionID
	return engine.EncodeResponse(resp)
}

// Close implements engine.Conn.
func (c *Conn) Close() error {
	c.closes.Add(1)
	return c.driver.CloseErr
}

// Closes returns how many times Close was called on the conn.
func (c *Conn) Closes() int { return int(c.closes.Load()) }
