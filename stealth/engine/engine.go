// Package engine is the boundary between the stealth client and a fingerprinting engine.
//
// An engine is an opaque collaborator that performs the actual TLS and HTTP negotiation
// with browser-matching parameters. This package only knows how to open a session on an
// engine, hand it a serialized request and read back a serialized response. Engines are
// plugged in through the Driver interface; see the tlsclient and remote packages.
//
// A Handle is not safe for concurrent use: engines are assumed to serve one call at a
// time per session, and callers serialize access to it.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Config holds the session-level settings an engine is initialized with.
type Config struct {
	// ProxyURL is the upstream proxy, empty for direct connections.
	ProxyURL string
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool
	// ForceHTTP1 disables HTTP/2 negotiation.
	ForceHTTP1 bool
	// Timeout is the default per-call timeout.
	Timeout time.Duration
	// FollowRedirects is the default redirect policy.
	FollowRedirects bool
}

// Driver opens engine sessions.
type Driver interface {
	// Name identifies the driver in logs and errors.
	Name() string
	// Open initializes one engine session. It fails when the engine is unavailable or
	// rejects the profile.
	Open(sessionID, profile string, cfg Config) (Conn, error)
}

// Conn is one open engine session as seen by a driver.
type Conn interface {
	// Invoke performs one blocking call. The payload is an encoded Request and the
	// result an encoded Response.
	Invoke(payload []byte) ([]byte, error)
	// Close releases the engine session.
	Close() error
}

// Handle owns one engine session for its whole lifetime.
type Handle struct {
	id      string
	profile string
	driver  string
	state   *handleState
}

// handleState is shared between a Handle and the runtime registry. The registry never
// references the Handle itself so that an abandoned Handle stays collectable.
type handleState struct {
	id     string
	driver string
	conn   Conn

	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *handleState) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		unregister(s)
		if cerr := s.conn.Close(); cerr != nil {
			klog.Warningf("engine: failed to close %s session %s: %s", s.driver, s.id, cerr)
			err = fmt.Errorf("close engine session %s: %w", s.id, cerr)
			return
		}
		klog.V(2).Infof("engine: closed %s session %s", s.driver, s.id)
	})
	return err
}

// Open initializes an engine session on d for profile.
func Open(d Driver, profile string, cfg Config) (*Handle, error) {
	Init()

	if d == nil {
		return nil, &InitError{Driver: "<nil>", Profile: profile, Err: ErrNoDriver}
	}
	if profile == "" {
		return nil, &InitError{Driver: d.Name(), Profile: profile, Err: ErrEmptyProfile}
	}

	id := uuid.NewString()
	conn, err := d.Open(id, profile, cfg)
	if err != nil {
		klog.Errorf("engine: failed to open %s session for profile %q: %s", d.Name(), profile, err)
		return nil, &InitError{Driver: d.Name(), Profile: profile, Err: err}
	}

	h := &Handle{
		id:      id,
		profile: profile,
		driver:  d.Name(),
		state:   &handleState{id: id, driver: d.Name(), conn: conn},
	}
	register(h.state)
	runtime.SetFinalizer(h, finalizeHandle)

	klog.V(2).Infof("engine: opened %s session %s (profile %s)", h.driver, h.id, profile)
	return h, nil
}

// finalizeHandle runs only for handles that were never closed.
func finalizeHandle(h *Handle) {
	if h.state.closed.Load() {
		return
	}
	klog.Warningf("engine: session %s was garbage collected without Close, releasing it now", h.id)
	_ = h.Close()
}

// ID returns the session identifier.
func (h *Handle) ID() string { return h.id }

// Profile returns the profile the session was opened with.
func (h *Handle) Profile() string { return h.profile }

// Driver returns the name of the driver serving the session.
func (h *Handle) Driver() string { return h.driver }

// Closed reports whether Close was called.
func (h *Handle) Closed() bool { return h.state.closed.Load() }

// Invoke performs one call on the engine. Failures reported by the engine are returned
// as *CallError.
func (h *Handle) Invoke(req *Request) (*Response, error) {
	if h.state.closed.Load() {
		return nil, ErrHandleClosed
	}

	req.SessionID = h.id
	req.TLSClientIdentifier = h.profile

	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, &CallError{Category: CategoryRequest, Message: err.Error(), Err: err}
	}

	raw, err := h.state.conn.Invoke(payload)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			ce.Category = NormalizeCategory(ce.Category)
			return nil, ce
		}
		return nil, &CallError{Category: CategoryRequest, Message: err.Error(), Err: err}
	}

	resp, err := DecodeResponse(raw)
	if err != nil {
		return nil, &CallError{Category: CategoryRequest, Message: err.Error(), Err: err}
	}
	if resp.Error != nil {
		return nil, &CallError{
			Category: NormalizeCategory(resp.Error.Category),
			Message:  resp.Error.Message,
		}
	}
	return resp, nil
}

// Close releases the engine session. Only the first call does any work; later calls
// return nil.
func (h *Handle) Close() error {
	runtime.SetFinalizer(h, nil)
	return h.state.close()
}
