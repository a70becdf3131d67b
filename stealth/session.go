package stealth

import (
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
	"github.com/ditsuke/go-stealth/stealth/instrumentation"
)

// Session owns one engine handle and one cookie jar. Profile, proxy, verification,
// protocol, timeout, redirect policy and base URL are fixed when the session is built;
// headers and cookies change only through the mutators below.
//
// A Session is safe for concurrent use. Calls are serialized: at most one engine call
// is in flight per Session, and the cookie jar is updated under the same exclusion.
type Session struct {
	opts    *Options
	profile string
	handle  *engine.Handle
	jar     *Jar

	// muHeaders protects headers.
	muHeaders sync.RWMutex
	headers   *Headers

	// sem is the per-session exclusion. Holding its only slot means owning the handle.
	sem chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSession opens an engine session. Any failure aborts construction; a Session is
// never returned half-initialized.
//
// Example:
//
//	s, err := stealth.NewSession(
//	    stealth.WithProfile("firefox_135"),
//	    stealth.WithBaseURL("https://api.example.com"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
func NewSession(opts ...Option) (*Session, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	profile, err := selectProfile(o)
	if err != nil {
		return nil, &EngineInitError{Profile: profile, Err: err}
	}

	handle, err := engine.Open(o.Driver, profile, o.engineConfig())
	if err != nil {
		klog.Errorf("NewSession: failed to open engine session with profile %q: %s", profile, err)
		return nil, &EngineInitError{Profile: profile, Err: err}
	}
	klog.V(2).Infof("NewSession: opened engine session %s (driver %s, profile %s)", handle.ID(), handle.Driver(), profile)
	instrumentation.RecordSessionOpened(context.Background(), profile)

	jar := NewJar()
	for _, name := range sortedKeys(o.Cookies) {
		jar.Set(name, o.Cookies[name])
	}

	return &Session{
		opts:    o,
		profile: profile,
		handle:  handle,
		jar:     jar,
		headers: o.Headers.Clone(),
		sem:     make(chan struct{}, 1),
	}, nil
}

// ID returns the engine session id.
func (s *Session) ID() string { return s.handle.ID() }

// Profile returns the browser profile the session impersonates.
func (s *Session) Profile() string { return s.profile }

// Cookies returns the live cookie jar of the session.
func (s *Session) Cookies() *Jar { return s.jar }

// Headers returns a copy of the session headers.
func (s *Session) Headers() *Headers {
	s.muHeaders.RLock()
	defer s.muHeaders.RUnlock()
	return s.headers.Clone()
}

// SetHeader sets a session header, replacing every line with the same name.
func (s *Session) SetHeader(name, value string) {
	s.muHeaders.Lock()
	defer s.muHeaders.Unlock()
	s.headers.Set(name, value)
}

// DelHeader removes a session header.
func (s *Session) DelHeader(name string) {
	s.muHeaders.Lock()
	defer s.muHeaders.Unlock()
	s.headers.Del(name)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Close releases the engine session. It waits for an in-flight call to finish, and
// every later call fails with ErrClosed. Close is idempotent; only the first call can
// return an error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		s.closeErr = s.handle.Close()
		instrumentation.RecordSessionClosed(context.Background(), s.profile)
		if s.closeErr != nil {
			klog.Warningf("Session.Close: engine session %s: %s", s.handle.ID(), s.closeErr)
		}
	})
	return s.closeErr
}

// acquire takes the session exclusion. A context that is done first wins, so a
// cancelled call never reaches the engine.
func (s *Session) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		s.release()
		return err
	}
	if s.closed.Load() {
		s.release()
		return ErrClosed
	}
	return nil
}

func (s *Session) release() { <-s.sem }

// defaults snapshots the configuration the request translator needs.
func (s *Session) defaults() sessionDefaults {
	return sessionDefaults{
		baseURL:         s.opts.BaseURL,
		headers:         s.Headers(),
		jar:             s.jar,
		proxyURL:        s.opts.ProxyURL,
		verify:          s.opts.Verify,
		http2:           s.opts.HTTP2,
		timeout:         s.opts.Timeout,
		followRedirects: s.opts.FollowRedirects,
	}
}
