package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
)

// Errors
var (
	errCacheFull       = errors.New("engine session limit reached")
	errProfileMismatch = errors.New("session was opened with a different profile")
	errCacheClosed     = errors.New("session cache is closed")
)

// SessionCache maps client session ids to engine handles. Sessions are created on first
// use and closed after sitting idle for the TTL.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*cachedSession
	ttl      time.Duration
	limit    int
	driver   engine.Driver
	closed   bool

	stop chan struct{}
	done chan struct{}
}

type cachedSession struct {
	// mu serializes calls on handle.
	mu        sync.Mutex
	handle    *engine.Handle
	profile   string
	createdAt time.Time
	// lastUsed is unix nanoseconds, readable without waiting for an in-flight call.
	lastUsed atomic.Int64

	// ready is closed once the engine session is open, or failed to open with openErr.
	// handle and openErr are only read after ready is closed.
	ready   chan struct{}
	openErr error
}

func (s *cachedSession) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}

func (s *cachedSession) opening() bool {
	select {
	case <-s.ready:
		return false
	default:
		return true
	}
}

// DefaultSessionTTL is the default idle time-to-live for cached sessions
const DefaultSessionTTL = 30 * time.Minute

// NewSessionCache creates a new session cache opening sessions on driver. limit <= 0
// means no limit.
func NewSessionCache(driver engine.Driver, ttl time.Duration, limit int) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	sc := &SessionCache{
		sessions: make(map[string]*cachedSession),
		ttl:      ttl,
		limit:    limit,
		driver:   driver,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Start cleanup goroutine
	go sc.cleanupLoop()
	return sc
}

// getOrCreate returns the session for id, opening one with profile and cfg if needed.
// The engine session is opened outside the cache lock; concurrent callers for the same
// id wait for that open instead of starting their own.
func (sc *SessionCache) getOrCreate(id, profile string, cfg engine.Config) (*cachedSession, error) {
	// Try to get from cache first with read lock
	sc.mu.RLock()
	session, exists := sc.sessions[id]
	sc.mu.RUnlock()

	if exists {
		return sc.touch(session, profile)
	}

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil, errCacheClosed
	}
	// Check again in case someone else created it while we were waiting for the lock
	if session, exists := sc.sessions[id]; exists {
		sc.mu.Unlock()
		return sc.touch(session, profile)
	}
	if sc.limit > 0 && len(sc.sessions) >= sc.limit {
		sc.mu.Unlock()
		return nil, errCacheFull
	}
	now := time.Now()
	session = &cachedSession{
		profile:   profile,
		createdAt: now,
		ready:     make(chan struct{}),
	}
	session.lastUsed.Store(now.UnixNano())
	sc.sessions[id] = session
	sc.mu.Unlock()

	klog.V(2).Infof("Creating new engine session %s with profile %s", id, profile)
	handle, err := engine.Open(sc.driver, profile, cfg)

	sc.mu.Lock()
	if err != nil {
		if sc.sessions[id] == session {
			delete(sc.sessions, id)
		}
		session.openErr = err
		close(session.ready)
		sc.mu.Unlock()
		return nil, err
	}
	session.handle = handle
	session.lastUsed.Store(time.Now().UnixNano())
	close(session.ready)
	closed := sc.closed
	sc.mu.Unlock()

	if closed {
		// Close took this session along with the rest and releases it.
		return nil, errCacheClosed
	}
	klog.V(2).Infof("Engine session cached: %s", id)
	return session, nil
}

func (sc *SessionCache) touch(session *cachedSession, profile string) (*cachedSession, error) {
	if session.profile != profile {
		return nil, fmt.Errorf("%w: %s", errProfileMismatch, session.profile)
	}
	<-session.ready
	if session.openErr != nil {
		return nil, session.openErr
	}
	session.lastUsed.Store(time.Now().UnixNano())
	return session, nil
}

// invoke performs one call on the session handle, one call at a time.
func (s *cachedSession) invoke(req *engine.Request) (*engine.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.lastUsed.Store(time.Now().UnixNano()) }()
	return s.handle.Invoke(req)
}

// close waits for a pending open and an in-flight call, then releases the handle.
func (s *cachedSession) close() error {
	<-s.ready
	if s.handle == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Close()
}

// Delete removes a session from the cache and closes it. Unknown ids are ignored.
func (sc *SessionCache) Delete(id string) error {
	sc.mu.Lock()
	session, exists := sc.sessions[id]
	delete(sc.sessions, id)
	sc.mu.Unlock()

	if !exists {
		return nil
	}
	klog.V(2).Infof("Engine session removed: %s", id)
	return session.close()
}

// cleanupLoop periodically removes expired sessions
func (sc *SessionCache) cleanupLoop() {
	defer close(sc.done)

	interval := sc.ttl / 6
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.cleanup(time.Now())
		case <-sc.stop:
			return
		}
	}
}

// cleanup closes every session idle since before now - ttl.
func (sc *SessionCache) cleanup(now time.Time) {
	sc.mu.Lock()
	expired := make(map[string]*cachedSession)
	for id, session := range sc.sessions {
		if !session.opening() && session.idle(now) > sc.ttl {
			expired[id] = session
			delete(sc.sessions, id)
		}
	}
	sc.mu.Unlock()

	for id, session := range expired {
		if err := session.close(); err != nil {
			klog.Warningf("Failed to close expired engine session %s: %s", id, err)
		}
	}

	if len(expired) > 0 {
		klog.V(2).Infof("Cleaned up %d expired sessions", len(expired))
	}
}

// Close stops the cleanup loop and closes every session.
func (sc *SessionCache) Close() error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	sessions := sc.sessions
	sc.sessions = make(map[string]*cachedSession)
	sc.mu.Unlock()

	close(sc.stop)
	<-sc.done

	var errs []error
	for id, session := range sessions {
		if err := session.close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns cache statistics
func (sc *SessionCache) Stats() (total int, idle int) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	now := time.Now()
	for _, session := range sc.sessions {
		total++
		if session.idle(now) > time.Minute {
			idle++
		}
	}
	return
}
