package engine

import (
	"errors"
	"sync"

	"k8s.io/klog/v2"
)

// The engine runtime is process-wide state: the set of engine sessions that are open in
// this process. It is initialized by Init, which Open calls lazily, and torn down by
// Shutdown, which closes every session still open. Both are idempotent.
var rt struct {
	once sync.Once
	mu   sync.Mutex
	live map[*handleState]struct{}
}

// Init prepares the process-wide engine runtime. Calling it more than once is a no-op.
func Init() {
	rt.once.Do(func() {
		rt.mu.Lock()
		rt.live = make(map[*handleState]struct{})
		rt.mu.Unlock()
		klog.V(1).Infof("engine: runtime initialized")
	})
}

func register(s *handleState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.live[s] = struct{}{}
}

func unregister(s *handleState) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.live, s)
}

// LiveHandles returns the number of engine sessions currently open in this process.
func LiveHandles() int {
	Init()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.live)
}

// Shutdown closes every engine session still open in this process. Handles closed this
// way fail further calls with ErrHandleClosed.
func Shutdown() error {
	Init()
	rt.mu.Lock()
	states := make([]*handleState, 0, len(rt.live))
	for s := range rt.live {
		states = append(states, s)
	}
	rt.mu.Unlock()

	var errs []error
	for _, s := range states {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(states) > 0 {
		klog.Infof("engine: shutdown closed %d open session(s)", len(states))
	}
	return errors.Join(errs...)
}
