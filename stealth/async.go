package stealth

import (
	"context"
	"net/http"
	"sync"
)

// Future is the pending result of an asynchronous call.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(resp *Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the call completes or ctx is done. Giving up on a call that already
// reached the engine does not stop it; its result is discarded.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Gather waits for every future and returns the responses in argument order. The error
// is the first failure in argument order; responses of successful calls are still set.
func Gather(ctx context.Context, futures ...*Future) ([]*Response, error) {
	responses := make([]*Response, len(futures))
	var firstErr error
	for i, f := range futures {
		resp, err := f.Wait(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		responses[i] = resp
	}
	return responses, firstErr
}

// AsyncClient is the asynchronous façade. Every verb returns a *Future immediately and
// runs Session.Execute on a bounded pool of worker goroutines. Calls on one AsyncClient
// still reach the engine one at a time.
type AsyncClient struct {
	*Session

	workers chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup

	// muClose protects closing and orders wg.Add against Close.
	muClose sync.Mutex
	closing bool
}

// NewAsyncClient builds an AsyncClient on a fresh Session. WithWorkers bounds the pool.
func NewAsyncClient(opts ...Option) (*AsyncClient, error) {
	s, err := NewSession(opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{
		Session: s,
		workers: make(chan struct{}, s.opts.Workers),
		quit:    make(chan struct{}),
	}, nil
}

// Do dispatches req to the worker pool. If ctx is done before a worker picks the call
// up, the call never reaches the engine and the future resolves with the context error.
func (c *AsyncClient) Do(ctx context.Context, req *Request) *Future {
	f := newFuture()

	c.muClose.Lock()
	if c.closing {
		c.muClose.Unlock()
		f.resolve(nil, ErrClosed)
		return f
	}
	c.wg.Add(1)
	c.muClose.Unlock()

	go func() {
		defer c.wg.Done()

		select {
		case c.workers <- struct{}{}:
		case <-ctx.Done():
			f.resolve(nil, ctx.Err())
			return
		case <-c.quit:
			f.resolve(nil, ErrClosed)
			return
		}
		defer func() { <-c.workers }()

		f.resolve(c.Execute(ctx, req))
	}()
	return f
}

// Request dispatches a request with an arbitrary method.
func (c *AsyncClient) Request(ctx context.Context, method, url string, opts ...RequestOption) *Future {
	return c.Do(ctx, NewRequest(method, url, opts...))
}

// Get dispatches a GET request.
func (c *AsyncClient) Get(ctx context.Context, url string, opts ...RequestOption) *Future {
	return c.Request(ctx, http.MethodGet, url, opts...)
}

// Post dispatches a POST request.
func (c *AsyncClient) Post(ctx context.Context, url string, opts ...RequestOption) *Future {
	return c.Request(ctx, http.MethodPost, url, opts...)
}

// Put dispatches a PUT request.
func (c *AsyncClient) Put(ctx context.Context, url string, opts ...RequestOption) *Future {
	return c.Request(ctx, http.MethodPut, url, opts...)
}

// Patch dispatches a PATCH request.
func (c *AsyncClient) Patch(ctx context.Context, url string, opts ...RequestOption) *Future {
	return c.Request(ctx, http.MethodPatch, url, opts...)
}

// Delete dispatches a DELETE request.
func (c *AsyncClient) Delete(ctx context.Context, url string, opts ...RequestOption) *Future {
	return c.Request(ctx, http.MethodDelete, url, opts...)
}

// Head dispatches a HEAD request.
func (c *AsyncClient) Head(ctx context.Context, url string, opts ...RequestOption) *Future {
	return c.Request(ctx, http.MethodHead, url, opts...)
}

// Options dispatches an OPTIONS request.
func (c *AsyncClient) Options(ctx context.Context, url string, opts ...RequestOption) *Future {
	return c.Request(ctx, http.MethodOptions, url, opts...)
}

// Close stops accepting calls, aborts queued calls with ErrClosed, waits for running
// calls and then closes the session.
func (c *AsyncClient) Close() error {
	c.muClose.Lock()
	if !c.closing {
		c.closing = true
		close(c.quit)
	}
	c.muClose.Unlock()

	c.wg.Wait()
	return c.Session.Close()
}
