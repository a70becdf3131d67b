package stealth

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
	"github.com/ditsuke/go-stealth/stealth/instrumentation"
)

// Execute performs one request on the session. It is the only path to the engine: every
// verb of Client and AsyncClient ends up here.
//
// Status codes never produce an error; see Response.RaiseForStatus. Failures are one of
// *InvalidRequestError, *RequestError, ErrClosed or the context error when ctx is done
// before the call reaches the engine. Once the engine call has started it runs to
// completion regardless of ctx; the engine enforces the request timeout.
func (s *Session) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, &InvalidRequestError{Reason: "nil request"}
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	wire, target, err := translate(s.defaults(), req)
	if err != nil {
		return nil, err
	}

	statusCode := 0
	errKind := ""
	var reqErr error
	requestTrace := instrumentation.StartRequest(ctx, req.Method, target.Host, s.profile)
	defer func() {
		requestTrace.End(statusCode, errKind, reqErr)
	}()

	start := time.Now()
	answer, err := s.handle.Invoke(wire)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, engine.ErrHandleClosed) {
			reqErr, errKind = ErrClosed, "closed"
			return nil, reqErr
		}
		reqErr = classifyCallError(req, err)
		errKind = errorKindName(reqErr)
		klog.Warningf("Execute: %s %s failed after %s: %s", req.Method, target, elapsed, reqErr)
		return nil, reqErr
	}

	response, err := translateResponse(answer, req, target, s.jar.clock())
	if err != nil {
		reqErr = classifyCallError(req, err)
		errKind = errorKindName(reqErr)
		klog.Errorf("Execute: %s %s: %s", req.Method, target, reqErr)
		return nil, reqErr
	}
	response.Elapsed = elapsed
	statusCode = response.StatusCode

	// Cookies are merged before the exclusion is released, so concurrent calls never
	// lose updates.
	s.jar.Merge(response.SetCookies...)
	instrumentation.RecordCookies(requestTrace.Context(), len(response.SetCookies))
	response.Cookies = s.jar.Clone()

	klog.V(1).Infof("Execute: %s %s -> %s %s (%s)", req.Method, target, response.URL, response.Status(), elapsed)
	return response, nil
}

func errorKindName(err error) string {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return "request"
	}
	switch reqErr.Kind {
	case ErrTimeout:
		return string(engine.CategoryTimeout)
	case ErrConnect:
		return string(engine.CategoryConnect)
	}
	return string(engine.CategoryRequest)
}
